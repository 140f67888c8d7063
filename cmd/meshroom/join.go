package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"meshroom/internal/client/media"
	"meshroom/internal/client/mesh"
	"meshroom/internal/client/session"
	"meshroom/internal/client/signaling"
	"meshroom/internal/core/domain"
	"meshroom/internal/core/services"
	"meshroom/internal/ui"
	"meshroom/pkg/utils"
	"meshroom/pkg/validation"

	"github.com/spf13/cobra"
)

var (
	joinName   string
	joinUser   string
	joinTitle  string
	joinPublic bool
)

var joinCmd = &cobra.Command{
	Use:   "join [room]",
	Short: "Join a room, creating it when it does not exist",
	Long: `Join a room by code. Without a code a new one is generated and printed
so others can join. Type a line to chat, or one of:

  /share     start sharing the screen
  /unshare   stop sharing the screen
  /camera    switch to the next camera
  /mute      mute or unmute the microphone
  /video     turn the camera off or on
  /react E   send a reaction
  /peers     show connection quality per peer
  /rooms     show public rooms
  /quit      leave the room`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJoin,
}

func init() {
	joinCmd.Flags().StringVarP(&joinName, "name", "n", "", "display name shown to others")
	joinCmd.Flags().StringVarP(&joinUser, "user", "u", "", "user id (random when empty)")
	joinCmd.Flags().StringVarP(&joinTitle, "title", "t", "", "room name, applied when the room is created")
	joinCmd.Flags().BoolVarP(&joinPublic, "public", "p", false, "list a newly created room in the public directory")
}

func runJoin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger()
	defer log.Sync()

	var roomID string
	if len(args) > 0 {
		roomID = utils.SanitizeRoomCode(args[0])
		if roomID == "" {
			return fmt.Errorf("invalid room code %q", args[0])
		}
	} else {
		roomID = utils.GenerateRoomCode()
	}

	userID := joinUser
	if userID == "" {
		userID = utils.GenerateUserID()
	}
	name := joinName
	if name == "" {
		name = cfg.Client.DisplayName
	}
	if name != "" {
		if err := validation.ValidateDisplayName(name); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := signaling.NewClient(signaling.OptionsFromConfig(cfg), log.With("component", "signaling"))
	client.OnStatusChange(func(s signaling.Status) {
		if s == signaling.StatusOffline {
			ui.PrintWarning("signaling offline, existing calls stay up")
		}
	})
	if err := client.Connect(ctx); err != nil {
		return err
	}

	factory, err := mesh.NewPionFactory(cfg)
	if err != nil {
		client.Close()
		return err
	}

	receiver := media.NewReceiver(log.With("component", "receiver"))
	sess := session.New(
		session.Options{
			RoomID:        domain.RoomID(roomID),
			UserID:        domain.UserID(userID),
			DisplayName:   name,
			Room:          &domain.RoomConfig{Name: joinTitle, IsPublic: joinPublic},
			StatsInterval: cfg.Client.StatsInterval,
		},
		client,
		media.NewController("meshroom-"+userID, log.With("component", "media")),
		factory,
		mesh.ConfigFromConfig(cfg, domain.UserID(userID), name),
		receiver,
		log,
	)
	defer sess.Close()

	sess.OnStats(newQualityWatcher().observe)

	mic := media.NewSyntheticAudio("mic")
	camera := media.NewSyntheticVideo("camera", 640, 480, 30)
	if err := sess.Join(ctx, mic, camera); err != nil {
		if errors.Is(err, domain.ErrRoomFull) {
			return fmt.Errorf("room %s is full", roomID)
		}
		return err
	}

	fmt.Println(ui.BoxStyle.Render(fmt.Sprintf("%s Joined %s\n\n%s You are %s\n%s Peers: %d",
		ui.IconRoom, ui.TitleStyle.Render(roomID),
		ui.IconPeer, ui.NameStyle.Render(userID),
		ui.IconSignal, len(sess.Peers()),
	)))
	ui.PrintInfof("share the code %s with others, type /quit to leave", ui.BoldStyle.Render(roomID))

	lines := make(chan string)
	go readLines(lines)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	cameras := 1
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			ui.PrintSuccess("left the room")
			return nil

		case env := <-sess.Events():
			fmt.Println(ui.FormatEvent(env, time.Now()))

		case <-ticker.C:
			fmt.Println(statusLine(sess))

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			done, err := handleLine(sess, receiver, line, &cameras)
			if err != nil {
				ui.PrintError(err.Error())
			}
			if done {
				ui.PrintSuccess("left the room")
				return nil
			}
		}
	}
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// handleLine runs one line of user input. It reports true when the user
// asked to leave.
func handleLine(sess *session.Session, receiver *media.Receiver, line string, cameras *int) (bool, error) {
	line = utils.SanitizeString(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, sess.SendChat(line)
	}

	command, arg, _ := strings.Cut(line, " ")
	switch command {
	case "/quit", "/leave":
		return true, nil
	case "/share":
		if err := sess.StartScreenShare(media.NewSyntheticVideo("screen", 1280, 720, 15)); err != nil {
			return false, err
		}
		ui.PrintSuccess("sharing screen")
	case "/unshare":
		sess.StopScreenShare()
		ui.PrintInfo("screen share stopped")
	case "/camera":
		*cameras++
		id := fmt.Sprintf("camera-%d", *cameras)
		if err := sess.SwitchCamera(media.NewSyntheticVideo(id, 640, 480, 30)); err != nil {
			return false, err
		}
		ui.PrintSuccessf("switched to %s", id)
	case "/mute":
		on, err := sess.ToggleAudio()
		if err != nil {
			return false, err
		}
		if on {
			ui.PrintInfo("microphone on")
		} else {
			ui.PrintInfo("microphone muted")
		}
	case "/video":
		on, err := sess.ToggleVideo()
		if err != nil {
			return false, err
		}
		if on {
			ui.PrintInfo("camera on")
		} else {
			ui.PrintInfo("camera off")
		}
	case "/react":
		if arg == "" {
			arg = "👍"
		}
		return false, sess.SendReaction(arg)
	case "/peers":
		fmt.Println(ui.PeersTable(sess.Peers(), sess.Stats(), receiver.Feeds()))
	case "/rooms":
		fmt.Println(ui.RoomsTable(sess.Rooms()))
	default:
		ui.PrintWarningf("unknown command %s", command)
	}
	return false, nil
}

func statusLine(sess *session.Session) string {
	connected := 0
	peers := sess.Peers()
	for _, p := range peers {
		if p.State == domain.PeerStateConnected {
			connected++
		}
	}
	return fmt.Sprintf("%s %s",
		ui.StatusStyle.Render(sess.Status().String()),
		ui.MutedStyle.Render(fmt.Sprintf("relay %s  peers %d/%d connected",
			utils.FormatDuration(sess.Latency()), connected, len(peers))),
	)
}

// qualityWatcher prints a line whenever a peer's connection grade changes.
type qualityWatcher struct {
	mu   sync.Mutex
	last map[domain.UserID]domain.Quality
}

func newQualityWatcher() *qualityWatcher {
	return &qualityWatcher{last: make(map[domain.UserID]domain.Quality)}
}

func (w *qualityWatcher) observe(s services.PeerStats) {
	if s.Quality == domain.QualityUnknown {
		return
	}

	w.mu.Lock()
	prev, seen := w.last[s.UserID]
	w.last[s.UserID] = s.Quality
	w.mu.Unlock()

	if seen && prev == s.Quality {
		return
	}
	if !seen && s.Quality == domain.QualityGood {
		return
	}
	fmt.Printf("%s %s connection is %s (rtt %.0fms, loss %.1f%%)\n",
		ui.IconSignal,
		ui.NameStyle.Render(string(s.UserID)),
		ui.QualityStyle(s.Quality).Render(string(s.Quality)),
		s.Stats.RTT,
		s.Stats.PacketLossPercentage,
	)
}
