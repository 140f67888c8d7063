package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"meshroom/internal/client/signaling"
	"meshroom/internal/core/domain"
	"meshroom/internal/ui"

	"github.com/spf13/cobra"
)

var roomsTimeout time.Duration

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List public rooms on the relay",
	Args:  cobra.NoArgs,
	RunE:  runRooms,
}

func init() {
	roomsCmd.Flags().DurationVar(&roomsTimeout, "timeout", 5*time.Second, "how long to wait for the relay")
}

func runRooms(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger()
	defer log.Sync()

	ctx, cancel := context.WithTimeout(cmd.Context(), roomsTimeout)
	defer cancel()

	opts := signaling.OptionsFromConfig(cfg)
	opts.RoomsInterval = 0
	client := signaling.NewClient(opts, log.With("component", "signaling"))
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	rooms, err := fetchRooms(ctx, client)
	if err != nil {
		return err
	}

	fmt.Println(ui.TitleStyle.Render(fmt.Sprintf("%s Public rooms", ui.IconRoom)))
	fmt.Println(ui.RoomsTable(rooms))
	return nil
}

// fetchRooms asks the relay for the directory and waits for the answer.
func fetchRooms(ctx context.Context, client *signaling.Client) ([]domain.RoomInfo, error) {
	if err := client.Send(domain.EventGetRooms, nil); err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("no room list from relay: %w", ctx.Err())
		case env, ok := <-client.Incoming():
			if !ok {
				return nil, errors.New("relay closed the connection")
			}
			if env.Type != domain.EventRoomsUpdate {
				continue
			}
			var rooms []domain.RoomInfo
			if err := json.Unmarshal(env.Payload, &rooms); err != nil {
				return nil, fmt.Errorf("invalid room list: %w", err)
			}
			return rooms, nil
		}
	}
}
