package ui

import (
	"fmt"

	"meshroom/internal/client/media"
	"meshroom/internal/client/mesh"
	"meshroom/internal/core/domain"
	"meshroom/internal/core/services"
	"meshroom/pkg/utils"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.Style().Format.Header = text.FormatUpper
	return t
}

// RoomsTable renders the public room directory.
func RoomsTable(rooms []domain.RoomInfo) string {
	if len(rooms) == 0 {
		return MutedStyle.Render("No public rooms")
	}

	t := newTable()
	t.AppendHeader(table.Row{"Room", "Name", "Members"})
	for _, r := range rooms {
		t.AppendRow(table.Row{r.RoomID, utils.TruncateString(r.Name, 40), r.Count})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
	})
	return t.Render()
}

// PeersTable renders one row per remote peer with its latest quality sample
// and received media counters.
func PeersTable(peers []mesh.PeerInfo, stats []services.PeerStats, feeds []media.RemoteFeed) string {
	if len(peers) == 0 {
		return MutedStyle.Render("Nobody else is here yet")
	}

	byPeer := make(map[domain.UserID]services.PeerStats, len(stats))
	for _, s := range stats {
		byPeer[s.UserID] = s
	}
	feedOf := make(map[domain.UserID]media.RemoteFeed, len(feeds))
	for _, f := range feeds {
		feedOf[f.UserID] = f
	}

	t := newTable()
	t.AppendHeader(table.Row{"Peer", "State", "Quality", "RTT", "Jitter", "Loss", "Video", "Packets"})
	for _, p := range peers {
		name := string(p.UserID)
		if p.Name != "" {
			name = fmt.Sprintf("%s (%s)", p.Name, p.UserID)
		}
		if p.ScreenShare {
			name += " " + IconScreen
		}

		row := table.Row{name, p.State.String(), "-", "-", "-", "-", "-", "-"}
		if s, ok := byPeer[p.UserID]; ok {
			row[2] = QualityStyle(s.Quality).Render(string(s.Quality))
			row[3] = fmt.Sprintf("%.0fms", s.Stats.RTT)
			row[4] = fmt.Sprintf("%.1fms", s.Stats.Jitter)
			row[5] = fmt.Sprintf("%.1f%%", s.Stats.PacketLossPercentage)
			if s.Stats.Resolution != "" {
				row[6] = fmt.Sprintf("%s@%.0f", s.Stats.Resolution, s.Stats.FrameRate)
			}
		}
		if f, ok := feedOf[p.UserID]; ok {
			row[7] = f.AudioPackets + f.VideoPackets
		}
		t.AppendRow(row)
	}
	return t.Render()
}
