package ui

import (
	"encoding/json"
	"fmt"
	"time"

	"meshroom/internal/core/domain"
)

// broadcastFields covers the payload shapes the CLI knows how to print.
type broadcastFields struct {
	SenderID domain.UserID `json:"senderId"`
	UserName string        `json:"userName"`
	Message  string        `json:"message"`
	Emoji    string        `json:"emoji"`
	Text     string        `json:"text"`
}

// FormatEvent renders a room broadcast as a single line.
func FormatEvent(env domain.Envelope, at time.Time) string {
	var f broadcastFields
	_ = json.Unmarshal(env.Payload, &f)

	who := string(f.SenderID)
	if f.UserName != "" {
		who = f.UserName
	}
	stamp := MutedStyle.Render(at.Format("15:04:05"))
	sender := NameStyle.Render(who)

	switch env.Type {
	case domain.EventChatMessage:
		return fmt.Sprintf("%s %s %s: %s", stamp, IconChat, sender, f.Message)
	case domain.EventReaction:
		return fmt.Sprintf("%s %s reacted %s", stamp, sender, f.Emoji)
	case domain.EventCaption:
		return fmt.Sprintf("%s %s %s", stamp, sender, MutedStyle.Render(f.Text))
	default:
		return fmt.Sprintf("%s %s %s", stamp, sender, MutedStyle.Render(string(env.Type)))
	}
}

// FormatRoomEvent renders a lifecycle event received from the event bus.
func FormatRoomEvent(instance string, event domain.RoomEvent) string {
	line := fmt.Sprintf("%s %s %s %s",
		MutedStyle.Render(event.Timestamp.Format("15:04:05")),
		IconRoom,
		BoldStyle.Render(string(event.RoomID)),
		TitleStyle.Render(string(event.Type)),
	)
	if event.UserID != "" {
		line += " " + NameStyle.Render(string(event.UserID))
	}
	line += MutedStyle.Render(fmt.Sprintf(" members=%d public=%t via %s", event.Count, event.IsPublic, instance))
	return line
}
