package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// RoomIDRegex validates room codes and user ids as they travel on the wire.
	RoomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	UserIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

const (
	maxIDLength   = 64
	maxNameLength = 100
)

// ValidateRoomID validates a room id
func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	if len(roomID) > maxIDLength {
		return fmt.Errorf("room id is too long (max %d characters)", maxIDLength)
	}
	if !RoomIDRegex.MatchString(roomID) {
		return fmt.Errorf("room id contains invalid characters")
	}
	return nil
}

// ValidateUserID validates a user id
func ValidateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if len(userID) > maxIDLength {
		return fmt.Errorf("user id is too long (max %d characters)", maxIDLength)
	}
	if !UserIDRegex.MatchString(userID) {
		return fmt.Errorf("user id contains invalid characters")
	}
	return nil
}

// ValidateRoomName validates an optional room display name
func ValidateRoomName(name string) error {
	if !utf8.ValidString(name) {
		return fmt.Errorf("room name contains invalid characters")
	}
	return validateLength(name, 0, maxNameLength, "room name")
}

// ValidateDisplayName validates the name a participant shows to peers
func ValidateDisplayName(name string) error {
	if err := validateNonEmpty(name, "display name"); err != nil {
		return err
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name contains invalid characters")
	}
	return validateLength(name, 1, maxIDLength, "display name")
}

// ValidateSignalURL validates the websocket URL of the signaling server
func ValidateSignalURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be ws or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

func validateNonEmpty(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

func validateLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
