package utils

import (
	"crypto/rand"
	"math/big"

	"github.com/google/uuid"
)

const (
	base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

	// RoomCodeLength and UserIDLength match the codes users type and share.
	RoomCodeLength = 6
	UserIDLength   = 6
)

// GenerateRoomCode returns a random lowercase alphanumeric room code.
func GenerateRoomCode() string {
	return randomBase36(RoomCodeLength)
}

// GenerateUserID returns a random base36 id identifying one participant.
func GenerateUserID() string {
	return randomBase36(UserIDLength)
}

// GenerateSessionID identifies one websocket connection on the relay.
func GenerateSessionID() string {
	return uuid.NewString()
}

func randomBase36(n int) string {
	max := big.NewInt(int64(len(base36Alphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		b[i] = base36Alphabet[idx.Int64()]
	}
	return string(b)
}
