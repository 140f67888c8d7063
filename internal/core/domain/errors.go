package domain

import "errors"

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrMemberNotFound  = errors.New("member not found")
	ErrRoomFull        = errors.New("room is full")
	ErrInvalidRoomID   = errors.New("invalid room id")
	ErrInvalidUserID   = errors.New("invalid user id")
	ErrPeerNotFound    = errors.New("peer not found")
	ErrPeerClosed      = errors.New("peer link closed")
	ErrNotInRoom       = errors.New("not in a room")
	ErrMediaNotStarted = errors.New("local media not started")
)
