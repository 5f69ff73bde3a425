package database

import (
	"context"
	"errors"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrRoomNotFound    = errors.New("room not found")
	ErrUserNotFound    = errors.New("user not found")
)

// ChatRepository persists chat messages.
//
// InsertMessage must not return before the write is acknowledged by the
// store: the returned id is handed to clients and used for later removal.
// MarkMessageRemoved may use a weaker durability level.
type ChatRepository interface {
	Ping(ctx context.Context) error
	InsertMessage(ctx context.Context, msg Message) (string, error)
	FindMessagesByRoom(ctx context.Context, room string) ([]Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	MarkMessageRemoved(ctx context.Context, id string) error
	Close() error
}

// LookupRepository resolves room owners and user avatars.
type LookupRepository interface {
	GetRoomOwner(ctx context.Context, room string) (string, error)
	GetAvatarURL(ctx context.Context, userId string) (string, error)
}
