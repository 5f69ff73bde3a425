package server

import (
	"context"
	"errors"

	"github.com/strayduy/chatzilla/internal/database"
)

var ErrNoAvatar = errors.New("no avatar")

// RoomOwnership decides whether a user owns a room.
type RoomOwnership interface {
	IsRoomOwner(ctx context.Context, userId, room string) (bool, error)
}

// AvatarLookup resolves a user's avatar URL.
type AvatarLookup interface {
	AvatarURL(ctx context.Context, userId string) (string, error)
}

// NoRoomOwnership owns nothing.
type NoRoomOwnership struct{}

func (NoRoomOwnership) IsRoomOwner(context.Context, string, string) (bool, error) {
	return false, nil
}

// NoAvatars has no avatars.
type NoAvatars struct{}

func (NoAvatars) AvatarURL(context.Context, string) (string, error) {
	return "", ErrNoAvatar
}

// StoreRoomOwnership reads room owners from the rooms collection.
type StoreRoomOwnership struct {
	Repo database.LookupRepository
}

func (o StoreRoomOwnership) IsRoomOwner(ctx context.Context, userId, room string) (bool, error) {
	owner, err := o.Repo.GetRoomOwner(ctx, room)
	if errors.Is(err, database.ErrRoomNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return owner != "" && owner == userId, nil
}

// StoreAvatars reads avatar URLs from the users collection.
type StoreAvatars struct {
	Repo database.LookupRepository
}

func (a StoreAvatars) AvatarURL(ctx context.Context, userId string) (string, error) {
	url, err := a.Repo.GetAvatarURL(ctx, userId)
	if errors.Is(err, database.ErrUserNotFound) {
		return "", ErrNoAvatar
	}
	if err != nil {
		return "", err
	}
	if url == "" {
		return "", ErrNoAvatar
	}

	return url, nil
}

// Policy authorizes message removal: a sender may remove their own
// messages and a room owner may remove any message in the room.
type Policy struct {
	ownership RoomOwnership
}

func NewPolicy(ownership RoomOwnership) *Policy {
	if ownership == nil {
		ownership = NoRoomOwnership{}
	}

	return &Policy{ownership: ownership}
}

func (p *Policy) CanRemove(ctx context.Context, requesterId, room, senderId string) bool {
	if requesterId == senderId {
		return true
	}

	owner, err := p.ownership.IsRoomOwner(ctx, requesterId, room)
	return err == nil && owner
}
