package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"github.com/strayduy/chatzilla/internal/database"
	"github.com/strayduy/chatzilla/internal/types"
)

// handle dispatches one inbound message and returns its acknowledgement.
func (cs *ChatServer) handle(ctx context.Context, c *Client, msg *ClientMessage) (resp *ServerMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Int("msg_id", msg.Id).Msg("handler panicked")
			resp = ErrInternalError(msg.Id)
		}
	}()

	event := msg.event()
	if event == nil {
		c.log.Warn().Int("msg_id", msg.Id).Msg("message carries no event")
		return ErrInvalidMessage(msg.Id)
	}

	if err := cs.validate.Struct(event); err != nil {
		return ErrBadRequest(msg.Id, validationReason(err))
	}

	switch {
	case msg.Join != nil:
		return cs.handleJoin(c, msg)
	case msg.Subscribe != nil:
		return cs.handleSubscribe(ctx, c, msg)
	case msg.Unsubscribe != nil:
		return cs.handleUnsubscribe(c, msg)
	case msg.Publish != nil:
		return cs.handlePublish(ctx, c, msg)
	case msg.RemoveMessage != nil:
		return cs.handleRemoveMessage(ctx, c, msg)
	default:
		return cs.handleAvatarUrl(ctx, c, msg)
	}
}

func validationReason(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return fmt.Sprintf("invalid %s: %s", verrs[0].Field(), verrs[0].Tag())
	}
	return "invalid message"
}

func (cs *ChatServer) handleJoin(c *Client, msg *ClientMessage) *ServerMessage {
	ident := types.Identity{UserId: msg.Join.UserId, Email: msg.Join.Email}

	cs.presenceLock.Lock()
	defer cs.presenceLock.Unlock()

	prev := c.setIdentity(ident)
	if prev != nil && prev.Email != ident.Email {
		if cs.presence.MarkAbsent(prev.Email, c.id) {
			cs.stats.Decr(NumPresentUsers)
		}
	}

	if cs.presence.MarkPresent(ident.Email, c.id) {
		cs.stats.Incr(NumPresentUsers)
	}

	cs.broadcast(StatsEvent(cs.presence.Snapshot()))
	c.log.Info().Str("user_id", ident.UserId).Str("email", ident.Email).Msg("client joined")

	return NoErrOK(msg.Id, JoinResult{UserId: ident.UserId, Email: ident.Email})
}

func (cs *ChatServer) handleSubscribe(ctx context.Context, c *Client, msg *ClientMessage) *ServerMessage {
	room := msg.Subscribe.Room

	if cs.rooms.Add(room, c) {
		cs.stats.Incr(NumActiveRooms)
	}

	history, err := cs.db.FindMessagesByRoom(ctx, room)
	if err != nil {
		c.log.Error().Err(err).Str("room", room).Msg("failed to load history")
		return ErrHistoryUnavailable(msg.Id)
	}

	out := lo.Map(history, func(m database.Message, _ int) types.Message {
		return toMessage(m)
	})

	c.log.Debug().Str("room", room).Int("history", len(out)).Msg("client subscribed")
	return NoErrOK(msg.Id, out)
}

func (cs *ChatServer) handleUnsubscribe(c *Client, msg *ClientMessage) *ServerMessage {
	room := msg.Unsubscribe.Room

	if cs.rooms.Remove(room, c) {
		cs.stats.Decr(NumActiveRooms)
	}

	c.log.Debug().Str("room", room).Msg("client unsubscribed")
	return NoErrOK(msg.Id, room)
}

func (cs *ChatServer) handlePublish(ctx context.Context, c *Client, msg *ClientMessage) *ServerMessage {
	ident := c.Identity()
	if ident == nil {
		return ErrJoinRequired(msg.Id)
	}

	pub := msg.Publish
	lock := cs.roomLock(pub.Room)
	lock.Lock()
	defer lock.Unlock()

	record := database.Message{
		SenderId:   ident.UserId,
		Sender:     ident.Email,
		Room:       pub.Room,
		Content:    pub.Content,
		ClientSent: pub.ClientSent,
		Sent:       cs.clock.Now(),
	}

	id, err := cs.db.InsertMessage(ctx, record)
	if err != nil {
		c.log.Error().Err(err).Str("room", pub.Room).Msg("failed to store message")
		return ErrInternalError(msg.Id)
	}
	record.Id = id

	cs.stats.Incr(NumMessages)

	out := toMessage(record)
	cs.emitToRoom(pub.Room, MessageEvent(out))

	return NoErrOK(msg.Id, out)
}

func (cs *ChatServer) handleRemoveMessage(ctx context.Context, c *Client, msg *ClientMessage) *ServerMessage {
	ident := c.Identity()
	if ident == nil {
		return ErrJoinRequired(msg.Id)
	}

	stored, err := cs.db.GetMessage(ctx, msg.RemoveMessage.Id)
	if errors.Is(err, database.ErrMessageNotFound) {
		return ErrMessageNotFound(msg.Id)
	}
	if err != nil {
		c.log.Error().Err(err).Str("message_id", msg.RemoveMessage.Id).Msg("failed to load message")
		return ErrInternalError(msg.Id)
	}

	if !cs.policy.CanRemove(ctx, ident.UserId, stored.Room, stored.SenderId) {
		c.log.Debug().
			Str("message_id", stored.Id).
			Str("user_id", ident.UserId).
			Msg("message removal denied")
		return ErrPermissionDenied(msg.Id)
	}

	cs.emitToRoom(stored.Room, RemoveMessageEvent(stored.Id, stored.Room))
	cs.markRemoved(ctx, stored.Id)

	out := toMessage(stored)
	out.Removed = true
	return NoErrOK(msg.Id, out)
}

// markRemoved flags the record in the background; callers do not wait for it.
func (cs *ChatServer) markRemoved(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)

	cs.pending.Add(1)
	go func() {
		defer cs.pending.Done()

		if err := cs.db.MarkMessageRemoved(ctx, id); err != nil {
			cs.log.Error().Err(err).Str("message_id", id).Msg("failed to mark message removed")
			return
		}
		cs.stats.Incr(NumRemovedMessages)
	}()
}

func (cs *ChatServer) handleAvatarUrl(ctx context.Context, c *Client, msg *ClientMessage) *ServerMessage {
	url, err := cs.avatars.AvatarURL(ctx, msg.AvatarUrl.UserId)
	if err != nil || url == "" {
		if err != nil && !errors.Is(err, ErrNoAvatar) {
			c.log.Error().Err(err).Str("user_id", msg.AvatarUrl.UserId).Msg("avatar lookup failed")
		}
		return ErrAvatarUnavailable(msg.Id)
	}

	return NoErrOK(msg.Id, url)
}

func toMessage(m database.Message) types.Message {
	return types.Message{
		Id:         m.Id,
		SenderId:   m.SenderId,
		Sender:     m.Sender,
		Room:       m.Room,
		Content:    m.Content,
		ClientSent: m.ClientSent,
		Sent:       m.Sent,
		Removed:    m.Removed,
	}
}
