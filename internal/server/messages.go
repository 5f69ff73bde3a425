package server

import (
	"net/http"
	"time"

	"github.com/strayduy/chatzilla/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is an inbound frame. Exactly one event field is expected to
// be set; the client-chosen Id is echoed in the acknowledgement.
type ClientMessage struct {
	BaseMessage
	Join          *Join          `json:"join,omitempty"`
	Subscribe     *Subscribe     `json:"subscribe,omitempty"`
	Unsubscribe   *Unsubscribe   `json:"unsubscribe,omitempty"`
	Publish       *Publish       `json:"message,omitempty"`
	RemoveMessage *RemoveMessage `json:"remove_message,omitempty"`
	AvatarUrl     *AvatarUrl     `json:"avatar_url,omitempty"`
}

type Join struct {
	UserId string `json:"user_id" validate:"required,max=128"`
	Email  string `json:"email" validate:"required,max=254"`
}

type Subscribe struct {
	Room string `json:"room" validate:"required,max=128"`
}

type Unsubscribe struct {
	Room string `json:"room" validate:"required,max=128"`
}

type Publish struct {
	Room       string `json:"room" validate:"required,max=128"`
	Content    string `json:"content" validate:"required,max=4096"`
	ClientSent int64  `json:"client_sent"`
}

// RemoveMessage identifies the message to remove. SenderId and Room are
// informational; authorization uses the persisted record.
type RemoveMessage struct {
	Id       string `json:"id" validate:"required"`
	SenderId string `json:"sender_id"`
	Room     string `json:"room"`
}

type AvatarUrl struct {
	UserId string `json:"user_id" validate:"required"`
}

// event returns the payload of the first event set on the message.
func (cm *ClientMessage) event() any {
	switch {
	case cm.Join != nil:
		return cm.Join
	case cm.Subscribe != nil:
		return cm.Subscribe
	case cm.Unsubscribe != nil:
		return cm.Unsubscribe
	case cm.Publish != nil:
		return cm.Publish
	case cm.RemoveMessage != nil:
		return cm.RemoveMessage
	case cm.AvatarUrl != nil:
		return cm.AvatarUrl
	}
	return nil
}

type ServerMessage struct {
	BaseMessage
	Response     *Response      `json:"response,omitempty"`
	Message      *types.Message `json:"message,omitempty"`
	Notification *Notification  `json:"notification,omitempty"`
}

// Response acknowledges a client event with (Ok, Data).
type Response struct {
	Ok           bool   `json:"ok"`
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type Notification struct {
	Stats         *types.Stats    `json:"stats,omitempty"`
	RemoveMessage *RemovedMessage `json:"remove_message,omitempty"`
	Debug         string          `json:"debug,omitempty"`
}

type RemovedMessage struct {
	Id   string `json:"id"`
	Room string `json:"room"`
}

type JoinResult struct {
	UserId string `json:"user_id"`
	Email  string `json:"email"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			Ok:           true,
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func errResponse(id, code int, errMsg string, data any) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        errMsg,
			Data:         data,
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func ErrInvalidMessage(id int) *ServerMessage {
	return errResponse(id, http.StatusBadRequest, "invalid message format", nil)
}

func ErrBadRequest(id int, reason string) *ServerMessage {
	return errResponse(id, http.StatusBadRequest, reason, nil)
}

func ErrJoinRequired(id int) *ServerMessage {
	return errResponse(id, http.StatusUnauthorized, "join required", nil)
}

func ErrPermissionDenied(id int) *ServerMessage {
	return errResponse(id, http.StatusForbidden, "permission denied", map[string]any{})
}

func ErrMessageNotFound(id int) *ServerMessage {
	return errResponse(id, http.StatusNotFound, "message not found", map[string]any{})
}

func ErrHistoryUnavailable(id int) *ServerMessage {
	return errResponse(id, http.StatusInternalServerError, "history unavailable", nil)
}

func ErrAvatarUnavailable(id int) *ServerMessage {
	return errResponse(id, http.StatusNotFound, "avatar unavailable", "")
}

func ErrInternalError(id int) *ServerMessage {
	return errResponse(id, http.StatusInternalServerError, "internal server error", nil)
}

func MessageEvent(msg types.Message) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Message:     &msg,
	}
}

func StatsEvent(people []string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			Stats: &types.Stats{People: people},
		},
	}
}

func RemoveMessageEvent(id, room string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			RemoveMessage: &RemovedMessage{Id: id, Room: room},
		},
	}
}

func DebugEvent(text string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			Debug: text,
		},
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
