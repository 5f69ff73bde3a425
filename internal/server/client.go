package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/strayduy/chatzilla/internal/types"
	"github.com/teris-io/shortid"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBufferSize = 256
)

// Client is the server side of one connected channel: its identity (once
// joined) and the rooms it is subscribed to.
type Client struct {
	id           string
	conn         *websocket.Conn
	chatServer   *ChatServer
	log          zerolog.Logger
	identity     *types.Identity
	identityLock sync.RWMutex
	send         chan *ServerMessage
	rooms        map[string]struct{}
	roomsLock    sync.RWMutex
	ctx          context.Context
	cancel       context.CancelFunc
	stop         chan struct{}
	stopOnce     sync.Once
}

func NewClient(conn *websocket.Conn, cs *ChatServer, l zerolog.Logger) *Client {
	id := shortid.MustGenerate()
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		id:         id,
		conn:       conn,
		chatServer: cs,
		log:        l.With().Str("session_id", id).Logger(),
		send:       make(chan *ServerMessage, sendBufferSize),
		rooms:      make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
		stop:       make(chan struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) Logger() zerolog.Logger {
	return c.log
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Error().Err(err).Msg("failed to serialize message")
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug().Msg("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws: read")
			}
			break
		}

		c.handleFrame(raw)
	}
}

// handleFrame decodes one inbound frame, dispatches it and queues the ack.
func (c *Client) handleFrame(raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Warn().Err(err).Msg("error parsing message")
		c.queueMessage(ErrInvalidMessage(-1))
		return
	}

	msg.Timestamp = Now()
	c.queueMessage(c.chatServer.handle(c.ctx, c, &msg))
}

// queueMessage hands msg to the writer without blocking. A full buffer drops
// the message for this client only.
func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Msg("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
		if c.cancel != nil {
			c.cancel()
		}
	})
}

func (c *Client) cleanup() {
	c.chatServer.Disconnect(c)
	c.stopClient()
}

// Identity returns the joined identity, or nil before join.
func (c *Client) Identity() *types.Identity {
	c.identityLock.RLock()
	defer c.identityLock.RUnlock()

	return c.identity
}

// setIdentity replaces the session identity and returns the previous one.
func (c *Client) setIdentity(ident types.Identity) *types.Identity {
	c.identityLock.Lock()
	defer c.identityLock.Unlock()

	prev := c.identity
	c.identity = &ident
	return prev
}

func (c *Client) addRoom(room string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	c.rooms[room] = struct{}{}
}

func (c *Client) delRoom(room string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, room)
}

// Rooms returns a snapshot of the rooms the client is subscribed to.
func (c *Client) Rooms() []string {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	return lo.Keys(c.rooms)
}
