package server

import (
	"context"
	"hash/fnv"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/strayduy/chatzilla/internal/database"
	"github.com/strayduy/chatzilla/internal/stats"
)

const (
	NumActiveSessions  = "NumActiveSessions"
	NumActiveRooms     = "NumActiveRooms"
	NumPresentUsers    = "NumPresentUsers"
	NumMessages        = "NumMessages"
	NumRemovedMessages = "NumRemovedMessages"

	roomLockStripes = 64
)

var metrics = []string{
	NumActiveSessions,
	NumActiveRooms,
	NumPresentUsers,
	NumMessages,
	NumRemovedMessages,
}

type ChatServer struct {
	log      zerolog.Logger
	db       database.ChatRepository
	stats    stats.StatsProvider
	rooms    *RoomRegistry
	presence *PresenceTracker
	policy   *Policy
	avatars  AvatarLookup
	validate *validator.Validate
	clock    *clock

	clients     map[*Client]struct{}
	clientsLock sync.RWMutex

	// presenceLock serializes a presence change with the stats broadcast
	// describing it.
	presenceLock sync.Mutex

	// roomLocks serialize persist+broadcast per room.
	roomLocks [roomLockStripes]sync.Mutex

	// sessions counts connected clients, pending counts background writes.
	sessions sync.WaitGroup
	pending  sync.WaitGroup
}

type Option func(*ChatServer)

func WithRoomOwnership(o RoomOwnership) Option {
	return func(cs *ChatServer) {
		cs.policy = NewPolicy(o)
	}
}

func WithAvatarLookup(a AvatarLookup) Option {
	return func(cs *ChatServer) {
		cs.avatars = a
	}
}

func NewChatServer(logger zerolog.Logger, db database.ChatRepository, su stats.StatsProvider, opts ...Option) (*ChatServer, error) {
	cs := &ChatServer{
		log:      logger,
		db:       db,
		stats:    su,
		rooms:    NewRoomRegistry(),
		presence: NewPresenceTracker(),
		policy:   NewPolicy(nil),
		avatars:  NoAvatars{},
		validate: newValidator(),
		clock:    &clock{now: time.Now},
		clients:  make(map[*Client]struct{}),
	}

	for _, opt := range opts {
		opt(cs)
	}

	for _, name := range metrics {
		su.RegisterMetric(name)
	}

	return cs, nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return v
}

// Connect registers a newly accepted client.
func (cs *ChatServer) Connect(c *Client) {
	cs.sessions.Add(1)
	cs.addClient(c)
	c.log.Info().Msg("new connection")
}

// Disconnect tears a client down: its room subscriptions are released and,
// if it had joined, its presence reference is dropped and the remaining
// clients are told. Calling it twice is a no-op.
func (cs *ChatServer) Disconnect(c *Client) {
	if !cs.removeClient(c) {
		return
	}
	defer cs.sessions.Done()

	for range cs.rooms.RemoveAll(c) {
		cs.stats.Decr(NumActiveRooms)
	}

	if ident := c.Identity(); ident != nil {
		cs.presenceLock.Lock()
		if cs.presence.MarkAbsent(ident.Email, c.id) {
			cs.stats.Decr(NumPresentUsers)
		}
		cs.broadcastExcept(c, DebugEvent(ident.Email+" left"))
		cs.broadcastExcept(c, StatsEvent(cs.presence.Snapshot()))
		cs.presenceLock.Unlock()
	}

	c.log.Info().Msg("client disconnected")
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	cs.stats.Incr(NumActiveSessions)
}

func (cs *ChatServer) removeClient(c *Client) bool {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return false
	}

	delete(cs.clients, c)
	cs.stats.Decr(NumActiveSessions)
	return true
}

func (cs *ChatServer) getClients() []*Client {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	return lo.Keys(cs.clients)
}

func (cs *ChatServer) roomLock(room string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(room))
	return &cs.roomLocks[h.Sum32()%roomLockStripes]
}

// Shutdown stops every client and waits for them to disconnect and for
// background store writes to finish.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info().Msg("shutting down chat server")
	for _, c := range cs.getClients() {
		c.stopClient()
	}

	done := make(chan struct{})
	go func() {
		cs.sessions.Wait()
		cs.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// clock hands out epoch milliseconds that never go backwards.
type clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
}

func (c *clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms := c.now().UnixMilli()
	if ms < c.last {
		ms = c.last
	}
	c.last = ms
	return ms
}
