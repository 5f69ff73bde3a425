package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/strayduy/chatzilla/internal/database"
	"github.com/strayduy/chatzilla/internal/stats"
	"github.com/strayduy/chatzilla/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *database.SQLStore {
	t.Helper()

	store, err := database.NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"), database.DefaultTables())
	require.NoError(t, err, "expected sqlite store to open")
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.EnsureSchema(context.Background()))

	return store
}

func joinMsg(id int, userId, email string) *ClientMessage {
	return &ClientMessage{BaseMessage: BaseMessage{Id: id}, Join: &Join{UserId: userId, Email: email}}
}

func subscribeMsg(id int, room string) *ClientMessage {
	return &ClientMessage{BaseMessage: BaseMessage{Id: id}, Subscribe: &Subscribe{Room: room}}
}

func publishMsg(id int, room, content string, clientSent int64) *ClientMessage {
	return &ClientMessage{BaseMessage: BaseMessage{Id: id}, Publish: &Publish{Room: room, Content: content, ClientSent: clientSent}}
}

func removeMsg(id int, msgId string) *ClientMessage {
	return &ClientMessage{BaseMessage: BaseMessage{Id: id}, RemoveMessage: &RemoveMessage{Id: msgId}}
}

func TestHandle_EndToEnd(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cs := newTestChatServer(t, store, &stats.MockStatsUpdater{})

	a := newTestClient(t, cs)
	b := newTestClient(t, cs)

	// A joins
	ack := cs.handle(ctx, a, joinMsg(1, "u1", "a@x.com"))
	require.True(t, ack.Response.Ok, "expected join to succeed")
	assert.Equal(t, JoinResult{UserId: "u1", Email: "a@x.com"}, ack.Response.Data)

	for _, c := range []*Client{a, b} {
		notice := nextMessage(t, c)
		require.NotNil(t, notice.Notification, "expected presence broadcast to every session")
		assert.Equal(t, []string{"a@x.com"}, notice.Notification.Stats.People)
	}

	// A subscribes to an empty room
	ack = cs.handle(ctx, a, subscribeMsg(2, "r1"))
	require.True(t, ack.Response.Ok)
	assert.Equal(t, []types.Message{}, ack.Response.Data, "expected empty history")

	// B joins and subscribes
	cs.handle(ctx, b, joinMsg(3, "u2", "b@x.com"))
	cs.handle(ctx, b, subscribeMsg(4, "r1"))
	drain(a)
	drain(b)

	// A sends a message
	before := time.Now().UnixMilli()
	ack = cs.handle(ctx, a, publishMsg(5, "r1", "hi", 1000))
	require.True(t, ack.Response.Ok, "expected message to be acked")
	sent := ack.Response.Data.(types.Message)
	assert.NotEmpty(t, sent.Id, "expected an assigned id")
	assert.Equal(t, "u1", sent.SenderId)
	assert.Equal(t, "a@x.com", sent.Sender)
	assert.Equal(t, int64(1000), sent.ClientSent)
	assert.GreaterOrEqual(t, sent.Sent, before)

	for _, c := range []*Client{a, b} {
		ev := nextMessage(t, c)
		require.NotNil(t, ev.Message, "expected message event for every room member")
		assert.Equal(t, sent.Id, ev.Message.Id)
	}

	// B may not remove A's message
	ack = cs.handle(ctx, b, removeMsg(6, sent.Id))
	assert.False(t, ack.Response.Ok)
	assert.Equal(t, http.StatusForbidden, ack.Response.ResponseCode)
	assert.Equal(t, map[string]any{}, ack.Response.Data)
	assertNoMessage(t, a)
	assertNoMessage(t, b)

	cs.pending.Wait()
	stored, err := store.GetMessage(ctx, sent.Id)
	require.NoError(t, err)
	assert.False(t, stored.Removed, "expected denied removal to leave the record")

	// A removes its own message
	ack = cs.handle(ctx, a, removeMsg(7, sent.Id))
	require.True(t, ack.Response.Ok)
	removed := ack.Response.Data.(types.Message)
	assert.Equal(t, sent.Id, removed.Id)
	assert.True(t, removed.Removed)

	for _, c := range []*Client{a, b} {
		ev := nextMessage(t, c)
		require.NotNil(t, ev.Notification)
		assert.Equal(t, &RemovedMessage{Id: sent.Id, Room: "r1"}, ev.Notification.RemoveMessage)
	}

	cs.pending.Wait()
	history, err := store.FindMessagesByRoom(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, history, 1, "expected soft delete to keep the record")
	assert.True(t, history[0].Removed)

	// history is served to late subscribers with the removed flag
	c := newTestClient(t, cs)
	ack = cs.handle(ctx, c, subscribeMsg(8, "r1"))
	require.True(t, ack.Response.Ok)
	msgs := ack.Response.Data.([]types.Message)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Removed)
}

func TestHandle_Join(t *testing.T) {
	ctx := context.Background()

	t.Run("idempotent", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		cs := newTestChatServer(t, &database.MockChatRepository{}, su)
		a := newTestClient(t, cs)

		cs.handle(ctx, a, joinMsg(1, "u1", "a@x.com"))
		ack := cs.handle(ctx, a, joinMsg(2, "u1", "a@x.com"))
		assert.True(t, ack.Response.Ok)

		assert.Equal(t, []string{"a@x.com"}, cs.presence.Snapshot())
		su.AssertNumberOfCalls(t, "Incr", 2) // session + present user
	})

	t.Run("rejoin with another email", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
		a := newTestClient(t, cs)

		cs.handle(ctx, a, joinMsg(1, "u1", "a@x.com"))
		cs.handle(ctx, a, joinMsg(2, "u1", "b@x.com"))

		assert.Equal(t, []string{"b@x.com"}, cs.presence.Snapshot(), "expected old email to be released")
		assert.Equal(t, "b@x.com", a.Identity().Email)
	})

	t.Run("validation", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
		a := newTestClient(t, cs)

		ack := cs.handle(ctx, a, joinMsg(1, "u1", ""))
		assert.False(t, ack.Response.Ok)
		assert.Equal(t, http.StatusBadRequest, ack.Response.ResponseCode)
		assert.Equal(t, "invalid email: required", ack.Response.Error)
		assert.Nil(t, a.Identity(), "expected rejected join to leave the session unidentified")
		assertNoMessage(t, a)
	})
}

func TestHandle_Presence(t *testing.T) {
	ctx := context.Background()
	cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})

	a1 := newTestClient(t, cs)
	a2 := newTestClient(t, cs)
	c := newTestClient(t, cs)

	cs.handle(ctx, a1, joinMsg(1, "u1", "a@x.com"))
	cs.handle(ctx, a2, joinMsg(1, "u1", "a@x.com"))
	cs.handle(ctx, c, joinMsg(1, "u3", "c@x.com"))
	assert.Equal(t, []string{"a@x.com", "c@x.com"}, cs.presence.Snapshot(), "expected shared email once")
	drain(a1)
	drain(a2)
	drain(c)

	cs.Disconnect(a2)
	assert.True(t, cs.presence.IsPresent("a@x.com"), "expected email to stay with one session left")
	assertNoMessage(t, a2)

	for _, cl := range []*Client{a1, c} {
		debug := nextMessage(t, cl)
		require.NotNil(t, debug.Notification)
		assert.Equal(t, "a@x.com left", debug.Notification.Debug)

		notice := nextMessage(t, cl)
		require.NotNil(t, notice.Notification)
		assert.Equal(t, []string{"a@x.com", "c@x.com"}, notice.Notification.Stats.People)
	}

	cs.Disconnect(a1)
	assert.False(t, cs.presence.IsPresent("a@x.com"), "expected last session to clear presence")
	nextMessage(t, c)
	notice := nextMessage(t, c)
	assert.Equal(t, []string{"c@x.com"}, notice.Notification.Stats.People)

	// second disconnect is a no-op
	cs.Disconnect(a1)
	assertNoMessage(t, c)
}

func TestHandle_DisconnectUnidentified(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
	a := newTestClient(t, cs)
	b := newTestClient(t, cs)
	cs.rooms.Add("r1", a)

	cs.Disconnect(a)

	assert.False(t, cs.rooms.IsMember("r1", a))
	assertNoMessage(t, b)
}

func TestHandle_Subscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("history ordered", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("FindMessagesByRoom", mock.Anything, "r1").Return([]database.Message{
			{Id: "1", SenderId: "u1", Room: "r1", Content: "first", Sent: 1},
			{Id: "2", SenderId: "u2", Room: "r1", Content: "second", Sent: 2, Removed: true},
		}, nil).Once()
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		a := newTestClient(t, cs)

		ack := cs.handle(ctx, a, subscribeMsg(1, "r1"))
		require.True(t, ack.Response.Ok)
		msgs := ack.Response.Data.([]types.Message)
		require.Len(t, msgs, 2)
		assert.Equal(t, "first", msgs[0].Content)
		assert.True(t, msgs[1].Removed, "expected removed messages to be returned")
		assert.True(t, cs.rooms.IsMember("r1", a))
	})

	t.Run("history unavailable", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("FindMessagesByRoom", mock.Anything, "r1").Return(nil, errors.New("connection refused")).Once()
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		a := newTestClient(t, cs)

		ack := cs.handle(ctx, a, subscribeMsg(1, "r1"))
		assert.False(t, ack.Response.Ok)
		assert.Equal(t, http.StatusInternalServerError, ack.Response.ResponseCode)
		assert.Equal(t, "history unavailable", ack.Response.Error)
		assert.True(t, cs.rooms.IsMember("r1", a), "expected live subscription to be kept")
	})

	t.Run("unsubscribe", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		cs := newTestChatServer(t, &database.MockChatRepository{}, su)
		a := newTestClient(t, cs)
		cs.rooms.Add("r1", a)

		ack := cs.handle(ctx, a, &ClientMessage{BaseMessage: BaseMessage{Id: 2}, Unsubscribe: &Unsubscribe{Room: "r1"}})
		assert.True(t, ack.Response.Ok)
		assert.Equal(t, "r1", ack.Response.Data)
		assert.False(t, cs.rooms.IsMember("r1", a))
		su.AssertCalled(t, "Decr", NumActiveRooms)

		ack = cs.handle(ctx, a, &ClientMessage{BaseMessage: BaseMessage{Id: 3}, Unsubscribe: &Unsubscribe{Room: "never"}})
		assert.True(t, ack.Response.Ok, "expected unsubscribe to always succeed")
	})
}

func TestHandle_Publish(t *testing.T) {
	ctx := context.Background()

	t.Run("join required", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		a := newTestClient(t, cs)
		cs.rooms.Add("r1", a)

		ack := cs.handle(ctx, a, publishMsg(1, "r1", "hi", 1000))
		assert.False(t, ack.Response.Ok)
		assert.Equal(t, http.StatusUnauthorized, ack.Response.ResponseCode)
		assertNoMessage(t, a)
		db.AssertNotCalled(t, "InsertMessage", mock.Anything, mock.Anything)
	})

	t.Run("persists before broadcast", func(t *testing.T) {
		before := time.Now().UnixMilli()
		db := &database.MockChatRepository{}
		db.On("InsertMessage", mock.Anything, mock.MatchedBy(func(m database.Message) bool {
			return m.Id == "" && m.SenderId == "u1" && m.Room == "r1" && m.Content == "hi" &&
				m.ClientSent == 1000 && m.Sent >= before
		})).Return("12", nil).Once()
		defer db.AssertExpectations(t)

		su := &stats.MockStatsUpdater{}
		cs := newTestChatServer(t, db, su)
		a := newTestClient(t, cs)
		cs.handle(ctx, a, joinMsg(1, "u1", "a@x.com"))
		cs.rooms.Add("r1", a)
		drain(a)

		ack := cs.handle(ctx, a, publishMsg(2, "r1", "hi", 1000))
		require.True(t, ack.Response.Ok)
		assert.Equal(t, "12", ack.Response.Data.(types.Message).Id)

		ev := nextMessage(t, a)
		require.NotNil(t, ev.Message)
		assert.Equal(t, "12", ev.Message.Id, "expected broadcast to carry the stored id")
		su.AssertCalled(t, "Incr", NumMessages)
	})

	t.Run("store failure", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("InsertMessage", mock.Anything, mock.Anything).Return("", errors.New("disk full")).Once()
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		a := newTestClient(t, cs)
		cs.handle(ctx, a, joinMsg(1, "u1", "a@x.com"))
		cs.rooms.Add("r1", a)
		drain(a)

		ack := cs.handle(ctx, a, publishMsg(2, "r1", "hi", 1000))
		assert.False(t, ack.Response.Ok)
		assert.Equal(t, http.StatusInternalServerError, ack.Response.ResponseCode)
		assertNoMessage(t, a)
	})

	t.Run("validation", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
		a := newTestClient(t, cs)

		ack := cs.handle(ctx, a, publishMsg(1, "", "hi", 0))
		assert.Equal(t, http.StatusBadRequest, ack.Response.ResponseCode)
		assert.Equal(t, "invalid room: required", ack.Response.Error)
	})

	t.Run("concurrent publishers keep room order", func(t *testing.T) {
		store := newTestStore(t)
		cs := newTestChatServer(t, store, &stats.MockStatsUpdater{})

		watcher := newTestClient(t, cs)
		cs.rooms.Add("r1", watcher)

		var wg sync.WaitGroup
		for i := range 10 {
			c := newTestClient(t, cs)
			cs.handle(ctx, c, joinMsg(1, fmt.Sprintf("u%d", i), fmt.Sprintf("%d@x.com", i)))

			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := range 5 {
					cs.handle(ctx, c, publishMsg(j, "r1", fmt.Sprintf("%d-%d", i, j), 0))
				}
			}()
		}
		wg.Wait()

		var live []string
		for len(watcher.send) > 0 {
			if ev := <-watcher.send; ev.Message != nil {
				live = append(live, ev.Message.Id)
			}
		}

		history, err := store.FindMessagesByRoom(ctx, "r1")
		require.NoError(t, err)
		require.Len(t, history, 50)

		stored := make([]string, 0, len(history))
		for i, m := range history {
			stored = append(stored, m.Id)
			if i > 0 {
				assert.GreaterOrEqual(t, m.Sent, history[i-1].Sent, "expected non-decreasing sent order")
			}
		}
		assert.Equal(t, stored, live, "expected live order to match persisted order")
	})
}

func TestHandle_RemoveMessage(t *testing.T) {
	ctx := context.Background()
	stored := database.Message{Id: "12", SenderId: "u1", Sender: "a@x.com", Room: "r1", Content: "hi", Sent: 5}

	t.Run("join required", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
		a := newTestClient(t, cs)

		ack := cs.handle(ctx, a, removeMsg(1, "12"))
		assert.Equal(t, http.StatusUnauthorized, ack.Response.ResponseCode)
	})

	t.Run("unknown message", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetMessage", mock.Anything, "404").Return(database.Message{}, database.ErrMessageNotFound).Once()
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		a := newTestClient(t, cs)
		cs.handle(ctx, a, joinMsg(1, "u1", "a@x.com"))

		ack := cs.handle(ctx, a, removeMsg(2, "404"))
		assert.False(t, ack.Response.Ok)
		assert.Equal(t, http.StatusNotFound, ack.Response.ResponseCode)
		assert.Equal(t, map[string]any{}, ack.Response.Data)
	})

	t.Run("authorizes on the stored sender", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetMessage", mock.Anything, "12").Return(stored, nil).Once()
		defer db.AssertExpectations(t)

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		b := newTestClient(t, cs)
		cs.handle(ctx, b, joinMsg(1, "u2", "b@x.com"))

		// claimed sender does not matter
		msg := removeMsg(2, "12")
		msg.RemoveMessage.SenderId = "u2"
		ack := cs.handle(ctx, b, msg)
		assert.Equal(t, http.StatusForbidden, ack.Response.ResponseCode)
		cs.pending.Wait()
		db.AssertNotCalled(t, "MarkMessageRemoved", mock.Anything, mock.Anything)
	})

	t.Run("room owner", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetMessage", mock.Anything, "12").Return(stored, nil).Once()
		db.On("MarkMessageRemoved", mock.Anything, "12").Return(nil).Once()
		defer db.AssertExpectations(t)

		lookups := &database.MockLookupRepository{}
		lookups.On("GetRoomOwner", mock.Anything, "r1").Return("u9", nil).Once()
		defer lookups.AssertExpectations(t)

		su := &stats.MockStatsUpdater{}
		cs := newTestChatServer(t, db, su, WithRoomOwnership(StoreRoomOwnership{Repo: lookups}))
		owner := newTestClient(t, cs)
		cs.handle(ctx, owner, joinMsg(1, "u9", "owner@x.com"))
		cs.rooms.Add("r1", owner)
		drain(owner)

		ack := cs.handle(ctx, owner, removeMsg(2, "12"))
		require.True(t, ack.Response.Ok)
		assert.True(t, ack.Response.Data.(types.Message).Removed)

		ev := nextMessage(t, owner)
		assert.Equal(t, &RemovedMessage{Id: "12", Room: "r1"}, ev.Notification.RemoveMessage)

		cs.pending.Wait()
		su.AssertCalled(t, "Incr", NumRemovedMessages)
	})

	t.Run("mark failure is logged only", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetMessage", mock.Anything, "12").Return(stored, nil).Once()
		db.On("MarkMessageRemoved", mock.Anything, "12").Return(errors.New("timeout")).Once()
		defer db.AssertExpectations(t)

		su := &stats.MockStatsUpdater{}
		cs := newTestChatServer(t, db, su)
		a := newTestClient(t, cs)
		cs.handle(ctx, a, joinMsg(1, "u1", "a@x.com"))

		ack := cs.handle(ctx, a, removeMsg(2, "12"))
		assert.True(t, ack.Response.Ok, "expected ack not to wait for the background write")

		cs.pending.Wait()
		su.AssertNotCalled(t, "Incr", NumRemovedMessages)
	})
}

func TestHandle_AvatarUrl(t *testing.T) {
	ctx := context.Background()
	avatarMsg := &ClientMessage{BaseMessage: BaseMessage{Id: 1}, AvatarUrl: &AvatarUrl{UserId: "u1"}}

	t.Run("default", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
		a := newTestClient(t, cs)

		ack := cs.handle(ctx, a, avatarMsg)
		assert.False(t, ack.Response.Ok)
		assert.Equal(t, "", ack.Response.Data)
	})

	t.Run("lookup", func(t *testing.T) {
		lookups := &database.MockLookupRepository{}
		lookups.On("GetAvatarURL", mock.Anything, "u1").Return("https://img.example/u1.png", nil).Once()
		defer lookups.AssertExpectations(t)

		cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{},
			WithAvatarLookup(StoreAvatars{Repo: lookups}))
		a := newTestClient(t, cs)

		ack := cs.handle(ctx, a, avatarMsg)
		assert.True(t, ack.Response.Ok)
		assert.Equal(t, "https://img.example/u1.png", ack.Response.Data)
	})
}

func TestHandle_RecoversPanic(t *testing.T) {
	db := &database.MockChatRepository{}
	// no expectation set: the mock panics on the unexpected call
	cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
	a := newTestClient(t, cs)

	ack := cs.handle(context.Background(), a, subscribeMsg(5, "r1"))
	require.NotNil(t, ack)
	assert.Equal(t, 5, ack.Id)
	assert.Equal(t, http.StatusInternalServerError, ack.Response.ResponseCode)
}
