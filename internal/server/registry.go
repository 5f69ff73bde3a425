package server

import (
	"sync"

	"github.com/samber/lo"
)

// RoomRegistry maps a room to the clients currently subscribed to it. The
// client's own room set is updated under the same lock so the two never
// drift apart.
type RoomRegistry struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
}

func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		rooms: make(map[string]map[*Client]struct{}),
	}
}

// Add subscribes c to room. It reports whether the room had no members before.
func (r *RoomRegistry) Add(room string, c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		r.rooms[room] = members
	}

	members[c] = struct{}{}
	c.addRoom(room)

	return !ok
}

// Remove unsubscribes c from room and reports whether the room is now empty.
// Removing a non-member is a no-op.
func (r *RoomRegistry) Remove(room string, c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.remove(room, c)
}

func (r *RoomRegistry) remove(room string, c *Client) bool {
	c.delRoom(room)

	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[c]; !ok {
		return false
	}

	delete(members, c)
	if len(members) == 0 {
		delete(r.rooms, room)
		return true
	}

	return false
}

// RemoveAll unsubscribes c from every room and returns the rooms left empty.
func (r *RoomRegistry) RemoveAll(c *Client) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var emptied []string
	for _, room := range c.Rooms() {
		if r.remove(room, c) {
			emptied = append(emptied, room)
		}
	}

	return emptied
}

// Members returns a snapshot of the clients subscribed to room.
func (r *RoomRegistry) Members(room string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Keys(r.rooms[room])
}

// IsMember reports whether c is subscribed to room.
func (r *RoomRegistry) IsMember(room string, c *Client) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[room][c]
	return ok
}

// Len returns the number of non-empty rooms.
func (r *RoomRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.rooms)
}
