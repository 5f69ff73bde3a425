package server

// emitToRoom delivers msg to the members of room as of the call. It returns
// the number of members that could not take the message.
func (cs *ChatServer) emitToRoom(room string, msg *ServerMessage) int {
	members := cs.rooms.Members(room)

	dropped := 0
	for _, client := range members {
		if !client.queueMessage(msg) {
			dropped++
		}
	}

	if dropped > 0 {
		cs.log.Warn().Str("room", room).Int("dropped", dropped).Int("members", len(members)).Msg("room broadcast incomplete")
	}
	return dropped
}

// broadcast delivers msg to every connected client.
func (cs *ChatServer) broadcast(msg *ServerMessage) {
	cs.broadcastExcept(nil, msg)
}

// broadcastExcept delivers msg to every connected client but skip.
func (cs *ChatServer) broadcastExcept(skip *Client, msg *ServerMessage) {
	for _, client := range cs.getClients() {
		if client == skip {
			continue
		}

		client.queueMessage(msg)
	}
}
