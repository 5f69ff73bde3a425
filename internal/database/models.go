package database

import (
	"errors"
	"fmt"
)

// Message is a persisted chat message. Id is assigned by the store on insert.
type Message struct {
	Id         string
	SenderId   string
	Sender     string
	Room       string
	Content    string
	ClientSent int64
	Sent       int64
	Removed    bool
}

// Tables names the collections the stores read and write. For SQL backends
// they are table names, for Redis they are key prefixes.
type Tables struct {
	Messages string
	Rooms    string
	Users    string
}

func DefaultTables() Tables {
	return Tables{
		Messages: "chat_messages",
		Rooms:    "chat_rooms",
		Users:    "chat_users",
	}
}

func (t Tables) Validate() error {
	var errs []error
	if t.Messages == "" {
		errs = append(errs, fmt.Errorf("messages collection name cannot be empty"))
	}
	if t.Rooms == "" {
		errs = append(errs, fmt.Errorf("rooms collection name cannot be empty"))
	}
	if t.Users == "" {
		errs = append(errs, fmt.Errorf("users collection name cannot be empty"))
	}

	return errors.Join(errs...)
}
