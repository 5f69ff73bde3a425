package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/lib/pq"
)

// dialect holds the statements that differ between SQL engines.
type dialect struct {
	name string
	// idColumn is the DDL for the auto-assigned message id.
	idColumn string
	// asyncCommit, when set, is executed inside the removal transaction to
	// lower the durability level of that write.
	asyncCommit string
}

// SQLStore implements ChatRepository and LookupRepository on database/sql.
type SQLStore struct {
	conn    *sql.DB
	dialect dialect
	tables  Tables
	q       queries
}

type queries struct {
	insertMessage   string
	findByRoom      string
	getMessage      string
	markRemoved     string
	getRoomOwner    string
	getAvatarURL    string
	createMessages  string
	createRoomIndex string
	createRooms     string
	createUsers     string
}

func newSQLStore(conn *sql.DB, d dialect, tables Tables) (*SQLStore, error) {
	if err := tables.Validate(); err != nil {
		return nil, err
	}

	return &SQLStore{
		conn:    conn,
		dialect: d,
		tables:  tables,
		q:       buildQueries(d, tables),
	}, nil
}

func buildQueries(d dialect, t Tables) queries {
	var (
		messages = pq.QuoteIdentifier(t.Messages)
		rooms    = pq.QuoteIdentifier(t.Rooms)
		users    = pq.QuoteIdentifier(t.Users)
		index    = pq.QuoteIdentifier(t.Messages + "_room_sent_idx")
		columns  = "id, sender_id, sender, room, content, client_sent, sent, removed"
	)

	return queries{
		insertMessage: "INSERT INTO " + messages + " (sender_id, sender, room, content, client_sent, sent, removed) " +
			"VALUES ($1, $2, $3, $4, $5, $6, FALSE) RETURNING id",
		findByRoom: "SELECT " + columns + " FROM " + messages +
			" WHERE room = $1 ORDER BY sent ASC, id ASC",
		getMessage:   "SELECT " + columns + " FROM " + messages + " WHERE id = $1 LIMIT 1",
		markRemoved:  "UPDATE " + messages + " SET removed = TRUE WHERE id = $1",
		getRoomOwner: "SELECT owner_id FROM " + rooms + " WHERE room = $1 LIMIT 1",
		getAvatarURL: "SELECT avatar_url FROM " + users + " WHERE user_id = $1 LIMIT 1",
		createMessages: "CREATE TABLE IF NOT EXISTS " + messages + " (" +
			d.idColumn + ", " +
			"sender_id TEXT NOT NULL, " +
			"sender TEXT NOT NULL, " +
			"room TEXT NOT NULL, " +
			"content TEXT NOT NULL, " +
			"client_sent BIGINT NOT NULL DEFAULT 0, " +
			"sent BIGINT NOT NULL, " +
			"removed BOOLEAN NOT NULL DEFAULT FALSE)",
		createRoomIndex: "CREATE INDEX IF NOT EXISTS " + index + " ON " + messages + " (room, sent, id)",
		createRooms: "CREATE TABLE IF NOT EXISTS " + rooms + " (" +
			"room TEXT PRIMARY KEY, " +
			"owner_id TEXT NOT NULL)",
		createUsers: "CREATE TABLE IF NOT EXISTS " + users + " (" +
			"user_id TEXT PRIMARY KEY, " +
			"email TEXT NOT NULL, " +
			"avatar_url TEXT NOT NULL DEFAULT '')",
	}
}

// EnsureSchema creates the messages, rooms and users tables if they are missing.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{
		s.q.createMessages,
		s.q.createRoomIndex,
		s.q.createRooms,
		s.q.createUsers,
	} {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s schema: %w", s.dialect.name, err)
		}
	}

	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *SQLStore) InsertMessage(ctx context.Context, msg Message) (string, error) {
	row := s.conn.QueryRowContext(
		ctx,
		s.q.insertMessage,
		msg.SenderId,
		msg.Sender,
		msg.Room,
		msg.Content,
		msg.ClientSent,
		msg.Sent,
	)

	var id int64
	if err := row.Scan(&id); err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}

	return strconv.FormatInt(id, 10), nil
}

func (s *SQLStore) FindMessagesByRoom(ctx context.Context, room string) ([]Message, error) {
	rows, err := s.conn.QueryContext(ctx, s.q.findByRoom, room)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return messages, nil
}

func (s *SQLStore) GetMessage(ctx context.Context, id string) (Message, error) {
	rowId, err := parseMessageId(id)
	if err != nil {
		return Message{}, err
	}

	msg, err := scanMessage(s.conn.QueryRowContext(ctx, s.q.getMessage, rowId))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrMessageNotFound
		}
		return Message{}, fmt.Errorf("get message: %w", err)
	}

	return msg, nil
}

// MarkMessageRemoved sets the soft-delete flag. On Postgres the write is
// committed with synchronous_commit off.
func (s *SQLStore) MarkMessageRemoved(ctx context.Context, id string) error {
	rowId, err := parseMessageId(id)
	if err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.dialect.asyncCommit != "" {
		if _, err = tx.ExecContext(ctx, s.dialect.asyncCommit); err != nil {
			return fmt.Errorf("set durability: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, s.q.markRemoved, rowId)
	if err != nil {
		return fmt.Errorf("mark removed: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		err = ErrMessageNotFound
		return err
	}

	return tx.Commit()
}

func (s *SQLStore) GetRoomOwner(ctx context.Context, room string) (string, error) {
	var owner string
	err := s.conn.QueryRowContext(ctx, s.q.getRoomOwner, room).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrRoomNotFound
	}

	return owner, err
}

func (s *SQLStore) GetAvatarURL(ctx context.Context, userId string) (string, error) {
	var url string
	err := s.conn.QueryRowContext(ctx, s.q.getAvatarURL, userId).Scan(&url)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUserNotFound
	}

	return url, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		msg Message
		id  int64
	)
	err := row.Scan(
		&id,
		&msg.SenderId,
		&msg.Sender,
		&msg.Room,
		&msg.Content,
		&msg.ClientSent,
		&msg.Sent,
		&msg.Removed,
	)
	if err != nil {
		return Message{}, err
	}

	msg.Id = strconv.FormatInt(id, 10)
	return msg, nil
}

func parseMessageId(id string) (int64, error) {
	rowId, err := strconv.ParseInt(id, 10, 64)
	if err != nil || rowId <= 0 {
		return 0, ErrMessageNotFound
	}

	return rowId, nil
}
