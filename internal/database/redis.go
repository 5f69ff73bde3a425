package database

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements ChatRepository on Redis. Each message is a hash,
// ids come from a counter, and every room keeps a sorted set of message ids
// scored by their sent timestamp.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(ctx context.Context, redisURL string, tables Tables) (*RedisStore, error) {
	if err := tables.Validate(); err != nil {
		return nil, err
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client, prefix: tables.Messages}, nil
}

func (s *RedisStore) seqKey() string {
	return s.prefix + ":seq"
}

func (s *RedisStore) messageKey(id string) string {
	return fmt.Sprintf("%s:%s", s.prefix, id)
}

func (s *RedisStore) roomKey(room string) string {
	return fmt.Sprintf("%s:room:%s", s.prefix, room)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) InsertMessage(ctx context.Context, msg Message) (string, error) {
	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return "", fmt.Errorf("assign message id: %w", err)
	}
	id := strconv.FormatInt(seq, 10)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.messageKey(id), map[string]any{
			"sender_id":   msg.SenderId,
			"sender":      msg.Sender,
			"room":        msg.Room,
			"content":     msg.Content,
			"client_sent": msg.ClientSent,
			"sent":        msg.Sent,
			"removed":     false,
		})
		pipe.ZAdd(ctx, s.roomKey(msg.Room), redis.Z{
			Score:  float64(msg.Sent),
			Member: id,
		})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}

	return id, nil
}

func (s *RedisStore) FindMessagesByRoom(ctx context.Context, room string) ([]Message, error) {
	ids, err := s.client.ZRange(ctx, s.roomKey(room), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.messageKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	messages := make([]Message, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}

		msg, err := messageFromHash(ids[i], fields)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	// members with equal scores come back in lexical order, so "10" < "9"
	slices.SortStableFunc(messages, func(a, b Message) int {
		if c := cmp.Compare(a.Sent, b.Sent); c != 0 {
			return c
		}
		ai, _ := strconv.ParseInt(a.Id, 10, 64)
		bi, _ := strconv.ParseInt(b.Id, 10, 64)
		return cmp.Compare(ai, bi)
	})

	return messages, nil
}

// messageKeyFor maps a client supplied id onto a message hash key. Anything
// other than a positive integer cannot name a message.
func (s *RedisStore) messageKeyFor(id string) (string, error) {
	seq, err := parseMessageId(id)
	if err != nil {
		return "", err
	}

	return s.messageKey(strconv.FormatInt(seq, 10)), nil
}

func (s *RedisStore) GetMessage(ctx context.Context, id string) (Message, error) {
	key, err := s.messageKeyFor(id)
	if err != nil {
		return Message{}, err
	}

	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	if len(fields) == 0 {
		return Message{}, ErrMessageNotFound
	}

	return messageFromHash(id, fields)
}

func (s *RedisStore) MarkMessageRemoved(ctx context.Context, id string) error {
	key, err := s.messageKeyFor(id)
	if err != nil {
		return err
	}

	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("mark removed: %w", err)
	}
	if n == 0 {
		return ErrMessageNotFound
	}

	return s.client.HSet(ctx, key, "removed", true).Err()
}

func messageFromHash(id string, fields map[string]string) (Message, error) {
	clientSent, err := strconv.ParseInt(fields["client_sent"], 10, 64)
	if err != nil {
		return Message{}, fmt.Errorf("message %s: client_sent: %w", id, err)
	}

	sent, err := strconv.ParseInt(fields["sent"], 10, 64)
	if err != nil {
		return Message{}, fmt.Errorf("message %s: sent: %w", id, err)
	}

	return Message{
		Id:         id,
		SenderId:   fields["sender_id"],
		Sender:     fields["sender"],
		Room:       fields["room"],
		Content:    fields["content"],
		ClientSent: clientSent,
		Sent:       sent,
		Removed:    fields["removed"] == "1",
	}, nil
}
