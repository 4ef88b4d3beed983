// Package redisstore persists conversation memory in Redis lists.
//
// Layout matches LangChain's RedisChatMessageHistory: one list per session
// under "message_store:<session>", newest message at the head, each entry a
// JSON object {"type":"human"|"ai","data":{"content":...}}.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vango-go/vai-voicebox/pkg/core/memory"
)

const DefaultKeyPrefix = "message_store:"

// Options configures a Store.
type Options struct {
	KeyPrefix string
	// TTL refreshes the session key expiry on every append. Zero keeps keys forever.
	TTL time.Duration
	// MaxTurns caps how many recent turns Load returns, rounded down to
	// whole pairs. Zero returns all.
	MaxTurns int
}

// Store implements memory.Store on a go-redis client.
type Store struct {
	client redis.UniversalClient
	opts   Options
}

var _ memory.Store = (*Store)(nil)

// New wraps an existing client.
func New(client redis.UniversalClient, opts Options) *Store {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	opts.MaxTurns = memory.PairCap(opts.MaxTurns)
	return &Store{client: client, opts: opts}
}

// Open parses a redis:// URL, connects and pings.
func Open(ctx context.Context, url string, opts Options) (*Store, error) {
	ro, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(ro)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, opts), nil
}

func (s *Store) Close() error { return s.client.Close() }

// Ping checks the server is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *Store) key(sessionID string) string { return s.opts.KeyPrefix + sessionID }

func (s *Store) Load(ctx context.Context, sessionID string) (memory.History, error) {
	stop := int64(-1)
	if s.opts.MaxTurns > 0 {
		stop = int64(s.opts.MaxTurns - 1)
	}
	raw, err := s.client.LRange(ctx, s.key(sessionID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	h := make(memory.History, 0, len(raw))
	// head of the list is the newest message
	for i := len(raw) - 1; i >= 0; i-- {
		turn, err := decodeMessage([]byte(raw[i]))
		if err != nil {
			return nil, fmt.Errorf("decode message %d: %w", i, err)
		}
		h = append(h, turn)
	}
	return h, nil
}

func (s *Store) Append(ctx context.Context, sessionID string, turns ...memory.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	values := make([]any, 0, len(turns))
	for _, t := range turns {
		b, err := encodeMessage(t)
		if err != nil {
			return err
		}
		values = append(values, b)
	}
	key := s.key(sessionID)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, values...)
		if s.opts.TTL > 0 {
			p.Expire(ctx, key, s.opts.TTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis lpush: %w", err)
	}
	return nil
}

type storedMessage struct {
	Type string      `json:"type"`
	Data messageData `json:"data"`
}

type messageData struct {
	Content string `json:"content"`
	Type    string `json:"type,omitempty"`
}

func encodeMessage(t memory.Turn) ([]byte, error) {
	typ := "human"
	if t.Speaker == memory.SpeakerAssistant {
		typ = "ai"
	}
	b, err := json.Marshal(storedMessage{Type: typ, Data: messageData{Content: t.Text, Type: typ}})
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return b, nil
}

func decodeMessage(b []byte) (memory.Turn, error) {
	var m storedMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return memory.Turn{}, err
	}
	switch m.Type {
	case "human":
		return memory.Turn{Speaker: memory.SpeakerHuman, Text: m.Data.Content}, nil
	case "ai":
		return memory.Turn{Speaker: memory.SpeakerAssistant, Text: m.Data.Content}, nil
	default:
		return memory.Turn{}, fmt.Errorf("unknown message type %q", m.Type)
	}
}
