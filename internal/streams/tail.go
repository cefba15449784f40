package streams

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// StartLatest positions a tail after the newest entry present when the tail
// first reads. StartBeginning replays the whole stream.
const (
	StartLatest    = "$"
	StartBeginning = "0-0"
)

// TailConfig configures a multi-stream cursor reader.
type TailConfig struct {
	Streams   []string
	StartFrom string
	Count     int64
	Block     time.Duration
}

// Tail reads several streams with XREAD, remembering the last id seen per
// stream in memory. Cursors always advance past delivered entries whether or
// not the caller manages to process them.
type Tail struct {
	client  *Client
	streams []string
	count   int64
	block   time.Duration
	start   string

	mu       sync.RWMutex
	cursors  map[string]string
	resolved bool
}

// Tail prepares a reader over cfg.Streams.
func (c *Client) Tail(cfg TailConfig) (*Tail, error) {
	seen := make(map[string]struct{}, len(cfg.Streams))
	names := make([]string, 0, len(cfg.Streams))
	for _, name := range cfg.Streams {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("at least one stream is required")
	}
	start := strings.TrimSpace(cfg.StartFrom)
	if start == "" || start == "$" {
		start = StartLatest
	} else if start == "0" {
		start = StartBeginning
	}
	count := cfg.Count
	if count <= 0 {
		count = 10
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	return &Tail{
		client:  c,
		streams: names,
		count:   count,
		block:   blockDuration(block),
		start:   start,
		cursors: make(map[string]string, len(names)),
	}, nil
}

// Streams returns the stream names being tailed.
func (t *Tail) Streams() []string {
	return append([]string(nil), t.streams...)
}

// Cursors returns a snapshot of the last id seen per stream.
func (t *Tail) Cursors() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]string, len(t.cursors))
	for k, v := range t.cursors {
		out[k] = v
	}
	return out
}

// Read blocks up to the configured duration for new entries on any stream.
// A timeout with nothing new yields an empty slice and no error.
func (t *Tail) Read(ctx context.Context) ([]Entry, error) {
	if err := t.resolve(ctx); err != nil {
		return nil, err
	}
	t.mu.RLock()
	args := make([]string, 0, len(t.streams)*2)
	args = append(args, t.streams...)
	for _, name := range t.streams {
		args = append(args, t.cursors[name])
	}
	t.mu.RUnlock()

	reply, err := t.client.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: args,
		Count:   t.count,
		Block:   t.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	entries := convertStreams(reply)
	t.mu.Lock()
	for _, entry := range entries {
		t.cursors[entry.Stream] = entry.ID
	}
	t.mu.Unlock()
	return entries, nil
}

// resolve pins "$" cursors to concrete ids once, so entries appended between
// two reads are never skipped.
func (t *Tail) resolve(ctx context.Context) error {
	t.mu.RLock()
	done := t.resolved
	t.mu.RUnlock()
	if done {
		return nil
	}
	cursors := make(map[string]string, len(t.streams))
	for _, name := range t.streams {
		if t.start != StartLatest {
			cursors[name] = t.start
			continue
		}
		id, err := t.client.LastID(ctx, name)
		if err != nil {
			return fmt.Errorf("resolve cursor for %s: %w", name, err)
		}
		cursors[name] = id
	}
	t.mu.Lock()
	t.cursors = cursors
	t.resolved = true
	t.mu.Unlock()
	return nil
}
