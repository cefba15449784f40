package streams

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	redis "github.com/redis/go-redis/v9"
)

// GroupConfig configures a consumer-group reader on a single stream.
type GroupConfig struct {
	Stream   string
	Group    string
	Consumer string
	// StartID is where a newly created group begins; "$" by default.
	StartID string
	Count   int64
	Block   time.Duration
	// ClaimIdle is how long an entry may sit unacknowledged with another
	// consumer before this reader takes it over. Zero disables claiming.
	// It must exceed the longest time a live consumer holds an entry.
	ClaimIdle time.Duration
	// ClaimInterval spaces claim attempts; ClaimIdle/2 by default.
	ClaimInterval time.Duration
}

// GroupReader partitions a stream between cooperating consumers. Entries stay
// pending for this consumer until acknowledged.
type GroupReader struct {
	client   *Client
	stream   string
	group    string
	consumer string
	startID  string
	count    int64
	block    time.Duration

	claimIdle     time.Duration
	claimInterval time.Duration

	groupMu    sync.Mutex
	groupReady atomic.Bool

	// readMu guards the recovery state below.
	readMu      sync.Mutex
	recovering  bool
	backlogFrom string
	claimFrom   string
	nextClaim   time.Time
}

// Group prepares a consumer-group reader. The consumer name defaults to the
// host name so a restarted process picks up the entries it left pending.
func (c *Client) Group(cfg GroupConfig) (*GroupReader, error) {
	stream := strings.TrimSpace(cfg.Stream)
	group := strings.TrimSpace(cfg.Group)
	if stream == "" || group == "" {
		return nil, fmt.Errorf("stream and group are required")
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = DefaultConsumerName()
	}
	startID := strings.TrimSpace(cfg.StartID)
	if startID == "" {
		startID = "$"
	}
	count := cfg.Count
	if count <= 0 {
		count = 10
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimInterval := cfg.ClaimInterval
	if claimInterval <= 0 {
		claimInterval = cfg.ClaimIdle / 2
	}
	return &GroupReader{
		client:        c,
		stream:        stream,
		group:         group,
		consumer:      consumer,
		startID:       startID,
		count:         count,
		block:         blockDuration(block),
		claimIdle:     cfg.ClaimIdle,
		claimInterval: claimInterval,
		recovering:    true,
		backlogFrom:   "0",
		claimFrom:     "0-0",
	}, nil
}

// DefaultConsumerName is the host name, or a ULID when it cannot be read.
func DefaultConsumerName() string {
	if host, err := os.Hostname(); err == nil && strings.TrimSpace(host) != "" {
		return strings.TrimSpace(host)
	}
	return "consumer-" + strings.ToLower(ulid.Make().String())
}

// Consumer returns this reader's consumer name.
func (g *GroupReader) Consumer() string {
	return g.consumer
}

// Read delivers, in order of preference: entries this consumer left pending
// before a restart, entries idle past ClaimIdle on other consumers, and
// entries not yet handed to any consumer of the group.
func (g *GroupReader) Read(ctx context.Context) ([]Entry, error) {
	if err := g.ensureGroup(ctx); err != nil {
		return nil, err
	}
	g.readMu.Lock()
	defer g.readMu.Unlock()

	if g.recovering {
		entries, err := g.readBacklog(ctx)
		if err != nil || len(entries) > 0 {
			return entries, err
		}
		g.recovering = false
	}
	if g.claimIdle > 0 && !time.Now().Before(g.nextClaim) {
		entries, err := g.claim(ctx)
		if err != nil || len(entries) > 0 {
			return entries, err
		}
	}
	return g.readNew(ctx)
}

// readBacklog re-reads this consumer's pending list without blocking.
func (g *GroupReader) readBacklog(ctx context.Context) ([]Entry, error) {
	reply, err := g.client.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    g.group,
		Consumer: g.consumer,
		Streams:  []string{g.stream, g.backlogFrom},
		Count:    g.count,
		Block:    -1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	entries := convertStreams(reply)
	if len(entries) > 0 {
		g.backlogFrom = entries[len(entries)-1].ID
		g.client.logger.Info("recovered pending entries", "stream", g.stream, "consumer", g.consumer, "count", len(entries))
	}
	return entries, nil
}

// claim takes over entries other consumers left idle. A full pass over the
// pending list ends when the cursor wraps to 0-0.
func (g *GroupReader) claim(ctx context.Context) ([]Entry, error) {
	messages, next, err := g.client.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   g.stream,
		Group:    g.group,
		Consumer: g.consumer,
		MinIdle:  g.claimIdle,
		Start:    g.claimFrom,
		Count:    g.count,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("claim idle entries: %w", err)
	}
	g.claimFrom = next
	if next == "" || next == "0-0" {
		g.claimFrom = "0-0"
		g.nextClaim = time.Now().Add(g.claimInterval)
	}
	entries := convertMessages(g.stream, messages)
	if len(entries) > 0 {
		g.client.logger.Warn("claimed idle entries", "stream", g.stream, "consumer", g.consumer, "count", len(entries))
	}
	return entries, nil
}

func (g *GroupReader) readNew(ctx context.Context) ([]Entry, error) {
	reply, err := g.client.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    g.group,
		Consumer: g.consumer,
		Streams:  []string{g.stream, ">"},
		Count:    g.count,
		Block:    g.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return convertStreams(reply), nil
}

// Ack marks entries as processed for the group.
func (g *GroupReader) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return g.client.rdb.XAck(ctx, g.stream, g.group, ids...).Err()
}

func (g *GroupReader) ensureGroup(ctx context.Context) error {
	if g.groupReady.Load() {
		return nil
	}
	g.groupMu.Lock()
	defer g.groupMu.Unlock()
	if g.groupReady.Load() {
		return nil
	}
	err := g.client.rdb.XGroupCreateMkStream(ctx, g.stream, g.group, g.startID).Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group %s: %w", g.group, err)
	}
	g.groupReady.Store(true)
	return nil
}
