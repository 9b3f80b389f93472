// Package stream wraps the durable event stream: a Redis Stream per source
// DBMS with consumer groups providing at-least-once fan-out. The contract
// exposed to consumers is append-only partitions, per-message ack, and
// redelivery of unacked messages after a visibility timeout (claimed via
// XAUTOCLAIM). The stream may trim its oldest entries under memory pressure;
// loss there is recoverable from the parquet archive.
package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PayloadField is the single message field carrying the JSON-encoded event.
const PayloadField = "data"

// maxStreamLen bounds each stream; older entries are trimmed approximately.
const maxStreamLen = 1_000_000

// Message is one stream entry handed to a consumer.
type Message struct {
	ID   string
	Data []byte
}

// Client wraps a Redis connection for stream access. One client serves both
// the publish path (harvester) and the consume path (engine, responder).
type Client struct {
	rdb *redis.Client
	log *zap.Logger
}

// NewClient connects to Redis and verifies the connection with a ping.
// Keepalive and pool health checks come from go-redis defaults; transient
// errors reconnect internally with bounded backoff.
func NewClient(ctx context.Context, url string, logger *zap.Logger) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 30 * time.Second
	opts.MaxRetries = 3

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("redis connected", zap.String("addr", opts.Addr))
	return &Client{rdb: rdb, log: logger}, nil
}

// NewClientFromRedis wraps an existing redis client (tests use this with
// miniredis).
func NewClientFromRedis(rdb *redis.Client, logger *zap.Logger) *Client {
	return &Client{rdb: rdb, log: logger}
}

// Close releases the underlying connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// Publish appends one payload to the stream, trimming approximately at the
// configured bound.
func (c *Client) Publish(ctx context.Context, stream string, payload []byte) error {
	err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]interface{}{PayloadField: payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

// PublishBatch pipelines many appends in one round trip.
func (c *Client) PublishBatch(ctx context.Context, stream string, payloads [][]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	for _, p := range payloads {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: maxStreamLen,
			Approx: true,
			Values: map[string]interface{}{PayloadField: p},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("xadd pipeline %s: %w", stream, err)
	}
	return nil
}

// EnsureGroup idempotently creates the consumer group, reading from the
// start of the stream so a fresh group sees everything still retained.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	c.log.Info("consumer group ready", zap.String("stream", stream), zap.String("group", group))
	return nil
}

// ReadBatch blocks up to block for new messages on the group, after first
// claiming any messages another consumer left pending longer than
// visibility. Returns at most count messages.
func (c *Client) ReadBatch(ctx context.Context, stream, group, consumer string,
	count int64, block, visibility time.Duration) ([]Message, error) {

	claimed, err := c.claimStale(ctx, stream, group, consumer, count, visibility)
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		return claimed, nil
	}

	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil // timeout with no messages
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", stream, err)
	}

	var out []Message
	for _, sr := range res {
		for _, m := range sr.Messages {
			out = append(out, toMessage(m))
		}
	}
	return out, nil
}

// claimStale sweeps messages pending longer than the visibility timeout onto
// this consumer so a crashed peer's batch is redelivered.
func (c *Client) claimStale(ctx context.Context, stream, group, consumer string,
	count int64, visibility time.Duration) ([]Message, error) {

	msgs, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  visibility,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil && err != redis.Nil {
		// NOGROUP before EnsureGroup, or transient failure: surface it.
		return nil, fmt.Errorf("xautoclaim %s: %w", stream, err)
	}
	var out []Message
	for _, m := range msgs {
		out = append(out, toMessage(m))
	}
	return out, nil
}

// Ack acknowledges processed message ids. Call only after the sink
// transaction has committed.
func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", stream, err)
	}
	return nil
}

// Quarantine moves poisoned messages to the manual-review stream and acks
// the originals so they stop redelivering.
func (c *Client) Quarantine(ctx context.Context, srcStream, group, quarantine, reason string, msgs []Message) error {
	pipe := c.rdb.Pipeline()
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: quarantine,
			Values: map[string]interface{}{
				PayloadField: m.Data,
				"origin_id":  m.ID,
				"reason":     reason,
			},
		})
		ids = append(ids, m.ID)
	}
	pipe.XAck(ctx, srcStream, group, ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("quarantine to %s: %w", quarantine, err)
	}
	c.log.Warn("messages quarantined",
		zap.String("stream", quarantine),
		zap.Int("count", len(msgs)),
		zap.String("reason", reason),
	)
	return nil
}

// Len reports the current depth of a stream; the harvester uses it for
// backpressure.
func (c *Client) Len(ctx context.Context, stream string) (int64, error) {
	n, err := c.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", stream, err)
	}
	return n, nil
}

func toMessage(m redis.XMessage) Message {
	var data []byte
	switch v := m.Values[PayloadField].(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	}
	return Message{ID: m.ID, Data: data}
}
