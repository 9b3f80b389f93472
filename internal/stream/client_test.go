package stream_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arc-self/uba-pipeline/internal/stream"
)

const (
	testStream = "uba:logs:mysql"
	testGroup  = "engine_group"
)

func newTestClient(t *testing.T) (*stream.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return stream.NewClientFromRedis(rdb, zaptest.NewLogger(t)), mr
}

func TestPublishAndReadBatch(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	require.NoError(t, c.EnsureGroup(ctx, testStream, testGroup))
	require.NoError(t, c.Publish(ctx, testStream, []byte(`{"event_id":1}`)))
	require.NoError(t, c.PublishBatch(ctx, testStream, [][]byte{
		[]byte(`{"event_id":2}`),
		[]byte(`{"event_id":3}`),
	}))

	msgs, err := c.ReadBatch(ctx, testStream, testGroup, "c1", 10, 10*time.Millisecond, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, `{"event_id":1}`, string(msgs[0].Data))
	assert.Equal(t, `{"event_id":3}`, string(msgs[2].Data))
}

func TestEnsureGroupIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	require.NoError(t, c.EnsureGroup(ctx, testStream, testGroup))
	require.NoError(t, c.EnsureGroup(ctx, testStream, testGroup))
}

func TestAckRemovesFromPending(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	require.NoError(t, c.EnsureGroup(ctx, testStream, testGroup))
	require.NoError(t, c.Publish(ctx, testStream, []byte("a")))

	msgs, err := c.ReadBatch(ctx, testStream, testGroup, "c1", 10, 10*time.Millisecond, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NoError(t, c.Ack(ctx, testStream, testGroup, msgs[0].ID))

	// Nothing new and nothing pending to claim.
	msgs, err = c.ReadBatch(ctx, testStream, testGroup, "c2", 10, 10*time.Millisecond, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestQuarantineMovesAndAcks(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	quarantine := "uba:quarantine:mysql"

	require.NoError(t, c.EnsureGroup(ctx, testStream, testGroup))
	require.NoError(t, c.Publish(ctx, testStream, []byte("{broken")))

	msgs, err := c.ReadBatch(ctx, testStream, testGroup, "c1", 10, 10*time.Millisecond, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, c.Quarantine(ctx, testStream, testGroup, quarantine, "unparsable payload", msgs))

	qlen, err := c.Len(ctx, quarantine)
	require.NoError(t, err)
	assert.Equal(t, int64(1), qlen)

	// The original message is acked, so no consumer sees it again.
	msgs, err = c.ReadBatch(ctx, testStream, testGroup, "c2", 10, 10*time.Millisecond, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestReadBatchEmptyStream(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	require.NoError(t, c.EnsureGroup(ctx, testStream, testGroup))
	msgs, err := c.ReadBatch(ctx, testStream, testGroup, "c1", 10, 10*time.Millisecond, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
