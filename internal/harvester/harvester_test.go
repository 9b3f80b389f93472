package harvester

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arc-self/uba-pipeline/internal/archive"
	"github.com/arc-self/uba-pipeline/internal/cursor"
	"github.com/arc-self/uba-pipeline/internal/event"
	"github.com/arc-self/uba-pipeline/internal/stream"
)

const testStream = "uba:logs:mysql"

// fakeReader serves canned hot and cold events with the same filtering
// contract the real source applies.
type fakeReader struct {
	sig      string
	bootTime time.Time
	minTimer int64
	maxTimer int64
	hot      []*event.RawEvent
	cold     []*event.RawEvent
	coldMax  time.Time
}

func (f *fakeReader) BootInfo(context.Context) (string, time.Time, error) {
	return f.sig, f.bootTime, nil
}

func (f *fakeReader) TimerRange(context.Context) (int64, int64, error) {
	return f.minTimer, f.maxTimer, nil
}

func (f *fakeReader) FetchHot(_ context.Context, _ time.Time, afterTimer int64, limit int) ([]*event.RawEvent, error) {
	var out []*event.RawEvent
	for _, e := range f.hot {
		if e.TimerStart > afterTimer {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeReader) FetchCold(_ context.Context, afterTS time.Time, limit int) ([]*event.RawEvent, error) {
	var out []*event.RawEvent
	for _, e := range f.cold {
		if e.TS.After(afterTS) {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeReader) ColdMaxTS(context.Context) (time.Time, error) {
	return f.coldMax, nil
}

func (f *fakeReader) Close() error { return nil }

var bootAt = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

// rawAt builds a cold-source event (no ring timer).
func rawAt(id int64, user string, ts time.Time) *event.RawEvent {
	return &event.RawEvent{
		TS:      event.NewTimestamp(ts),
		EventID: id,
		User:    user,
		SQLText: "SELECT 1",
	}
}

// hotAt builds a hot-ring event carrying its raw picosecond TIMER_START.
func hotAt(id int64, user string, ts time.Time, timer int64) *event.RawEvent {
	e := rawAt(id, user, ts)
	e.TimerStart = timer
	return e
}

// newTestHarvester wires a harvester onto a fake reader, a miniredis-backed
// stream, and real archive and cursor stores in temp dirs.
func newTestHarvester(t *testing.T, reader *fakeReader) (*Harvester, *miniredis.Miniredis, *cursor.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	sc := stream.NewClientFromRedis(rdb, zaptest.NewLogger(t))

	dir := t.TempDir()
	aw, err := archive.NewWriter(filepath.Join(dir, "staging"), filepath.Join(dir, "archive"), "mysql", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { aw.Close() })

	cs, err := cursor.NewStore(filepath.Join(dir, "harvester.cursor.json"))
	require.NoError(t, err)

	h := New(reader, sc, aw, cs, testStream, 0, nil, zaptest.NewLogger(t))
	return h, mr, cs
}

func streamDepth(t *testing.T, h *Harvester) int64 {
	t.Helper()
	depth, err := h.stream.Len(context.Background(), testStream)
	require.NoError(t, err)
	return depth
}

func TestFreshInstallDrainsHotOnly(t *testing.T) {
	reader := &fakeReader{
		sig:      "2026-03-10 08:00",
		bootTime: bootAt,
		minTimer: 1,
		maxTimer: 1,
		hot: []*event.RawEvent{
			hotAt(1, "alice", bootAt.Add(time.Minute), 60_000_000_000_000),
			hotAt(2, "bob", bootAt.Add(2*time.Minute), 120_000_000_000_000),
		},
		// Cold history predating the install must not be replayed.
		cold:    []*event.RawEvent{rawAt(99, "ancient", bootAt.Add(-time.Hour))},
		coldMax: bootAt.Add(-time.Hour),
	}
	h, _, cs := newTestHarvester(t, reader)

	require.NoError(t, h.pollOnce(context.Background(), true))

	assert.EqualValues(t, 2, streamDepth(t, h))
	assert.EqualValues(t, 2, h.archive.Written())

	cur, found, err := cs.Load()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, reader.sig, cur.BootSignature)
	assert.Equal(t, bootAt.Add(2*time.Minute), cur.LastEventTS.UTC())
	assert.Equal(t, reader.hot[1].TimerStart, cur.LastTimerStart)
}

func TestHotPollSkipsAlreadyHarvested(t *testing.T) {
	reader := &fakeReader{
		sig:      "2026-03-10 08:00",
		bootTime: bootAt,
		minTimer: 1,
		maxTimer: 1,
		hot: []*event.RawEvent{
			hotAt(1, "alice", bootAt.Add(time.Minute), 60_000_000_000_000),
			hotAt(2, "bob", bootAt.Add(2*time.Minute), 120_000_000_000_000),
		},
	}
	h, _, _ := newTestHarvester(t, reader)
	h.cur = cursor.Cursor{
		LastTimerStart: reader.hot[0].TimerStart,
		BootSignature:  reader.sig,
		LastEventTS:    reader.hot[0].TS.Time,
	}

	require.NoError(t, h.pollOnce(context.Background(), false))
	require.EqualValues(t, 1, streamDepth(t, h), "only the event past the cursor is delivered")
}

func TestHotCursorCarriesFullTimerPrecision(t *testing.T) {
	// A timer with sub-millisecond picosecond digits: the wall-clock
	// timestamp derived from it is truncated, so any cursor reconstructed
	// from the timestamp would fall short and re-match this row forever.
	const timer = int64(1_234_567_890_123_400)
	ts := bootAt.Add(time.Duration(timer) * time.Nanosecond / 1000)
	reader := &fakeReader{
		sig:      "2026-03-10 08:00",
		bootTime: bootAt,
		minTimer: 1,
		maxTimer: timer,
		hot:      []*event.RawEvent{hotAt(1, "alice", ts, timer)},
	}
	h, _, cs := newTestHarvester(t, reader)

	require.NoError(t, h.pollOnce(context.Background(), true))
	require.EqualValues(t, 1, streamDepth(t, h))

	cur, found, err := cs.Load()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, timer, cur.LastTimerStart, "cursor must hold the exact raw timer")

	// An idle ring: the already-harvested row must not be re-delivered.
	require.NoError(t, h.pollOnce(context.Background(), false))
	assert.EqualValues(t, 1, streamDepth(t, h))
	assert.EqualValues(t, 1, h.archive.Written())
}

func TestBootSignatureChangeTriggersRecovery(t *testing.T) {
	lastSeen := bootAt.Add(-time.Hour)
	reader := &fakeReader{
		sig:      "2026-03-10 08:00",
		bootTime: bootAt,
		minTimer: 5,
		maxTimer: 5,
		// The post-restart ring only holds one event; the persistent log
		// carries what the crash window lost.
		hot: []*event.RawEvent{hotAt(3, "carol", bootAt.Add(time.Minute), 5)},
		cold: []*event.RawEvent{
			rawAt(1, "alice", lastSeen.Add(10*time.Minute)),
			rawAt(2, "bob", lastSeen.Add(20*time.Minute)),
			rawAt(3, "carol", bootAt.Add(time.Minute)),
		},
	}
	h, _, cs := newTestHarvester(t, reader)
	h.cur = cursor.Cursor{
		LastTimerStart: 999_999,
		BootSignature:  "2026-03-01 00:00",
		LastEventTS:    lastSeen,
	}

	require.NoError(t, h.pollOnce(context.Background(), true))

	assert.EqualValues(t, 3, streamDepth(t, h), "the whole cold backlog is replayed")

	cur, found, err := cs.Load()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, reader.sig, cur.BootSignature, "cursor adopts the new epoch")
	assert.Equal(t, reader.maxTimer, cur.LastTimerStart, "hot cursor resyncs to the ring tip")
	assert.Equal(t, bootAt.Add(time.Minute), cur.LastEventTS.UTC())
}

func TestRingWrapTriggersRecovery(t *testing.T) {
	lastSeen := bootAt.Add(time.Minute)
	reader := &fakeReader{
		sig:      "2026-03-10 08:00",
		bootTime: bootAt,
		minTimer: 10_000,
		maxTimer: 20_000,
		cold: []*event.RawEvent{
			rawAt(7, "alice", lastSeen.Add(time.Minute)),
		},
	}
	h, _, _ := newTestHarvester(t, reader)
	h.cur = cursor.Cursor{
		LastTimerStart: 5_000, // below the ring's oldest entry
		BootSignature:  reader.sig,
		LastEventTS:    lastSeen,
	}

	require.NoError(t, h.pollOnce(context.Background(), false))
	assert.EqualValues(t, 1, streamDepth(t, h))
	assert.Equal(t, reader.maxTimer, h.cur.LastTimerStart)
}

func TestColdAheadOnlyChecksAtStartup(t *testing.T) {
	lastSeen := bootAt.Add(time.Minute)
	reader := &fakeReader{
		sig:      "2026-03-10 08:00",
		bootTime: bootAt,
		minTimer: 1,
		maxTimer: 1,
		coldMax:  lastSeen.Add(time.Hour),
		cold: []*event.RawEvent{
			rawAt(8, "alice", lastSeen.Add(time.Hour)),
		},
	}

	h, _, _ := newTestHarvester(t, reader)
	cur := cursor.Cursor{
		LastTimerStart: 1,
		BootSignature:  reader.sig,
		LastEventTS:    lastSeen,
	}

	// Mid-run, hot mode trusts its timer cursor and ignores cold lag.
	h.cur = cur
	require.NoError(t, h.pollOnce(context.Background(), false))
	assert.EqualValues(t, 0, streamDepth(t, h))

	// At startup the same lag forces a recovery drain.
	h.cur = cur
	require.NoError(t, h.pollOnce(context.Background(), true))
	assert.EqualValues(t, 1, streamDepth(t, h))
}

func TestRecoveryReasonTable(t *testing.T) {
	reader := &fakeReader{sig: "2026-03-10 08:00", bootTime: bootAt}
	h, _, _ := newTestHarvester(t, reader)

	tests := []struct {
		name    string
		cur     cursor.Cursor
		min     int64
		max     int64
		startup bool
		want    string
	}{
		{
			name: "fresh install never recovers",
			cur:  cursor.Cursor{},
			want: "",
		},
		{
			name: "signature mismatch",
			cur:  cursor.Cursor{BootSignature: "2026-03-01 00:00"},
			want: "boot signature changed",
		},
		{
			name: "cursor behind ring floor",
			cur:  cursor.Cursor{BootSignature: reader.sig, LastTimerStart: 10},
			min:  100, max: 200,
			want: "ring buffer wrapped past cursor",
		},
		{
			name: "empty ring is not a wrap",
			cur:  cursor.Cursor{BootSignature: reader.sig, LastTimerStart: 10},
			min:  0, max: 0,
			want: "",
		},
		{
			name:    "cold source ahead at startup",
			cur:     cursor.Cursor{BootSignature: reader.sig, LastTimerStart: 500, LastEventTS: bootAt},
			min:     100,
			max:     900,
			startup: true,
			want:    "persistent log is ahead of cursor",
		},
	}
	reader.coldMax = bootAt.Add(time.Hour)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.cur = tt.cur
			got := h.recoveryReason(context.Background(), reader.sig, tt.min, tt.max, tt.startup)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStreamOutageStillArchivesAndAdvances(t *testing.T) {
	reader := &fakeReader{
		sig:      "2026-03-10 08:00",
		bootTime: bootAt,
		minTimer: 1,
		maxTimer: 1,
		hot:      []*event.RawEvent{hotAt(1, "alice", bootAt.Add(time.Minute), 60_000_000_000_000)},
	}
	h, mr, cs := newTestHarvester(t, reader)
	mr.Close() // simulate a broker outage

	require.NoError(t, h.pollOnce(context.Background(), true),
		"a stream outage must not abort the harvest")
	assert.EqualValues(t, 1, h.archive.Written(), "the archive remains ground truth")

	cur, found, err := cs.Load()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, bootAt.Add(time.Minute), cur.LastEventTS.UTC())
}

func TestPollIntervalScalesWithDepth(t *testing.T) {
	reader := &fakeReader{sig: "2026-03-10 08:00", bootTime: bootAt}
	h, _, _ := newTestHarvester(t, reader)
	ctx := context.Background()

	assert.Equal(t, defaultPollInterval, h.pollInterval(ctx), "empty stream keeps the base cadence")

	payloads := make([][]byte, 100)
	for i := range payloads {
		payloads[i] = []byte(`{}`)
	}
	require.NoError(t, h.stream.PublishBatch(ctx, testStream, payloads))

	d := h.pollInterval(ctx)
	assert.GreaterOrEqual(t, d, defaultPollInterval)
	assert.LessOrEqual(t, d, maxPollInterval)
}
