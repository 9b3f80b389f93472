// Package harvester implements the hybrid log harvester: it polls the source
// DBMS instrumentation, publishes every statement execution to the event
// stream, mirrors it into the parquet archive, and advances a durable cursor
// only after both writes. Delivery is at-least-once; the idempotent sink
// absorbs the duplicates this produces.
package harvester

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/arc-self/uba-pipeline/internal/archive"
	"github.com/arc-self/uba-pipeline/internal/cursor"
	"github.com/arc-self/uba-pipeline/internal/event"
	"github.com/arc-self/uba-pipeline/internal/source"
	"github.com/arc-self/uba-pipeline/internal/stream"
	"github.com/arc-self/uba-pipeline/internal/telemetry"
)

const (
	defaultPollInterval = time.Second
	maxPollInterval     = 5 * time.Second
	defaultBatchSize    = 5000

	// softDepthLimit is the stream depth beyond which polling slows down
	// linearly toward maxPollInterval.
	softDepthLimit = 500_000
)

// Harvester owns the poll loop over the two sources and the single cursor
// that ties them together.
type Harvester struct {
	reader    source.Reader
	stream    *stream.Client
	archive   *archive.Writer
	cursors   *cursor.Store
	streamKey string
	batchSize int
	log       *zap.Logger
	metrics   *telemetry.HarvesterMetrics

	cur       cursor.Cursor
	bootTime  time.Time
	promoter  *cron.Cron
	reconnect *backoff.ExponentialBackOff
}

// New wires a harvester. batchSize <= 0 selects the default.
func New(reader source.Reader, sc *stream.Client, aw *archive.Writer,
	cs *cursor.Store, streamKey string, batchSize int,
	metrics *telemetry.HarvesterMetrics, logger *zap.Logger) *Harvester {

	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Harvester{
		reader:    reader,
		stream:    sc,
		archive:   aw,
		cursors:   cs,
		streamKey: streamKey,
		batchSize: batchSize,
		log:       logger,
		metrics:   metrics,
	}
}

// Run executes the harvest loop until ctx is cancelled. It blocks.
func (h *Harvester) Run(ctx context.Context) error {
	cur, found, err := h.cursors.Load()
	if err != nil {
		return err
	}
	h.cur = cur
	if found {
		h.log.Info("cursor loaded",
			zap.Int64("last_timer_start", cur.LastTimerStart),
			zap.String("boot_signature", cur.BootSignature),
			zap.Time("last_event_ts", cur.LastEventTS),
		)
	} else {
		h.log.Info("no cursor found, starting fresh")
	}

	// Hourly promotion of closed daily archive segments. The open day is
	// never promoted.
	h.promoter = cron.New()
	h.promoter.AddFunc("@hourly", func() {
		today := time.Now().UTC().Format("2006-01-02")
		if _, err := h.archive.PromoteBefore(today); err != nil {
			h.log.Error("archive promotion failed", zap.Error(err))
		}
	})
	h.promoter.Start()
	defer func() {
		stopCtx := h.promoter.Stop()
		<-stopCtx.Done()
	}()

	startup := true
	for {
		if ctx.Err() != nil {
			h.log.Info("harvester shutting down gracefully")
			return nil
		}
		if err := h.pollOnce(ctx, startup); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			h.log.Error("poll failed, backing off", zap.Error(err))
			h.waitBackoff(ctx)
			continue
		}
		startup = false
		if h.reconnect != nil {
			h.reconnect.Reset()
		}
		h.sleep(ctx, h.pollInterval(ctx))
	}
}

// pollOnce runs one harvest cycle: decide hot vs recovery, drain the chosen
// source, publish, archive, advance the cursor.
func (h *Harvester) pollOnce(ctx context.Context, startup bool) error {
	sig, bootTime, err := h.reader.BootInfo(ctx)
	if err != nil {
		return err
	}
	h.bootTime = bootTime

	minTimer, maxTimer, err := h.reader.TimerRange(ctx)
	if err != nil {
		return err
	}

	if reason := h.recoveryReason(ctx, sig, minTimer, maxTimer, startup); reason != "" {
		h.log.Warn("entering recovery mode",
			zap.String("reason", reason),
			zap.String("current_boot", sig),
			zap.String("saved_boot", h.cur.BootSignature),
		)
		h.metrics.RecoveryEntered(ctx)
		if err := h.drainCold(ctx); err != nil {
			return err
		}
		// Resync the hot cursor to the current ring tip so hot mode resumes
		// without replaying what recovery just delivered.
		_, maxTimer, err = h.reader.TimerRange(ctx)
		if err != nil {
			return err
		}
		h.cur.LastTimerStart = maxTimer
		h.cur.BootSignature = sig
		return h.cursors.Save(h.cur)
	}

	if h.cur.BootSignature == "" {
		// First run ever: adopt the current epoch without replaying history.
		h.cur.BootSignature = sig
	}
	return h.drainHot(ctx)
}

// recoveryReason reports why the cold source must be read, or "" for hot
// mode. The cold-source lag check only applies at startup.
func (h *Harvester) recoveryReason(ctx context.Context, sig string, minTimer, maxTimer int64, startup bool) string {
	if h.cur.BootSignature == "" {
		return "" // fresh install, nothing to recover
	}
	if sig != h.cur.BootSignature {
		return "boot signature changed"
	}
	if h.cur.LastTimerStart < minTimer && maxTimer > 0 {
		return "ring buffer wrapped past cursor"
	}
	if startup {
		coldMax, err := h.reader.ColdMaxTS(ctx)
		if err != nil {
			h.log.Warn("cold max ts unavailable", zap.Error(err))
			return ""
		}
		if !coldMax.IsZero() && coldMax.After(h.cur.LastEventTS) {
			return "persistent log is ahead of cursor"
		}
	}
	return ""
}

// drainCold loops over the persistent log until it is empty.
func (h *Harvester) drainCold(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		events, err := h.reader.FetchCold(ctx, h.cur.LastEventTS, h.batchSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			h.log.Info("recovery drain complete", zap.Time("last_event_ts", h.cur.LastEventTS))
			return nil
		}
		if err := h.deliver(ctx, events); err != nil {
			return err
		}
		h.cur.LastEventTS = events[len(events)-1].TS.Time
		if err := h.cursors.Save(h.cur); err != nil {
			return err
		}
	}
}

// drainHot reads ring batches until a poll comes back short.
func (h *Harvester) drainHot(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		events, err := h.reader.FetchHot(ctx, h.bootTime, h.cur.LastTimerStart, h.batchSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		if err := h.deliver(ctx, events); err != nil {
			return err
		}

		// Advance both cursor legs; timer order implies ts order here.
		for _, e := range events {
			if ts := e.TS.Time; ts.After(h.cur.LastEventTS) {
				h.cur.LastEventTS = ts
			}
		}
		// FetchHot returns timer-ordered rows carrying the raw TIMER_START;
		// the last one is the batch max. The wall-clock timestamp must never
		// stand in for it: it is truncated, and a cursor even one picosecond
		// short re-matches the row on the next poll.
		last := events[len(events)-1]
		if last.TimerStart > h.cur.LastTimerStart {
			h.cur.LastTimerStart = last.TimerStart
		}
		if err := h.cursors.Save(h.cur); err != nil {
			return err
		}
		if len(events) < h.batchSize {
			return nil
		}
	}
}

// deliver publishes a batch to the stream and appends it to the archive.
// A stream outage is tolerated — the archive is the recovery ground truth —
// but an archive failure aborts the batch so the cursor does not advance.
func (h *Harvester) deliver(ctx context.Context, events []*event.RawEvent) error {
	payloads := make([][]byte, 0, len(events))
	for _, e := range events {
		data, err := e.Marshal()
		if err != nil {
			return err
		}
		payloads = append(payloads, data)
	}

	if err := h.stream.PublishBatch(ctx, h.streamKey, payloads); err != nil {
		h.log.Warn("stream publish failed, batch archived only", zap.Error(err))
		h.metrics.PublishFailed(ctx, len(events))
	} else {
		h.metrics.Published(ctx, len(events))
	}

	if err := h.archive.Append(events); err != nil {
		return err
	}
	h.metrics.Harvested(ctx, len(events))
	h.log.Debug("batch delivered", zap.Int("events", len(events)))
	return nil
}

// pollInterval adapts the poll cadence to stream depth: linear back-off from
// the 1s target to 5s as depth approaches the soft limit.
func (h *Harvester) pollInterval(ctx context.Context) time.Duration {
	depth, err := h.stream.Len(ctx, h.streamKey)
	if err != nil || depth <= 0 {
		return defaultPollInterval
	}
	if depth >= softDepthLimit {
		return maxPollInterval
	}
	scaled := defaultPollInterval +
		time.Duration(float64(maxPollInterval-defaultPollInterval)*float64(depth)/float64(softDepthLimit))
	return scaled
}

// waitBackoff sleeps with exponential backoff (1s growing to a 30s cap)
// after a failed poll, resetting whenever a poll succeeds.
func (h *Harvester) waitBackoff(ctx context.Context) {
	if h.reconnect == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.MaxInterval = 30 * time.Second
		b.MaxElapsedTime = 0 // retry forever
		h.reconnect = b
	}
	h.sleep(ctx, h.reconnect.NextBackOff())
}

func (h *Harvester) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
