// Package engine runs the detection pipeline: it consumes raw-event batches
// from the stream's consumer group, enriches them, runs the whitelist, the
// signature rules, the sensitive-access rule, the session sweep and the
// behavioral-outlier tier, and persists everything through the sink before
// acking. A batch that cannot be persisted after repeated attempts moves to
// the quarantine stream so the group is never wedged by poison input.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/arc-self/uba-pipeline/internal/config"
	"github.com/arc-self/uba-pipeline/internal/event"
	"github.com/arc-self/uba-pipeline/internal/feature"
	"github.com/arc-self/uba-pipeline/internal/profile"
	"github.com/arc-self/uba-pipeline/internal/rules"
	"github.com/arc-self/uba-pipeline/internal/sink"
	"github.com/arc-self/uba-pipeline/internal/stream"
	"github.com/arc-self/uba-pipeline/internal/telemetry"
)

const (
	// ConsumerGroup is the stream consumer group the engine reads under.
	ConsumerGroup = "engine_group"

	readBlock         = 50 * time.Second
	readBatchSize     = 10_000
	visibilityTimeout = 5 * time.Minute
	// maxSinkFailures quarantines a batch after this many consecutive
	// failed persistence attempts.
	maxSinkFailures = 3
)

// Engine wires the full detection pipeline over one consumer.
type Engine struct {
	cfg       *config.Config
	stream    *stream.Client
	store     *sink.Sink
	extractor *feature.Extractor
	windows   *feature.Windows
	whitelist *rules.Whitelist
	signature *rules.SignatureRules
	sensitive *rules.SensitiveAccessRule
	sessions  *rules.Aggregator
	detector  *profile.Detector
	profiles  *profile.Store
	metrics   *telemetry.EngineMetrics
	log       *zap.Logger

	consumer string
	cronner  *cron.Cron

	batchesProcessed atomic.Int64
	eventsProcessed  atomic.Int64
	anomaliesFound   atomic.Int64
	lastBatchAt      atomic.Int64 // unix seconds
}

// New assembles the engine from its parts. The consumer name is
// process-unique so pending-entry claims stay attributable.
func New(cfg *config.Config, sc *stream.Client, store *sink.Sink, profiles *profile.Store, metrics *telemetry.EngineMetrics, logger *zap.Logger) *Engine {
	host, _ := os.Hostname()
	e := &Engine{
		cfg:       cfg,
		stream:    sc,
		store:     store,
		extractor: feature.NewExtractor(cfg),
		windows:   feature.NewWindows(cfg.Rules.ProfileMinSamples),
		whitelist: rules.NewWhitelist(cfg),
		signature: rules.NewSignatureRules(cfg),
		sensitive: rules.NewSensitiveAccessRule(cfg),
		sessions:  rules.NewAggregator(cfg, logger),
		profiles:  profiles,
		metrics:   metrics,
		log:       logger,
		consumer:  fmt.Sprintf("engine-%s-%d", host, os.Getpid()),
	}
	e.detector = profile.NewDetector(profiles, cfg.Rules.ProfileMinSamples, logger)
	return e
}

// Run blocks until ctx is canceled, reading and processing batches. On
// shutdown the open sessions are flushed and persisted best-effort.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.stream.EnsureGroup(ctx, e.cfg.StreamKey(), ConsumerGroup); err != nil {
		return err
	}
	if err := e.detector.ReloadFeedback(e.cfg.FeedbackPath()); err != nil {
		e.log.Warn("feedback load failed", zap.Error(err))
	}

	e.cronner = cron.New()
	if _, err := e.cronner.AddFunc("@hourly", func() {
		e.profiles.RefreshStale(e.cfg.Rules.ProfileMinSamples)
		if err := e.detector.ReloadFeedback(e.cfg.FeedbackPath()); err != nil {
			e.log.Warn("feedback reload failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule profile refresh: %w", err)
	}
	e.cronner.Start()
	defer e.cronner.Stop()

	e.log.Info("engine started",
		zap.String("stream", e.cfg.StreamKey()),
		zap.String("group", ConsumerGroup),
		zap.String("consumer", e.consumer),
	)

	for {
		select {
		case <-ctx.Done():
			e.drain()
			return ctx.Err()
		default:
		}

		msgs, err := e.stream.ReadBatch(ctx, e.cfg.StreamKey(), ConsumerGroup,
			e.consumer, readBatchSize, readBlock, visibilityTimeout)
		if err != nil {
			if ctx.Err() != nil {
				e.drain()
				return ctx.Err()
			}
			e.log.Error("stream read failed", zap.Error(err))
			e.sleep(ctx, 2*time.Second)
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		if err := e.processBatch(ctx, msgs); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.log.Error("batch abandoned, will redeliver", zap.Error(err))
		}
	}
}

// processBatch runs the full pipeline over one micro-batch and acks on
// success. Messages that fail to parse are quarantined individually; a sink
// that stays down moves the whole batch to quarantine after the retry
// budget.
func (e *Engine) processBatch(ctx context.Context, msgs []stream.Message) error {
	enriched, poison := e.parseBatch(msgs)
	if len(poison) > 0 {
		e.metrics.Quarantined(ctx, len(poison))
		if err := e.stream.Quarantine(ctx, e.cfg.StreamKey(), ConsumerGroup,
			e.cfg.QuarantineKey(), "unparsable payload", poison); err != nil {
			return fmt.Errorf("quarantine poison messages: %w", err)
		}
	}
	if len(enriched) == 0 {
		return nil
	}

	logs, anomalies, sessions := e.analyze(ctx, enriched)

	if err := e.persist(ctx, msgs, logs, anomalies, sessions); err != nil {
		return err
	}

	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if !containsID(poison, m.ID) {
			ids = append(ids, m.ID)
		}
	}
	if err := e.stream.Ack(ctx, e.cfg.StreamKey(), ConsumerGroup, ids...); err != nil {
		return fmt.Errorf("ack batch: %w", err)
	}

	e.batchesProcessed.Add(1)
	e.eventsProcessed.Add(int64(len(enriched)))
	e.anomaliesFound.Add(int64(len(anomalies)))
	e.lastBatchAt.Store(time.Now().Unix())
	e.metrics.BatchProcessed(ctx)

	if e.cfg.Response.Enabled {
		e.publishResponseOrders(ctx, anomalies, enriched)
	}
	return nil
}

// parseBatch decodes stream payloads and enriches each event. Decode
// failures are poison; malformed SQL is not (it degrades to a parse_failed
// feature vector).
func (e *Engine) parseBatch(msgs []stream.Message) ([]*feature.EnrichedEvent, []stream.Message) {
	enriched := make([]*feature.EnrichedEvent, 0, len(msgs))
	var poison []stream.Message
	for _, m := range msgs {
		raw, err := event.ParseRawEvent(m.Data)
		if err != nil {
			e.log.Warn("poison message",
				zap.String("id", m.ID), zap.Error(err))
			poison = append(poison, m)
			continue
		}
		f := e.extractor.Extract(raw)
		e.windows.Observe(raw.User, raw.TS.Time, raw.RowsReturned,
			raw.ErrorCode != 0, raw.ExecutionTimeMs, &f)
		enriched = append(enriched, &feature.EnrichedEvent{RawEvent: *raw, Features: f})
	}
	return enriched, poison
}

// analyze runs whitelisting, every rule group and the outlier tier over the
// enriched batch. Each rule group is isolated: a panic inside one group is
// recovered, counted, and the rest of the pipeline continues.
func (e *Engine) analyze(ctx context.Context, batch []*feature.EnrichedEvent) ([]sink.LogRow, []event.EventAnomaly, []event.SessionAnomaly) {
	var anomalies []event.EventAnomaly
	var sessionsOut []event.SessionAnomaly

	analyzed := make([]*feature.EnrichedEvent, 0, len(batch))
	for _, ev := range batch {
		if e.whitelist.Allows(ev) {
			continue
		}
		analyzed = append(analyzed, ev)
	}

	e.runGroup(ctx, "signature", func() {
		for _, ev := range analyzed {
			anomalies = append(anomalies, e.signature.Evaluate(ev)...)
		}
	})
	e.runGroup(ctx, "sensitive_access", func() {
		for _, ev := range analyzed {
			anomalies = append(anomalies, e.sensitive.Evaluate(ev)...)
		}
	})
	e.runGroup(ctx, "session_sweep", func() {
		sess, perQuery := e.sessions.Sweep(analyzed)
		sessionsOut = append(sessionsOut, sess...)
		anomalies = append(anomalies, perQuery...)
	})
	e.runGroup(ctx, "behavior_profile", func() {
		for _, ev := range analyzed {
			e.detector.Observe(ev.User, &ev.Features)
			if a := e.detector.Detect(ev.User, ev); a != nil {
				anomalies = append(anomalies, *a)
			}
		}
	})

	for _, a := range anomalies {
		e.metrics.AnomaliesDetected(ctx, string(a.BehaviorGroup), 1)
	}

	return e.buildLogRows(batch, anomalies), anomalies, sessionsOut
}

// buildLogRows marks each event's verdict for all_logs. An event is an
// anomaly when any finding references it; analysis_type prefers the outlier
// tier's label over plain rule-based, and falls back to ParseError for
// events whose SQL never parsed.
func (e *Engine) buildLogRows(batch []*feature.EnrichedEvent, anomalies []event.EventAnomaly) []sink.LogRow {
	type verdict struct {
		flagged  bool
		analysis event.AnalysisType
	}
	verdicts := make(map[string]verdict, len(anomalies))
	for _, a := range anomalies {
		k := logKey(a.TS, a.User, a.SQLText)
		v := verdicts[k]
		v.flagged = true
		if v.analysis == "" || v.analysis == event.AnalysisRuleBased {
			v.analysis = a.AnalysisType
		}
		verdicts[k] = v
	}

	rows := make([]sink.LogRow, 0, len(batch))
	for _, ev := range batch {
		row := sink.LogRow{Event: ev, AnalysisType: event.AnalysisNotAnalyzed}
		if v, ok := verdicts[logKey(ev.TS, ev.User, ev.SQLText)]; ok {
			row.IsAnomaly = true
			row.AnalysisType = v.analysis
		} else if ev.ParseFailed {
			row.AnalysisType = event.AnalysisParseError
		}
		rows = append(rows, row)
	}
	return rows
}

func logKey(ts event.Timestamp, user, sql string) string {
	return ts.UTC().Format(time.RFC3339Nano) + "|" + user + "|" + sql
}

// persist writes the batch through the sink with bounded retries, then
// quarantines it when the store stays unavailable.
func (e *Engine) persist(ctx context.Context, msgs []stream.Message, logs []sink.LogRow, anomalies []event.EventAnomaly, sessions []event.SessionAnomaly) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxSinkFailures; attempt++ {
		lastErr = e.store.WriteBatch(ctx, logs, anomalies, sessions)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		e.metrics.SinkRetried(ctx)
		e.log.Warn("sink write failed",
			zap.Int("attempt", attempt), zap.Error(lastErr))
		if attempt < maxSinkFailures {
			e.sleep(ctx, bo.NextBackOff())
		}
	}

	e.metrics.Quarantined(ctx, len(msgs))
	if qErr := e.stream.Quarantine(ctx, e.cfg.StreamKey(), ConsumerGroup,
		e.cfg.QuarantineKey(), "sink unavailable: "+lastErr.Error(), msgs); qErr != nil {
		return fmt.Errorf("quarantine after sink failure: %w", qErr)
	}
	e.log.Error("batch quarantined after repeated sink failures",
		zap.Int("messages", len(msgs)), zap.Error(lastErr))
	return nil
}

// publishResponseOrders emits lockout orders for users behind the
// lockout-worthy behavior groups.
func (e *Engine) publishResponseOrders(ctx context.Context, anomalies []event.EventAnomaly, batch []*feature.EnrichedEvent) {
	eventIDs := make(map[string][]int64)
	reasons := make(map[string][]string)
	idByKey := make(map[string]int64, len(batch))
	for _, ev := range batch {
		idByKey[logKey(ev.TS, ev.User, ev.SQLText)] = ev.EventID
	}

	for _, a := range anomalies {
		if a.BehaviorGroup != event.GroupTechnicalAttack &&
			a.BehaviorGroup != event.GroupDataDestruction {
			continue
		}
		if a.User == "" {
			continue
		}
		if id, ok := idByKey[logKey(a.TS, a.User, a.SQLText)]; ok {
			eventIDs[a.User] = append(eventIDs[a.User], id)
		}
		reasons[a.User] = append(reasons[a.User], a.AnomalyType)
	}

	for user, types := range reasons {
		order := event.ResponseOrder{
			User:     user,
			Reason:   strings.Join(dedupe(types), ", "),
			EventIDs: eventIDs[user],
			Actions:  []string{"lock_account", "kill_sessions"},
		}
		payload, err := json.Marshal(order)
		if err != nil {
			continue
		}
		if err := e.stream.Publish(ctx, e.cfg.ResponseKey(), payload); err != nil {
			e.log.Error("response order publish failed",
				zap.String("user", user), zap.Error(err))
			continue
		}
		e.log.Warn("response order issued",
			zap.String("user", user), zap.String("reason", order.Reason))
	}
}

// drain flushes the session aggregator on shutdown and persists whatever
// qualified, outside the normal ack path.
func (e *Engine) drain() {
	sessions, findings := e.sessions.Flush()
	if len(sessions) == 0 && len(findings) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.store.WriteBatch(ctx, nil, findings, sessions); err != nil {
		e.log.Error("shutdown session flush failed", zap.Error(err))
	}
}

func (e *Engine) runGroup(ctx context.Context, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.RuleGroupFailed(ctx, name)
			e.log.Error("rule group panicked",
				zap.String("group", name), zap.Any("panic", r))
		}
	}()
	fn()
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Status is the engine's liveness snapshot served by the health endpoint.
type Status struct {
	Consumer         string    `json:"consumer"`
	BatchesProcessed int64     `json:"batches_processed"`
	EventsProcessed  int64     `json:"events_processed"`
	AnomaliesFound   int64     `json:"anomalies_found"`
	LastBatchAt      time.Time `json:"last_batch_at"`
}

// Snapshot reports the current counters.
func (e *Engine) Snapshot() Status {
	var last time.Time
	if ts := e.lastBatchAt.Load(); ts > 0 {
		last = time.Unix(ts, 0).UTC()
	}
	return Status{
		Consumer:         e.consumer,
		BatchesProcessed: e.batchesProcessed.Load(),
		EventsProcessed:  e.eventsProcessed.Load(),
		AnomaliesFound:   e.anomaliesFound.Load(),
		LastBatchAt:      last,
	}
}

func containsID(msgs []stream.Message, id string) bool {
	for _, m := range msgs {
		if m.ID == id {
			return true
		}
	}
	return false
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
