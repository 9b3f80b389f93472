// Package respond executes active-response orders: lock the offending MySQL
// account and kill its live sessions over a privileged admin connection.
// Orders arrive on the response stream; each is executed at most once per
// consumer group and acked regardless of outcome, since retrying a failed
// lock against a broken admin channel would wedge the group.
package respond

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/uba-pipeline/internal/event"
	"github.com/arc-self/uba-pipeline/internal/stream"
	"github.com/arc-self/uba-pipeline/internal/telemetry"
)

const (
	// ConsumerGroup is the response stream's consumer group.
	ConsumerGroup = "responder_group"

	readBlock         = 30 * time.Second
	readBatchSize     = 64
	visibilityTimeout = 2 * time.Minute
	actionTimeout     = 15 * time.Second
)

// Admin is the privileged MySQL surface the responder needs. *sql.DB
// satisfies it; tests substitute sqlmock.
type Admin interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Responder consumes response orders and executes them.
type Responder struct {
	stream    *stream.Client
	admin     Admin
	streamKey string
	metrics   *telemetry.ResponderMetrics
	log       *zap.Logger
	consumer  string
}

// New builds a responder over an admin connection.
func New(sc *stream.Client, admin Admin, streamKey string, metrics *telemetry.ResponderMetrics, logger *zap.Logger) *Responder {
	host, _ := os.Hostname()
	return &Responder{
		stream:    sc,
		admin:     admin,
		streamKey: streamKey,
		metrics:   metrics,
		log:       logger,
		consumer:  fmt.Sprintf("responder-%s-%d", host, os.Getpid()),
	}
}

// Run blocks until ctx is canceled, executing orders as they arrive.
func (r *Responder) Run(ctx context.Context) error {
	if err := r.stream.EnsureGroup(ctx, r.streamKey, ConsumerGroup); err != nil {
		return err
	}
	r.log.Info("responder started",
		zap.String("stream", r.streamKey),
		zap.String("consumer", r.consumer),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := r.stream.ReadBatch(ctx, r.streamKey, ConsumerGroup,
			r.consumer, readBatchSize, readBlock, visibilityTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Error("response stream read failed", zap.Error(err))
			r.sleep(ctx, 2*time.Second)
			continue
		}

		for _, m := range msgs {
			r.processMessage(ctx, m)
		}
		if len(msgs) > 0 {
			ids := make([]string, len(msgs))
			for i, m := range msgs {
				ids[i] = m.ID
			}
			if err := r.stream.Ack(ctx, r.streamKey, ConsumerGroup, ids...); err != nil {
				r.log.Error("response ack failed", zap.Error(err))
			}
		}
	}
}

// processMessage decodes and executes one order. Failures are logged and
// counted, never retried here.
func (r *Responder) processMessage(ctx context.Context, m stream.Message) {
	var order event.ResponseOrder
	if err := json.Unmarshal(m.Data, &order); err != nil {
		r.log.Warn("undecodable response order",
			zap.String("id", m.ID), zap.Error(err))
		return
	}
	if order.User == "" {
		r.log.Warn("response order missing user", zap.String("id", m.ID))
		return
	}
	r.Execute(ctx, &order)
}

// Execute runs the order's actions against the admin channel. Unknown
// actions are skipped with a warning so order formats can evolve.
func (r *Responder) Execute(ctx context.Context, order *event.ResponseOrder) {
	ctx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()

	for _, action := range order.Actions {
		var err error
		switch action {
		case "lock_account":
			err = r.lockAccount(ctx, order.User)
		case "kill_sessions":
			err = r.killSessions(ctx, order.User)
		default:
			r.log.Warn("unknown response action", zap.String("action", action))
			continue
		}
		if err != nil {
			r.metrics.ActionFailed(ctx, action)
			r.log.Error("response action failed",
				zap.String("action", action),
				zap.String("user", order.User),
				zap.Error(err))
			continue
		}
		r.metrics.ActionExecuted(ctx, action)
		r.log.Warn("response action executed",
			zap.String("action", action),
			zap.String("user", order.User),
			zap.String("reason", order.Reason))
	}
}

// lockAccount locks every host variant of the account.
func (r *Responder) lockAccount(ctx context.Context, user string) error {
	rows, err := r.admin.QueryContext(ctx,
		"SELECT host FROM mysql.user WHERE user = ?", user)
	if err != nil {
		return fmt.Errorf("list account hosts: %w", err)
	}
	defer rows.Close()

	var hosts []string
	for rows.Next() {
		var host string
		if err := rows.Scan(&host); err != nil {
			return fmt.Errorf("scan account host: %w", err)
		}
		hosts = append(hosts, host)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(hosts) == 0 {
		return fmt.Errorf("no such account: %s", user)
	}

	for _, host := range hosts {
		stmt := fmt.Sprintf("ALTER USER %s@%s ACCOUNT LOCK",
			quoteIdent(user), quoteIdent(host))
		if _, err := r.admin.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("lock %s@%s: %w", user, host, err)
		}
	}
	return nil
}

// killSessions terminates every live connection of the user.
func (r *Responder) killSessions(ctx context.Context, user string) error {
	rows, err := r.admin.QueryContext(ctx,
		"SELECT id FROM information_schema.processlist WHERE user = ?", user)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		if _, err := r.admin.ExecContext(ctx, fmt.Sprintf("KILL %d", id)); err != nil {
			// The session may have ended between listing and killing.
			r.log.Debug("kill skipped", zap.Int64("connection_id", id), zap.Error(err))
		}
	}
	return nil
}

// quoteIdent wraps a MySQL account-name part in single quotes. ALTER USER
// does not accept placeholders, so the name is escaped inline.
func quoteIdent(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (r *Responder) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
