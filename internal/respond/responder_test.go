package respond

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arc-self/uba-pipeline/internal/event"
	"github.com/arc-self/uba-pipeline/internal/stream"
)

func newTestResponder(t *testing.T) (*Responder, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(nil, db, "uba:response", nil, zaptest.NewLogger(t)), mock
}

func TestExecuteLockAccount(t *testing.T) {
	r, mock := newTestResponder(t)

	mock.ExpectQuery("SELECT host FROM mysql.user").
		WithArgs("mallory").
		WillReturnRows(sqlmock.NewRows([]string{"host"}).AddRow("%").AddRow("10.0.0.5"))
	mock.ExpectExec("ALTER USER 'mallory'@'%' ACCOUNT LOCK").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ALTER USER 'mallory'@'10.0.0.5' ACCOUNT LOCK").
		WillReturnResult(sqlmock.NewResult(0, 0))

	r.Execute(context.Background(), &event.ResponseOrder{
		User:    "mallory",
		Reason:  "SQL_INJECTION",
		Actions: []string{"lock_account"},
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteKillSessions(t *testing.T) {
	r, mock := newTestResponder(t)

	mock.ExpectQuery("SELECT id FROM information_schema.processlist").
		WithArgs("mallory").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(101)).AddRow(int64(102)))
	mock.ExpectExec("KILL 101").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("KILL 102").WillReturnResult(sqlmock.NewResult(0, 0))

	r.Execute(context.Background(), &event.ResponseOrder{
		User:    "mallory",
		Actions: []string{"kill_sessions"},
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteUnknownAccountDoesNotExec(t *testing.T) {
	r, mock := newTestResponder(t)

	mock.ExpectQuery("SELECT host FROM mysql.user").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"host"}))

	r.Execute(context.Background(), &event.ResponseOrder{
		User:    "ghost",
		Actions: []string{"lock_account"},
	})
	// No ALTER USER was expected; any exec would fail expectations.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteSkipsUnknownActions(t *testing.T) {
	r, mock := newTestResponder(t)

	r.Execute(context.Background(), &event.ResponseOrder{
		User:    "mallory",
		Actions: []string{"format_disk"},
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessMessageRejectsGarbage(t *testing.T) {
	r, mock := newTestResponder(t)

	r.processMessage(context.Background(), stream.Message{ID: "1-0", Data: []byte("{broken")})
	r.processMessage(context.Background(), stream.Message{ID: "2-0", Data: []byte(`{"user":""}`)})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuoteIdentEscapesQuotes(t *testing.T) {
	assert.Equal(t, "'mallory'", quoteIdent("mallory"))
	assert.Equal(t, "'o''brien'", quoteIdent("o'brien"))
}
