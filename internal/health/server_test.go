package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHealthzAndStatusHandlers(t *testing.T) {
	s := NewServer("", "engine", "", func() any {
		return map[string]int{"batches": 7}
	}, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	s.e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var env statusEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "engine", env.Process)
	assert.Equal(t, os.Getpid(), env.PID)
	assert.Equal(t, map[string]any{"batches": float64(7)}, env.Detail)
}

func TestStatusFileWrittenAtomically(t *testing.T) {
	dir := t.TempDir()
	s := NewServer("", "harvester", dir, nil, zaptest.NewLogger(t))

	s.writeStatusFile()

	data, err := os.ReadFile(filepath.Join(dir, "harvester.status.json"))
	require.NoError(t, err)
	var env statusEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "harvester", env.Process)
	assert.False(t, env.UpdatedAt.IsZero())

	// No temp file left behind.
	_, err = os.Stat(filepath.Join(dir, "harvester.status.json.tmp"))
	assert.True(t, os.IsNotExist(err))
}
