// Package health serves liveness and status over HTTP and mirrors the
// status snapshot to a file, so both orchestrators and humans on the box
// can see what a process is doing.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

const statusWriteInterval = 30 * time.Second

// StatusFunc produces the process's current status snapshot. It must be
// safe to call from any goroutine.
type StatusFunc func() any

// Server exposes /healthz and /status and keeps the on-disk status file
// fresh.
type Server struct {
	e        *echo.Echo
	addr     string
	process  string
	stateDir string
	status   StatusFunc
	log      *zap.Logger
}

// NewServer builds the health server for one process.
func NewServer(addr, process, stateDir string, status StatusFunc, logger *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		e:        e,
		addr:     addr,
		process:  process,
		stateDir: stateDir,
		status:   status,
		log:      logger,
	}
	e.GET("/healthz", s.handleHealthz)
	e.GET("/status", s.handleStatus)
	return s
}

// Run serves until ctx is canceled, writing the status file on a ticker.
// A disabled address (empty string) still keeps the status file fresh.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	if s.addr != "" {
		go func() {
			if err := s.e.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		s.log.Info("health endpoint listening", zap.String("addr", s.addr))
	}

	ticker := time.NewTicker(statusWriteInterval)
	defer ticker.Stop()
	s.writeStatusFile()

	for {
		select {
		case <-ctx.Done():
			s.writeStatusFile()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if s.addr != "" {
				return s.e.Shutdown(shutCtx)
			}
			return nil
		case err := <-errCh:
			return err
		case <-ticker.C:
			s.writeStatusFile()
		}
	}
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.snapshot())
}

type statusEnvelope struct {
	Process   string    `json:"process"`
	PID       int       `json:"pid"`
	UpdatedAt time.Time `json:"updated_at"`
	Detail    any       `json:"detail"`
}

func (s *Server) snapshot() statusEnvelope {
	var detail any
	if s.status != nil {
		detail = s.status()
	}
	return statusEnvelope{
		Process:   s.process,
		PID:       os.Getpid(),
		UpdatedAt: time.Now().UTC(),
		Detail:    detail,
	}
}

// writeStatusFile mirrors the snapshot to <stateDir>/<process>.status.json
// via temp-and-rename.
func (s *Server) writeStatusFile() {
	if s.stateDir == "" {
		return
	}
	data, err := json.MarshalIndent(s.snapshot(), "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(s.stateDir, s.process+".status.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.log.Debug("status file write failed", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		s.log.Debug("status file rename failed", zap.Error(err))
	}
}
