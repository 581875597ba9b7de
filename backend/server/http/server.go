package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline  = 10 * time.Second
	defaultReadHeaderTimeout = 5 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type Server struct {
	logger  zerolog.Logger
	healthy func() bool
	*http.Server
}

type Config struct {
	Logger     *zerolog.Logger
	ListenAddr string
	// Signaling is mounted at /ws.
	Signaling http.Handler
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Healthy func() bool
	// StaticDir is served at / when not empty.
	StaticDir string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:  cfg.Logger.With().Str("component", "http-server").Logger(),
		healthy: cfg.Healthy,
	}
	if srv.healthy == nil {
		srv.healthy = func() bool { return true }
	}

	r := http.NewServeMux()
	r.Handle("GET /ws", cfg.Signaling)
	r.HandleFunc("GET /healthz", srv.healthz)
	if cfg.Metrics != nil {
		r.Handle("GET /metrics", cfg.Metrics)
	}
	if cfg.StaticDir != "" {
		r.Handle("GET /", http.FileServer(http.Dir(cfg.StaticDir)))
	}

	srv.Server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           accessLog(srv.logger)(r),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
	return srv
}

func (srv *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	if srv.healthy() {
		writeBytes(w, &srv.logger, http.StatusOK, []byte("ok"))
		return
	}
	writeBytes(w, &srv.logger, http.StatusServiceUnavailable, []byte("overloaded"))
}

func writeBytes(w http.ResponseWriter, logger *zerolog.Logger, code int, b []byte) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		logger.Debug().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
