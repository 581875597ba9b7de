package main

import (
	"context"
	"errors"
	"io"
	stdlog "log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/rfb-webrtc-bridge/backend/bufpool"
	"github.com/adwski/rfb-webrtc-bridge/backend/config"
	"github.com/adwski/rfb-webrtc-bridge/backend/encoder"
	"github.com/adwski/rfb-webrtc-bridge/backend/metrics"
	"github.com/adwski/rfb-webrtc-bridge/backend/pipeline"
	"github.com/adwski/rfb-webrtc-bridge/backend/rfb"
	"github.com/adwski/rfb-webrtc-bridge/backend/rtc"
	httpServer "github.com/adwski/rfb-webrtc-bridge/backend/server/http"
	websocketServer "github.com/adwski/rfb-webrtc-bridge/backend/server/websocket"
	"github.com/adwski/rfb-webrtc-bridge/backend/service"
	store "github.com/adwski/rfb-webrtc-bridge/backend/storage/memory"
	sw "github.com/adwski/rfb-webrtc-bridge/backend/switch"
	"github.com/rs/zerolog"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger.Error().Err(err).Msg("failed to load configuration")
		return 2
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set up logging")
		return 2
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conn, err := rfb.Dial(ctx, rfb.DialConfig{
		Logger:   &logger,
		Host:     cfg.VNCHost,
		Port:     cfg.VNCPort,
		Password: cfg.VNCPassword,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to remote framebuffer")
		return 1
	}
	source, err := rfb.NewSource(rfb.Config{Logger: &logger, Conn: conn})
	if err != nil {
		_ = conn.Close()
		logger.Error().Err(err).Msg("failed to initialize framebuffer")
		return 1
	}

	pool := encoder.NewPool(encoder.Config{
		Logger:  &logger,
		Workers: cfg.EncodeWorkers,
	})
	recorder := metrics.New(pool)
	sessions := store.NewMemStore()

	hub := rtc.NewHub(rtc.Config{
		Logger:     &logger,
		ICEServers: cfg.ICEServers,
		// an opened channel has seen nothing yet
		OnConnect: sessions.MarkNeedsFullFrame,
	})

	svc := service.NewService(service.Config{
		Sessions:  sessions,
		Switch:    sw.NewSwitch(&logger),
		Input:     source,
		Peers:     hub,
		Logger:    &logger,
		TimeLimit: cfg.ControlTimeLimit,
	})

	orch := pipeline.NewOrchestrator(pipeline.Config{
		Logger:      &logger,
		Framebuffer: source,
		Encoder:     pool,
		Viewers:     sessions,
		Peers:       hub,
		Metrics:     recorder,
		Buffers:     bufpool.New(bufpool.DefaultPerSizeLimit),
		Interval:    cfg.FrameInterval(),
		BaseQuality: cfg.JPEGQuality,
		MaxQuality:  config.MaxJPEGQuality,
	})

	signaling := websocketServer.NewHandler(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:     &logger,
		ListenAddr: cfg.ListenAddr(),
		Signaling:  signaling,
		Metrics:    recorder.Handler(),
		Healthy:    orch.Healthy,
		StaticDir:  cfg.StaticDir,
	})

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(4)
	go func() {
		defer wg.Done()
		if srcErr := source.Run(ctx); srcErr != nil {
			errc <- srcErr
		}
	}()
	go svc.Run(ctx, wg)
	go orch.Run(ctx, wg)
	go httpSrv.Run(ctx, wg, errc)

	code := 0
	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected error, shutting down")
		code = 1
		if errors.Is(err, rfb.ErrConnection) {
			code = 3
		}
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()

	wg.Wait()
	signaling.Close()
	hub.CloseAll()
	_ = source.Close()
	pool.Stop()
	return code
}

// newLogger builds the process logger and routes the standard library
// logger through it.
func newLogger(cfg *config.Config) (zerolog.Logger, func(), error) {
	var (
		w       io.Writer = os.Stdout
		closeFn           = func() {}
	)
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.New(os.Stdout), closeFn, err
		}
		w = f
		closeFn = func() { _ = f.Close() }
	} else if cfg.LogPretty {
		w = zerolog.ConsoleWriter{Out: os.Stdout}
	}

	logger := zerolog.New(w).With().Timestamp().Logger()
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return logger, closeFn, err
	}
	logger = logger.Level(lvl)

	stdlog.SetFlags(0)
	stdlog.SetOutput(logger.With().Str("component", "stdlog").Logger())
	return logger, closeFn, nil
}
