package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

const defaultShutdownTimeout = 10 * time.Second

// httpServer 抽象 *http.Server，便于测试。
type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

func main() {
	once := flag.String("once", "", "run a single tick for the given subscriber and exit")
	flag.Parse()

	boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
	cfg, err := loadConfig()
	if err != nil {
		boot.Error().Err(err).Msg("load config error")
		os.Exit(1)
	}
	logger := newLogger(cfg.Log, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once != "" {
		run, err := runOnceManual(ctx, cfg, *once, logger, buildApp)
		if err != nil {
			logger.Error().Err(err).Str("subscriber", *once).Msg("manual run failed")
			stop()
			os.Exit(1)
		}
		logger.Info().
			Str("subscriber", *once).
			Int("found", run.Found).
			Int("new", run.New).
			Int("delivered", run.Delivered).
			Msg("manual run done")
		return
	}

	deps, cleanup, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("init error")
		cleanup()
		stop()
		os.Exit(1)
	}
	defer cleanup()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           deps.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info().Str("addr", cfg.Server.Addr).Msg("listening")
	timeout := parseDurationOr(cfg.Server.ShutdownTimeout, defaultShutdownTimeout)
	if err := runServer(ctx, srv, deps.sched, timeout); err != nil {
		logger.Error().Err(err).Msg("server error")
	}
	logger.Info().Msg("bye")
}

// runServer 同时运行 HTTP 服务与调度器；ctx 取消后先关 HTTP，再等待调度器退出。
func runServer(ctx context.Context, srv httpServer, sched backgroundRunner, shutdownTimeout time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	schedDone := make(chan error, 1)
	go func() { schedDone <- sched.Run(ctx) }()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		cancel()
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil && err == nil {
		err = shutdownErr
	}

	select {
	case schedErr := <-schedDone:
		if schedErr != nil && !errors.Is(schedErr, context.Canceled) && err == nil {
			err = schedErr
		}
	case <-shutdownCtx.Done():
		if err == nil {
			err = errors.New("scheduler did not stop before shutdown timeout")
		}
	}
	return err
}
