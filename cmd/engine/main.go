package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/k11v/pipetrack/internal/build"
	"github.com/k11v/pipetrack/internal/build/buildpg"
	"github.com/k11v/pipetrack/internal/build/builds3"
	"github.com/k11v/pipetrack/internal/buildlock"
	"github.com/k11v/pipetrack/internal/buildlock/buildlockconsul"
	"github.com/k11v/pipetrack/internal/buildlog"
	"github.com/k11v/pipetrack/internal/buildstatus"
	"github.com/k11v/pipetrack/internal/dispatch"
	"github.com/k11v/pipetrack/internal/dispatch/dispatchdocker"
	"github.com/k11v/pipetrack/internal/event/eventamqp"
	"github.com/k11v/pipetrack/internal/monitoring"
	"github.com/k11v/pipetrack/internal/postgresutil"
	"github.com/k11v/pipetrack/internal/redisutil"
	"github.com/k11v/pipetrack/internal/s3util"
	"github.com/k11v/pipetrack/internal/server"
	"github.com/k11v/pipetrack/internal/taskpause"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Environ()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func run(environ []string) error {
	cfg, err := parseConfig(environ)
	if err != nil {
		return err
	}

	log := newLogger(cfg.Development)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := postgresutil.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := redisutil.NewClient(ctx, &cfg.Redis)
	if err != nil {
		return err
	}
	defer func() {
		_ = redisClient.Close()
	}()

	locker, err := newLocker(cfg)
	if err != nil {
		return err
	}

	publisher := eventamqp.NewPublisher(&cfg.AMQP)
	defer func() {
		_ = publisher.Close()
	}()

	archiver, err := newArchiver(ctx, &cfg.S3)
	if err != nil {
		return err
	}

	statusClient, err := buildstatus.NewClient(&cfg.BuildStatus)
	if err != nil {
		return err
	}

	dockerClient, err := dispatchdocker.NewClient()
	if err != nil {
		return err
	}
	defer func() {
		_ = dockerClient.Close()
	}()

	sessions, err := dispatch.NewSessionStore(redisClient, cfg.Dispatch.HashIDSalt, cfg.Dispatch.SessionTTL)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	db := buildpg.NewDatabase(pool)
	printer := buildlog.NewPrinter(publisher)
	detail := build.NewDetailService(db, locker, publisher, archiver)
	h := &handler{
		detail:    detail,
		taskPause: taskpause.NewService(db, detail, locker, publisher, printer, cfg.Brackets),
		dispatcher: dispatch.NewDispatcher(
			sessions,
			statusClient,
			publisher,
			printer,
			monitoring.NewReporter(publisher, registry),
			map[string]dispatch.Launcher{
				dispatchdocker.DispatchType: dispatchdocker.NewLauncher(dockerClient, cfg.Docker),
			},
			cfg.Dispatch,
		),
	}

	srv := server.New(&cfg.Server, log, sessions, detail, registry)

	g, gctx := errgroup.WithContext(ctx)
	for queue, handle := range h.routes() {
		consumer := eventamqp.NewConsumer(&cfg.AMQP, queue, handle)
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}
	g.Go(func() error {
		slog.Info("starting server", "addr", srv.Addr)
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("stopped")
	return nil
}

func newLogger(development bool) *slog.Logger {
	if development {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}

func newLocker(cfg *config) (buildlock.Locker, error) {
	if cfg.MemoryLock {
		slog.Warn("using in-process build lock")
		return buildlock.NewMemoryLocker(cfg.Consul.WaitTime), nil
	}
	locker, err := buildlockconsul.NewLocker(&cfg.Consul)
	if err != nil {
		return nil, err
	}
	if err = locker.Healthy(); err != nil {
		return nil, err
	}
	return locker, nil
}

// newArchiver returns nil when archiving is disabled.
func newArchiver(ctx context.Context, cfg *s3util.Config) (build.Archiver, error) {
	if cfg.ConnectionString == "" {
		return nil, nil
	}
	client := s3util.NewClient(cfg.ConnectionString)
	if err := s3util.Setup(ctx, client); err != nil {
		return nil, err
	}
	return builds3.NewArchiver(client), nil
}
