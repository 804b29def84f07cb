package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/k11v/pipetrack/internal/postgresprovision"
	"github.com/k11v/pipetrack/internal/s3util"
)

func main() {
	if err := run(os.Environ()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func run(environ []string) error {
	ctx := context.Background()

	cfg, err := parseConfig(environ)
	if err != nil {
		return err
	}

	if err = postgresprovision.Setup(cfg.Postgres.DSN); err != nil {
		return err
	}
	slog.Info("applied migrations")

	if cfg.S3.ConnectionString == "" {
		slog.Info("skipped bucket setup, archiving is disabled")
		return nil
	}
	if err = s3util.Setup(ctx, s3util.NewClient(cfg.S3.ConnectionString)); err != nil {
		return err
	}
	slog.Info("created bucket", "bucket", s3util.BucketName)

	return nil
}
