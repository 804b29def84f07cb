// Package server serves agent sessions, build details and metrics over HTTP.
package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
)

// New returns a new HTTP server.
// It should be started with http.Server's ListenAndServe.
func New(cfg *Config, log *slog.Logger, sessions SessionReader, details DetailReader, gatherer prometheus.Gatherer) *http.Server {
	subLogger := log.With("component", "server")
	subLogLogger := slog.NewLogLogger(subLogger.Handler(), slog.LevelError)

	h := newHandler(sessions, details, gatherer)

	return &http.Server{
		Addr:              cfg.addr(),
		ErrorLog:          subLogLogger,
		Handler:           h,
		ReadHeaderTimeout: cfg.readHeaderTimeout(),
	}
}
