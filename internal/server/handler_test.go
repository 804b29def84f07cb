package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/k11v/pipetrack/internal/build"
	"github.com/k11v/pipetrack/internal/dispatch"
)

type sessionsStub map[string]*dispatch.SessionContext

func (s sessionsStub) Context(_ context.Context, hashID, secretKey string) (*dispatch.SessionContext, error) {
	sc, ok := s[hashID+"/"+secretKey]
	if !ok {
		return nil, dispatch.ErrSessionNotFound
	}
	return sc, nil
}

type detailsStub struct {
	detail *build.ModelDetail
	err    error
}

func (s *detailsStub) Get(_ context.Context, _ *build.GetParams) (*build.ModelDetail, error) {
	return s.detail, s.err
}

func newTestHandler(details *detailsStub) *handler {
	sessions := sessionsStub{
		"hash/secret": {VMName: "Dispatcher-sdk-1", BuildID: "b-1", VMSeqID: "1", ExecuteCount: 1},
	}
	if details == nil {
		details = &detailsStub{err: build.ErrNotFound}
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "pipetrack_test_total"}))
	return newHandler(sessions, details, registry)
}

func TestGetHealth(t *testing.T) {
	h := newTestHandler(nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if got, want := rec.Code, http.StatusOK; got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
	if got, want := strings.TrimSpace(rec.Body.String()), `{"status":"ok"}`; got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestGetAgentSession(t *testing.T) {
	tests := []struct {
		name      string
		hashID    string
		secretKey string
		want      int
	}{
		{"known credentials", "hash", "secret", http.StatusOK},
		{"wrong secret key", "hash", "other", http.StatusUnauthorized},
		{"missing headers", "", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(nil)

			req := httptest.NewRequest(http.MethodGet, "/agent/session", nil)
			if tt.hashID != "" {
				req.Header.Set(headerAgentID, tt.hashID)
				req.Header.Set(headerAgentSecretKey, tt.secretKey)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if got := rec.Code; got != tt.want {
				t.Fatalf("got %d, want %d", got, tt.want)
			}
			if tt.want != http.StatusOK {
				return
			}

			var sc dispatch.SessionContext
			if err := json.NewDecoder(rec.Body).Decode(&sc); err != nil {
				t.Fatalf("didn't want %q", err)
			}
			if got, want := sc.VMName, "Dispatcher-sdk-1"; got != want {
				t.Fatalf("got %q, want %q", got, want)
			}
		})
	}
}

func TestGetBuildDetail(t *testing.T) {
	t.Run("returns the model", func(t *testing.T) {
		updatedAt := time.UnixMilli(1700000000000)
		h := newTestHandler(&detailsStub{detail: &build.ModelDetail{
			Build:     &build.Build{ProjectID: "p-1", PipelineID: "pl-1", BuildID: "b-1", ExecuteTime: 30000},
			Model:     &build.Model{Name: "main", Stages: []*build.Stage{{ID: "s-1", Status: build.StatusRunning}}},
			Status:    build.StatusRunning,
			UpdatedAt: updatedAt,
		}})

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/builds/p-1/b-1/detail", nil))

		if got, want := rec.Code, http.StatusOK; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
		var got BuildDetail
		if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got.Status != build.StatusRunning || got.ExecuteTime != 30000 || got.UpdatedAt != updatedAt.UnixMilli() {
			t.Fatalf("got %+v", got)
		}
		if len(got.Model.Stages) != 1 || got.Model.Stages[0].ID != "s-1" {
			t.Fatalf("got stages %+v", got.Model.Stages)
		}
	})

	t.Run("returns not found", func(t *testing.T) {
		h := newTestHandler(&detailsStub{err: build.ErrNotFound})

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/builds/p-1/b-1/detail", nil))

		if got, want := rec.Code, http.StatusNotFound; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
	})

	t.Run("hides internal errors", func(t *testing.T) {
		h := newTestHandler(&detailsStub{err: errors.New("connection reset")})

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/builds/p-1/b-1/detail", nil))

		if got, want := rec.Code, http.StatusInternalServerError; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
		if strings.Contains(rec.Body.String(), "connection reset") {
			t.Fatalf("got %q, want no internal details", rec.Body.String())
		}
	})
}

func TestGetMetrics(t *testing.T) {
	h := newTestHandler(nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if got, want := rec.Code, http.StatusOK; got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
	if !strings.Contains(rec.Body.String(), "pipetrack_test_total") {
		t.Fatalf("got %q, want it to contain pipetrack_test_total", rec.Body.String())
	}
}

func TestGetSwaggerDoc(t *testing.T) {
	h := newTestHandler(nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/swagger/doc.json", nil))

	if got, want := rec.Code, http.StatusOK; got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
	if !strings.Contains(rec.Body.String(), "/agent/session") {
		t.Fatalf("got %q, want the embedded document", rec.Body.String())
	}
}
