package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/k11v/pipetrack/internal/build"
	"github.com/k11v/pipetrack/internal/dispatch"
)

const (
	headerAgentID        = "X-DEVOPS-AGENT-ID"
	headerAgentSecretKey = "X-DEVOPS-AGENT-SECRET-KEY"
)

// SessionReader returns the session an agent's credentials belong to.
type SessionReader interface {
	Context(ctx context.Context, hashID, secretKey string) (*dispatch.SessionContext, error)
}

// DetailReader returns the current model of a build.
type DetailReader interface {
	Get(ctx context.Context, params *build.GetParams) (*build.ModelDetail, error)
}

type handler struct {
	mux      *http.ServeMux
	sessions SessionReader
	details  DetailReader
}

func newHandler(sessions SessionReader, details DetailReader, gatherer prometheus.Gatherer) *handler {
	mux := http.NewServeMux()
	h := &handler{mux: mux, sessions: sessions, details: details}

	mux.Handle("GET /swagger/", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /health", h.GetHealth)

	mux.HandleFunc("GET /agent/session", h.GetAgentSession)
	mux.HandleFunc("GET /builds/{projectId}/{buildId}/detail", h.GetBuildDetail)

	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status string `json:"status"`
	}

	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

func (h *handler) GetAgentSession(w http.ResponseWriter, r *http.Request) {
	// Header X-DEVOPS-AGENT-ID
	if err := checkHeaderCountIsOne(r.Header, headerAgentID); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	hashID := r.Header.Get(headerAgentID)

	// Header X-DEVOPS-AGENT-SECRET-KEY
	if err := checkHeaderCountIsOne(r.Header, headerAgentSecretKey); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	secretKey := r.Header.Get(headerAgentSecretKey)

	sc, err := h.sessions.Context(r.Context(), hashID, secretKey)
	if errors.Is(err, dispatch.ErrSessionNotFound) {
		http.Error(w, "unknown agent session", http.StatusUnauthorized)
		return
	} else if err != nil {
		slog.Error("didn't get agent session", "hash_id", hashID, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, sc)
}

type BuildDetail struct {
	ProjectID   string                    `json:"projectId"`
	PipelineID  string                    `json:"pipelineId"`
	BuildID     string                    `json:"buildId"`
	Status      build.Status              `json:"status"`
	CancelUser  string                    `json:"cancelUserId,omitempty"`
	ExecuteTime int64                     `json:"executeTime"`
	StageStatus []*build.BuildStageStatus `json:"stageStatus,omitempty"`
	Model       *build.Model              `json:"model"`
	UpdatedAt   int64                     `json:"updatedTime"`
}

func (h *handler) GetBuildDetail(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectId")
	buildID := r.PathValue("buildId")

	d, err := h.details.Get(r.Context(), &build.GetParams{ProjectID: projectID, BuildID: buildID})
	if errors.Is(err, build.ErrNotFound) {
		http.Error(w, fmt.Sprintf("build %s not found", buildID), http.StatusNotFound)
		return
	} else if err != nil {
		slog.Error("didn't get build detail", "build_id", buildID, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, BuildDetail{
		ProjectID:   d.Build.ProjectID,
		PipelineID:  d.Build.PipelineID,
		BuildID:     d.Build.BuildID,
		Status:      d.Status,
		CancelUser:  d.CancelUser,
		ExecuteTime: d.Build.ExecuteTime,
		StageStatus: d.Build.StageStatus,
		Model:       d.Model,
		UpdatedAt:   d.UpdatedAt.UnixMilli(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("didn't write response", "error", err)
	}
}

func checkHeaderCountIsOne(header http.Header, key string) error {
	if got, want := len(header.Values(key)), 1; got != want {
		if got == 0 {
			return fmt.Errorf("missing %s request header", key)
		} else {
			return fmt.Errorf("multiple %s request headers", key)
		}
	}
	return nil
}
