// Package buildstatus is a client of the process service that owns build status.
package buildstatus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/k11v/pipetrack/internal/build"
)

const headerUserID = "X-DEVOPS-UID"

var ErrNoStatus = errors.New("no status")

// Config holds the build status client configuration.
type Config struct {
	BaseURL string        `env:"BASE_URL"` // default: "http://127.0.0.1:8081"
	Timeout time.Duration `env:"TIMEOUT"`  // default: 10s
}

func (c *Config) baseURL() string {
	u := c.BaseURL
	if u == "" {
		u = "http://127.0.0.1:8081"
	}
	return u
}

func (c *Config) timeout() time.Duration {
	t := c.Timeout
	if t == 0 {
		t = 10 * time.Second
	}
	return t
}

type Client struct {
	baseURL    *url.URL     // required
	httpClient *http.Client // required
}

// NewClient returns a Client. It fails if the base URL is invalid.
func NewClient(cfg *Config) (*Client, error) {
	u, err := url.Parse(cfg.baseURL())
	if err != nil {
		return nil, fmt.Errorf("buildstatus.NewClient: %w", err)
	}
	return &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: cfg.timeout()},
	}, nil
}

// result is the envelope every process service response is wrapped in.
type result[T any] struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    *T     `json:"data"`
}

type GetBuildDetailStatusParams struct {
	UserID     string
	ProjectID  string
	PipelineID string
	BuildID    string
}

// GetBuildDetailStatus returns the status recorded on the build detail.
// The detail is written before the shutdown event is sent, so it reflects
// whether the build is still running.
func (c *Client) GetBuildDetailStatus(ctx context.Context, params *GetBuildDetailStatusParams) (build.Status, error) {
	u := c.baseURL.JoinPath("api", "service", "builds", params.ProjectID, params.PipelineID, params.BuildID, "detail", "status")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("buildstatus.Client: %w", err)
	}
	req.Header.Set(headerUserID, params.UserID)

	var res result[string]
	if err = c.do(req, &res); err != nil {
		return "", fmt.Errorf("buildstatus.Client: %w", err)
	}
	if res.Data == nil {
		return "", fmt.Errorf("buildstatus.Client: %w", ErrNoStatus)
	}
	return build.ParseStatus(*res.Data), nil
}

type SetVMStatusParams struct {
	ProjectID  string
	PipelineID string
	BuildID    string
	VMSeqID    string
	Status     build.Status
	ErrorType  string // optional
	ErrorCode  int    // optional
	ErrorMsg   string // optional
}

// SetVMStatus records the status of the machine a job was dispatched to.
func (c *Client) SetVMStatus(ctx context.Context, params *SetVMStatusParams) error {
	u := c.baseURL.JoinPath("api", "service", "builds", params.ProjectID, params.PipelineID, params.BuildID, "vmStatus")
	q := url.Values{}
	q.Set("vmSeqId", params.VMSeqID)
	q.Set("status", string(params.Status))
	if params.ErrorType != "" {
		q.Set("errorType", params.ErrorType)
	}
	if params.ErrorCode != 0 {
		q.Set("errorCode", strconv.Itoa(params.ErrorCode))
	}
	if params.ErrorMsg != "" {
		q.Set("errorMsg", params.ErrorMsg)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), nil)
	if err != nil {
		return fmt.Errorf("buildstatus.Client: %w", err)
	}

	var res result[bool]
	if err = c.do(req, &res); err != nil {
		return fmt.Errorf("buildstatus.Client: %w", err)
	}
	return nil
}

func (c *Client) do(req *http.Request, v any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}

	if err = json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid body: %w", err)
	}

	type enveloped interface{ check() error }
	if e, ok := v.(enveloped); ok {
		return e.check()
	}
	return nil
}

func (r *result[T]) check() error {
	if r.Status != 0 {
		return fmt.Errorf("status %d: %s", r.Status, r.Message)
	}
	return nil
}
