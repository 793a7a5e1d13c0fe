package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/studyforge/coursegen-backend/internal/jobs/executor"
	"github.com/studyforge/coursegen-backend/internal/platform/logger"
)

// ContentClientConfig configures the upstream generation API client.
type ContentClientConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration // per-request budget, default 180s
}

/*
contentClient is the production executor: each task becomes one request to
the content generation API. The client does no retrying of its own; it only
classifies failures so the task runner's retry budget is the single retry
policy in the system.
*/
type contentClient struct {
	cfg        ContentClientConfig
	httpClient *http.Client
	log        *logger.Logger
}

func NewContentClient(cfg ContentClientConfig, baseLog *logger.Logger) (executor.Executor, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("missing content api key")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("missing content api base url")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 180 * time.Second
	}
	return &contentClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        baseLog.With("component", "content_client"),
	}, nil
}

type contentHTTPError struct {
	StatusCode int
	Body       string
}

func (e *contentHTTPError) Error() string {
	return fmt.Sprintf("content api http %d: %s", e.StatusCode, e.Body)
}

func (c *contentClient) Execute(ctx context.Context, spec executor.TaskSpec) (datatypes.JSON, error) {
	body, err := json.Marshal(map[string]any{
		"task_id":   spec.TaskID,
		"job_id":    spec.JobID,
		"task_type": spec.TaskType,
		"section":   spec.Section,
		"seq":       spec.Seq,
		"model":     c.cfg.Model,
		"payload":   spec.Payload,
	})
	if err != nil {
		return nil, executor.Permanent("encode request", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, executor.Permanent("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, executor.Transient("read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := &contentHTTPError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 512)}
		if retryableStatus(resp.StatusCode) {
			return nil, executor.Transient("generate", httpErr)
		}
		return nil, executor.Permanent("generate", httpErr)
	}

	if !json.Valid(raw) {
		return nil, executor.Transient("generate", fmt.Errorf("non-json response body"))
	}
	return datatypes.JSON(raw), nil
}

func retryableStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500 && code <= 599
}

func classifyTransportErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return executor.Transient("generate", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return executor.Transient("generate", err)
	}
	// Unknown transport failures are treated as transient; the retry budget
	// bounds the damage if they are not.
	return executor.Transient("generate", err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
