package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/firmdesk/internal/domain"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// maxResponseBytes bounds how much of a registry response is read.
const maxResponseBytes = 4 << 20

var errRegistryStatus = errors.New("tool registry returned an error status")

// InvocationContext identifies who a tool call is made for.
type InvocationContext struct {
	FirmID string
	UserID string
	TaskID string
}

// Registry is the tool capability registry as seen by the orchestrator.
type Registry interface {
	// Describe lists every available tool with its parameter schema.
	Describe(ctx context.Context) ([]domain.ToolSpec, error)

	// Invoke runs one tool. A tool-level failure is reported through
	// ToolResult.Success; an error means the registry itself failed.
	Invoke(ctx context.Context, name string, args json.RawMessage, ic InvocationContext) (domain.ToolResult, error)
}

// HTTPRegistryConfig holds configuration for the HTTP registry client.
type HTTPRegistryConfig struct {
	BaseURL  string
	Token    string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// HTTPRegistry calls the domain CRUD layer's tool endpoints.
type HTTPRegistry struct {
	baseURL  string
	token    string
	client   *http.Client
	cacheTTL time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	cached   []domain.ToolSpec
	cachedAt time.Time
	now      func() time.Time
}

// NewHTTPRegistry creates a registry client.
func NewHTTPRegistry(cfg HTTPRegistryConfig, logger *slog.Logger) (*HTTPRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid tool registry URL %q: %w", cfg.BaseURL, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPRegistry{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		token:    cfg.Token,
		client:   &http.Client{Timeout: timeout},
		cacheTTL: cfg.CacheTTL,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Describe lists the registry's tools, served from cache within CacheTTL.
func (r *HTTPRegistry) Describe(ctx context.Context) ([]domain.ToolSpec, error) {
	r.mu.Lock()
	if r.cached != nil && r.now().Sub(r.cachedAt) < r.cacheTTL {
		specs := r.cached
		r.mu.Unlock()
		return specs, nil
	}
	r.mu.Unlock()

	body, err := r.do(ctx, http.MethodGet, r.baseURL+"/tools", nil)
	if err != nil {
		return nil, fmt.Errorf("describe tools: %w", err)
	}

	// Accept both a bare array and {"tools": [...]}.
	list := gjson.ParseBytes(body)
	if !list.IsArray() {
		list = list.Get("tools")
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("describe tools: unexpected response shape: %w", domain.ErrServiceUnavailable)
	}

	var specs []domain.ToolSpec
	if err := json.Unmarshal([]byte(list.Raw), &specs); err != nil {
		return nil, fmt.Errorf("decode tool specs: %w", err)
	}

	r.mu.Lock()
	r.cached = specs
	r.cachedAt = r.now()
	r.mu.Unlock()

	r.logger.Debug("Tool registry described", "tools", len(specs))
	return specs, nil
}

// Lookup finds one tool's spec by name.
func Lookup(specs []domain.ToolSpec, name string) (domain.ToolSpec, bool) {
	for _, s := range specs {
		if s.Name == name {
			return s, true
		}
	}
	return domain.ToolSpec{}, false
}

// Invoke runs one tool on behalf of a task.
func (r *HTTPRegistry) Invoke(ctx context.Context, name string, args json.RawMessage, ic InvocationContext) (domain.ToolResult, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	payload, err := sjson.SetRawBytes([]byte(`{}`), "args", args)
	if err != nil {
		return domain.ToolResult{}, fmt.Errorf("encode args for %s: %w", name, err)
	}
	for path, value := range map[string]string{
		"context.firm_id": ic.FirmID,
		"context.user_id": ic.UserID,
		"context.task_id": ic.TaskID,
	} {
		if payload, err = sjson.SetBytes(payload, path, value); err != nil {
			return domain.ToolResult{}, fmt.Errorf("encode context for %s: %w", name, err)
		}
	}

	body, err := r.do(ctx, http.MethodPost, r.baseURL+"/tools/"+url.PathEscape(name)+"/invoke", payload)
	if errors.Is(err, errRegistryStatus) && len(body) > 0 {
		// 4xx: the tool rejected the call; surface it as a failed result.
		return domain.ToolResult{Success: false, Output: asJSON(body)}, nil
	}
	if err != nil {
		return domain.ToolResult{}, fmt.Errorf("invoke %s: %w", name, err)
	}

	parsed := gjson.ParseBytes(body)
	result := domain.ToolResult{Success: parsed.Get("success").Bool()}
	if out := parsed.Get("output"); out.Exists() {
		result.Output = json.RawMessage(out.Raw)
	} else if errMsg := parsed.Get("error"); errMsg.Exists() {
		result.Output = json.RawMessage(errMsg.Raw)
	}
	return result, nil
}

// do performs one request. 5xx and transport errors wrap
// domain.ErrServiceUnavailable; 4xx returns the body with errRegistryStatus.
func (r *HTTPRegistry) do(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = strings.NewReader(string(payload))
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrServiceUnavailable, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			r.logger.Warn("failed to close registry response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", domain.ErrServiceUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", domain.ErrServiceUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return body, fmt.Errorf("%w: status %d", errRegistryStatus, resp.StatusCode)
	}
	return body, nil
}

// asJSON returns body unchanged when it is JSON, otherwise a JSON string.
func asJSON(body []byte) json.RawMessage {
	if gjson.ValidBytes(body) {
		return json.RawMessage(body)
	}
	quoted, _ := sjson.SetBytes([]byte(`{}`), "error", strings.TrimSpace(string(body)))
	return json.RawMessage(gjson.GetBytes(quoted, "error").Raw)
}

var _ Registry = (*HTTPRegistry)(nil)
