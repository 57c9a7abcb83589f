package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/concierge-ai/concierge/internal/circuitbreaker"
	"github.com/concierge-ai/concierge/internal/tracing"
)

// HTTPExecutor posts invocations to a domain tool API gateway:
// POST {baseURL}/tools/{tool} with a JSON argument body.
type HTTPExecutor struct {
	baseURL string
	client  *circuitbreaker.HTTPWrapper
	logger  *zap.Logger
}

// NewHTTPExecutor creates an executor for a remote tool gateway.
func NewHTTPExecutor(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPExecutor {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &HTTPExecutor{
		baseURL: baseURL,
		client:  circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: timeout}, "tool-gateway", logger),
		logger:  logger,
	}
}

func (e *HTTPExecutor) Invoke(ctx context.Context, tool string, args map[string]interface{}) (map[string]interface{}, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal args for %s: %w", tool, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/tools/"+tool, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", tool, err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", tool, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", tool, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tool %s returned status %d: %s", tool, resp.StatusCode, string(data))
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", tool, err)
	}
	return result, nil
}
