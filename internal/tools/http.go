package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/callcore/internal/observability"
	"github.com/ent0n29/callcore/internal/reliability"
)

// HTTPRouter forwards tool calls to the scheduling backend at
// POST {baseURL}/tools/{name} with the arguments as the request body.
type HTTPRouter struct {
	baseURL string
	timeout time.Duration
	catalog *Catalog
	client  *http.Client
}

type HTTPStatusError struct {
	Status int
	Body   string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("tool router http status %d: %s", e.Status, e.Body)
}

func NewHTTPRouter(baseURL string, timeout time.Duration, catalog *Catalog) *HTTPRouter {
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	return &HTTPRouter{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		timeout: timeout,
		catalog: catalog,
		client:  observability.NewHTTPClient(0),
	}
}

// Execute bounds each attempt by the router timeout. Read-only tools get one
// retry after a timeout or retryable status; mutating tools never do.
func (r *HTTPRouter) Execute(ctx context.Context, name string, args json.RawMessage) (Result, error) {
	if _, ok := r.catalog.Lookup(name); r.catalog != nil && !ok {
		return Failure("%s: %s", ErrUnknownTool, name), nil
	}
	attempts := 1
	if r.catalog.IsReadOnly(name) {
		attempts = 2
	}

	var result Result
	err := reliability.Retry(ctx, attempts, 150*time.Millisecond, time.Second, retryableRouterError, func(ctx context.Context) error {
		res, err := r.do(ctx, name, args)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func retryableRouterError(err error) bool {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return reliability.IsRetryableHTTPStatus(statusErr.Status)
	}
	return reliability.IsTimeout(err)
}

func (r *HTTPRouter) do(ctx context.Context, name string, args json.RawMessage) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/tools/"+name, bytes.NewReader(args))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := r.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
		return Result{}, &HTTPStatusError{Status: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out Result
	if err := json.Unmarshal(body, &out); err != nil {
		if res.StatusCode >= 400 {
			return Failure("tool %s rejected with status %d", name, res.StatusCode), nil
		}
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	if res.StatusCode >= 400 {
		out.Success = false
		if out.Error == "" {
			out.Error = fmt.Sprintf("tool %s rejected with status %d", name, res.StatusCode)
		}
	}
	return out, nil
}
