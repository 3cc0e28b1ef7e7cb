package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"streamgate/internal/logger"
)

// Version is the JSON-RPC protocol version sent with every request.
const Version = "2.0"

// Client errors.
var (
	ErrOffline       = errors.New("upstream is offline")
	ErrUnauthorized  = errors.New("upstream rejected credentials")
	ErrEmptyBatch    = errors.New("empty batch")
	ErrInvalidResult = errors.New("invalid response")
)

// Error is a JSON-RPC error object returned by the upstream.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// HTTPError is a non-2xx HTTP response.
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
}

// Unwrap maps authentication failures onto ErrUnauthorized.
func (e *HTTPError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

// temporary reports whether the request may succeed if repeated.
func (e *HTTPError) temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Request is a single JSON-RPC call.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      uint64 `json:"id"`
}

// Response is a single JSON-RPC reply.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

// Call is one entry of a batch.
type Call struct {
	Method string
	Params any
}

// Config holds client configuration.
type Config struct {
	// URL is the upstream endpoint.
	URL string
	// AuthToken is sent as a bearer token when set.
	AuthToken string
	// Timeout bounds each HTTP attempt.
	Timeout time.Duration
	// MaxRetries is how many times a transient failure is retried.
	MaxRetries int
	// BackoffBase is the delay before the first retry; later retries back
	// off exponentially with jitter.
	BackoffBase time.Duration
	// Offline disables the upstream; every call fails with ErrOffline.
	Offline bool
	// HTTPClient overrides the default HTTP client.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		URL:         "http://localhost:8545",
		Timeout:     30 * time.Second,
		MaxRetries:  3,
		BackoffBase: 500 * time.Millisecond,
	}
}

// Client calls upstream methods. It is safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	log    *zap.Logger
	nextID atomic.Uint64
}

// New creates a client.
func New(cfg Config) *Client {
	d := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = d.BackoffBase
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		cfg:  cfg,
		http: hc,
		log:  logger.OrNop(cfg.Logger).Named("rpc"),
	}
}

// Offline reports whether the client is in offline mode.
func (c *Client) Offline() bool { return c.cfg.Offline }

// Call invokes method with params and returns its raw result. Nil params are
// sent as an empty array.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.cfg.Offline {
		return nil, ErrOffline
	}

	req := c.newRequest(method, params)
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	raw, err := c.post(ctx, method, body)
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// BatchCall sends several calls in one request. Responses are returned in
// the order of calls; a call the upstream answered with an error has its
// Error set.
func (c *Client) BatchCall(ctx context.Context, calls []Call) ([]Response, error) {
	if c.cfg.Offline {
		return nil, ErrOffline
	}
	if len(calls) == 0 {
		return nil, ErrEmptyBatch
	}

	reqs := make([]Request, len(calls))
	order := make(map[uint64]int, len(calls))
	for i, call := range calls {
		reqs[i] = c.newRequest(call.Method, call.Params)
		order[reqs[i].ID] = i
	}

	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}

	raw, err := c.post(ctx, "batch", body)
	if err != nil {
		return nil, err
	}

	var resps []Response
	if err := json.Unmarshal(raw, &resps); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}
	for _, r := range resps {
		if _, ok := order[r.ID]; !ok {
			return nil, fmt.Errorf("%w: unexpected id %d", ErrInvalidResult, r.ID)
		}
	}
	sort.Slice(resps, func(i, j int) bool { return order[resps[i].ID] < order[resps[j].ID] })
	return resps, nil
}

func (c *Client) newRequest(method string, params any) Request {
	if params == nil {
		params = []any{}
	}
	return Request{
		JSONRPC: Version,
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}
}

// post sends body, retrying transient failures.
func (c *Client) post(ctx context.Context, method string, body []byte) ([]byte, error) {
	return retry.DoWithData(
		func() ([]byte, error) {
			return c.attempt(ctx, body)
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.cfg.MaxRetries)+1),
		retry.Delay(c.cfg.BackoffBase),
		retry.MaxJitter(c.cfg.BackoffBase/2),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(func(err error) bool {
			return ctx.Err() == nil && retryable(err)
		}),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn("upstream call failed, retrying",
				zap.String("method", method),
				zap.Int("attempt", int(n+1)),
				zap.Error(err))
		}),
	)
}

// attempt performs one HTTP round trip.
func (c *Client) attempt(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode))),
		}
	}

	return io.ReadAll(resp.Body)
}

// retryable reports whether err is transient. Client errors are final.
func retryable(err error) bool {
	if !retry.IsRecoverable(err) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.temporary()
	}
	return true
}
