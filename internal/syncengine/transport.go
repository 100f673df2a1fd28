package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/capsule/internal/ir"
)

// ProtocolVersion is sent with every push batch.
const ProtocolVersion = 1

// DefaultMaxRetryElapsed bounds how long one request is retried.
const DefaultMaxRetryElapsed = 30 * time.Second

// PushRequest is the push wire body.
type PushRequest struct {
	Version   int                 `json:"version"`
	Timestamp int64               `json:"timestamp"`
	DeviceID  string              `json:"deviceId"`
	Changes   []ir.ChangeLogEntry `json:"changes"`
	Checksum  string              `json:"checksum"`
}

// PullResponse is the pull wire body.
type PullResponse struct {
	Changes []ir.ChangeLogEntry `json:"changes"`
}

// Transport moves change batches to and from the remote.
type Transport interface {
	Push(ctx context.Context, req PushRequest) error
	Pull(ctx context.Context, since int64, deviceID string) ([]ir.ChangeLogEntry, error)
}

// HTTPTransport speaks the sync wire protocol over HTTP. Network errors,
// 5xx and 429 responses are retried with exponential backoff; any other
// non-2xx response fails immediately.
type HTTPTransport struct {
	endpoint   string
	client     *http.Client
	headers    map[string]string
	maxElapsed time.Duration
}

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTPTransport) {
		if c != nil {
			t.client = c
		}
	}
}

// WithHeaders adds static headers to every request, typically
// externally supplied credentials.
func WithHeaders(h map[string]string) HTTPOption {
	return func(t *HTTPTransport) {
		for k, v := range h {
			t.headers[k] = v
		}
	}
}

// WithMaxRetryElapsed bounds retries of one request. Zero keeps
// DefaultMaxRetryElapsed.
func WithMaxRetryElapsed(d time.Duration) HTTPOption {
	return func(t *HTTPTransport) {
		if d > 0 {
			t.maxElapsed = d
		}
	}
}

// NewHTTPTransport creates a transport for endpoint, e.g.
// "https://sync.example.com/v1".
func NewHTTPTransport(endpoint string, opts ...HTTPOption) (*HTTPTransport, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, ir.NewError(ir.KindValidation, "sync transport", "invalid endpoint %q", endpoint)
	}
	t := &HTTPTransport{
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		client:     &http.Client{Timeout: 30 * time.Second},
		headers:    map[string]string{},
		maxElapsed: DefaultMaxRetryElapsed,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Push posts one batch.
func (t *HTTPTransport) Push(ctx context.Context, req PushRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("push: encode: %w", err)
	}
	_, err = t.do(ctx, "push", http.MethodPost, t.endpoint+"/push", body)
	return err
}

// wireEntry decodes entry data through ir.DecodeRow so integer columns
// stay int64.
type wireEntry struct {
	ir.ChangeLogEntry
	Data json.RawMessage `json:"data"`
}

// Pull fetches the remote changes recorded after since.
func (t *HTTPTransport) Pull(ctx context.Context, since int64, deviceID string) ([]ir.ChangeLogEntry, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("device", deviceID)

	body, err := t.do(ctx, "pull", http.MethodGet, t.endpoint+"/pull?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Changes []wireEntry `json:"changes"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, ir.WrapError(ir.KindSync, "pull: decode", err)
	}
	out := make([]ir.ChangeLogEntry, len(resp.Changes))
	for i, w := range resp.Changes {
		row, err := ir.DecodeRow(w.Data)
		if err != nil {
			return nil, ir.WrapError(ir.KindSync, "pull: decode", err)
		}
		out[i] = w.ChangeLogEntry
		out[i].Data = row
	}
	return out, nil
}

// statusError is a non-2xx response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("remote returned %d", e.code)
	}
	return fmt.Sprintf("remote returned %d: %s", e.code, e.body)
}

func retryable(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// do runs one request with retries and returns the response body.
func (t *HTTPTransport) do(ctx context.Context, op, method, target string, body []byte) ([]byte, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = t.maxElapsed

	var out []byte
	err := backoff.Retry(func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		for k, v := range t.headers {
			req.Header.Set(k, v)
		}

		resp, err := t.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			serr := &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(data))}
			if retryable(resp.StatusCode) {
				return serr
			}
			return backoff.Permanent(serr)
		}
		out = data
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ir.WrapError(ir.KindTimeout, op, err)
		}
		return nil, ir.WrapError(ir.KindSync, op, err)
	}
	return out, nil
}
