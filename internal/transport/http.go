package transport

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

	"github.com/matheus3301/lcsync/internal/errs"
	"go.uber.org/zap"
)

// DefaultTimeout bounds every call that does not set its own timeout.
const DefaultTimeout = 10 * time.Second

// DeviceIDFunc supplies the X-Device-ID header.
type DeviceIDFunc func(ctx context.Context) (string, error)

// HTTP is the JSON-over-HTTP Doer.
type HTTP struct {
	baseURL  string
	client   *http.Client
	timeout  time.Duration
	deviceID DeviceIDFunc
	logger   *zap.Logger
}

// Option configures HTTP.
type Option func(*HTTP)

// WithHTTPClient sets a custom underlying client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTP) { h.client = c }
}

// WithTimeout sets the default per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(h *HTTP) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithDeviceID attaches X-Device-ID to every request.
func WithDeviceID(fn DeviceIDFunc) Option {
	return func(h *HTTP) { h.deviceID = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *HTTP) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHTTP creates a transport rooted at baseURL.
func NewHTTP(baseURL string, opts ...Option) *HTTP {
	h := &HTTP{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Do sends req. Network failures and timeouts match errs.ErrNetwork, HTTP 401
// matches errs.ErrAuthExpired and a non-zero envelope code is a
// *errs.BizError.
func (h *HTTP) Do(ctx context.Context, req *Request) (*Response, error) {
	timeout := h.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := h.baseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var bodyReader io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if h.deviceID != nil {
		if id, err := h.deviceID(ctx); err == nil && id != "" {
			httpReq.Header.Set("X-Device-ID", id)
		}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := h.client.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errs.Network(fmt.Errorf("%s %s: timed out after %s: %w", method, req.Path, timeout, err))
		}
		return nil, errs.Network(fmt.Errorf("%s %s: %w", method, req.Path, err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Network(fmt.Errorf("%s %s: read body: %w", method, req.Path, err))
	}
	h.logger.Debug("remote call",
		zap.String("method", method),
		zap.String("path", req.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%s %s: http 401: %w", method, req.Path, errs.ErrAuthExpired)
	}
	if err := CheckEnvelope(body); err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.Path, err)
	}
	if resp.StatusCode >= 300 {
		return nil, errs.Network(fmt.Errorf("%s %s: http %d", method, req.Path, resp.StatusCode))
	}
	return &Response{Status: resp.StatusCode, Body: body}, nil
}
