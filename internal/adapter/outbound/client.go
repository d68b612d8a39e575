// Package outbound implements the HTTP capability used by api_call, webhook
// and crm_update nodes.
package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"afo-engine/internal/domain"
	"afo-engine/internal/infra/config"
	"afo-engine/internal/security"
)

const (
	subsystem          = "outbound"
	userAgent          = "afo-engine/1.0"
	maxRedirects       = 5
	defaultMaxResponse = 10 << 20
	defaultCBTimeout   = 30 * time.Second
	defaultCBInterval  = 60 * time.Second
	defaultCBFailures  = 5
)

// Client implements domain.OutboundHTTP.
type Client struct {
	http     *http.Client
	guard    *security.Guard
	limiter  *rate.Limiter
	maxBody  int64
	cb       config.CircuitBreakerConfig
	logger   *slog.Logger
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*domain.OutboundResponse]
}

var _ domain.OutboundHTTP = (*Client)(nil)

// Option customises a Client.
type Option func(*Client)

// WithGuard replaces the SSRF guard built from config.
func WithGuard(g *security.Guard) Option {
	return func(c *Client) {
		c.guard = g
	}
}

// WithHTTPClient replaces the pooled client. The guard still checks URLs
// before each request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// New builds a client from cfg.
func New(cfg config.OutboundConfig, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		guard:    security.NewGuard(cfg.BlockPrivate, cfg.AllowedHosts),
		maxBody:  cfg.MaxResponseBytes,
		cb:       cfg.CircuitBreaker,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker[*domain.OutboundResponse]),
	}
	if c.maxBody <= 0 {
		c.maxBody = defaultMaxResponse
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = &http.Client{Transport: NewPooledTransport(cfg.Pool, c.guard)}
	}
	c.http.CheckRedirect = c.checkRedirect
	return c
}

func (c *Client) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	_, err := c.guard.CheckURL(req.Context(), req.URL.String())
	return err
}

// Do performs req. Transport failures and timeouts are returned as errors;
// any HTTP status, including 4xx and 5xx, is a response.
func (c *Client) Do(ctx context.Context, req domain.OutboundRequest) (*domain.OutboundResponse, error) {
	const op = "outbound.Do"

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	u, err := c.guard.CheckURL(ctx, req.URL)
	if err != nil {
		return nil, err
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, domain.NewSubSystemError(subsystem, op, domain.ErrRateLimit, err.Error())
		}
	}

	send := func() (*domain.OutboundResponse, error) {
		return c.send(ctx, method, u.String(), req)
	}
	var resp *domain.OutboundResponse
	if c.cb.Enabled {
		resp, err = c.breaker(u.Host).Execute(func() (*domain.OutboundResponse, error) {
			r, err := send()
			if err == nil && r.StatusCode >= http.StatusInternalServerError {
				return r, errServerStatus
			}
			return r, err
		})
		if errors.Is(err, errServerStatus) {
			err = nil
		}
	} else {
		resp, err = send()
	}
	if err != nil {
		return nil, c.classify(op, method, u.Host, err)
	}
	return resp, nil
}

// errServerStatus marks a 5xx reply as a breaker failure without turning it
// into an error for the caller.
var errServerStatus = errors.New("server error status")

func (c *Client) send(ctx context.Context, method, url string, req domain.OutboundRequest) (*domain.OutboundResponse, error) {
	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, domain.NewSubSystemError(subsystem, "outbound.Do", domain.ErrInvalidInput,
				fmt.Sprintf("encode body: %v", err))
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, domain.NewSubSystemError(subsystem, "outbound.Do", domain.ErrInvalidInput, err.Error())
	}
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Accept", "application/json, text/plain;q=0.9, */*;q=0.5")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > c.maxBody {
		return nil, domain.NewSubSystemError(subsystem, "outbound.Do", domain.ErrLimitReached,
			fmt.Sprintf("response body exceeds %d bytes", c.maxBody))
	}

	out := &domain.OutboundResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}
	out.Body, out.JSON = decodeBody(data)
	return out, nil
}

// decodeBody parses JSON payloads and falls back to the raw text.
func decodeBody(data []byte) (any, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return "", false
	}
	if json.Valid(trimmed) {
		var v any
		if err := json.Unmarshal(trimmed, &v); err == nil {
			return v, true
		}
	}
	return string(data), false
}

func (c *Client) classify(op, method, host string, err error) error {
	var de *domain.DomainError
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.NewSubSystemError(subsystem, op, domain.ErrCircuitOpen, host)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return domain.NewSubSystemError(subsystem, op, domain.ErrTimeout, fmt.Sprintf("%s %s", method, host))
	}
	if errors.Is(err, context.Canceled) {
		return domain.NewSubSystemError(subsystem, op, domain.ErrCancelled, host)
	}
	return domain.NewSubSystemError(subsystem, op, domain.ErrProviderError, fmt.Sprintf("%s %s: %v", method, host, err))
}

// breaker returns the per-host breaker, creating it on first use.
func (c *Client) breaker(host string) *gobreaker.CircuitBreaker[*domain.OutboundResponse] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[host]; ok {
		return cb
	}

	maxFailures := c.cb.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBFailures
	}
	timeout := c.cb.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := c.cb.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*domain.OutboundResponse](gobreaker.Settings{
		Name:        "outbound:" + host,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation says nothing about the host.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	c.breakers[host] = cb
	return cb
}

// BreakerState reports the breaker state for host. Hosts never called are
// closed.
func (c *Client) BreakerState(host string) gobreaker.State {
	c.mu.Lock()
	cb, ok := c.breakers[host]
	c.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}
