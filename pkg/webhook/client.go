package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxResponseBody caps how much of a response is kept for execution logs.
const maxResponseBody = 4 << 10

// ErrCircuitOpen is returned when the destination host is cut off.
var ErrCircuitOpen = errors.New("webhook destination circuit open")

// Response is what the destination answered.
type Response struct {
	StatusCode int
	Body       string
}

// Config configures a Client.
type Config struct {
	UserAgent string
	// Breaker is disabled when nil.
	Breaker *BreakerConfig
	// Transport overrides the base transport (tests).
	Transport http.RoundTripper
}

// Client posts signed JSON payloads.
type Client struct {
	http      *http.Client
	userAgent string
	breakers  *breakers
	logger    *logrus.Logger
	now       func() time.Time
}

// NewClient creates a client whose transport is traced with otelhttp.
// Timeouts come from the request context.
func NewClient(cfg Config, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "taskboard-automation/1.0"
	}
	c := &Client{
		http:      &http.Client{Transport: otelhttp.NewTransport(base)},
		userAgent: ua,
		logger:    logger,
		now:       time.Now,
	}
	if cfg.Breaker != nil {
		c.breakers = newBreakers(*cfg.Breaker)
	}
	return c
}

// Post sends payload as JSON. With a non-empty secret the request is signed.
// Non-2xx answers are returned as a Response, not an error.
func (c *Client) Post(ctx context.Context, rawURL string, payload interface{}, secret string) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid webhook url %q", rawURL)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if c.breakers != nil && !c.breakers.allow(u.Host) {
		return nil, fmt.Errorf("%s: %w", u.Host, ErrCircuitOpen)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	ts := Timestamp(c.now())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderDelivery, uuid.NewString())
	if secret != "" {
		req.Header.Set(HeaderSignature, Sign(secret, ts, body))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.record(u.Host, false)
		return nil, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	c.record(u.Host, resp.StatusCode < 500)
	c.logger.Debugf("webhook POST %s -> %d", u.Host, resp.StatusCode)
	return &Response{StatusCode: resp.StatusCode, Body: string(respBody)}, nil
}

func (c *Client) record(host string, ok bool) {
	if c.breakers == nil {
		return
	}
	if ok {
		c.breakers.success(host)
	} else {
		c.breakers.failure(host)
	}
}

// BreakerState reports the breaker state for host (closed when disabled).
func (c *Client) BreakerState(host string) BreakerState {
	if c.breakers == nil {
		return BreakerClosed
	}
	return c.breakers.state(host)
}
