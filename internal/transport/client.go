package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"avatarctl/internal/apierr"
	"avatarctl/internal/config"
	"avatarctl/internal/logging"
)

const (
	tracerName       = "avatarctl/internal/transport"
	maxErrorBodySize = 64 * 1024
	headerRequestID  = "X-Request-ID"
	headerClientID   = "X-Client-ID"
)

// HTTPDoer abstracts http.Client.Do for testing.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// TokenSource supplies the bearer credential for each request.
type TokenSource interface {
	Token() (string, error)
}

// Option customises Client construction.
type Option func(*Client)

// WithHTTPClient overrides the HTTP backend.
func WithHTTPClient(doer HTTPDoer) Option {
	return func(c *Client) {
		c.http = doer
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClientID sets the installation identifier sent on every request.
func WithClientID(id string) Option {
	return func(c *Client) {
		c.clientID = strings.TrimSpace(id)
	}
}

// WithTimeout overrides the per-request bound.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// Client talks to the generation service over REST.
type Client struct {
	baseURL   string
	userAgent string
	clientID  string
	timeout   time.Duration

	http   HTTPDoer
	tokens TokenSource
	logger *slog.Logger
	tracer trace.Tracer

	hookMu        sync.RWMutex
	onAuthFailure func(error)
}

// New builds a Client from configuration. tokens may be nil for clients that
// only call unauthenticated endpoints.
func New(cfg *config.Config, tokens TokenSource, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	c := &Client{
		baseURL:   strings.TrimRight(strings.TrimSpace(cfg.API.BaseURL), "/"),
		userAgent: cfg.API.UserAgent,
		timeout:   cfg.RequestTimeout(),
		tokens:    tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = 20 * time.Second
	}
	c.logger = logging.NewComponentLogger(c.logger, "transport")
	c.tracer = otel.Tracer(tracerName)
	return c, nil
}

// SetAuthFailureHook registers fn to run whenever an authenticated request
// fails with an auth error, including a missing or expired local credential.
func (c *Client) SetAuthFailureHook(fn func(error)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onAuthFailure = fn
}

func (c *Client) authFailed(err error) {
	c.hookMu.RLock()
	fn := c.onAuthFailure
	c.hookMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

type request struct {
	operation     string
	method        string
	path          string
	body          any
	out           any
	authenticated bool
}

func (c *Client) do(ctx context.Context, r request) (err error) {
	url := c.baseURL + r.path
	ctx, span := c.tracer.Start(ctx, "avatarctl."+r.operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.method),
			semconv.URLFull(url),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(apierr.Classify(err)))
		}
		span.End()
	}()

	var token string
	if r.authenticated {
		if c.tokens == nil {
			err = apierr.Wrap(apierr.KindAuth, r.operation, "no credential configured", nil)
			c.authFailed(err)
			return err
		}
		token, err = c.tokens.Token()
		if err != nil {
			err = apierr.Wrap(apierr.KindAuth, r.operation, "credential unavailable", err)
			c.authFailed(err)
			return err
		}
	}

	var reader io.Reader
	if r.body != nil {
		data, marshalErr := json.Marshal(r.body)
		if marshalErr != nil {
			return fmt.Errorf("marshal request body: %w", marshalErr)
		}
		reader = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	requestID := uuid.NewString()
	ctx = logging.WithRequestID(ctx, requestID)

	req, err := http.NewRequestWithContext(ctx, r.method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.clientID != "" {
		req.Header.Set(headerClientID, c.clientID)
	}
	req.Header.Set(headerRequestID, requestID)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	logger := logging.WithContext(ctx, c.logger)
	started := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		err = apierr.FromTransport(r.operation, err)
		logger.Debug("request failed",
			logging.String("operation", r.operation),
			logging.Duration("elapsed", time.Since(started)),
			logging.Error(err),
		)
		return err
	}
	defer resp.Body.Close()

	span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))
	logger.Debug("request completed",
		logging.String("operation", r.operation),
		logging.Int("status", resp.StatusCode),
		logging.Duration("elapsed", time.Since(started)),
	)

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := decodeError(r.operation, resp)
		if r.authenticated && apiErr.Kind == apierr.KindAuth {
			c.authFailed(apiErr)
		}
		return apiErr
	}

	if r.out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(r.out); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return apierr.FromTransport(r.operation, ctxErr)
		}
		return apierr.Wrap(apierr.KindServer, r.operation, "decode response", err)
	}
	return nil
}

func decodeError(operation string, resp *http.Response) *apierr.Error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	var body apierr.Body
	if len(bytes.TrimSpace(data)) > 0 {
		// A non-JSON body still classifies from the status alone.
		_ = json.Unmarshal(data, &body)
	}
	return apierr.FromResponse(operation, resp.StatusCode, body)
}
