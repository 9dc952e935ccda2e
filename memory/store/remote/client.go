package remote

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

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-recall/memory"
)

const tracerName = "github.com/becomeliminal/nim-recall/memory/store/remote"

// errRejected marks 4xx answers. They do not count against the breaker.
var errRejected = errors.New("request rejected")

// TokenSource returns the bearer token for a request.
type TokenSource func(ctx context.Context) (string, error)

// Config configures the remote backend.
type Config struct {
	// BaseURL of the memory service, e.g. https://api.example.com/v1.
	BaseURL string

	// Token is a static bearer token. Ignored when TokenSource is set.
	Token string

	// TokenSource supplies a fresh token per request.
	TokenSource TokenSource

	// Timeout bounds each request (default: 15s).
	Timeout time.Duration

	// BreakerFailures is the number of consecutive failures that opens the
	// circuit (default: 5).
	BreakerFailures uint32

	// BreakerTimeout is how long the circuit stays open (default: 30s).
	BreakerTimeout time.Duration

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// envelope is the response wrapper of every endpoint.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type client struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	tracer  trace.Tracer
	logger  *zap.Logger
}

func newClient(cfg Config) (*client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("BaseURL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout == 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("remote")

	tokens := cfg.TokenSource
	if tokens == nil {
		static := cfg.Token
		tokens = func(context.Context) (string, error) { return static, nil }
	}

	failures := cfg.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "memory-service",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errRejected)
		},
	})

	return &client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		tokens:  tokens,
		http:    httpClient,
		breaker: breaker,
		tracer:  otel.Tracer(tracerName),
		logger:  logger,
	}, nil
}

// call performs one traced, breaker-guarded request and decodes the
// envelope's data into out (if non-nil). Every failure wraps
// memory.ErrBackendUnavailable.
func (c *client) call(ctx context.Context, op, method, path string, body, out any) error {
	ctx, span := c.tracer.Start(ctx, "memory.remote."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", path),
		),
	)
	defer span.End()

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, method, path, body, out)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Debug("Remote call failed", zap.String("op", op), zap.Error(err))
		return fmt.Errorf("%s: %w: %w", op, memory.ErrBackendUnavailable, err)
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	token, err := c.tokens(ctx)
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %w: %s", errRejected, memory.ErrNotFound, env.Error)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: status %d: %s", errRejected, resp.StatusCode, env.Error)
	case resp.StatusCode >= 300:
		return fmt.Errorf("status %d: %s", resp.StatusCode, env.Error)
	case !env.Success:
		return fmt.Errorf("%w: %s", errRejected, env.Error)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}
