// Package api wraps outbound calls to the server with JSON encoding, an
// in-flight table, and the single-flight cancellation discipline: by
// default a new call aborts every call still registered, so a response
// for a screen the user already navigated away from can never land.
package api

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

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	sgotel "github.com/seabed/spyglass/internal/otel"
	"github.com/seabed/spyglass/internal/shared"
)

// ErrAborted marks a call cancelled by a newer single-flight call. It is
// self-inflicted and callers surface no error for it.
var ErrAborted = errors.New("request aborted by a newer call")

// AuthError reports a 401: the session is no longer authenticated and
// the user must log in again.
type AuthError struct{}

func (e *AuthError) Error() string { return "authentication required" }

// ForbiddenError reports a 403: the user lacks the privilege for the
// attempted action.
type ForbiddenError struct{}

func (e *ForbiddenError) Error() string { return "access denied" }

// Error reports any other failed request.
type Error struct {
	Status  int
	Message string
	Body    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("request failed: %d %s", e.Status, e.Message)
}

// Hooks are the central handlers for the failure classes every call
// site would otherwise have to repeat. All are optional.
type Hooks struct {
	OnUnauthenticated func()       // 401: redirect to re-authentication
	OnForbidden       func()       // 403: render access-denied
	OnError           func(*Error) // everything else: render a generic error
}

// Request describes one outbound call.
type Request struct {
	Method string
	Path   string // resolved against the client's base URL
	Body   any    // JSON-encoded when non-nil

	// Multi opts out of single-flight cancellation, for callers that
	// intentionally issue concurrent multiplexed fetches.
	Multi bool
}

// Client issues requests against one server.
type Client struct {
	base      string
	token     string
	sessionID string
	http      *http.Client
	logger    *slog.Logger
	tracer    trace.Tracer
	hooks     Hooks

	mu       sync.Mutex
	nextID   uint64
	inflight map[uint64]context.CancelCauseFunc
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token attached to every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithSessionID tags every request with a client session identifier.
func WithSessionID(id string) Option {
	return func(c *Client) { c.sessionID = id }
}

// SetSessionID tags subsequent requests with the session identifier.
// Call before any request is issued.
func (c *Client) SetSessionID(id string) { c.sessionID = id }

// WithHooks installs the central failure handlers.
func WithHooks(h Hooks) Option {
	return func(c *Client) { c.hooks = h }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTracer enables span creation around every call.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// New returns a Client for the given base URL.
func New(base string, opts ...Option) *Client {
	c := &Client{
		base:     strings.TrimRight(base, "/"),
		http:     &http.Client{Timeout: 0}, // cancellation only, no timeout
		logger:   slog.Default(),
		tracer:   nooptrace.NewTracerProvider().Tracer("api"),
		inflight: make(map[uint64]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// register allocates a call id and, unless multi is set, aborts every
// other call currently in the table.
func (c *Client) register(cancel context.CancelCauseFunc, multi bool) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !multi {
		for id, abort := range c.inflight {
			abort(ErrAborted)
			delete(c.inflight, id)
		}
	}

	c.nextID++
	c.inflight[c.nextID] = cancel
	return c.nextID
}

func (c *Client) unregister(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, id)
}

// InFlight returns the number of calls currently registered.
func (c *Client) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// AbortAll cancels every registered call. Used at session teardown.
func (c *Client) AbortAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, abort := range c.inflight {
		abort(ErrAborted)
		delete(c.inflight, id)
	}
}

// Do issues one call and decodes the JSON response into out (when out is
// non-nil). Failure handling runs through the central hooks; the
// returned error carries the same classification for callers that need
// to branch on it. An ErrAborted return means this call lost a
// single-flight race and must be treated as if it never happened.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	ctx, span := sgotel.StartClientSpan(ctx, c.tracer, "api.request",
		sgotel.AttrMethod.String(req.Method),
		sgotel.AttrPath.String(req.Path))
	defer span.End()

	ctx, cancel := context.WithCancelCause(ctx)
	id := c.register(cancel, req.Multi)
	defer func() {
		// Removal is unconditional: success, failure, or abort.
		c.unregister(id)
		cancel(nil)
	}()

	var body io.Reader
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.base+req.Path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.sessionID != "" {
		httpReq.Header.Set("X-Client-Session", c.sessionID)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(context.Cause(ctx), ErrAborted) {
			// Self-inflicted; stay silent.
			c.logger.Debug("api: call aborted", "call", id, "path", req.Path)
			return ErrAborted
		}
		span.RecordError(err)
		apiErr := &Error{Message: err.Error()}
		c.fail(apiErr)
		return fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(sgotel.AttrStatus.Int(resp.StatusCode))

	c.logger.Debug("api: call complete",
		"call", id, "trace", shared.TraceID(ctx),
		"method", req.Method, "path", req.Path,
		"status", resp.StatusCode, "duration", time.Since(start))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		if c.hooks.OnUnauthenticated != nil {
			c.hooks.OnUnauthenticated()
		}
		return &AuthError{}

	case resp.StatusCode == http.StatusForbidden:
		if c.hooks.OnForbidden != nil {
			c.hooks.OnForbidden()
		}
		return &ForbiddenError{}

	case resp.StatusCode >= 400:
		apiErr := &Error{Status: resp.StatusCode, Message: resp.Status}
		if raw, err := io.ReadAll(resp.Body); err == nil {
			apiErr.Body = string(raw)
			var parsed struct {
				Message string `json:"message"`
				Error   string `json:"error"`
			}
			if json.Unmarshal(raw, &parsed) == nil {
				if parsed.Message != "" {
					apiErr.Message = parsed.Message
				} else if parsed.Error != "" {
					apiErr.Message = parsed.Error
				}
			}
		}
		c.fail(apiErr)
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.Path, err)
	}
	return nil
}

func (c *Client) fail(err *Error) {
	c.logger.Warn("api: call failed", "status", err.Status, "message", err.Message)
	if c.hooks.OnError != nil {
		c.hooks.OnError(err)
	}
}

// Multiplex issues every request concurrently (all opted out of
// single-flight) and collects the raw responses under their keys. All
// requests run to completion; if any failed, the first failure is
// returned and the partial results are discarded.
func (c *Client) Multiplex(ctx context.Context, reqs map[string]Request) (map[string]json.RawMessage, error) {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		results  = make(map[string]json.RawMessage, len(reqs))
	)

	for key, req := range reqs {
		req.Multi = true
		wg.Add(1)
		go func(key string, req Request) {
			defer wg.Done()
			var raw json.RawMessage
			err := c.Do(ctx, req, &raw)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", key, err)
				}
				return
			}
			results[key] = raw
		}(key, req)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}
