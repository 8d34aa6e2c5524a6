// Package notify delivers change notifications to external channels.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"registry_watch/internal/model"
)

// Errors returned by senders.
var (
	ErrMissingConfig  = errors.New("missing channel config")
	ErrInvalidConfig  = errors.New("invalid channel config")
	ErrUnknownChannel = errors.New("unknown channel type")
	ErrNoSMTP         = errors.New("SMTP is not configured")
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 64 << 10

const userAgent = "registry-watch/1.0"

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Sender delivers a single change to one channel.
type Sender interface {
	Type() model.ChannelType
	Send(ctx context.Context, ch model.Channel, change *model.Change) error
}

// Validator is implemented by senders that can check channel config
// without sending.
type Validator interface {
	Validate(ch model.Channel) error
}

// Registry maps channel types to their senders.
type Registry struct {
	senders map[model.ChannelType]Sender
}

// NewRegistry builds a lookup table from senders. Later senders replace
// earlier ones of the same type.
func NewRegistry(senders ...Sender) *Registry {
	r := &Registry{senders: make(map[model.ChannelType]Sender, len(senders))}
	for _, s := range senders {
		r.senders[s.Type()] = s
	}
	return r
}

// Get returns the sender for t.
func (r *Registry) Get(t model.ChannelType) (Sender, bool) {
	s, ok := r.senders[t]
	return s, ok
}

// Validate checks that ch has a known type and the config its sender needs.
func (r *Registry) Validate(ch model.Channel) error {
	s, ok := r.senders[ch.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, ch.Type)
	}
	if v, ok := s.(Validator); ok {
		return v.Validate(ch)
	}
	return nil
}

// StatusError is returned when an endpoint answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// permanentError marks failures that another attempt cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func requireConfig(ch model.Channel, keys ...string) error {
	for _, k := range keys {
		if ch.Get(k) == "" {
			return fmt.Errorf("%w: %s channel requires %q", ErrMissingConfig, ch.Type, k)
		}
	}
	return nil
}

// Policy bounds the retry loop of a channel family.
type Policy struct {
	Attempts int
	Base     time.Duration
}

// Default policies per channel family.
var (
	ChatPolicy    = Policy{Attempts: 3, Base: time.Second}
	WebhookPolicy = Policy{Attempts: 3, Base: 2 * time.Second}
	EmailPolicy   = Policy{Attempts: 2, Base: 5 * time.Second}
)

// retry runs fn up to p.Attempts times. The wait before attempt n+1 is
// n*p.Base. It stops early on permanent errors and on cancellation of
// ctx, and returns the last error seen.
func retry(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = fn(ctx)
		if last == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(last, &perm) {
			return perm.err
		}
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(p.Base * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return last
}

// NewChatLimiter returns a token bucket allowing perMinute sends with
// the given burst. A non-positive perMinute disables limiting.
func NewChatLimiter(perMinute, burst int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)
}

func wait(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	if err := l.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// post sends body to url and drains at most maxResponseBytes of the reply.
// Any non-2xx status is returned as a *StatusError.
func post(ctx context.Context, client HTTPClient, url string, body []byte, header http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return permanent(fmt.Errorf("create request: %w", err))
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(data)
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return &StatusError{StatusCode: resp.StatusCode, Body: msg}
	}
	return nil
}
