package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"registry_watch/internal/model"
)

var fastPolicy = Policy{Attempts: 3, Base: time.Millisecond}

func sampleChange() *model.Change {
	return &model.Change{
		ID:              "chg-1",
		ServerName:      "io.github.acme/search",
		ChangeType:      model.ChangeUpdated,
		PreviousVersion: "1.0.0",
		NewVersion:      "1.1.0",
		FieldChanges: []model.FieldChange{
			{Field: "version", OldValue: "1.0.0", NewValue: "1.1.0"},
		},
		Server: &model.Server{
			Name:        "io.github.acme/search",
			Description: "Search <things>",
			Version:     "1.1.0",
			Repository:  model.Repository{URL: "https://github.com/acme/search", Source: "github"},
			Packages:    []model.Package{{RegistryType: "npm", Name: "@acme/search", Version: "1.1.0"}},
		},
		DetectedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := retry(context.Background(), fastPolicy, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("boom")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryReturnsLastError(t *testing.T) {
	calls := 0
	err := retry(context.Background(), fastPolicy, func(context.Context) error {
		calls++
		return &StatusError{StatusCode: 500 + calls}
	})
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != 503 {
		t.Fatalf("err = %v, want status 503", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	cause := errors.New("bad config")
	err := retry(context.Background(), fastPolicy, func(context.Context) error {
		calls++
		return permanent(cause)
	})
	if !errors.Is(err, cause) {
		t.Fatalf("err = %v, want %v", err, cause)
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		t.Error("permanent wrapper leaked to caller")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	start := time.Now()
	err := retry(ctx, Policy{Attempts: 5, Base: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return errors.New("boom")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if time.Since(start) > time.Second {
		t.Error("retry did not abort the wait on cancellation")
	}
}

func TestRetryCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := retry(ctx, fastPolicy, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if called {
		t.Error("fn called after cancellation")
	}
}

func TestChatLimiterWaitIsCancellable(t *testing.T) {
	l := NewChatLimiter(1, 1)
	ctx := context.Background()
	if err := wait(ctx, l); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := wait(ctx, l); err == nil {
		t.Fatal("expected limiter wait to fail once the token is spent")
	}
}

func TestRegistryLookup(t *testing.T) {
	d := NewDiscord(Options{})
	w := NewWebhook(Options{})
	r := NewRegistry(d, w)

	if s, ok := r.Get(model.ChannelDiscord); !ok || s != Sender(d) {
		t.Errorf("Get(discord) = %v, %v", s, ok)
	}
	if _, ok := r.Get(model.ChannelSlack); ok {
		t.Error("Get(slack) found an unregistered sender")
	}

	err := r.Validate(model.Channel{Type: model.ChannelSlack})
	if !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("Validate(slack) = %v, want ErrUnknownChannel", err)
	}
	err = r.Validate(model.Channel{Type: model.ChannelWebhook})
	if !errors.Is(err, ErrMissingConfig) {
		t.Errorf("Validate(webhook without url) = %v, want ErrMissingConfig", err)
	}
	err = r.Validate(model.Channel{Type: model.ChannelWebhook, Config: map[string]string{"url": "http://x"}})
	if err != nil {
		t.Errorf("Validate(webhook) = %v", err)
	}
}

func TestTitle(t *testing.T) {
	c := sampleChange()
	got := []string{Title(c)}
	c.ChangeType = model.ChangeNew
	got = append(got, Title(c))
	c.ChangeType = model.ChangeRemoved
	got = append(got, Title(c))

	want := []string{
		"Server updated: io.github.acme/search 1.0.0 → 1.1.0",
		"New server: io.github.acme/search",
		"Server removed: io.github.acme/search",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Title mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatText(t *testing.T) {
	got := FormatText(sampleChange(), "https://registry.example.com/v0/servers/x")
	want := "Server updated: io.github.acme/search 1.0.0 → 1.1.0\n\n" +
		"Search <things>\n\n" +
		"Version: 1.1.0\n" +
		"Repository: https://github.com/acme/search\n\n" +
		"Changes:\n" +
		"  version: 1.0.0 → 1.1.0\n" +
		"\nhttps://registry.example.com/v0/servers/x"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FormatText mismatch (-want +got):\n%s", diff)
	}
}
