package subscriptions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"registry_watch/internal/model"
	"registry_watch/internal/notify"
	"registry_watch/internal/storage"
)

const sample = `
subscriptions:
  - id: acme
    name: Acme servers
    filters:
      namespaces: ["io.github.acme"]
      change_types: [new, updated]
    channels:
      - type: webhook
        config:
          url: https://hooks.example.com/acme
          secret: s3cret
      - id: acme-slack
        type: slack
        enabled: false
        config:
          webhook_url: https://hooks.slack.com/services/x
  - id: everything
    status: paused
`

func validator() ChannelValidator {
	return notify.NewRegistry(
		notify.NewWebhook(notify.Options{}),
		notify.NewSlack(notify.Options{}),
	)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParse(t *testing.T) {
	got, err := Parse([]byte(sample), validator())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := []model.Subscription{
		{
			ID:     "acme",
			Name:   "Acme servers",
			Status: model.StatusActive,
			Filters: model.SubscriptionFilter{
				Namespaces:  []string{"io.github.acme"},
				ChangeTypes: []model.ChangeType{model.ChangeNew, model.ChangeUpdated},
			},
			Channels: []model.Channel{
				{
					ID:             "acme-webhook-0",
					SubscriptionID: "acme",
					Type:           model.ChannelWebhook,
					Enabled:        true,
					Config:         map[string]string{"url": "https://hooks.example.com/acme", "secret": "s3cret"},
				},
				{
					ID:             "acme-slack",
					SubscriptionID: "acme",
					Type:           model.ChannelSlack,
					Enabled:        false,
					Config:         map[string]string{"webhook_url": "https://hooks.slack.com/services/x"},
				},
			},
		},
		{ID: "everything", Name: "everything", Status: model.StatusPaused},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Parse mismatch (-want +got):\n%s", diff)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad yaml", "subscriptions: [\n"},
		{"missing id", "subscriptions:\n  - name: x\n"},
		{"duplicate id", "subscriptions:\n  - id: a\n  - id: a\n"},
		{"bad status", "subscriptions:\n  - id: a\n    status: sleeping\n"},
		{"bad change type", "subscriptions:\n  - id: a\n    filters:\n      change_types: [renamed]\n"},
		{"unknown channel", "subscriptions:\n  - id: a\n    channels:\n      - type: pager\n"},
		{"missing channel config", "subscriptions:\n  - id: a\n    channels:\n      - type: webhook\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml), validator()); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}

	_, err := Parse([]byte("subscriptions:\n  - id: a\n    channels:\n      - type: pager\n"), validator())
	if !errors.Is(err, notify.ErrUnknownChannel) {
		t.Errorf("err = %v, want ErrUnknownChannel", err)
	}
}

func TestParseEmailWithoutSMTP(t *testing.T) {
	data := `
subscriptions:
  - id: hooks
    channels:
      - type: webhook
        config:
          url: https://hooks.example.com/x
  - id: mail
    channels:
      - type: email
        config:
          to: ops@example.com
`
	v := notify.NewRegistry(
		notify.NewWebhook(notify.Options{}),
		notify.NewEmail(notify.SMTPConfig{}, notify.Options{}, nil),
	)
	subs, err := Parse([]byte(data), v)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	var ids []string
	for _, s := range subs {
		ids = append(ids, s.ID)
	}
	if diff := cmp.Diff([]string{"hooks", "mail"}, ids); diff != "" {
		t.Errorf("parsed subscriptions mismatch (-want +got):\n%s", diff)
	}
}

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

var ignoreStored = cmpopts.IgnoreFields(model.Subscription{}, "CreatedAt", "LastNotified")

func TestLoadAndExpire(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	path := filepath.Join(t.TempDir(), "subscriptions.yaml")
	writeFile(t, path, sample)

	l := NewLoader(path, store, validator(), discardLogger())
	n, err := l.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 2 {
		t.Errorf("Load count = %d, want 2", n)
	}

	active, err := store.GetActiveSubscriptions(ctx)
	if err != nil {
		t.Fatalf("GetActiveSubscriptions: %v", err)
	}
	if len(active) != 1 || active[0].ID != "acme" || len(active[0].Channels) != 2 {
		t.Fatalf("active subscriptions = %+v", active)
	}

	writeFile(t, path, "subscriptions:\n  - id: everything\n")
	if _, err := l.Load(ctx); err != nil {
		t.Fatalf("second Load: %v", err)
	}

	got, err := store.GetSubscription(ctx, "acme")
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if got.Status != model.StatusExpired {
		t.Errorf("removed subscription status = %q, want expired", got.Status)
	}
	everything, err := store.GetSubscription(ctx, "everything")
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	want := &model.Subscription{ID: "everything", Name: "everything", Source: Source, Status: model.StatusActive}
	if diff := cmp.Diff(want, everything, ignoreStored, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("reloaded subscription mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadExpiresAcrossRestart(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	path := filepath.Join(t.TempDir(), "subscriptions.yaml")
	writeFile(t, path, "subscriptions:\n  - id: x\n  - id: y\n")

	if _, err := NewLoader(path, store, validator(), discardLogger()).Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	manual := &model.Subscription{ID: "api", Name: "api", Status: model.StatusActive}
	if err := store.UpsertSubscription(ctx, manual); err != nil {
		t.Fatalf("UpsertSubscription: %v", err)
	}

	writeFile(t, path, "subscriptions:\n  - id: x\n")
	if _, err := NewLoader(path, store, validator(), discardLogger()).Load(ctx); err != nil {
		t.Fatalf("Load after restart: %v", err)
	}

	active, err := store.GetActiveSubscriptions(ctx)
	if err != nil {
		t.Fatalf("GetActiveSubscriptions: %v", err)
	}
	var got []string
	for _, sub := range active {
		got = append(got, sub.ID)
	}
	want := []string{"x", "api"}
	if diff := cmp.Diff(want, got, cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
		t.Errorf("active subscriptions mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadInvalidFileKeepsState(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	path := filepath.Join(t.TempDir(), "subscriptions.yaml")
	writeFile(t, path, sample)

	l := NewLoader(path, store, validator(), discardLogger())
	if _, err := l.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	writeFile(t, path, "subscriptions:\n  - name: no id\n")
	if _, err := l.Load(ctx); err == nil {
		t.Fatal("expected error for invalid file")
	}
	got, err := store.GetSubscription(ctx, "acme")
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if got.Status != model.StatusActive {
		t.Errorf("status = %q after rejected reload, want active", got.Status)
	}
}

func TestWatchReloads(t *testing.T) {
	store := newTestStore(t)
	path := filepath.Join(t.TempDir(), "subscriptions.yaml")
	writeFile(t, path, "subscriptions:\n  - id: first\n")

	l := NewLoader(path, store, validator(), discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := l.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- l.Watch(ctx) }()
	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	writeFile(t, path, "subscriptions:\n  - id: first\n  - id: second\n")

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := store.GetSubscription(context.Background(), "second"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscription from rewritten file was not loaded")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancellation")
	}
}
