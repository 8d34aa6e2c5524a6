package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"registry_watch/internal/model"
)

type recorder struct {
	mu       sync.Mutex
	statuses []int
	bodies   [][]byte
	headers  []http.Header
}

// newRecorder answers with statuses in order, repeating the last one.
func newRecorder(t *testing.T, statuses ...int) (*recorder, *httptest.Server) {
	t.Helper()
	rec := &recorder{statuses: statuses}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		n := len(rec.bodies)
		rec.bodies = append(rec.bodies, body)
		rec.headers = append(rec.headers, r.Header.Clone())
		status := http.StatusOK
		if len(rec.statuses) > 0 {
			status = rec.statuses[min(n, len(rec.statuses)-1)]
		}
		rec.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return rec, srv
}

func (r *recorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func (r *recorder) header(i int) http.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headers[i]
}

func (r *recorder) rawBody(i int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bodies[i]
}

func (r *recorder) body(t *testing.T, i int, v any) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := json.Unmarshal(r.bodies[i], v); err != nil {
		t.Fatalf("decode body %d: %v", i, err)
	}
}

func chatChannel(t model.ChannelType, url string) model.Channel {
	return model.Channel{ID: "ch-1", Type: t, Enabled: true, Config: map[string]string{"webhook_url": url}}
}

func testOptions(srv *httptest.Server) Options {
	return Options{
		Client:      srv.Client(),
		Policy:      fastPolicy,
		RegistryURL: "https://registry.example.com",
	}
}

func TestDiscordSend(t *testing.T) {
	rec, srv := newRecorder(t, http.StatusNoContent)
	d := NewDiscord(testOptions(srv))

	ch := chatChannel(model.ChannelDiscord, srv.URL)
	ch.Config["username"] = "watcher"
	if err := d.Send(context.Background(), ch, sampleChange()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var got discordPayload
	rec.body(t, 0, &got)
	want := discordPayload{
		Username: "watcher",
		Embeds: []discordEmbed{{
			Title:       "Server updated: io.github.acme/search 1.0.0 → 1.1.0",
			Description: "Search <things>",
			URL:         "https://registry.example.com/v0/servers/io.github.acme%2Fsearch",
			Color:       colorUpdated,
			Timestamp:   "2026-01-02T03:04:05Z",
			Fields: []discordField{
				{Name: "Version", Value: "1.1.0", Inline: true},
				{Name: "Repository", Value: "https://github.com/acme/search", Inline: true},
				{Name: "version", Value: "1.0.0 → 1.1.0"},
			},
		}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestDiscordMissingWebhookURL(t *testing.T) {
	d := NewDiscord(Options{})
	err := d.Send(context.Background(), model.Channel{Type: model.ChannelDiscord}, sampleChange())
	if !errors.Is(err, ErrMissingConfig) {
		t.Fatalf("err = %v, want ErrMissingConfig", err)
	}
}

func TestChatRetriesServerErrors(t *testing.T) {
	rec, srv := newRecorder(t, http.StatusInternalServerError, http.StatusTooManyRequests, http.StatusOK)
	s := NewSlack(testOptions(srv))

	if err := s.Send(context.Background(), chatChannel(model.ChannelSlack, srv.URL), sampleChange()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := rec.calls(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestChatClientErrorIsNotRetried(t *testing.T) {
	rec, srv := newRecorder(t, http.StatusNotFound)
	s := NewSlack(testOptions(srv))

	err := s.Send(context.Background(), chatChannel(model.ChannelSlack, srv.URL), sampleChange())
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %v, want status 404", err)
	}
	if got := rec.calls(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestChatExhaustsAttempts(t *testing.T) {
	rec, srv := newRecorder(t, http.StatusBadGateway)
	tm := NewTeams(testOptions(srv))

	err := tm.Send(context.Background(), chatChannel(model.ChannelTeams, srv.URL), sampleChange())
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadGateway {
		t.Fatalf("err = %v, want status 502", err)
	}
	if got := rec.calls(); got != fastPolicy.Attempts {
		t.Errorf("calls = %d, want %d", got, fastPolicy.Attempts)
	}
}

func TestSlackPayload(t *testing.T) {
	rec, srv := newRecorder(t, http.StatusOK)
	s := NewSlack(testOptions(srv))
	c := sampleChange()
	c.ChangeType = model.ChangeNew
	c.FieldChanges = nil

	if err := s.Send(context.Background(), chatChannel(model.ChannelSlack, srv.URL), c); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var got slackPayload
	rec.body(t, 0, &got)
	want := slackPayload{
		Text: "New server: io.github.acme/search",
		Blocks: []slackBlock{
			{Type: "header", Text: &slackText{Type: "plain_text", Text: "New server: io.github.acme/search"}},
			{Type: "section", Text: &slackText{Type: "mrkdwn", Text: "Search <things>"}},
			{Type: "section", Fields: []slackText{
				{Type: "mrkdwn", Text: "*Version*\n1.1.0"},
				{Type: "mrkdwn", Text: "*Repository*\nhttps://github.com/acme/search"},
			}},
			{Type: "context", Elements: []slackText{{
				Type: "mrkdwn",
				Text: "new · 2026-01-02T03:04:05Z · <https://registry.example.com/v0/servers/io.github.acme%2Fsearch|View in registry>",
			}}},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestTeamsPayload(t *testing.T) {
	rec, srv := newRecorder(t, http.StatusOK)
	tm := NewTeams(testOptions(srv))
	c := sampleChange()
	c.ChangeType = model.ChangeRemoved
	c.PreviousServer, c.Server = c.Server, nil
	c.NewVersion = ""
	c.FieldChanges = nil

	if err := tm.Send(context.Background(), chatChannel(model.ChannelTeams, srv.URL), c); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var got teamsCard
	rec.body(t, 0, &got)
	if got.ThemeColor != "E74C3C" {
		t.Errorf("ThemeColor = %q, want E74C3C", got.ThemeColor)
	}
	wantFacts := []teamsFact{
		{Name: "Version", Value: "1.0.0"},
		{Name: "Repository", Value: "https://github.com/acme/search"},
	}
	if diff := cmp.Diff(wantFacts, got.Sections[0].Facts); diff != "" {
		t.Errorf("facts mismatch (-want +got):\n%s", diff)
	}
	if len(got.Actions) != 1 || got.Actions[0].Targets[0].URI == "" {
		t.Errorf("Actions = %+v, want one registry link", got.Actions)
	}
}
