package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"registry_watch/internal/model"
)

// Webhook signing headers.
const (
	HeaderSignature    = "X-Registry-Signature"
	HeaderHubSignature = "X-Hub-Signature-256"
	HeaderTimestamp    = "X-Registry-Timestamp"
	HeaderEvent        = "X-Registry-Event"
	HeaderDelivery     = "X-Registry-Delivery"

	signaturePrefix = "sha256="
	headerKeyPrefix = "headers_"
)

// WebhookPayload is the JSON envelope posted to generic webhooks.
type WebhookPayload struct {
	EventType   string              `json:"event_type"`
	EventID     string              `json:"event_id"`
	Timestamp   string              `json:"timestamp"`
	Server      WebhookServer       `json:"server"`
	Changes     []model.FieldChange `json:"changes"`
	RegistryURL string              `json:"registry_url"`
}

// WebhookServer describes the server a webhook event is about.
type WebhookServer struct {
	Name            string           `json:"name"`
	Description     string           `json:"description"`
	Version         string           `json:"version"`
	PreviousVersion string           `json:"previous_version,omitempty"`
	Repository      model.Repository `json:"repository"`
	Packages        []model.Package  `json:"packages"`
	Remotes         []model.Remote   `json:"remotes"`
}

// Webhook posts signed JSON envelopes to arbitrary HTTP endpoints.
type Webhook struct {
	opts Options
	now  func() time.Time
}

// NewWebhook creates a webhook sender. Limiter in opts is ignored.
func NewWebhook(opts Options) *Webhook {
	opts.Limiter = nil
	return &Webhook{opts: opts.withDefaults(WebhookPolicy), now: time.Now}
}

// Type returns model.ChannelWebhook.
func (w *Webhook) Type() model.ChannelType { return model.ChannelWebhook }

// Validate requires a url. An optional timeout must parse as a duration.
func (w *Webhook) Validate(ch model.Channel) error {
	if err := requireConfig(ch, "url"); err != nil {
		return err
	}
	if t := ch.Get("timeout"); t != "" {
		if _, err := time.ParseDuration(t); err != nil {
			return fmt.Errorf("%w: webhook timeout %q: %v", ErrInvalidConfig, t, err)
		}
	}
	return nil
}

// BuildPayload returns the envelope for change.
func (w *Webhook) BuildPayload(c *model.Change) WebhookPayload {
	p := WebhookPayload{
		EventType:   "server." + string(c.ChangeType),
		EventID:     c.ID,
		Timestamp:   c.DetectedAt.UTC().Format(time.RFC3339),
		Changes:     c.FieldChanges,
		RegistryURL: w.opts.link(c.ServerName),
		Server: WebhookServer{
			Name:            c.ServerName,
			Version:         version(c),
			PreviousVersion: c.PreviousVersion,
		},
	}
	if s := c.Subject(); s != nil {
		p.Server.Description = s.Description
		p.Server.Repository = s.Repository
		p.Server.Packages = s.Packages
		p.Server.Remotes = s.Remotes
	}
	if p.Changes == nil {
		p.Changes = []model.FieldChange{}
	}
	if p.Server.Packages == nil {
		p.Server.Packages = []model.Package{}
	}
	if p.Server.Remotes == nil {
		p.Server.Remotes = []model.Remote{}
	}
	return p
}

// Send posts the signed envelope for change. Every non-2xx answer is
// retried within the policy.
func (w *Webhook) Send(ctx context.Context, ch model.Channel, change *model.Change) error {
	if err := w.Validate(ch); err != nil {
		return err
	}
	payload := w.BuildPayload(change)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	var timeout time.Duration
	if t := ch.Get("timeout"); t != "" {
		timeout, _ = time.ParseDuration(t)
	}

	return retry(ctx, w.opts.Policy, func(ctx context.Context) error {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return post(ctx, w.opts.Client, ch.Get("url"), body, w.headers(ch, payload, body))
	})
}

func (w *Webhook) headers(ch model.Channel, p WebhookPayload, body []byte) http.Header {
	h := http.Header{}
	for k, v := range ch.Config {
		if name, ok := strings.CutPrefix(k, headerKeyPrefix); ok && name != "" {
			h.Set(name, v)
		}
	}
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", userAgent)
	h.Set(HeaderEvent, p.EventType)
	h.Set(HeaderDelivery, p.EventID)
	h.Set(HeaderTimestamp, strconv.FormatInt(w.now().Unix(), 10))
	if secret := ch.Get("secret"); secret != "" {
		sig := Sign([]byte(secret), body)
		h.Set(HeaderSignature, sig)
		h.Set(HeaderHubSignature, sig)
	}
	return h
}

// Sign returns the "sha256=<hex>" HMAC of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body under secret.
// The comparison is constant time.
func VerifySignature(secret, body []byte, signature string) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
