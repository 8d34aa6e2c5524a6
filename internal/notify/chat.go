package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"registry_watch/internal/model"
	"registry_watch/internal/registry"
)

// Options holds the collaborators shared by HTTP based senders.
type Options struct {
	Client      HTTPClient
	Limiter     *rate.Limiter
	Policy      Policy
	RegistryURL string
}

func (o Options) withDefaults(p Policy) Options {
	if o.Client == nil {
		o.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if o.Policy.Attempts == 0 {
		o.Policy = p
	}
	return o
}

func (o Options) link(name string) string {
	if o.RegistryURL == "" {
		return ""
	}
	return registry.ServerURL(o.RegistryURL, name)
}

// chatError marks client errors as permanent. 408 and 429 stay retryable.
func chatError(err error) error {
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 &&
		se.StatusCode != http.StatusRequestTimeout && se.StatusCode != http.StatusTooManyRequests {
		return permanent(err)
	}
	return err
}

// sendChat posts payload to url under the chat limiter and retry policy.
func sendChat(ctx context.Context, o Options, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return retry(ctx, o.Policy, func(ctx context.Context) error {
		if err := wait(ctx, o.Limiter); err != nil {
			return err
		}
		return chatError(post(ctx, o.Client, url, body, nil))
	})
}

// Discord posts embeds to a Discord webhook.
type Discord struct{ opts Options }

// NewDiscord creates a Discord sender.
func NewDiscord(opts Options) *Discord {
	return &Discord{opts: opts.withDefaults(ChatPolicy)}
}

// Type returns model.ChannelDiscord.
func (d *Discord) Type() model.ChannelType { return model.ChannelDiscord }

// Validate requires webhook_url.
func (d *Discord) Validate(ch model.Channel) error {
	return requireConfig(ch, "webhook_url")
}

// Send posts change as a single embed. The optional username config
// overrides the webhook's default name.
func (d *Discord) Send(ctx context.Context, ch model.Channel, change *model.Change) error {
	if err := d.Validate(ch); err != nil {
		return err
	}
	return sendChat(ctx, d.opts, ch.Get("webhook_url"), d.payload(ch, change))
}

type discordPayload struct {
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	URL         string         `json:"url,omitempty"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

func (d *Discord) payload(ch model.Channel, c *model.Change) discordPayload {
	e := discordEmbed{
		Title:       truncate(Title(c), 256),
		Description: truncate(description(c), 4096),
		URL:         d.opts.link(c.ServerName),
		Color:       color(c.ChangeType),
		Timestamp:   c.DetectedAt.UTC().Format(time.RFC3339),
	}
	if v := version(c); v != "" {
		e.Fields = append(e.Fields, discordField{Name: "Version", Value: v, Inline: true})
	}
	if r := repositoryURL(c); r != "" {
		e.Fields = append(e.Fields, discordField{Name: "Repository", Value: r, Inline: true})
	}
	for _, fc := range c.FieldChanges {
		e.Fields = append(e.Fields, discordField{
			Name:  fc.Field,
			Value: truncate(orNone(fc.OldValue)+" → "+orNone(fc.NewValue), 1024),
		})
	}
	if len(e.Fields) > 25 {
		e.Fields = e.Fields[:25]
	}
	return discordPayload{Username: ch.Get("username"), Embeds: []discordEmbed{e}}
}

// Slack posts Block Kit messages to a Slack incoming webhook.
type Slack struct{ opts Options }

// NewSlack creates a Slack sender.
func NewSlack(opts Options) *Slack {
	return &Slack{opts: opts.withDefaults(ChatPolicy)}
}

// Type returns model.ChannelSlack.
func (s *Slack) Type() model.ChannelType { return model.ChannelSlack }

// Validate requires webhook_url.
func (s *Slack) Validate(ch model.Channel) error {
	return requireConfig(ch, "webhook_url")
}

// Send posts change as Block Kit blocks.
func (s *Slack) Send(ctx context.Context, ch model.Channel, change *model.Change) error {
	if err := s.Validate(ch); err != nil {
		return err
	}
	return sendChat(ctx, s.opts, ch.Get("webhook_url"), s.payload(change))
}

type slackPayload struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Fields   []slackText `json:"fields,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func mrkdwn(s string) slackText { return slackText{Type: "mrkdwn", Text: s} }

func (s *Slack) payload(c *model.Change) slackPayload {
	title := Title(c)
	blocks := []slackBlock{{
		Type: "header",
		Text: &slackText{Type: "plain_text", Text: truncate(title, 150)},
	}}
	if d := description(c); d != "" {
		t := mrkdwn(truncate(d, 3000))
		blocks = append(blocks, slackBlock{Type: "section", Text: &t})
	}

	var fields []slackText
	if v := version(c); v != "" {
		fields = append(fields, mrkdwn("*Version*\n"+v))
	}
	if r := repositoryURL(c); r != "" {
		fields = append(fields, mrkdwn("*Repository*\n"+r))
	}
	for _, fc := range c.FieldChanges {
		fields = append(fields, mrkdwn(fmt.Sprintf("*%s*\n%s → %s", fc.Field, orNone(fc.OldValue), orNone(fc.NewValue))))
	}
	if len(fields) > 10 {
		fields = fields[:10]
	}
	if len(fields) > 0 {
		blocks = append(blocks, slackBlock{Type: "section", Fields: fields})
	}

	ctxText := fmt.Sprintf("%s · %s", c.ChangeType, c.DetectedAt.UTC().Format(time.RFC3339))
	if link := s.opts.link(c.ServerName); link != "" {
		ctxText += fmt.Sprintf(" · <%s|View in registry>", link)
	}
	blocks = append(blocks, slackBlock{Type: "context", Elements: []slackText{mrkdwn(ctxText)}})

	return slackPayload{Text: title, Blocks: blocks}
}

// Teams posts MessageCards to a Microsoft Teams incoming webhook.
type Teams struct{ opts Options }

// NewTeams creates a Teams sender.
func NewTeams(opts Options) *Teams {
	return &Teams{opts: opts.withDefaults(ChatPolicy)}
}

// Type returns model.ChannelTeams.
func (t *Teams) Type() model.ChannelType { return model.ChannelTeams }

// Validate requires webhook_url.
func (t *Teams) Validate(ch model.Channel) error {
	return requireConfig(ch, "webhook_url")
}

// Send posts change as a MessageCard.
func (t *Teams) Send(ctx context.Context, ch model.Channel, change *model.Change) error {
	if err := t.Validate(ch); err != nil {
		return err
	}
	return sendChat(ctx, t.opts, ch.Get("webhook_url"), t.payload(change))
}

type teamsCard struct {
	Type       string         `json:"@type"`
	Context    string         `json:"@context"`
	ThemeColor string         `json:"themeColor"`
	Summary    string         `json:"summary"`
	Sections   []teamsSection `json:"sections"`
	Actions    []teamsAction  `json:"potentialAction,omitempty"`
}

type teamsSection struct {
	ActivityTitle    string      `json:"activityTitle"`
	ActivitySubtitle string      `json:"activitySubtitle,omitempty"`
	Text             string      `json:"text,omitempty"`
	Facts            []teamsFact `json:"facts,omitempty"`
}

type teamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type teamsAction struct {
	Type    string        `json:"@type"`
	Name    string        `json:"name"`
	Targets []teamsTarget `json:"targets"`
}

type teamsTarget struct {
	OS  string `json:"os"`
	URI string `json:"uri"`
}

func (t *Teams) payload(c *model.Change) teamsCard {
	title := Title(c)
	sec := teamsSection{
		ActivityTitle:    title,
		ActivitySubtitle: c.DetectedAt.UTC().Format(time.RFC3339),
		Text:             description(c),
	}
	if v := version(c); v != "" {
		sec.Facts = append(sec.Facts, teamsFact{Name: "Version", Value: v})
	}
	if r := repositoryURL(c); r != "" {
		sec.Facts = append(sec.Facts, teamsFact{Name: "Repository", Value: r})
	}
	for _, fc := range c.FieldChanges {
		sec.Facts = append(sec.Facts, teamsFact{Name: fc.Field, Value: orNone(fc.OldValue) + " → " + orNone(fc.NewValue)})
	}

	card := teamsCard{
		Type:       "MessageCard",
		Context:    "https://schema.org/extensions",
		ThemeColor: fmt.Sprintf("%06X", color(c.ChangeType)),
		Summary:    title,
		Sections:   []teamsSection{sec},
	}
	if link := t.opts.link(c.ServerName); link != "" {
		card.Actions = []teamsAction{{
			Type:    "OpenUri",
			Name:    "View in registry",
			Targets: []teamsTarget{{OS: "default", URI: link}},
		}}
	}
	return card
}
