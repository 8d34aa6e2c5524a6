package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"registry_watch/internal/model"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// telegramTimeout bounds one Bot API attempt, including bot creation.
const telegramTimeout = 30 * time.Second

// telegramFactory creates a bot client for a token.
type telegramFactory func(token string) (telegramAPI, error)

func newBotAPI(client HTTPClient) telegramFactory {
	return func(token string) (telegramAPI, error) {
		api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
		if err != nil {
			return nil, fmt.Errorf("create bot api: %w", err)
		}
		return api, nil
	}
}

// Telegram sends HTML messages through the Telegram Bot API.
type Telegram struct {
	limiter *rate.Limiter
	policy  Policy
	baseURL string
	timeout time.Duration
	factory telegramFactory

	group singleflight.Group
	mu    sync.Mutex
	bots  map[string]telegramAPI
}

// NewTelegram creates a Telegram sender. Bot clients share opts.Client.
func NewTelegram(opts Options) *Telegram {
	opts = opts.withDefaults(ChatPolicy)
	return &Telegram{
		limiter: opts.Limiter,
		policy:  opts.Policy,
		baseURL: opts.RegistryURL,
		timeout: telegramTimeout,
		factory: newBotAPI(opts.Client),
		bots:    make(map[string]telegramAPI),
	}
}

// Type returns model.ChannelTelegram.
func (t *Telegram) Type() model.ChannelType { return model.ChannelTelegram }

// Validate requires bot_token and chat_id.
func (t *Telegram) Validate(ch model.Channel) error {
	return requireConfig(ch, "bot_token", "chat_id")
}

// bot returns the cached client for token, creating it once. Concurrent
// callers for the same token share one creation; ctx only bounds the wait.
func (t *Telegram) bot(ctx context.Context, token string) (telegramAPI, error) {
	t.mu.Lock()
	b, ok := t.bots[token]
	t.mu.Unlock()
	if ok {
		return b, nil
	}

	ch := t.group.DoChan(token, func() (any, error) {
		b, err := t.factory(token)
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		t.bots[token] = b
		t.mu.Unlock()
		return b, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(telegramAPI), nil
	}
}

// Send posts change to the channel's chat. Each attempt is bounded by the
// sender timeout.
func (t *Telegram) Send(ctx context.Context, ch model.Channel, change *model.Change) error {
	if err := t.Validate(ch); err != nil {
		return err
	}
	text := FormatHTML(change, Options{RegistryURL: t.baseURL}.link(change.ServerName))
	msg, err := telegramMessage(ch.Get("chat_id"), text)
	if err != nil {
		return err
	}

	return retry(ctx, t.policy, func(ctx context.Context) error {
		if err := wait(ctx, t.limiter); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()
		b, err := t.bot(ctx, ch.Get("bot_token"))
		if err != nil {
			return err
		}
		return telegramError(sendWithContext(ctx, b, msg))
	})
}

func telegramMessage(chatID, text string) (tgbotapi.MessageConfig, error) {
	var msg tgbotapi.MessageConfig
	if strings.HasPrefix(chatID, "@") {
		msg = tgbotapi.NewMessageToChannel(chatID, text)
	} else {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return msg, fmt.Errorf("%w: telegram chat_id %q", ErrInvalidConfig, chatID)
		}
		msg = tgbotapi.NewMessage(id, text)
	}
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	return msg, nil
}

// sendWithContext returns when the send completes or ctx is done.
// The Bot API client has no context support of its own.
func sendWithContext(ctx context.Context, b telegramAPI, msg tgbotapi.Chattable) error {
	done := make(chan error, 1)
	go func() {
		_, err := b.Send(msg)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func telegramError(err error) error {
	var te *tgbotapi.Error
	if errors.As(err, &te) && te.Code >= 400 && te.Code < 500 && te.Code != 429 {
		return permanent(err)
	}
	return err
}

// FormatHTML renders change for Telegram's HTML parse mode.
func FormatHTML(c *model.Change, link string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>", html.EscapeString(Title(c)))
	if d := description(c); d != "" {
		b.WriteString("\n\n")
		b.WriteString(html.EscapeString(truncate(d, 1000)))
	}
	if v := version(c); v != "" {
		fmt.Fprintf(&b, "\n\nVersion: <code>%s</code>", html.EscapeString(v))
	}
	if r := repositoryURL(c); r != "" {
		fmt.Fprintf(&b, "\nRepository: %s", html.EscapeString(r))
	}
	for _, l := range fieldLines(c) {
		b.WriteString("\n• ")
		b.WriteString(html.EscapeString(l))
	}
	if link != "" {
		fmt.Fprintf(&b, "\n\n<a href=\"%s\">View in registry</a>", html.EscapeString(link))
	}
	fmt.Fprintf(&b, "\n<i>%s</i>", c.DetectedAt.UTC().Format(time.RFC3339))
	return b.String()
}
