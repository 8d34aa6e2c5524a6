package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"registry_watch/internal/model"
)

// SMTPConfig is the process-wide outgoing mail configuration.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (c SMTPConfig) addr() string {
	port := c.Port
	if port == 0 {
		port = 587
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Mailer delivers one RFC 5322 message.
type Mailer func(ctx context.Context, from string, to []string, msg []byte) error

// DigestImmediate is the email cadence that sends one mail per change.
const DigestImmediate = "immediate"

// Email sends change notifications over SMTP, either one mail per change
// or batched into digests.
type Email struct {
	cfg    SMTPConfig
	policy Policy
	link   Options
	mail   Mailer
	digest *Digest
	now    func() time.Time
}

// NewEmail creates an email sender. A nil digest disables digest mode
// and every change is sent immediately.
func NewEmail(cfg SMTPConfig, opts Options, digest *Digest) *Email {
	p := opts.Policy
	if p.Attempts == 0 {
		p = EmailPolicy
	}
	e := &Email{
		cfg:    cfg,
		policy: p,
		link:   Options{RegistryURL: opts.RegistryURL},
		digest: digest,
		now:    time.Now,
	}
	e.mail = e.smtpMail
	if digest != nil {
		digest.deliver = e.sendDigest
	}
	return e
}

// Type returns model.ChannelEmail.
func (e *Email) Type() model.ChannelType { return model.ChannelEmail }

// Validate checks the channel's own config: recipients and digest
// schedule. Whether SMTP is configured for the process is checked at send
// time.
func (e *Email) Validate(ch model.Channel) error {
	if err := requireConfig(ch, "to"); err != nil {
		return err
	}
	if len(recipients(ch)) == 0 {
		return fmt.Errorf("%w: email channel has no recipients", ErrInvalidConfig)
	}
	if c := cadence(ch); c != DigestImmediate {
		if _, err := cron.ParseStandard(schedule(c)); err != nil {
			return fmt.Errorf("%w: digest schedule %q: %v", ErrInvalidConfig, c, err)
		}
	}
	return nil
}

// Send mails change, or buffers it when the channel has a digest cadence.
// Without an SMTP host it fails with ErrNoSMTP and nothing is buffered.
func (e *Email) Send(ctx context.Context, ch model.Channel, change *model.Change) error {
	if err := e.Validate(ch); err != nil {
		return err
	}
	if e.cfg.Host == "" {
		return fmt.Errorf("email channel %s: %w", ch.ID, ErrNoSMTP)
	}
	if c := cadence(ch); c != DigestImmediate && e.digest != nil {
		return e.digest.Add(ch, schedule(c), change)
	}
	subject := "[registry] " + Title(change)
	body := FormatText(change, e.link.link(change.ServerName))
	return e.deliver(ctx, ch, subject, body)
}

func (e *Email) sendDigest(ctx context.Context, ch model.Channel, changes []*model.Change) error {
	subject := fmt.Sprintf("[registry] %d server change(s)", len(changes))
	var b strings.Builder
	for i, c := range changes {
		if i > 0 {
			b.WriteString("\n\n----\n\n")
		}
		b.WriteString(FormatText(c, e.link.link(c.ServerName)))
	}
	return e.deliver(ctx, ch, subject, b.String())
}

func (e *Email) deliver(ctx context.Context, ch model.Channel, subject, body string) error {
	to := recipients(ch)
	msg := buildMessage(e.cfg.From, to, subject, body, e.now())
	return retry(ctx, e.policy, func(ctx context.Context) error {
		return e.mail(ctx, e.cfg.From, to, msg)
	})
}

func cadence(ch model.Channel) string {
	c := strings.TrimSpace(ch.Get("digest"))
	if c == "" {
		return DigestImmediate
	}
	return c
}

// schedule maps named cadences onto cron descriptors.
func schedule(c string) string {
	switch c {
	case "hourly", "daily", "weekly":
		return "@" + c
	}
	return c
}

func recipients(ch model.Channel) []string {
	var out []string
	for _, r := range strings.Split(ch.Get("to"), ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func buildMessage(from string, to []string, subject, body string, at time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", at.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}

// smtpMail delivers msg over a context-bound SMTP session. STARTTLS and
// AUTH are used when the server offers them.
func (e *Email) smtpMail(ctx context.Context, from string, to []string, msg []byte) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", e.cfg.addr())
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, e.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer func() { _ = c.Close() }()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: e.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if e.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)); err != nil {
				return permanent(fmt.Errorf("smtp auth: %w", err))
			}
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp mail: %w", err)
	}
	for _, r := range to {
		if err := c.Rcpt(r); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", r, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}
	if err := c.Quit(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("smtp quit: %w", err)
	}
	return nil
}
