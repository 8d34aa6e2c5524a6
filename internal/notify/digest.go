package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"registry_watch/internal/model"
)

type digestBatch struct {
	channel  model.Channel
	schedule string
	changes  []*model.Change
}

// Digest buffers email changes per channel and flushes them on each
// channel's cron schedule as a single mail.
type Digest struct {
	log     *slog.Logger
	cron    *cron.Cron
	timeout time.Duration
	deliver func(ctx context.Context, ch model.Channel, changes []*model.Change) error

	mu      sync.Mutex
	batches map[string]*digestBatch
	entries map[string]cron.EntryID
	ctx     context.Context
}

// NewDigest creates an idle digest buffer. Call Start to begin flushing.
func NewDigest(log *slog.Logger) *Digest {
	return &Digest{
		log:     log,
		cron:    cron.New(),
		timeout: 2 * time.Minute,
		batches: make(map[string]*digestBatch),
		entries: make(map[string]cron.EntryID),
		ctx:     context.Background(),
	}
}

// Add buffers change for ch and registers schedule with the cron runner
// the first time it is seen.
func (d *Digest) Add(ch model.Channel, schedule string, change *model.Change) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.entries[schedule]; !ok {
		id, err := d.cron.AddFunc(schedule, func() { d.Flush(d.parent(), schedule) })
		if err != nil {
			return fmt.Errorf("schedule digest %q: %w", schedule, err)
		}
		d.entries[schedule] = id
	}

	b, ok := d.batches[ch.ID]
	if !ok {
		b = &digestBatch{}
		d.batches[ch.ID] = b
	}
	b.channel = ch
	b.schedule = schedule
	b.changes = append(b.changes, change)
	return nil
}

// Pending returns the number of buffered changes for a channel.
func (d *Digest) Pending(channelID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.batches[channelID]; ok {
		return len(b.changes)
	}
	return 0
}

func (d *Digest) parent() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ctx
}

// Start begins running scheduled flushes until Stop is called. Flushes
// use ctx as their parent.
func (d *Digest) Start(ctx context.Context) {
	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()
	d.cron.Start()
}

// Stop halts the scheduler, waits for running flushes and then flushes
// everything still buffered.
func (d *Digest) Stop(ctx context.Context) {
	<-d.cron.Stop().Done()
	d.Flush(ctx, "")
}

// Flush sends every batch on schedule, or all batches when schedule is
// empty. Failed batches are logged and dropped.
func (d *Digest) Flush(ctx context.Context, schedule string) {
	d.mu.Lock()
	var due []*digestBatch
	for id, b := range d.batches {
		if schedule == "" || b.schedule == schedule {
			due = append(due, b)
			delete(d.batches, id)
		}
	}
	d.mu.Unlock()

	if d.deliver == nil {
		return
	}
	for _, b := range due {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		err := d.deliver(fctx, b.channel, b.changes)
		cancel()
		if err != nil {
			d.log.Error("send digest", "channel_id", b.channel.ID, "changes", len(b.changes), "error", err)
			continue
		}
		d.log.Info("digest sent", "channel_id", b.channel.ID, "changes", len(b.changes))
	}
}
