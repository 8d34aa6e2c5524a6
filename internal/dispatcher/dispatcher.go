// Package dispatcher routes detected changes to the channels of every
// subscription whose filters match them.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"registry_watch/internal/cache"
	"registry_watch/internal/filter"
	"registry_watch/internal/metrics"
	"registry_watch/internal/model"
	"registry_watch/internal/notify"
)

// destinationWindow is the window of the per-destination send cap.
const destinationWindow = time.Minute

// maxParallelChannels bounds channel fan-out within one subscription.
const maxParallelChannels = 8

// Store records delivery bookkeeping.
type Store interface {
	UpdateLastNotified(ctx context.Context, subscriptionID string) error
	RecordChannelResult(ctx context.Context, channelID string, success bool, at time.Time) error
}

// Options configures optional dispatcher behavior.
type Options struct {
	// Cache backs the per-destination cap. Nil disables the cap.
	Cache cache.Cache
	// DestinationLimit is the maximum sends per channel per minute.
	// Zero disables the cap.
	DestinationLimit int
	Metrics          *metrics.Metrics
}

// Stats summarizes one Dispatch call.
type Stats struct {
	Subscriptions int `json:"subscriptions"`
	Matched       int `json:"matched"`
	Sent          int `json:"sent"`
	Failed        int `json:"failed"`
	RateLimited   int `json:"rate_limited"`
}

func (s *Stats) add(o Stats) {
	s.Sent += o.Sent
	s.Failed += o.Failed
	s.RateLimited += o.RateLimited
}

// Dispatcher delivers changes through registered senders.
type Dispatcher struct {
	senders *notify.Registry
	store   Store
	opts    Options
	log     *slog.Logger
	now     func() time.Time
}

// New creates a Dispatcher.
func New(senders *notify.Registry, store Store, log *slog.Logger, opts Options) *Dispatcher {
	return &Dispatcher{
		senders: senders,
		store:   store,
		opts:    opts,
		log:     log,
		now:     time.Now,
	}
}

// Dispatch sends every change of result matching each active
// subscription. Delivery is attempted once per call; failures are
// logged and counted and never stop other deliveries.
func (d *Dispatcher) Dispatch(ctx context.Context, result *model.DiffResult, subs []model.Subscription) Stats {
	var stats Stats
	if result == nil || result.TotalChanges == 0 {
		return stats
	}

	for i := range subs {
		sub := &subs[i]
		if sub.Status != model.StatusActive {
			continue
		}
		stats.Subscriptions++

		filtered := filter.FilterChanges(result, sub.Filters)
		if filtered.TotalChanges == 0 {
			continue
		}
		stats.Matched++
		stats.add(d.dispatchSubscription(ctx, sub, filtered.All()))

		if err := d.store.UpdateLastNotified(ctx, sub.ID); err != nil {
			d.log.Error("update last notified", "subscription_id", sub.ID, "error", err)
		}
	}

	d.log.Info("dispatch complete",
		"subscriptions", stats.Subscriptions,
		"matched", stats.Matched,
		"sent", stats.Sent,
		"failed", stats.Failed,
		"rate_limited", stats.RateLimited,
	)
	return stats
}

func (d *Dispatcher) dispatchSubscription(ctx context.Context, sub *model.Subscription, changes []*model.Change) Stats {
	var (
		mu    sync.Mutex
		stats Stats
		g     errgroup.Group
	)
	g.SetLimit(maxParallelChannels)

	for _, ch := range sub.Channels {
		if !ch.Enabled {
			continue
		}
		g.Go(func() error {
			s := d.dispatchChannel(ctx, sub, ch, changes)
			mu.Lock()
			stats.add(s)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return stats
}

// dispatchChannel sends changes to ch in order.
func (d *Dispatcher) dispatchChannel(ctx context.Context, sub *model.Subscription, ch model.Channel, changes []*model.Change) Stats {
	var stats Stats
	log := d.log.With("subscription_id", sub.ID, "channel_id", ch.ID, "channel_type", ch.Type)

	sender, ok := d.senders.Get(ch.Type)
	if !ok {
		log.Warn("no sender for channel type")
		for range changes {
			d.record(ctx, ch, false)
		}
		stats.Failed += len(changes)
		return stats
	}

	for _, c := range changes {
		if ctx.Err() != nil {
			return stats
		}
		if d.limited(ctx, ch) {
			log.Warn("destination rate limit reached", "change_id", c.ID, "server", c.ServerName)
			d.opts.Metrics.Notification(ch.Type, metrics.ResultRateLimited)
			stats.RateLimited++
			continue
		}

		if err := sender.Send(ctx, ch, c); err != nil {
			log.Error("send notification", "change_id", c.ID, "server", c.ServerName, "error", err)
			d.record(ctx, ch, false)
			stats.Failed++
			continue
		}
		log.Debug("notification sent", "change_id", c.ID, "server", c.ServerName)
		d.record(ctx, ch, true)
		stats.Sent++
	}
	return stats
}

func (d *Dispatcher) record(ctx context.Context, ch model.Channel, success bool) {
	result := metrics.ResultFailure
	if success {
		result = metrics.ResultSuccess
	}
	d.opts.Metrics.Notification(ch.Type, result)
	if ch.ID == "" {
		return
	}
	if err := d.store.RecordChannelResult(ctx, ch.ID, success, d.now()); err != nil {
		d.log.Error("record channel result", "channel_id", ch.ID, "error", err)
	}
}

// limited reports whether ch is over its per-destination cap. Cache
// failures let the send through.
func (d *Dispatcher) limited(ctx context.Context, ch model.Channel) bool {
	if d.opts.Cache == nil || d.opts.DestinationLimit <= 0 || ch.ID == "" {
		return false
	}
	n, err := d.opts.Cache.IncrementRateLimit(ctx, "dest:"+ch.ID, destinationWindow)
	if err != nil {
		d.log.Warn("destination rate limit check failed", "channel_id", ch.ID, "error", err)
		return false
	}
	return n > int64(d.opts.DestinationLimit)
}
