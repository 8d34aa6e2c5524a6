// Package poller drives the periodic registry detection cycle.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"registry_watch/internal/cache"
	"registry_watch/internal/diff"
	"registry_watch/internal/dispatcher"
	"registry_watch/internal/metrics"
	"registry_watch/internal/model"
	"registry_watch/internal/registry"
	"registry_watch/internal/storage"
)

const lockKey = "poller:lock"

// Store is the persistence the poller needs.
type Store interface {
	SaveSnapshot(ctx context.Context, snap *model.Snapshot) error
	GetLatestSnapshot(ctx context.Context) (*model.Snapshot, error)
	SaveChange(ctx context.Context, change *model.Change) error
	GetActiveSubscriptions(ctx context.Context) ([]model.Subscription, error)
}

// Dispatcher hands changes to subscribers.
type Dispatcher interface {
	Dispatch(ctx context.Context, result *model.DiffResult, subs []model.Subscription) dispatcher.Stats
}

// Options tunes the poller.
type Options struct {
	Interval time.Duration
	// LockTTL enables the cross-instance cycle lock when positive.
	LockTTL     time.Duration
	SnapshotTTL time.Duration
	InstanceID  string
	Metrics     *metrics.Metrics
}

// Status is a point-in-time view of the poller.
type Status struct {
	LastPollAt   *time.Time `json:"last_poll_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	LastChanges  int        `json:"last_changes"`
	Cycles       int64      `json:"cycles"`
	Skipped      int64      `json:"skipped"`
	SnapshotID   string     `json:"snapshot_id,omitempty"`
	SnapshotHash string     `json:"snapshot_hash,omitempty"`
	ServerCount  int        `json:"server_count"`
}

// Poller fetches the registry, diffs it against the last known snapshot
// and dispatches the changes.
type Poller struct {
	registry registry.Lister
	store    Store
	cache    cache.Cache
	dispatch Dispatcher
	log      *slog.Logger
	opts     Options

	mu     sync.RWMutex
	last   *model.Snapshot
	status Status
}

// New creates a Poller. c may be nil.
func New(reg registry.Lister, store Store, c cache.Cache, d Dispatcher, log *slog.Logger, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = 24 * time.Hour
	}
	return &Poller{
		registry: reg,
		store:    store,
		cache:    c,
		dispatch: d,
		log:      log,
		opts:     opts,
	}
}

// Run polls once immediately and then on every interval until ctx is
// cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.poll(ctx)

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
		p.log.Error("poll cycle", "error", err)
	}
}

// LastSnapshot returns the last known snapshot, or nil before the first
// successful cycle.
func (p *Poller) LastSnapshot() *model.Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

// Status reports the outcome of recent cycles.
func (p *Poller) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Poll runs a single cycle. It returns a nil result when the cycle was
// skipped by the lock or established a first baseline.
func (p *Poller) Poll(ctx context.Context) (*model.DiffResult, error) {
	start := time.Now()

	if !p.acquire(ctx) {
		p.log.Debug("poll skipped, lock held by another instance")
		p.mu.Lock()
		p.status.Skipped++
		p.mu.Unlock()
		p.opts.Metrics.ObservePoll(metrics.ResultSkipped, time.Since(start))
		return nil, nil
	}

	servers, err := p.registry.ListServers(ctx)
	if err != nil {
		err = fmt.Errorf("list servers: %w", err)
		p.finish(start, nil, 0, err)
		return nil, err
	}

	next := diff.CreateSnapshot(servers)
	p.opts.Metrics.SetSnapshotServers(next.ServerCount)

	prev := p.baseline(ctx)
	if prev == nil {
		p.log.Info("baseline established", "snapshot_id", next.ID, "servers", next.ServerCount)
		p.persistSnapshot(ctx, next)
		p.finish(start, next, 0, nil)
		return nil, nil
	}

	if !diff.HasChanges(prev, next) {
		p.log.Debug("no changes", "hash", next.Hash, "servers", next.ServerCount)
		p.touchSnapshot(ctx, next)
		p.finish(start, next, 0, nil)
		return &model.DiffResult{FromSnapshot: prev, ToSnapshot: next}, nil
	}

	result := diff.Compare(prev, next)
	p.log.Info("changes detected",
		"new", len(result.NewServers),
		"updated", len(result.UpdatedServers),
		"removed", len(result.RemovedServers),
	)
	p.opts.Metrics.AddChanges(result)

	p.persistSnapshot(ctx, next)
	for _, c := range result.All() {
		if err := p.store.SaveChange(ctx, c); err != nil {
			p.log.Error("save change", "change_id", c.ID, "server", c.ServerName, "error", err)
		}
	}
	p.finish(start, next, result.TotalChanges, nil)

	if result.TotalChanges > 0 {
		subs, err := p.store.GetActiveSubscriptions(ctx)
		if err != nil {
			p.log.Error("load subscriptions", "error", err)
			return result, nil
		}
		p.dispatch.Dispatch(ctx, result, subs)
	}
	return result, nil
}

func (p *Poller) acquire(ctx context.Context) bool {
	if p.cache == nil || p.opts.LockTTL <= 0 {
		return true
	}
	ok, err := p.cache.SetWithNX(ctx, lockKey, []byte(p.opts.InstanceID), p.opts.LockTTL)
	if err != nil {
		p.log.Warn("acquire poll lock", "error", err)
		return true
	}
	if ok {
		return true
	}
	owner, err := p.cache.Get(ctx, lockKey)
	if err != nil {
		return false
	}
	return string(owner) == p.opts.InstanceID
}

// shared reports whether several instances coordinate through the cache.
// The cached snapshot is then the only baseline every lock holder agrees on.
func (p *Poller) shared() bool {
	return p.cache != nil && p.opts.LockTTL > 0
}

// baseline resolves the previous snapshot from memory, then the cache,
// then durable storage. Instances sharing the lock consult the cache first,
// since their own last snapshot may predate cycles run elsewhere.
func (p *Poller) baseline(ctx context.Context) *model.Snapshot {
	if p.shared() {
		if snap := p.cachedSnapshot(ctx); snap != nil {
			return snap
		}
	}
	if prev := p.LastSnapshot(); prev != nil {
		return prev
	}
	if !p.shared() && p.cache != nil {
		if snap := p.cachedSnapshot(ctx); snap != nil {
			return snap
		}
	}
	snap, err := p.store.GetLatestSnapshot(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			p.log.Error("load latest snapshot", "error", err)
		}
		return nil
	}
	p.log.Debug("baseline from storage", "snapshot_id", snap.ID)
	return snap
}

func (p *Poller) cachedSnapshot(ctx context.Context) *model.Snapshot {
	snap, err := cache.GetCachedSnapshot(ctx, p.cache)
	if err != nil {
		p.log.Warn("read cached snapshot", "error", err)
	}
	if snap != nil {
		p.log.Debug("baseline from cache", "snapshot_id", snap.ID)
	}
	return snap
}

// touchSnapshot keeps the cached baseline alive across idle cycles, and
// restores it when it has expired.
func (p *Poller) touchSnapshot(ctx context.Context, snap *model.Snapshot) {
	if p.cache == nil {
		return
	}
	ok, err := cache.TouchCachedSnapshot(ctx, p.cache, p.opts.SnapshotTTL)
	if err != nil {
		p.log.Warn("refresh cached snapshot", "error", err)
		return
	}
	if ok {
		return
	}
	if err := cache.SetCachedSnapshot(ctx, p.cache, snap, p.opts.SnapshotTTL); err != nil {
		p.log.Warn("cache snapshot", "snapshot_id", snap.ID, "error", err)
	}
}

func (p *Poller) persistSnapshot(ctx context.Context, snap *model.Snapshot) {
	if err := p.store.SaveSnapshot(ctx, snap); err != nil {
		p.log.Error("save snapshot", "snapshot_id", snap.ID, "error", err)
	}
	if p.cache != nil {
		if err := cache.SetCachedSnapshot(ctx, p.cache, snap, p.opts.SnapshotTTL); err != nil {
			p.log.Warn("cache snapshot", "snapshot_id", snap.ID, "error", err)
		}
	}
}

// finish records the cycle outcome. A non-nil snap becomes the new last
// known snapshot.
func (p *Poller) finish(start time.Time, snap *model.Snapshot, changes int, err error) {
	now := time.Now().UTC()
	result := metrics.ResultSuccess

	p.mu.Lock()
	p.status.Cycles++
	p.status.LastPollAt = &now
	p.status.LastChanges = changes
	p.status.LastError = ""
	if err != nil {
		p.status.LastError = err.Error()
		result = metrics.ResultFailure
	}
	if snap != nil {
		p.last = snap
		p.status.SnapshotID = snap.ID
		p.status.SnapshotHash = snap.Hash
		p.status.ServerCount = snap.ServerCount
	}
	p.mu.Unlock()

	p.opts.Metrics.ObservePoll(result, time.Since(start))
}
