// Package subscriptions loads subscriptions declared in a YAML file into
// storage and keeps them in sync with the file.
package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.yaml.in/yaml/v3"

	"registry_watch/internal/filter"
	"registry_watch/internal/model"
)

const debounceDelay = 250 * time.Millisecond

// Source marks subscriptions owned by the file.
const Source = "file"

// File is the on-disk layout.
type File struct {
	Subscriptions []Entry `yaml:"subscriptions"`
}

// Entry declares one subscription.
type Entry struct {
	ID       string                   `yaml:"id"`
	Name     string                   `yaml:"name"`
	Status   model.SubscriptionStatus `yaml:"status"`
	Filters  model.SubscriptionFilter `yaml:"filters"`
	Channels []ChannelEntry           `yaml:"channels"`
}

// ChannelEntry declares one channel of a subscription.
type ChannelEntry struct {
	ID      string            `yaml:"id"`
	Type    model.ChannelType `yaml:"type"`
	Enabled *bool             `yaml:"enabled"`
	Config  map[string]string `yaml:"config"`
}

// ChannelValidator checks channel config.
type ChannelValidator interface {
	Validate(ch model.Channel) error
}

// Store is the persistence the loader writes to.
type Store interface {
	UpsertSubscription(ctx context.Context, sub *model.Subscription) error
	GetSubscription(ctx context.Context, id string) (*model.Subscription, error)
	ListSubscriptionIDs(ctx context.Context, source string) ([]string, error)
}

// Parse decodes and validates data. Any invalid entry rejects the whole
// file.
func Parse(data []byte, v ChannelValidator) ([]model.Subscription, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode subscriptions: %w", err)
	}

	var errs []error
	seen := make(map[string]bool, len(f.Subscriptions))
	subs := make([]model.Subscription, 0, len(f.Subscriptions))
	for i, e := range f.Subscriptions {
		sub, err := e.subscription(v)
		if err == nil && seen[sub.ID] {
			err = fmt.Errorf("duplicate id %q", sub.ID)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("subscription %d: %w", i, err))
			continue
		}
		seen[sub.ID] = true
		subs = append(subs, sub)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return subs, nil
}

func (e Entry) subscription(v ChannelValidator) (model.Subscription, error) {
	if e.ID == "" {
		return model.Subscription{}, errors.New("id is required")
	}
	status := e.Status
	switch status {
	case "":
		status = model.StatusActive
	case model.StatusActive, model.StatusPaused, model.StatusExpired:
	default:
		return model.Subscription{}, fmt.Errorf("%s: unknown status %q", e.ID, status)
	}
	if err := filter.Validate(e.Filters); err != nil {
		return model.Subscription{}, fmt.Errorf("%s: %w", e.ID, err)
	}

	name := e.Name
	if name == "" {
		name = e.ID
	}
	sub := model.Subscription{ID: e.ID, Name: name, Status: status, Filters: e.Filters}
	for i, ce := range e.Channels {
		ch := model.Channel{
			ID:             ce.ID,
			SubscriptionID: e.ID,
			Type:           ce.Type,
			Enabled:        ce.Enabled == nil || *ce.Enabled,
			Config:         ce.Config,
		}
		if ch.ID == "" {
			ch.ID = fmt.Sprintf("%s-%s-%d", e.ID, ce.Type, i)
		}
		if ch.Config == nil {
			ch.Config = map[string]string{}
		}
		if v != nil {
			if err := v.Validate(ch); err != nil {
				return model.Subscription{}, fmt.Errorf("%s: channel %s: %w", e.ID, ch.ID, err)
			}
		}
		sub.Channels = append(sub.Channels, ch)
	}
	return sub, nil
}

// Loader syncs a subscriptions file into storage.
type Loader struct {
	path      string
	store     Store
	validator ChannelValidator
	log       *slog.Logger

	mu sync.Mutex
}

// NewLoader creates a Loader for path.
func NewLoader(path string, store Store, v ChannelValidator, log *slog.Logger) *Loader {
	return &Loader{path: path, store: store, validator: v, log: log}
}

// Load reads the file and upserts every subscription. Stored subscriptions
// that came from the file but are no longer listed are marked expired,
// including those removed while the process was down. It returns the
// number of subscriptions in the file.
func (l *Loader) Load(ctx context.Context) (int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, fmt.Errorf("read subscriptions: %w", err)
	}
	subs, err := Parse(data, l.validator)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	previous, err := l.store.ListSubscriptionIDs(ctx, Source)
	if err != nil {
		return 0, fmt.Errorf("list file subscriptions: %w", err)
	}

	current := make(map[string]bool, len(subs))
	for i := range subs {
		subs[i].Source = Source
		if err := l.store.UpsertSubscription(ctx, &subs[i]); err != nil {
			return 0, fmt.Errorf("store subscription %s: %w", subs[i].ID, err)
		}
		current[subs[i].ID] = true
	}
	for _, id := range previous {
		if current[id] {
			continue
		}
		if err := l.expire(ctx, id); err != nil {
			l.log.Warn("expire removed subscription", "subscription_id", id, "error", err)
			continue
		}
		l.log.Info("subscription removed from file", "subscription_id", id)
	}

	l.log.Info("subscriptions loaded", "path", l.path, "count", len(subs))
	return len(subs), nil
}

func (l *Loader) expire(ctx context.Context, id string) error {
	sub, err := l.store.GetSubscription(ctx, id)
	if err != nil {
		return err
	}
	sub.Status = model.StatusExpired
	return l.store.UpsertSubscription(ctx, sub)
}

// Watch reloads the file whenever it changes until ctx is cancelled.
// Failed reloads are logged and keep the previous state.
func (l *Loader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	dir, file := filepath.Dir(l.path), filepath.Base(l.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounceDelay, func() {
			if ctx.Err() != nil {
				return
			}
			if _, err := l.Load(ctx); err != nil {
				l.log.Error("reload subscriptions", "path", l.path, "error", err)
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				l.log.Debug("subscriptions file changed", "op", ev.Op.String())
				reload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.log.Warn("subscriptions watch error", "error", err)
		}
	}
}
