package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"registry_watch/internal/model"
	"registry_watch/migrations"
)

// Fixed-width layout so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Every connection to :memory: is a separate database.
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveSnapshot stores a snapshot together with its full server map.
func (s *SQLite) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	servers, err := json.Marshal(snap.Servers)
	if err != nil {
		return fmt.Errorf("encode servers: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, taken_at, server_count, hash, servers) VALUES (?, ?, ?, ?, ?)`,
		snap.ID, formatTime(snap.Timestamp), snap.ServerCount, snap.Hash, string(servers),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// GetLatestSnapshot returns the most recently taken snapshot.
func (s *SQLite) GetLatestSnapshot(ctx context.Context) (*model.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, taken_at, server_count, hash, servers FROM snapshots
		 ORDER BY taken_at DESC, rowid DESC LIMIT 1`,
	)
	var snap model.Snapshot
	var takenAt, servers string
	if err := row.Scan(&snap.ID, &takenAt, &snap.ServerCount, &snap.Hash, &servers); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	snap.Timestamp = parseTime(takenAt)
	if err := json.Unmarshal([]byte(servers), &snap.Servers); err != nil {
		return nil, fmt.Errorf("decode servers: %w", err)
	}
	return &snap, nil
}

// SaveChange stores a detected change.
func (s *SQLite) SaveChange(ctx context.Context, c *model.Change) error {
	fields, err := json.Marshal(c.FieldChanges)
	if err != nil {
		return fmt.Errorf("encode field changes: %w", err)
	}
	cur, err := encodeServer(c.Server)
	if err != nil {
		return err
	}
	prev, err := encodeServer(c.PreviousServer)
	if err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO changes (id, server_name, change_type, previous_version, new_version,
		                      field_changes, server, previous_server, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ServerName, string(c.ChangeType), c.PreviousVersion, c.NewVersion,
		string(fields), cur, prev, formatTime(c.DetectedAt),
	)
	if err != nil {
		return fmt.Errorf("insert change: %w", err)
	}
	return nil
}

// GetChangeCountSince counts changes detected at or after since.
func (s *SQLite) GetChangeCountSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM changes WHERE detected_at >= ?`, formatTime(since),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count changes: %w", err)
	}
	return count, nil
}

// ListChangesSince returns up to limit changes detected at or after since,
// newest first.
func (s *SQLite) ListChangesSince(ctx context.Context, since time.Time, limit int) ([]model.Change, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_name, change_type, previous_version, new_version,
		        field_changes, server, previous_server, detected_at
		 FROM changes WHERE detected_at >= ?
		 ORDER BY detected_at DESC, server_name LIMIT ?`,
		formatTime(since), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertSubscription creates or replaces a subscription and its channels.
// Counters of channels that keep their ID are preserved; channels no
// longer listed are removed.
func (s *SQLite) UpsertSubscription(ctx context.Context, sub *model.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.Status == "" {
		sub.Status = model.StatusActive
	}
	filters, err := json.Marshal(sub.Filters)
	if err != nil {
		return fmt.Errorf("encode filters: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(time.Now())
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO subscriptions (id, name, source, filters, status, created_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, source = excluded.source,
		     filters = excluded.filters, status = excluded.status`,
		sub.ID, sub.Name, sub.Source, string(filters), string(sub.Status), now,
	); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}

	keep := make([]any, 0, len(sub.Channels)+1)
	keep = append(keep, sub.ID)
	for i := range sub.Channels {
		ch := &sub.Channels[i]
		if ch.ID == "" {
			ch.ID = uuid.NewString()
		}
		ch.SubscriptionID = sub.ID
		cfg, err := json.Marshal(ch.Config)
		if err != nil {
			return fmt.Errorf("encode channel config: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO channels (id, subscription_id, position, type, config, enabled) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET subscription_id = excluded.subscription_id, position = excluded.position,
			     type = excluded.type, config = excluded.config, enabled = excluded.enabled`,
			ch.ID, sub.ID, i, string(ch.Type), string(cfg), boolToInt(ch.Enabled),
		); err != nil {
			return fmt.Errorf("upsert channel: %w", err)
		}
		keep = append(keep, ch.ID)
	}

	query := `DELETE FROM channels WHERE subscription_id = ?`
	if len(keep) > 1 {
		query += ` AND id NOT IN (` + strings.TrimSuffix(strings.Repeat("?, ", len(keep)-1), ", ") + `)`
	}
	if _, err := tx.ExecContext(ctx, query, keep...); err != nil {
		return fmt.Errorf("delete stale channels: %w", err)
	}

	return tx.Commit()
}

// GetSubscription returns a subscription with its channels.
func (s *SQLite) GetSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, source, filters, status, last_notified, created_at FROM subscriptions WHERE id = ?`, id,
	)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, err
	}
	channels, err := s.listChannels(ctx, `WHERE subscription_id = ?`, id)
	if err != nil {
		return nil, err
	}
	sub.Channels = channels[id]
	return sub, nil
}

// GetActiveSubscriptions returns every active subscription with its channels.
func (s *SQLite) GetActiveSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, source, filters, status, last_notified, created_at
		 FROM subscriptions WHERE status = ? ORDER BY created_at, id`, string(model.StatusActive),
	)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, nil
	}

	channels, err := s.listChannels(ctx,
		`WHERE subscription_id IN (SELECT id FROM subscriptions WHERE status = ?)`, string(model.StatusActive))
	if err != nil {
		return nil, err
	}
	for i := range subs {
		subs[i].Channels = channels[subs[i].ID]
	}
	return subs, nil
}

// ListSubscriptionIDs returns the IDs of non-expired subscriptions created
// by source, sorted.
func (s *SQLite) ListSubscriptionIDs(ctx context.Context, source string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM subscriptions WHERE source = ? AND status != ? ORDER BY id`,
		source, string(model.StatusExpired),
	)
	if err != nil {
		return nil, fmt.Errorf("query subscription ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subscription id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateLastNotified stamps the subscription with the current time.
func (s *SQLite) UpdateLastNotified(ctx context.Context, subscriptionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET last_notified = ? WHERE id = ?`, formatTime(time.Now()), subscriptionID,
	)
	if err != nil {
		return fmt.Errorf("update last notified: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("subscription %s: %w", subscriptionID, ErrNotFound)
	}
	return nil
}

// RecordChannelResult bumps the success or failure counter of a channel.
func (s *SQLite) RecordChannelResult(ctx context.Context, channelID string, success bool, at time.Time) error {
	query := `UPDATE channels SET failure_count = failure_count + 1, last_failure = ? WHERE id = ?`
	if success {
		query = `UPDATE channels SET success_count = success_count + 1, last_success = ? WHERE id = ?`
	}
	if _, err := s.db.ExecContext(ctx, query, formatTime(at), channelID); err != nil {
		return fmt.Errorf("record channel result: %w", err)
	}
	return nil
}

func (s *SQLite) listChannels(ctx context.Context, where string, args ...any) (map[string][]model.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subscription_id, type, config, enabled, success_count, failure_count, last_success, last_failure
		 FROM channels `+where+` ORDER BY subscription_id, position`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[string][]model.Channel{}
	for rows.Next() {
		var ch model.Channel
		var typ, cfg string
		var enabled int
		var lastSuccess, lastFailure sql.NullString
		if err := rows.Scan(&ch.ID, &ch.SubscriptionID, &typ, &cfg, &enabled,
			&ch.SuccessCount, &ch.FailureCount, &lastSuccess, &lastFailure); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		ch.Type = model.ChannelType(typ)
		ch.Enabled = enabled == 1
		if err := json.Unmarshal([]byte(cfg), &ch.Config); err != nil {
			return nil, fmt.Errorf("decode channel config: %w", err)
		}
		ch.LastSuccess = parseNullTime(lastSuccess)
		ch.LastFailure = parseNullTime(lastFailure)
		out[ch.SubscriptionID] = append(out[ch.SubscriptionID], ch)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func encodeServer(s *model.Server) (any, error) {
	if s == nil {
		return nil, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode server: %w", err)
	}
	return string(data), nil
}

func decodeServer(s sql.NullString) (*model.Server, error) {
	if !s.Valid {
		return nil, nil
	}
	var srv model.Server
	if err := json.Unmarshal([]byte(s.String), &srv); err != nil {
		return nil, fmt.Errorf("decode server: %w", err)
	}
	return &srv, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSubscription(row scannable) (*model.Subscription, error) {
	var sub model.Subscription
	var filters, status, created string
	var lastNotified sql.NullString
	if err := row.Scan(&sub.ID, &sub.Name, &sub.Source, &filters, &status, &lastNotified, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	if err := json.Unmarshal([]byte(filters), &sub.Filters); err != nil {
		return nil, fmt.Errorf("decode filters: %w", err)
	}
	sub.Status = model.SubscriptionStatus(status)
	sub.LastNotified = parseNullTime(lastNotified)
	sub.CreatedAt = parseTime(created)
	return &sub, nil
}

func scanChange(row scannable) (model.Change, error) {
	var c model.Change
	var typ, fields, detected string
	var cur, prev sql.NullString
	if err := row.Scan(&c.ID, &c.ServerName, &typ, &c.PreviousVersion, &c.NewVersion,
		&fields, &cur, &prev, &detected); err != nil {
		return c, fmt.Errorf("scan change: %w", err)
	}
	c.ChangeType = model.ChangeType(typ)
	c.DetectedAt = parseTime(detected)
	if err := json.Unmarshal([]byte(fields), &c.FieldChanges); err != nil {
		return c, fmt.Errorf("decode field changes: %w", err)
	}
	var err error
	if c.Server, err = decodeServer(cur); err != nil {
		return c, err
	}
	if c.PreviousServer, err = decodeServer(prev); err != nil {
		return c, err
	}
	return c, nil
}
