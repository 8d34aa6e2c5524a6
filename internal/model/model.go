// Package model defines the domain types used across the application.
package model

import (
	"strings"
	"time"
)

// Repository points at the source repository of a server.
type Repository struct {
	URL    string `json:"url"`
	Source string `json:"source"`
}

// Package is one installable distribution of a server.
type Package struct {
	RegistryType string `json:"registry_type"`
	Name         string `json:"name"`
	Version      string `json:"version"`
	URL          string `json:"url,omitempty"`
}

// Remote is a hosted endpoint of a server.
type Remote struct {
	TransportType string `json:"transport_type"`
	URL           string `json:"url"`
}

// Server is a single registry entry. Name is the identity.
type Server struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Version     string     `json:"version"`
	IsLatest    bool       `json:"is_latest"`
	Repository  Repository `json:"repository"`
	Packages    []Package  `json:"packages,omitempty"`
	Remotes     []Remote   `json:"remotes,omitempty"`
	Tools       []string   `json:"tools,omitempty"`
	Prompts     []string   `json:"prompts,omitempty"`
	Resources   []string   `json:"resources,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Namespace returns the part of the name before the last slash.
func (s Server) Namespace() string {
	i := strings.LastIndex(s.Name, "/")
	if i < 0 {
		return ""
	}
	return s.Name[:i]
}

// Snapshot is an immutable capture of the registry at one poll.
type Snapshot struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	ServerCount int               `json:"server_count"`
	Hash        string            `json:"hash"`
	Servers     map[string]Server `json:"servers"`
}

// ChangeType classifies a detected change.
type ChangeType string

// Supported change types.
const (
	ChangeNew     ChangeType = "new"
	ChangeUpdated ChangeType = "updated"
	ChangeRemoved ChangeType = "removed"
)

// Valid reports whether t is a known change type.
func (t ChangeType) Valid() bool {
	switch t {
	case ChangeNew, ChangeUpdated, ChangeRemoved:
		return true
	}
	return false
}

// FieldChange records the old and new value of one differing field.
type FieldChange struct {
	Field    string `json:"field"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
}

// Change is a single server's transition between two snapshots.
type Change struct {
	ID              string        `json:"id"`
	ServerName      string        `json:"server_name"`
	ChangeType      ChangeType    `json:"change_type"`
	PreviousVersion string        `json:"previous_version,omitempty"`
	NewVersion      string        `json:"new_version,omitempty"`
	FieldChanges    []FieldChange `json:"field_changes,omitempty"`
	Server          *Server       `json:"server,omitempty"`
	PreviousServer  *Server       `json:"previous_server,omitempty"`
	DetectedAt      time.Time     `json:"detected_at"`
}

// Subject returns the current server, or the previous one for removals.
func (c *Change) Subject() *Server {
	if c.Server != nil {
		return c.Server
	}
	return c.PreviousServer
}

// DiffResult aggregates the changes between two snapshots.
type DiffResult struct {
	FromSnapshot   *Snapshot
	ToSnapshot     *Snapshot
	NewServers     []*Change
	UpdatedServers []*Change
	RemovedServers []*Change
	TotalChanges   int
}

// All returns every change, new first, then updated, then removed.
func (d *DiffResult) All() []*Change {
	out := make([]*Change, 0, d.TotalChanges)
	out = append(out, d.NewServers...)
	out = append(out, d.UpdatedServers...)
	out = append(out, d.RemovedServers...)
	return out
}

// Recount sets TotalChanges from the three lists.
func (d *DiffResult) Recount() {
	d.TotalChanges = len(d.NewServers) + len(d.UpdatedServers) + len(d.RemovedServers)
}

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

// Supported subscription statuses.
const (
	StatusActive  SubscriptionStatus = "active"
	StatusPaused  SubscriptionStatus = "paused"
	StatusExpired SubscriptionStatus = "expired"
)

// SubscriptionFilter narrows the changes a subscription receives.
// An empty list places no constraint on its dimension.
type SubscriptionFilter struct {
	Namespaces  []string     `json:"namespaces,omitempty" yaml:"namespaces"`
	Keywords    []string     `json:"keywords,omitempty" yaml:"keywords"`
	Servers     []string     `json:"servers,omitempty" yaml:"servers"`
	ChangeTypes []ChangeType `json:"change_types,omitempty" yaml:"change_types"`
}

// IsEmpty reports whether the filter constrains nothing.
func (f SubscriptionFilter) IsEmpty() bool {
	return len(f.Namespaces) == 0 && len(f.Keywords) == 0 && len(f.Servers) == 0 && len(f.ChangeTypes) == 0
}

// Subscription is a stored filter plus its destination channels.
type Subscription struct {
	ID   string
	Name string
	// Source names what created the subscription, empty for the
	// management API.
	Source       string
	Filters      SubscriptionFilter
	Channels     []Channel
	Status       SubscriptionStatus
	LastNotified *time.Time
	CreatedAt    time.Time
}

// ChannelType identifies a destination kind.
type ChannelType string

// Supported channel types.
const (
	ChannelDiscord  ChannelType = "discord"
	ChannelSlack    ChannelType = "slack"
	ChannelEmail    ChannelType = "email"
	ChannelWebhook  ChannelType = "webhook"
	ChannelTelegram ChannelType = "telegram"
	ChannelTeams    ChannelType = "teams"
)

// Channel is one configured destination of a subscription.
type Channel struct {
	ID             string
	SubscriptionID string
	Type           ChannelType
	Config         map[string]string
	Enabled        bool
	SuccessCount   int64
	FailureCount   int64
	LastSuccess    *time.Time
	LastFailure    *time.Time
}

// Get returns the trimmed config value for key.
func (c Channel) Get(key string) string {
	return strings.TrimSpace(c.Config[key])
}
