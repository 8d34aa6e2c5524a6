// Package diff builds registry snapshots and compares them.
package diff

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/mod/semver"

	"registry_watch/internal/model"
)

// Meaningful fields in the order they are compared and reported.
const (
	FieldVersion          = "version"
	FieldDescription      = "description"
	FieldRepositoryURL    = "repository.url"
	FieldRepositorySource = "repository.source"
	FieldPackages         = "packages"
	FieldRemotes          = "remotes"
	FieldTools            = "tools"
	FieldPrompts          = "prompts"
	FieldResources        = "resources"
)

// field is one meaningful server field. Scalar fields set value, list
// fields set list.
type field struct {
	name  string
	value func(model.Server) string
	list  func(model.Server) []string
}

var fields = []field{
	{name: FieldVersion, value: func(s model.Server) string { return s.Version }},
	{name: FieldDescription, value: func(s model.Server) string { return s.Description }},
	{name: FieldRepositoryURL, value: func(s model.Server) string { return s.Repository.URL }},
	{name: FieldRepositorySource, value: func(s model.Server) string { return s.Repository.Source }},
	{name: FieldPackages, list: packageList},
	{name: FieldRemotes, list: remoteList},
	{name: FieldTools, list: func(s model.Server) []string { return s.Tools }},
	{name: FieldPrompts, list: func(s model.Server) []string { return s.Prompts }},
	{name: FieldResources, list: func(s model.Server) []string { return s.Resources }},
}

// canonical is the comparison form of f. Lists are encoded as sorted JSON
// arrays so that element boundaries survive.
func (f field) canonical(s model.Server) string {
	if f.list == nil {
		return f.value(s)
	}
	items := sorted(f.list(s))
	if len(items) == 0 {
		return ""
	}
	data, _ := json.Marshal(items)
	return string(data)
}

// display is the human readable form of f used in field changes.
func (f field) display(s model.Server) string {
	if f.list == nil {
		return f.value(s)
	}
	return strings.Join(sorted(f.list(s)), ", ")
}

// CreateSnapshot captures servers as a new snapshot. The hash and the
// server map depend only on the input set, not on its order. When a name
// appears more than once the preferred entry wins, see preferred.
func CreateSnapshot(servers []model.Server) *model.Snapshot {
	byName := make(map[string]model.Server, len(servers))
	for _, s := range servers {
		if s.Name == "" {
			continue
		}
		if prev, ok := byName[s.Name]; ok && !preferred(s, prev) {
			continue
		}
		byName[s.Name] = s
	}

	return &model.Snapshot{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		ServerCount: len(byName),
		Hash:        Hash(byName),
		Servers:     byName,
	}
}

// preferred reports whether a should replace b as the entry for their
// shared name. It is a total order over server content: latest flag,
// then update time, then semantic version, then creation time, then the
// canonical field encoding.
func preferred(a, b model.Server) bool {
	if a.IsLatest != b.IsLatest {
		return a.IsLatest
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	if c := semver.Compare("v"+a.Version, "v"+b.Version); c != 0 {
		return c > 0
	}
	if a.Version != b.Version {
		return a.Version > b.Version
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	for _, f := range fields {
		if x, y := f.canonical(a), f.canonical(b); x != y {
			return x > y
		}
	}
	return false
}

// Hash returns a digest over every server identity, version and
// meaningful field. Two server sets hash equally iff Compare would find
// no changes between them.
func Hash(servers map[string]model.Server) string {
	h := sha256.New()
	write := func(v string) {
		var n [binary.MaxVarintLen64]byte
		h.Write(n[:binary.PutUvarint(n[:], uint64(len(v)))])
		h.Write([]byte(v))
	}
	for _, name := range sortedNames(servers) {
		s := servers[name]
		write(name)
		for _, f := range fields {
			write(f.canonical(s))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HasChanges reports whether next differs from prev. A nil prev always
// differs.
func HasChanges(prev, next *model.Snapshot) bool {
	if prev == nil || next == nil {
		return prev != next
	}
	return prev.Hash != next.Hash
}

// Compare classifies every server that differs between prev and next.
// Output lists are sorted by server name and change IDs are derived from
// the target snapshot, so equal inputs give equal results.
func Compare(prev, next *model.Snapshot) *model.DiffResult {
	res := &model.DiffResult{FromSnapshot: prev, ToSnapshot: next}

	prevServers := serversOf(prev)
	nextServers := serversOf(next)

	var detectedAt time.Time
	var toID string
	if next != nil {
		detectedAt = next.Timestamp
		toID = next.ID
	}

	for _, name := range sortedNames(nextServers) {
		cur := nextServers[name]
		old, existed := prevServers[name]
		if !existed {
			s := cur
			res.NewServers = append(res.NewServers, &model.Change{
				ID:         changeID(toID, name, model.ChangeNew),
				ServerName: name,
				ChangeType: model.ChangeNew,
				NewVersion: cur.Version,
				Server:     &s,
				DetectedAt: detectedAt,
			})
			continue
		}

		fc := FieldChanges(old, cur)
		if len(fc) == 0 {
			continue
		}
		s, p := cur, old
		res.UpdatedServers = append(res.UpdatedServers, &model.Change{
			ID:              changeID(toID, name, model.ChangeUpdated),
			ServerName:      name,
			ChangeType:      model.ChangeUpdated,
			PreviousVersion: old.Version,
			NewVersion:      cur.Version,
			FieldChanges:    fc,
			Server:          &s,
			PreviousServer:  &p,
			DetectedAt:      detectedAt,
		})
	}

	for _, name := range sortedNames(prevServers) {
		if _, ok := nextServers[name]; ok {
			continue
		}
		p := prevServers[name]
		res.RemovedServers = append(res.RemovedServers, &model.Change{
			ID:              changeID(toID, name, model.ChangeRemoved),
			ServerName:      name,
			ChangeType:      model.ChangeRemoved,
			PreviousVersion: p.Version,
			PreviousServer:  &p,
			DetectedAt:      detectedAt,
		})
	}

	res.Recount()
	return res
}

// FieldChanges lists the meaningful fields that differ between old and
// cur. Bookkeeping fields such as timestamps are ignored, and list fields
// compare without regard to order.
func FieldChanges(old, cur model.Server) []model.FieldChange {
	var out []model.FieldChange
	for _, f := range fields {
		if f.canonical(old) == f.canonical(cur) {
			continue
		}
		out = append(out, model.FieldChange{Field: f.name, OldValue: f.display(old), NewValue: f.display(cur)})
	}
	return out
}

func changeID(snapshotID, name string, t model.ChangeType) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(snapshotID+"|"+name+"|"+string(t))).String()
}

func serversOf(s *model.Snapshot) map[string]model.Server {
	if s == nil {
		return nil
	}
	return s.Servers
}

func sortedNames(m map[string]model.Server) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func packageList(s model.Server) []string {
	parts := make([]string, 0, len(s.Packages))
	for _, p := range s.Packages {
		v := p.RegistryType + ":" + p.Name
		if p.Version != "" {
			v += "@" + p.Version
		}
		if p.URL != "" {
			v += " " + p.URL
		}
		parts = append(parts, v)
	}
	return parts
}

func remoteList(s model.Server) []string {
	parts := make([]string, 0, len(s.Remotes))
	for _, r := range s.Remotes {
		parts = append(parts, r.TransportType+" "+r.URL)
	}
	return parts
}

func sorted(in []string) []string {
	cp := make([]string, len(in))
	copy(cp, in)
	sort.Strings(cp)
	return cp
}
