// Package filter implements subscription matching over detected changes.
package filter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"registry_watch/internal/model"
)

// ErrInvalidFilter is returned by Validate for malformed filters.
var ErrInvalidFilter = errors.New("invalid filter")

// FilterChanges returns a new DiffResult holding only the changes that
// match f. The input is left untouched.
func FilterChanges(res *model.DiffResult, f model.SubscriptionFilter) *model.DiffResult {
	if res == nil {
		return &model.DiffResult{}
	}
	out := &model.DiffResult{
		FromSnapshot:   res.FromSnapshot,
		ToSnapshot:     res.ToSnapshot,
		NewServers:     matching(res.NewServers, f),
		UpdatedServers: matching(res.UpdatedServers, f),
		RemovedServers: matching(res.RemovedServers, f),
	}
	out.Recount()
	return out
}

func matching(changes []*model.Change, f model.SubscriptionFilter) []*model.Change {
	var out []*model.Change
	for _, c := range changes {
		if Match(c, f) {
			out = append(out, c)
		}
	}
	return out
}

// Match checks whether a change passes the filter.
// Each dimension uses OR logic across its entries, dimensions combine
// with AND logic, and an empty dimension always passes.
func Match(c *model.Change, f model.SubscriptionFilter) bool {
	if c == nil {
		return false
	}
	if len(f.ChangeTypes) > 0 && !matchChangeType(c.ChangeType, f.ChangeTypes) {
		return false
	}
	if len(f.Namespaces) > 0 && !anyMatch(f.Namespaces, func(p string) bool { return matchNamespace(p, c.ServerName) }) {
		return false
	}
	if len(f.Servers) > 0 && !anyMatch(f.Servers, func(p string) bool { return matchServer(p, c.ServerName) }) {
		return false
	}
	if len(f.Keywords) > 0 {
		text := searchText(c)
		if !anyMatch(f.Keywords, func(k string) bool { return strings.Contains(text, strings.ToLower(k)) }) {
			return false
		}
	}
	return true
}

func anyMatch(entries []string, fn func(string) bool) bool {
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if fn(e) {
			return true
		}
	}
	return false
}

func matchChangeType(t model.ChangeType, types []model.ChangeType) bool {
	for _, want := range types {
		if t == want {
			return true
		}
	}
	return false
}

// matchNamespace matches a namespace pattern against the namespace of
// name. "org", "org/*" and "org/**" all cover "org/server" as well as
// nested namespaces like "org/team/server".
func matchNamespace(pattern, name string) bool {
	pattern = strings.ToLower(pattern)
	p := strings.TrimSuffix(strings.TrimSuffix(pattern, "/**"), "/*")
	ns := strings.ToLower(model.Server{Name: name}.Namespace())

	if p == "*" || p == "**" {
		return true
	}
	if ns == "" {
		return false
	}
	if hasMeta(p) {
		if ok, _ := doublestar.Match(p, ns); ok {
			return true
		}
		ok, _ := doublestar.Match(p+"/**", ns)
		return ok
	}
	return ns == p || strings.HasPrefix(ns, p+"/")
}

func matchServer(pattern, name string) bool {
	pattern, name = strings.ToLower(pattern), strings.ToLower(name)
	if pattern == name {
		return true
	}
	if !hasMeta(pattern) {
		return false
	}
	ok, _ := doublestar.Match(pattern, name)
	return ok
}

func searchText(c *model.Change) string {
	parts := []string{c.ServerName}
	if s := c.Subject(); s != nil {
		parts = append(parts, s.Description)
		parts = append(parts, s.Tools...)
		parts = append(parts, s.Prompts...)
	}
	return strings.ToLower(strings.Join(parts, "\n"))
}

func hasMeta(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}

// Validate checks glob patterns and change types of a filter.
func Validate(f model.SubscriptionFilter) error {
	for _, p := range f.Namespaces {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("%w: namespace pattern %q", ErrInvalidFilter, p)
		}
	}
	for _, p := range f.Servers {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("%w: server pattern %q", ErrInvalidFilter, p)
		}
	}
	for _, t := range f.ChangeTypes {
		if !t.Valid() {
			return fmt.Errorf("%w: change type %q", ErrInvalidFilter, t)
		}
	}
	return nil
}
