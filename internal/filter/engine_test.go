package filter

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"registry_watch/internal/model"
)

func change(name string, t model.ChangeType, desc string, tools ...string) *model.Change {
	s := &model.Server{Name: name, Description: desc, Tools: tools}
	c := &model.Change{ServerName: name, ChangeType: t}
	if t == model.ChangeRemoved {
		c.PreviousServer = s
	} else {
		c.Server = s
	}
	return c
}

func TestMatch(t *testing.T) {
	tests := []struct {
		name   string
		change *model.Change
		filter model.SubscriptionFilter
		want   bool
	}{
		{
			name:   "empty filter matches everything",
			change: change("io.github.acme/db", model.ChangeRemoved, ""),
			want:   true,
		},
		{
			name:   "namespace glob",
			change: change("io.github.acme/db", model.ChangeNew, ""),
			filter: model.SubscriptionFilter{Namespaces: []string{"io.github.acme/*"}},
			want:   true,
		},
		{
			name:   "bare namespace",
			change: change("io.github.acme/db", model.ChangeNew, ""),
			filter: model.SubscriptionFilter{Namespaces: []string{"io.github.acme"}},
			want:   true,
		},
		{
			name:   "namespace must be a prefix on a segment boundary",
			change: change("io.github.acmecorp/db", model.ChangeNew, ""),
			filter: model.SubscriptionFilter{Namespaces: []string{"io.github.acme"}},
			want:   false,
		},
		{
			name:   "nested namespace",
			change: change("io.github.acme/team/db", model.ChangeNew, ""),
			filter: model.SubscriptionFilter{Namespaces: []string{"io.github.acme/*"}},
			want:   true,
		},
		{
			name:   "wildcard namespace segment",
			change: change("io.github.acme/db", model.ChangeNew, ""),
			filter: model.SubscriptionFilter{Namespaces: []string{"io.github.*"}},
			want:   true,
		},
		{
			name:   "namespace OR across entries",
			change: change("com.example/db", model.ChangeNew, ""),
			filter: model.SubscriptionFilter{Namespaces: []string{"io.github.acme/*", "com.example"}},
			want:   true,
		},
		{
			name:   "server without namespace",
			change: change("standalone", model.ChangeNew, ""),
			filter: model.SubscriptionFilter{Namespaces: []string{"io.github.acme"}},
			want:   false,
		},
		{
			name:   "server exact",
			change: change("io.github.acme/db", model.ChangeNew, ""),
			filter: model.SubscriptionFilter{Servers: []string{"io.github.acme/db"}},
			want:   true,
		},
		{
			name:   "server glob",
			change: change("io.github.acme/db-postgres", model.ChangeNew, ""),
			filter: model.SubscriptionFilter{Servers: []string{"io.github.acme/db-*"}},
			want:   true,
		},
		{
			name:   "server no match",
			change: change("io.github.acme/cache", model.ChangeNew, ""),
			filter: model.SubscriptionFilter{Servers: []string{"io.github.acme/db"}},
			want:   false,
		},
		{
			name:   "keyword in description is case insensitive",
			change: change("io.github.acme/x", model.ChangeNew, "Postgres MCP server"),
			filter: model.SubscriptionFilter{Keywords: []string{"postgres"}},
			want:   true,
		},
		{
			name:   "keyword in tool name",
			change: change("io.github.acme/x", model.ChangeUpdated, "", "web_search"),
			filter: model.SubscriptionFilter{Keywords: []string{"SEARCH"}},
			want:   true,
		},
		{
			name:   "keyword matched on previous server of a removal",
			change: change("io.github.acme/x", model.ChangeRemoved, "vector store"),
			filter: model.SubscriptionFilter{Keywords: []string{"vector"}},
			want:   true,
		},
		{
			name:   "change type mismatch",
			change: change("io.github.acme/x", model.ChangeRemoved, ""),
			filter: model.SubscriptionFilter{ChangeTypes: []model.ChangeType{model.ChangeNew, model.ChangeUpdated}},
			want:   false,
		},
		{
			name:   "dimensions combine with AND",
			change: change("io.github.acme/x", model.ChangeNew, "ai tools"),
			filter: model.SubscriptionFilter{
				Namespaces: []string{"io.github.other"},
				Keywords:   []string{"ai"},
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Match(tt.change, tt.filter)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Match mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestKeywordAndChangeTypeSemantics(t *testing.T) {
	f := model.SubscriptionFilter{
		Keywords:    []string{"ai", "ml"},
		ChangeTypes: []model.ChangeType{model.ChangeNew},
	}

	tests := []struct {
		name   string
		change *model.Change
		want   bool
	}{
		{"new with ai in name", change("io.github.x/openai-bridge", model.ChangeNew, ""), true},
		{"new with ml in description", change("io.github.x/kit", model.ChangeNew, "An ML toolkit"), true},
		{"new without keyword", change("io.github.x/kit", model.ChangeNew, "files"), false},
		{"updated with keyword", change("io.github.x/ai", model.ChangeUpdated, "ai"), false},
		{"removed with keyword", change("io.github.x/ml", model.ChangeRemoved, "ml"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Match(tt.change, f); got != tt.want {
				t.Errorf("Match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilterChangesDoesNotMutate(t *testing.T) {
	res := &model.DiffResult{
		NewServers:     []*model.Change{change("a/one", model.ChangeNew, ""), change("b/two", model.ChangeNew, "")},
		UpdatedServers: []*model.Change{change("a/three", model.ChangeUpdated, "")},
		RemovedServers: []*model.Change{change("b/four", model.ChangeRemoved, "")},
	}
	res.Recount()

	got := FilterChanges(res, model.SubscriptionFilter{Namespaces: []string{"a"}})

	if diff := cmp.Diff(2, got.TotalChanges); diff != "" {
		t.Errorf("filtered total mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(4, res.TotalChanges); diff != "" {
		t.Errorf("input total changed (-want +got):\n%s", diff)
	}
	if len(res.NewServers) != 2 || len(res.RemovedServers) != 1 {
		t.Error("input lists were modified")
	}
	if len(got.RemovedServers) != 0 {
		t.Errorf("removed = %d, want 0", len(got.RemovedServers))
	}

	all := FilterChanges(res, model.SubscriptionFilter{})
	if all.TotalChanges != 4 {
		t.Errorf("empty filter total = %d, want 4", all.TotalChanges)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		filter  model.SubscriptionFilter
		wantErr bool
	}{
		{"empty", model.SubscriptionFilter{}, false},
		{"valid globs", model.SubscriptionFilter{Namespaces: []string{"io.github.*"}, Servers: []string{"a/{b,c}"}}, false},
		{"bad namespace glob", model.SubscriptionFilter{Namespaces: []string{"io.[github"}}, true},
		{"bad server glob", model.SubscriptionFilter{Servers: []string{"a/{b"}}, true},
		{"unknown change type", model.SubscriptionFilter{ChangeTypes: []model.ChangeType{"deleted"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.filter)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidFilter) {
				t.Errorf("error %v does not wrap ErrInvalidFilter", err)
			}
		})
	}
}
