// Package registry fetches the server list from an MCP registry.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	v0 "github.com/modelcontextprotocol/registry/pkg/api/v0"
	upstream "github.com/modelcontextprotocol/registry/pkg/model"

	"registry_watch/internal/model"
)

const (
	defaultPageSize = 100
	maxServers      = 10000
	maxPageBytes    = 10 << 20
	userAgent       = "registry-watch/1.0"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Lister returns the full current server list.
type Lister interface {
	ListServers(ctx context.Context) ([]model.Server, error)
}

// HTTPError is returned for non-200 registry responses.
type HTTPError struct {
	StatusCode int
	URL        string
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for URL %s: %s", e.StatusCode, e.URL, e.Message)
}

// Client talks to the registry v0 API.
type Client struct {
	baseURL  string
	client   HTTPClient
	pageSize int
}

// New creates a Client for the registry at baseURL.
func New(baseURL string, client HTTPClient) *Client {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
		pageSize: defaultPageSize,
	}
}

// BaseURL returns the registry base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ListServers retrieves the latest version of every server, following
// pagination cursors until the registry reports no further page.
func (c *Client) ListServers(ctx context.Context) ([]model.Server, error) {
	var all []model.Server
	cursor := ""
	for {
		servers, next, err := c.fetchPage(ctx, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, servers...)
		if next == "" || next == cursor {
			break
		}
		cursor = next
		if len(all) > maxServers {
			return nil, fmt.Errorf("exceeded maximum server limit (%d)", maxServers)
		}
	}
	return all, nil
}

// officialMeta is the registry-managed part of a list entry's _meta.
type officialMeta struct {
	Meta struct {
		Official *struct {
			IsLatest    bool      `json:"isLatest"`
			PublishedAt time.Time `json:"publishedAt"`
			UpdatedAt   time.Time `json:"updatedAt"`
		} `json:"io.modelcontextprotocol.registry/official"`
	} `json:"_meta"`
}

// pageMeta holds the parts of a list page read outside the upstream types.
type pageMeta struct {
	Servers  []officialMeta `json:"servers"`
	Metadata struct {
		NextCursor       string `json:"nextCursor"`
		LegacyNextCursor string `json:"next_cursor"`
	} `json:"metadata"`
}

func (p pageMeta) nextCursor() string {
	if p.Metadata.NextCursor != "" {
		return p.Metadata.NextCursor
	}
	return p.Metadata.LegacyNextCursor
}

func (c *Client) fetchPage(ctx context.Context, cursor string) ([]model.Server, string, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(c.pageSize))
	params.Set("version", "latest")
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	endpoint := c.baseURL + "/v0/servers?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch servers: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := string(body)
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, "", &HTTPError{StatusCode: resp.StatusCode, URL: endpoint, Message: msg}
	}

	var list v0.ServerListResponse
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, "", fmt.Errorf("decode list response: %w", err)
	}
	var page pageMeta
	_ = json.Unmarshal(body, &page)

	servers := make([]model.Server, 0, len(list.Servers))
	for i := range list.Servers {
		s := convert(&list.Servers[i].Server)
		s.IsLatest = true
		if i < len(page.Servers) {
			if off := page.Servers[i].Meta.Official; off != nil {
				s.IsLatest = off.IsLatest
				s.CreatedAt = off.PublishedAt
				s.UpdatedAt = off.UpdatedAt
			}
		}
		servers = append(servers, s)
	}
	return servers, page.nextCursor(), nil
}

func convert(in *v0.ServerJSON) model.Server {
	out := model.Server{
		Name:        string(in.Name),
		Description: string(in.Description),
		Version:     string(in.Version),
	}
	if in.Repository != nil {
		out.Repository = model.Repository{URL: string(in.Repository.URL), Source: string(in.Repository.Source)}
	}
	for _, p := range in.Packages {
		out.Packages = append(out.Packages, convertPackage(p))
	}
	for _, r := range in.Remotes {
		out.Remotes = append(out.Remotes, model.Remote{TransportType: string(r.Type), URL: string(r.URL)})
	}
	if in.Meta != nil {
		out.Tools = extensionNames(in.Meta.PublisherProvided, "tools")
		out.Prompts = extensionNames(in.Meta.PublisherProvided, "prompts")
		out.Resources = extensionNames(in.Meta.PublisherProvided, "resources")
	}
	return out
}

func convertPackage(p upstream.Package) model.Package {
	typ := string(p.RegistryType)
	return model.Package{
		RegistryType: typ,
		Name:         string(p.Identifier),
		Version:      string(p.Version),
		URL:          packageURL(typ, string(p.Identifier)),
	}
}

func packageURL(registryType, identifier string) string {
	switch registryType {
	case "npm":
		return "https://www.npmjs.com/package/" + identifier
	case "pypi":
		return "https://pypi.org/project/" + identifier
	case "nuget":
		return "https://www.nuget.org/packages/" + identifier
	case "oci", "docker":
		return identifier
	}
	return ""
}

// extensionNames collects names listed under key in publisher-provided
// metadata, searching one level of vendor namespaces as well. Entries may
// be plain strings or objects with a "name" field.
func extensionNames(ext map[string]interface{}, key string) []string {
	if len(ext) == 0 {
		return nil
	}
	seen := map[string]bool{}
	collect := func(v interface{}) {
		items, ok := v.([]interface{})
		if !ok {
			return
		}
		for _, it := range items {
			switch x := it.(type) {
			case string:
				seen[x] = true
			case map[string]interface{}:
				if n, ok := x["name"].(string); ok && n != "" {
					seen[n] = true
				}
			}
		}
	}

	collect(ext[key])
	for _, v := range ext {
		if nested, ok := v.(map[string]interface{}); ok {
			collect(nested[key])
		}
	}
	if len(seen) == 0 {
		return nil
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ServerURL returns the canonical lookup URL of a server.
func ServerURL(baseURL, name string) string {
	return strings.TrimRight(baseURL, "/") + "/v0/servers/" + url.PathEscape(name)
}
