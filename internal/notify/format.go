package notify

import (
	"fmt"
	"strings"

	"registry_watch/internal/model"
)

// Embed colors per change type.
const (
	colorNew     = 0x2ECC71
	colorUpdated = 0x3498DB
	colorRemoved = 0xE74C3C
)

func color(t model.ChangeType) int {
	switch t {
	case model.ChangeNew:
		return colorNew
	case model.ChangeRemoved:
		return colorRemoved
	default:
		return colorUpdated
	}
}

// Title returns a one-line headline for change.
func Title(c *model.Change) string {
	switch c.ChangeType {
	case model.ChangeNew:
		return "New server: " + c.ServerName
	case model.ChangeRemoved:
		return "Server removed: " + c.ServerName
	default:
		if c.PreviousVersion != "" && c.NewVersion != "" && c.PreviousVersion != c.NewVersion {
			return fmt.Sprintf("Server updated: %s %s → %s", c.ServerName, c.PreviousVersion, c.NewVersion)
		}
		return "Server updated: " + c.ServerName
	}
}

func description(c *model.Change) string {
	if s := c.Subject(); s != nil {
		return s.Description
	}
	return ""
}

func version(c *model.Change) string {
	if c.NewVersion != "" {
		return c.NewVersion
	}
	return c.PreviousVersion
}

func repositoryURL(c *model.Change) string {
	if s := c.Subject(); s != nil {
		return s.Repository.URL
	}
	return ""
}

// fieldLines renders field changes as "field: old → new" lines.
func fieldLines(c *model.Change) []string {
	lines := make([]string, 0, len(c.FieldChanges))
	for _, fc := range c.FieldChanges {
		lines = append(lines, fmt.Sprintf("%s: %s → %s", fc.Field, orNone(fc.OldValue), orNone(fc.NewValue)))
	}
	return lines
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// FormatText renders change as plain text for email and chat fallbacks.
func FormatText(c *model.Change, link string) string {
	var b strings.Builder
	b.WriteString(Title(c))
	if d := description(c); d != "" {
		b.WriteString("\n\n")
		b.WriteString(d)
	}
	if v := version(c); v != "" {
		fmt.Fprintf(&b, "\n\nVersion: %s", v)
	}
	if r := repositoryURL(c); r != "" {
		fmt.Fprintf(&b, "\nRepository: %s", r)
	}
	if lines := fieldLines(c); len(lines) > 0 {
		b.WriteString("\n\nChanges:\n")
		for _, l := range lines {
			b.WriteString("  ")
			b.WriteString(l)
			b.WriteString("\n")
		}
	}
	if link != "" {
		b.WriteString("\n")
		if len(c.FieldChanges) == 0 {
			b.WriteString("\n")
		}
		b.WriteString(link)
	}
	return strings.TrimRight(b.String(), "\n")
}
