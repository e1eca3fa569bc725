// Package upstream contains domain types for the governed MCP servers
// gatekeep forwards requests to.
package upstream

import (
	"fmt"
	"net/url"
	"regexp"
	"time"
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9 _-]+$`)

const nameMaxLength = 100

// Upstream is a configured destination UpstreamClient may forward a
// governed request to. Only HTTP destinations are in scope; stdio-bridged
// MCP servers are a non-goal here (forwarding is a single buffered
// request/response, not a long-lived bidirectional stream).
type Upstream struct {
	ID      string
	Name    string
	URL     string
	Enabled bool

	TimeoutSeconds int
	MaxRetries     int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks that the upstream has valid configuration.
func (u *Upstream) Validate() error {
	if u.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(u.Name) > nameMaxLength {
		return fmt.Errorf("name must be %d characters or less", nameMaxLength)
	}
	if !namePattern.MatchString(u.Name) {
		return fmt.Errorf("name contains invalid characters (allowed: alphanumeric, spaces, hyphens, underscores)")
	}
	if u.URL == "" {
		return fmt.Errorf("url is required")
	}
	parsed, err := url.Parse(u.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("url is not a valid URL")
	}
	return nil
}
