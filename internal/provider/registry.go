// Package provider selects the CI platform adapter for a project.
package provider

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/waabox/cilens/internal/domain"
)

// ErrNoProvider is returned when no registered provider matches.
var ErrNoProvider = errors.New("no provider registered")

// Registry maps git remote hosts to PipelineProvider implementations.
type Registry struct {
	entries []entry
}

type entry struct {
	host     string
	provider domain.PipelineProvider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register associates a host (e.g., "github.com") with a provider.
// Registering the same provider under several hosts is allowed.
func (r *Registry) Register(host string, p domain.PipelineProvider) {
	r.entries = append(r.entries, entry{host: strings.ToLower(host), provider: p})
}

// Detect returns the provider whose host matches the given remote URL.
// SSH remotes ("git@host:group/repo.git") and HTTPS remotes are both understood.
func (r *Registry) Detect(remoteURL string) (domain.PipelineProvider, error) {
	host := remoteHost(remoteURL)
	for _, e := range r.entries {
		if host == e.host {
			return e.provider, nil
		}
	}
	return nil, fmt.Errorf("remote %s: %w", remoteURL, ErrNoProvider)
}

// ByName returns the registered provider with the given Name().
func (r *Registry) ByName(name string) (domain.PipelineProvider, error) {
	for _, e := range r.entries {
		if e.provider.Name() == name {
			return e.provider, nil
		}
	}
	return nil, fmt.Errorf("provider %q: %w", name, ErrNoProvider)
}

func remoteHost(remoteURL string) string {
	if strings.HasPrefix(remoteURL, "git@") {
		rest := strings.TrimPrefix(remoteURL, "git@")
		if i := strings.Index(rest, ":"); i >= 0 {
			rest = rest[:i]
		}
		return strings.ToLower(rest)
	}
	u, err := url.Parse(remoteURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
