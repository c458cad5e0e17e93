// Package capabilities implements the bounded CapabilityProvider described
// in spec.md §4.13: it reports which configured agent providers/models are
// available to the browser extension. It is deliberately NOT a CLI
// discovery engine (spec.md Non-goals) — it reports only the providers that
// internal/common/config.AgentConfig lists, checking on each snapshot
// whether each one's binary can be found.
package capabilities

import (
	"os"
	"os/exec"

	"github.com/popmelt/core-sub002/internal/common/config"
)

// ProviderInfo describes one configured agent provider's availability as
// `{available, path}`. No MCP information is reported.
type ProviderInfo struct {
	Available bool   `json:"available"`
	Path      string `json:"path,omitempty"`
}

// Snapshot is the /capabilities response body: provider name to its info.
type Snapshot struct {
	Providers map[string]ProviderInfo `json:"providers"`
}

// Provider reports the statically configured capability snapshot. It stats
// each configured binary path (or resolves the bare CLI name on $PATH) to
// decide availability, rather than running any discovery of its own
// (SPEC_FULL.md §4.13 — CLI auto-discovery is explicitly out of scope).
type Provider struct {
	agent config.AgentConfig
}

// New builds a Provider from the agent section of the loaded config.
func New(agent config.AgentConfig) *Provider {
	return &Provider{agent: agent}
}

// Snapshot returns the current capability set.
func (p *Provider) Snapshot() Snapshot {
	providers := make(map[string]ProviderInfo, len(p.agent.Providers))
	for name, pc := range p.agent.Providers {
		providers[name] = ProviderInfo{
			Available: resolvable(pc.Path, name),
			Path:      pc.Path,
		}
	}
	return Snapshot{Providers: providers}
}

// resolvable reports whether path exists on disk, or (if unset) whether
// fallback resolves on $PATH.
func resolvable(path, fallback string) bool {
	if path != "" {
		_, err := os.Stat(path)
		return err == nil
	}
	_, err := exec.LookPath(fallback)
	return err == nil
}
