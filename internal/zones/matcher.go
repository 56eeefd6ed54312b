// Package zones evaluates glob-based file ownership for a project.
package zones

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/halcyonworks/warden/internal/store"
)

// Access is the outcome of a zone check. Reason is human-readable and
// surfaced in conflict records and escalations.
type Access struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// Matcher answers whether an agent may touch a path under a project's
// zone configuration. Matchers are immutable; build a new one when the
// configuration changes.
type Matcher struct {
	zones         []store.Zone
	defaultPolicy store.ZonePolicy
}

// NewMatcher builds a matcher from a zone configuration. A nil config
// behaves as an empty zone list with the allow default.
func NewMatcher(cfg *store.ZoneConfig) *Matcher {
	if cfg == nil {
		return &Matcher{defaultPolicy: store.PolicyAllow}
	}
	policy := cfg.DefaultPolicy
	if policy == "" {
		policy = store.PolicyAllow
	}
	return &Matcher{zones: cfg.Zones, defaultPolicy: policy}
}

// CheckAccess evaluates path against every zone. Shared zones win over
// exclusivity, then ownership; when no zone matches, the default policy
// decides. Paths are matched with ** crossing separators and * confined
// to one segment.
func (m *Matcher) CheckAccess(path, agentID string) Access {
	matched := m.GetMatchingZones(path)
	if len(matched) == 0 {
		if m.defaultPolicy == store.PolicyDeny {
			return Access{Allowed: false, Reason: "path is unzoned and default policy is deny"}
		}
		return Access{Allowed: true, Reason: "path is unzoned and default policy is allow"}
	}

	for _, z := range matched {
		if z.Shared {
			return Access{Allowed: true, Reason: fmt.Sprintf("file is in a shared zone (%s)", z.Pattern)}
		}
	}
	for _, z := range matched {
		for _, owner := range z.Owners {
			if owner == agentID {
				return Access{Allowed: true, Reason: fmt.Sprintf("agent owns this zone (%s)", z.Pattern)}
			}
		}
	}

	owners := make(map[string]struct{})
	for _, z := range matched {
		for _, o := range z.Owners {
			owners[o] = struct{}{}
		}
	}
	names := make([]string, 0, len(owners))
	for o := range owners {
		names = append(names, o)
	}
	sort.Strings(names)
	return Access{
		Allowed: false,
		Reason:  fmt.Sprintf("path is owned by %s", strings.Join(names, ", ")),
	}
}

// GetMatchingZones returns every zone whose pattern matches path, in
// configuration order. Malformed patterns never match.
func (m *Matcher) GetMatchingZones(path string) []store.Zone {
	var out []store.Zone
	for _, z := range m.zones {
		ok, err := doublestar.Match(z.Pattern, path)
		if err != nil || !ok {
			continue
		}
		out = append(out, z)
	}
	return out
}

// GetAgentZones returns the zones visible to an agent: those it owns
// plus every shared zone.
func (m *Matcher) GetAgentZones(agentID string) []store.Zone {
	var out []store.Zone
	for _, z := range m.zones {
		if z.Shared {
			out = append(out, z)
			continue
		}
		for _, owner := range z.Owners {
			if owner == agentID {
				out = append(out, z)
				break
			}
		}
	}
	return out
}
