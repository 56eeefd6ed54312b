// Package scoring matches agents to tasks by capability overlap.
package scoring

import (
	"sort"
	"strings"

	"github.com/halcyonworks/warden/internal/store"
)

// Score is a capability-match breakdown for one agent.
type Score struct {
	AgentID string   `json:"agent_id"`
	Value   float64  `json:"value"`
	Matched []string `json:"matched"`
	Missing []string `json:"missing"`
}

// Options tunes FindBestAgent. MinScore is exclusive: candidates must
// score strictly above it.
type Options struct {
	ExcludeIDs []string
	MinScore   float64
}

// ScoreCapabilityMatch computes |matched| / |required| by set
// intersection. An empty requirement is a vacuous perfect match.
func ScoreCapabilityMatch(agent *store.AgentProfile, required []string) Score {
	s := Score{AgentID: agent.ID, Matched: []string{}, Missing: []string{}}
	if len(required) == 0 {
		s.Value = 1
		return s
	}

	have := make(map[string]struct{}, len(agent.Capabilities))
	for _, c := range agent.Capabilities {
		have[c] = struct{}{}
	}
	seen := make(map[string]struct{}, len(required))
	total := 0
	for _, req := range required {
		if _, dup := seen[req]; dup {
			continue
		}
		seen[req] = struct{}{}
		total++
		if _, ok := have[req]; ok {
			s.Matched = append(s.Matched, req)
		} else {
			s.Missing = append(s.Missing, req)
		}
	}
	s.Value = float64(len(s.Matched)) / float64(total)
	return s
}

// FindBestAgent picks the assignable agent with the best capability
// score. Offline and blocked agents and explicit exclusions never
// qualify; among equal scores the cheaper agent wins. Returns nil when
// nobody scores above MinScore.
func FindBestAgent(agents []*store.AgentProfile, required []string, opts Options) (*store.AgentProfile, *Score) {
	excluded := make(map[string]struct{}, len(opts.ExcludeIDs))
	for _, id := range opts.ExcludeIDs {
		excluded[id] = struct{}{}
	}

	type candidate struct {
		agent *store.AgentProfile
		score Score
	}
	var candidates []candidate
	for _, a := range agents {
		if a.Status == store.AgentOffline || a.Status == store.AgentBlocked {
			continue
		}
		if _, skip := excluded[a.ID]; skip {
			continue
		}
		s := ScoreCapabilityMatch(a, required)
		if s.Value <= opts.MinScore {
			continue
		}
		candidates = append(candidates, candidate{agent: a, score: s})
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score.Value != candidates[j].score.Value {
			return candidates[i].score.Value > candidates[j].score.Value
		}
		return candidates[i].agent.TotalCostPerToken() < candidates[j].agent.TotalCostPerToken()
	})
	best := candidates[0]
	return best.agent, &best.score
}

// ExtractRequiredCapabilities unions "requires:<cap>" tags with the
// metadata "capabilities" list, de-duplicated in first-seen order.
func ExtractRequiredCapabilities(tags []string, metadata map[string]interface{}) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}

	for _, tag := range tags {
		if rest, ok := strings.CutPrefix(tag, "requires:"); ok {
			add(rest)
		}
	}
	if metadata != nil {
		switch caps := metadata["capabilities"].(type) {
		case []string:
			for _, c := range caps {
				add(c)
			}
		case []interface{}:
			for _, c := range caps {
				if s, ok := c.(string); ok {
					add(s)
				}
			}
		}
	}
	return out
}

// RequiredForTask is the task-level convenience wrapper.
func RequiredForTask(t *store.Task) []string {
	return ExtractRequiredCapabilities(t.Tags, t.Metadata)
}
