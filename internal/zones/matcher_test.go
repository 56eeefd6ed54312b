package zones

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonworks/warden/internal/store"
)

func testConfig() *store.ZoneConfig {
	return &store.ZoneConfig{
		Project:       "demo",
		DefaultPolicy: store.PolicyAllow,
		Zones: []store.Zone{
			{Pattern: "src/api/**", Owners: []string{"agent-api"}},
			{Pattern: "src/ui/**", Owners: []string{"agent-ui", "agent-design"}},
			{Pattern: "docs/**", Shared: true},
			{Pattern: "src/api/openapi.yaml", Shared: true},
		},
	}
}

func TestCheckAccessOwnership(t *testing.T) {
	m := NewMatcher(testConfig())

	a := m.CheckAccess("src/api/handlers/tasks.go", "agent-api")
	assert.True(t, a.Allowed)
	assert.Contains(t, a.Reason, "owns")

	a = m.CheckAccess("src/api/handlers/tasks.go", "agent-ui")
	assert.False(t, a.Allowed)
	assert.Contains(t, a.Reason, "agent-api")
}

func TestCheckAccessSharedOverridesOwnership(t *testing.T) {
	m := NewMatcher(testConfig())

	// Path matches both the api zone and a shared zone; shared wins for
	// a non-owner.
	a := m.CheckAccess("src/api/openapi.yaml", "agent-ui")
	assert.True(t, a.Allowed)
	assert.Contains(t, a.Reason, "shared")

	a = m.CheckAccess("docs/architecture.md", "anyone")
	assert.True(t, a.Allowed)
}

func TestCheckAccessDefaultPolicy(t *testing.T) {
	cfg := testConfig()
	m := NewMatcher(cfg)
	a := m.CheckAccess("README.md", "agent-api")
	assert.True(t, a.Allowed)
	assert.Contains(t, a.Reason, "unzoned")

	cfg.DefaultPolicy = store.PolicyDeny
	m = NewMatcher(cfg)
	a = m.CheckAccess("README.md", "agent-api")
	assert.False(t, a.Allowed)
	assert.Contains(t, a.Reason, "deny")
}

func TestCheckAccessDenyNamesAllOwners(t *testing.T) {
	m := NewMatcher(testConfig())
	a := m.CheckAccess("src/ui/app.tsx", "agent-api")
	require.False(t, a.Allowed)
	assert.Contains(t, a.Reason, "agent-design")
	assert.Contains(t, a.Reason, "agent-ui")
}

func TestGlobSemantics(t *testing.T) {
	m := NewMatcher(&store.ZoneConfig{
		DefaultPolicy: store.PolicyDeny,
		Zones: []store.Zone{
			{Pattern: "src/**", Owners: []string{"a"}},
			{Pattern: "cfg/*.yaml", Owners: []string{"b"}},
			{Pattern: "data/?.csv", Owners: []string{"c"}},
		},
	})

	// ** crosses separators.
	assert.Len(t, m.GetMatchingZones("src/a/b/c.go"), 1)
	// * stays within a segment.
	assert.Len(t, m.GetMatchingZones("cfg/app.yaml"), 1)
	assert.Empty(t, m.GetMatchingZones("cfg/sub/app.yaml"))
	// ? matches exactly one non-separator character.
	assert.Len(t, m.GetMatchingZones("data/1.csv"), 1)
	assert.Empty(t, m.GetMatchingZones("data/12.csv"))
	assert.Empty(t, m.GetMatchingZones("data/.csv"))
}

func TestGetMatchingZonesOverlap(t *testing.T) {
	m := NewMatcher(testConfig())
	zones := m.GetMatchingZones("src/api/openapi.yaml")
	require.Len(t, zones, 2)
	assert.Equal(t, "src/api/**", zones[0].Pattern)
	assert.Equal(t, "src/api/openapi.yaml", zones[1].Pattern)
}

func TestGetAgentZones(t *testing.T) {
	m := NewMatcher(testConfig())

	zones := m.GetAgentZones("agent-ui")
	require.Len(t, zones, 3) // owned ui zone plus both shared zones
	assert.Equal(t, "src/ui/**", zones[0].Pattern)

	zones = m.GetAgentZones("stranger")
	assert.Len(t, zones, 2) // shared zones only
}

func TestNilConfig(t *testing.T) {
	m := NewMatcher(nil)
	a := m.CheckAccess("anything/at/all.go", "agent-x")
	assert.True(t, a.Allowed)
}
