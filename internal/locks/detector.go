// Package locks guards concurrent file access across agents. A write
// requires a live per-(project, path) lock; contention raises a conflict
// record that must be resolved explicitly.
package locks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonworks/warden/internal/events"
	"github.com/halcyonworks/warden/internal/metrics"
	"github.com/halcyonworks/warden/internal/store"
	"github.com/halcyonworks/warden/internal/zones"
)

const DefaultLockTTL = 10 * time.Minute

// AcquireResult reports the outcome of a lock request. Exactly one of
// the branches applies: the lock was granted, zone policy refused the
// path, or a holder collision raised (or re-surfaced) a conflict.
type AcquireResult struct {
	Acquired bool            `json:"acquired"`
	Lock     *store.FileLock `json:"lock,omitempty"`
	Denied   string          `json:"denied,omitempty"`
	Conflict *store.Conflict `json:"conflict,omitempty"`
}

// Detector mediates file locks and conflicts for all projects. Safe for
// concurrent use.
type Detector struct {
	store      store.Store
	events     events.Client
	metrics    *metrics.Metrics
	logger     *slog.Logger
	defaultTTL time.Duration

	mu       sync.Mutex
	matchers map[string]*zones.Matcher

	now func() time.Time
}

func NewDetector(st store.Store, ev events.Client, m *metrics.Metrics, defaultTTL time.Duration, logger *slog.Logger) *Detector {
	if defaultTTL <= 0 {
		defaultTTL = DefaultLockTTL
	}
	return &Detector{
		store:      st,
		events:     ev,
		metrics:    m,
		logger:     logger,
		defaultTTL: defaultTTL,
		matchers:   make(map[string]*zones.Matcher),
		now:        time.Now,
	}
}

// ReloadZones drops the cached matcher for a project so the next check
// reads fresh configuration.
func (d *Detector) ReloadZones(project string) {
	d.mu.Lock()
	delete(d.matchers, project)
	d.mu.Unlock()
}

func (d *Detector) matcherFor(ctx context.Context, project string) (*zones.Matcher, error) {
	d.mu.Lock()
	m, ok := d.matchers[project]
	d.mu.Unlock()
	if ok {
		return m, nil
	}
	cfg, err := d.store.GetZoneConfig(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("load zone config: %w", err)
	}
	m = zones.NewMatcher(cfg)
	d.mu.Lock()
	d.matchers[project] = m
	d.mu.Unlock()
	return m, nil
}

// CheckAccess evaluates zone policy only, without touching locks.
func (d *Detector) CheckAccess(ctx context.Context, project, path, agentID string) (zones.Access, error) {
	m, err := d.matcherFor(ctx, project)
	if err != nil {
		return zones.Access{}, err
	}
	return m.CheckAccess(path, agentID), nil
}

// AcquireLock grants the path to the agent for ttl. The zone gate runs
// first; a zone denial never creates a lock or a conflict. Acquisition
// is re-entrant for the current holder (the expiry is refreshed). When
// another agent holds a live lock, a conflict is raised between the two
// and returned unresolved; repeated attempts re-surface the same open
// conflict instead of stacking duplicates.
func (d *Detector) AcquireLock(ctx context.Context, project, path, agentID string, ttl time.Duration) (*AcquireResult, error) {
	if path == "" || agentID == "" {
		return nil, fmt.Errorf("path and agent id are required")
	}
	if ttl <= 0 {
		ttl = d.defaultTTL
	}

	access, err := d.CheckAccess(ctx, project, path, agentID)
	if err != nil {
		return nil, err
	}
	if !access.Allowed {
		return &AcquireResult{Denied: access.Reason}, nil
	}

	now := d.now()
	lock := &store.FileLock{
		Project:    project,
		Path:       path,
		AgentID:    agentID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	ok, holder, err := d.store.TryAcquireLock(ctx, lock)
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if ok {
		return &AcquireResult{Acquired: true, Lock: lock}, nil
	}

	conflict, err := d.raiseConflict(ctx, project, path, holder.AgentID, agentID)
	if err != nil {
		return nil, err
	}
	return &AcquireResult{Conflict: conflict}, nil
}

func (d *Detector) raiseConflict(ctx context.Context, project, path, holderID, requesterID string) (*store.Conflict, error) {
	open, err := d.store.ListConflicts(ctx, project, true)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	for _, c := range open {
		if c.Path == path && containsAll(c.AgentIDs, holderID, requesterID) {
			return c, nil
		}
	}

	conflict := &store.Conflict{
		ID:        uuid.New(),
		Project:   project,
		Path:      path,
		AgentIDs:  []string{holderID, requesterID},
		CreatedAt: d.now(),
	}
	if err := d.store.CreateConflict(ctx, conflict); err != nil {
		return nil, fmt.Errorf("create conflict: %w", err)
	}
	if d.metrics != nil {
		d.metrics.ConflictsTotal.Inc()
	}

	d.logger.Warn("file conflict raised",
		"project", project,
		"path", path,
		"holder", holderID,
		"requester", requesterID,
	)
	if d.events != nil {
		_ = d.events.Publish(events.SubjectConflictRaised, events.ConflictPayload{
			ConflictID: conflict.ID.String(),
			Project:    project,
			Path:       path,
			AgentIDs:   conflict.AgentIDs,
		})
	}
	return conflict, nil
}

// ReleaseLock removes a lock. Without force the caller must be the
// holder; the boolean reports whether a lock was actually removed.
func (d *Detector) ReleaseLock(ctx context.Context, project, path, agentID string, force bool) (bool, error) {
	return d.store.ReleaseLock(ctx, project, path, agentID, force)
}

// Resolve applies a strategy to an open conflict. Resolving a conflict
// does not move any lock by itself except for accept_second, which hands
// the path to the second-listed agent.
func (d *Detector) Resolve(ctx context.Context, id uuid.UUID, strategy store.ConflictStrategy, resolution string) (*store.Conflict, error) {
	switch strategy {
	case store.StrategyAcceptFirst, store.StrategyAcceptSecond, store.StrategyMerge, store.StrategyDefer:
	default:
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}

	conflict, err := d.store.ResolveConflict(ctx, id, strategy, resolution)
	if err != nil {
		return nil, err
	}

	if strategy == store.StrategyAcceptSecond && len(conflict.AgentIDs) == 2 {
		if _, err := d.store.ReleaseLock(ctx, conflict.Project, conflict.Path, "", true); err != nil {
			return nil, fmt.Errorf("hand over lock: %w", err)
		}
		now := d.now()
		_, _, err := d.store.TryAcquireLock(ctx, &store.FileLock{
			Project:    conflict.Project,
			Path:       conflict.Path,
			AgentID:    conflict.AgentIDs[1],
			AcquiredAt: now,
			ExpiresAt:  now.Add(d.defaultTTL),
		})
		if err != nil {
			return nil, fmt.Errorf("hand over lock: %w", err)
		}
	}

	if d.events != nil {
		_ = d.events.Publish(events.SubjectConflictResolved(conflict.ID.String()), events.ConflictPayload{
			ConflictID: conflict.ID.String(),
			Project:    conflict.Project,
			Path:       conflict.Path,
			AgentIDs:   conflict.AgentIDs,
		})
	}
	return conflict, nil
}

// SweepExpired deletes expired lock rows. Reads already treat expired
// locks as absent, so the sweep is housekeeping only.
func (d *Detector) SweepExpired(ctx context.Context) (int, error) {
	n, err := d.store.DeleteExpiredLocks(ctx, d.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.logger.Debug("swept expired locks", "count", n)
	}
	return n, nil
}

func containsAll(haystack []string, needles ...string) bool {
	set := make(map[string]struct{}, len(haystack))
	for _, h := range haystack {
		set[h] = struct{}{}
	}
	for _, n := range needles {
		if _, ok := set[n]; !ok {
			return false
		}
	}
	return true
}
