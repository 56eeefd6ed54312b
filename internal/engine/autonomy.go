package engine

import (
	"fmt"

	"github.com/halcyonworks/warden/internal/actions"
)

// AutonomyLevel is the configured ceiling on what the engine may do
// without a human. Levels are ordered: none < supervised < full.
type AutonomyLevel int

const (
	AutonomyNone AutonomyLevel = iota
	AutonomySupervised
	AutonomyFull
)

func ParseAutonomyLevel(s string) (AutonomyLevel, error) {
	switch s {
	case "none":
		return AutonomyNone, nil
	case "supervised":
		return AutonomySupervised, nil
	case "full":
		return AutonomyFull, nil
	}
	return AutonomyNone, fmt.Errorf("unknown autonomy level %q", s)
}

func (l AutonomyLevel) String() string {
	switch l {
	case AutonomySupervised:
		return "supervised"
	case AutonomyFull:
		return "full"
	default:
		return "none"
	}
}

// actionFloor is the minimum autonomy level at which each action may
// run without escalation. Disruptive actions require full autonomy;
// advisory ones run under supervision.
var actionFloor = map[actions.Kind]AutonomyLevel{
	actions.ActionPromptAgent:            AutonomySupervised,
	actions.ActionRetryTask:              AutonomySupervised,
	actions.ActionUpdateTaskStatus:       AutonomySupervised,
	actions.ActionReleaseLock:            AutonomyFull,
	actions.ActionPauseAgent:             AutonomySupervised,
	actions.ActionSaveCheckpointAndPause: AutonomySupervised,
	actions.ActionRestartAgent:           AutonomyFull,
	actions.ActionReassignTask:           AutonomyFull,
}

// CanActAutonomously reports whether the action's required floor is at
// or below the configured level. Unknown actions always escalate.
func CanActAutonomously(action actions.Kind, level AutonomyLevel) bool {
	floor, ok := actionFloor[action]
	if !ok {
		return false
	}
	return floor <= level
}
