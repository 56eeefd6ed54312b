package events

const (
	// Sandbox output chunks published by the runtime. The wildcard segment
	// is the sandbox id.
	SubjectSandboxOutput = "fleet.sandbox.*.output"

	SubjectAgentHeartbeat = "fleet.agent.*.heartbeat"
	SubjectAgentStopped   = "fleet.agent.*.stopped"

	StreamName   = "WARDEN_EVENTS"
	StreamMaxAge = "720h" // 30 days
)

func SubjectSandboxOutputFor(sandboxID string) string { return "fleet.sandbox." + sandboxID + ".output" }
func SubjectAgentHeartbeatFor(agentID string) string  { return "fleet.agent." + agentID + ".heartbeat" }
func SubjectAgentStoppedFor(agentID string) string    { return "fleet.agent." + agentID + ".stopped" }

// Detection events republished by the pattern matcher.
func SubjectDetection(agentID, kind string) string { return "fleet.detect." + agentID + "." + kind }

// Decision-engine outcomes.
func SubjectDecision(agentID string) string   { return "fleet.decision." + agentID }
func SubjectSuppressed(agentID string) string { return "fleet.decision." + agentID + ".suppressed" }

// Escalation lifecycle.
func SubjectEscalationCreated(id string) string  { return "fleet.escalation." + id + ".created" }
func SubjectEscalationResolved(id string) string { return "fleet.escalation." + id + ".resolved" }
func SubjectEscalationExpired(id string) string  { return "fleet.escalation." + id + ".expired" }

// Action execution results.
func SubjectActionExecuted(agentID string) string { return "fleet.action." + agentID + ".executed" }
func SubjectActionFailed(agentID string) string   { return "fleet.action." + agentID + ".failed" }

// Lock and conflict lifecycle.
const SubjectConflictRaised = "fleet.conflict.raised"

func SubjectConflictResolved(id string) string { return "fleet.conflict." + id + ".resolved" }

// Task lifecycle.
func SubjectTaskAssigned(taskID string) string   { return "fleet.task." + taskID + ".assigned" }
func SubjectTaskUnmatched(taskID string) string  { return "fleet.task." + taskID + ".unmatched" }
func SubjectTaskReassigned(taskID string) string { return "fleet.task." + taskID + ".reassigned" }
func SubjectTaskCompleted(taskID string) string  { return "fleet.task." + taskID + ".completed" }
func SubjectTaskFailed(taskID string) string     { return "fleet.task." + taskID + ".failed" }
