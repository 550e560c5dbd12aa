package orchestrator

import "github.com/BaSui01/cairn/taskqueue"

// CommandKind tags a Command for SubmitCommand's dispatch.
type CommandKind string

const (
	CmdQueue      CommandKind = "queue"
	CmdAccept     CommandKind = "accept"
	CmdReject     CommandKind = "reject"
	CmdStatus     CommandKind = "status"
	CmdListAgents CommandKind = "list_agents"
)

// Command is the tagged union accepted by SubmitCommand, matching the
// Orchestrator command ABI table verbatim: queue/accept/reject/status/
// list_agents, each with its own input shape folded into this one struct.
type Command struct {
	Kind     CommandKind
	Task     string
	Priority taskqueue.Priority
	AgentID  string
}

// CommandResult is the tagged union SubmitCommand returns. Only the field
// matching the originating Command's Kind is populated.
type CommandResult struct {
	AgentID string
	Status  *StatusView
	Agents  map[string]AgentSummary
}

// StatusView is the STATUS command's result shape:
// {state, task, error?, submission?}.
type StatusView struct {
	State      string
	Task       string
	Error      string
	Submission *SubmissionView
}

// SubmissionView mirrors lifecycle.SubmissionRecord for external callers.
type SubmissionView struct {
	Summary      string
	ChangedFiles []string
}

// AgentSummary is one entry of the LIST_AGENTS result:
// {state, task, priority}.
type AgentSummary struct {
	State    string
	Task     string
	Priority int
}
