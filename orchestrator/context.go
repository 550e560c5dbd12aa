package orchestrator

import (
	"time"

	"github.com/BaSui01/cairn/lifecycle"
	"github.com/BaSui01/cairn/workspace"
)

// AgentContext is the volatile in-memory handle for an active agent,
// mirrored to a lifecycle.Record on every meaningful transition. Upstream
// and Downstream are populated only when the agent runs under the Graph
// Executor; the queue-driven path leaves them empty.
type AgentContext struct {
	AgentID        string
	Task           string
	Priority       int
	State          lifecycle.State
	CreatedAt      time.Time
	StateChangedAt time.Time
	WorkspacePath  string
	Handle         *workspace.Handle
	Submission     *lifecycle.SubmissionRecord
	Err            *lifecycle.ErrorInfo
	Upstream       []string
	Downstream     []string
	Version        int64
}

func (c *AgentContext) toRecord() *lifecycle.Record {
	return &lifecycle.Record{
		AgentID:        c.AgentID,
		Task:           c.Task,
		Priority:       c.Priority,
		State:          c.State,
		CreatedAt:      c.CreatedAt,
		StateChangedAt: c.StateChangedAt,
		WorkspacePath:  c.WorkspacePath,
		Submission:     c.Submission,
		Error:          c.Err,
		Version:        c.Version,
	}
}

func fromRecord(r *lifecycle.Record) *AgentContext {
	return &AgentContext{
		AgentID:        r.AgentID,
		Task:           r.Task,
		Priority:       r.Priority,
		State:          r.State,
		CreatedAt:      r.CreatedAt,
		StateChangedAt: r.StateChangedAt,
		WorkspacePath:  r.WorkspacePath,
		Submission:     r.Submission,
		Err:            r.Error,
		Version:        r.Version,
	}
}
