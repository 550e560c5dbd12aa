// Package orchestrator implements the Agent Lifecycle Driver and the
// Orchestrator: the worker pool that drives queued tasks through
// generation, sandboxed execution, submission, and review, then merges or
// discards the result on accept/reject.
package orchestrator

import "context"

// CodeProvider is the out-of-core collaborator that turns a task
// description into script text and can validate script text before it
// runs. The concrete implementation (an LLM client) is outside this
// module's scope; tests and the stub CLI provider supply implementations.
type CodeProvider interface {
	GetCode(ctx context.Context, task string, agentID string) (string, error)
	ValidateCode(ctx context.Context, code string) (ok bool, reason string, err error)
}

// ScriptHandle is a loaded, checkable, runnable script returned by
// ScriptHost.Load.
type ScriptHandle interface {
	// Check performs static validation, returning the error list a failed
	// check should report (empty and valid=true on success).
	Check(ctx context.Context) (valid bool, errs []string, err error)
	// Run executes the script; inputs/externals are opaque to the driver,
	// passed straight through to the host.
	Run(ctx context.Context, inputs map[string]any, externals map[string]any) error
}

// ScriptHost is the out-of-core collaborator that loads a script from disk
// and exposes a checkable, runnable handle. The real execution engine
// (running generated code under OS-level resource limits) lives outside
// this module; the in-process ResourceLimiter only adds an advisory
// timeout/memory ceiling around the Run call.
type ScriptHost interface {
	Load(ctx context.Context, path string) (ScriptHandle, error)
}
