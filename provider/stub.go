// Package provider implements a self-contained CodeProvider/ScriptHost pair
// usable without any external LLM or sandbox process, named "stub" in
// config.CodeProviderConfig and wired as the CLI's default collaborator
// set.
//
// The real collaborators (an LLM client behind CodeProvider, a sandboxed
// execution engine behind ScriptHost) are out of this module's scope; this
// package exists so `cairn up`/`cairn queue` have something to drive end
// to end without a network dependency.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/BaSui01/cairn/cairnerr"
)

// Stub is a CodeProvider that "generates" a script by template rather than
// calling an LLM: it echoes the task description into a fixed script body
// recognized by Stub's paired ScriptHost. Useful for local smoke-testing
// the orchestrator's phase chain end to end.
type Stub struct{}

// New builds a Stub CodeProvider.
func New() *Stub { return &Stub{} }

// GetCode returns a deterministic script body referencing task, with no
// external call.
func (s *Stub) GetCode(ctx context.Context, task string, agentID string) (string, error) {
	if strings.TrimSpace(task) == "" {
		return "", cairnerr.New(cairnerr.InvalidInput, "task must not be empty")
	}
	return fmt.Sprintf("# stub script for agent %s\n# task: %s\nsubmit(summary=%q, changed_files=[])\n", agentID, task, task), nil
}

// ValidateCode rejects a script only when it's empty; the stub never
// fabricates a rejection reason beyond that.
func (s *Stub) ValidateCode(ctx context.Context, code string) (bool, string, error) {
	if strings.TrimSpace(code) == "" {
		return false, "empty script", nil
	}
	return true, "", nil
}
