package provider

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/BaSui01/cairn/cairnerr"
	"github.com/BaSui01/cairn/orchestrator"
)

// ScriptHost is a local ScriptHandle host: it "runs" a Stub-generated
// script by parsing its fixed `submit(summary=..., changed_files=[...])`
// line and invoking the "submit" external, rather than handing the script
// to a real sandboxed interpreter. Check always reports valid for
// non-empty scripts.
type ScriptHost struct{}

// NewScriptHost builds a ScriptHost.
func NewScriptHost() *ScriptHost { return &ScriptHost{} }

func (h *ScriptHost) Load(ctx context.Context, path string) (orchestrator.ScriptHandle, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, cairnerr.Wrap(cairnerr.RecoverableIO, "read script", err)
	}
	return &scriptHandle{body: string(body)}, nil
}

type scriptHandle struct {
	body string
}

func (h *scriptHandle) Check(ctx context.Context) (bool, []string, error) {
	if strings.TrimSpace(h.body) == "" {
		return false, []string{"script body is empty"}, nil
	}
	return true, nil, nil
}

// Run scans the script for a submit(...) line and calls the bound "submit"
// external with the parsed summary and changed_files list. A script with no
// submit line is tolerated: the agent simply reaches SUBMITTING with no
// SubmissionRecord.
func (h *scriptHandle) Run(ctx context.Context, inputs map[string]any, externals map[string]any) error {
	submit, _ := externals["submit"].(func(summary string, changedFiles []string) error)

	scanner := bufio.NewScanner(strings.NewReader(h.body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "submit(") {
			continue
		}
		if submit == nil {
			continue
		}
		summary, changed := parseSubmitLine(line)
		if err := submit(summary, changed); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// parseSubmitLine extracts the quoted summary= value from a line shaped
// like `submit(summary="...", changed_files=[])`. Parsing is deliberately
// minimal: the stub only ever needs to round-trip what Stub.GetCode wrote.
func parseSubmitLine(line string) (string, []string) {
	const marker = "summary="
	idx := strings.Index(line, marker)
	if idx < 0 {
		return "", nil
	}
	rest := line[idx+len(marker):]
	summary, err := strconv.Unquote(strings.SplitN(rest, ", changed_files", 2)[0])
	if err != nil {
		return "", nil
	}
	return summary, []string{}
}
