package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/cairn/cairnerr"
	"github.com/BaSui01/cairn/config"
	"github.com/BaSui01/cairn/lifecycle"
	"github.com/BaSui01/cairn/taskqueue"
	"github.com/BaSui01/cairn/workspace"
)

// stubProvider is a canned CodeProvider.
type stubProvider struct {
	script string
	valid  bool
	reason string
	genErr error
	valErr error
}

func (p *stubProvider) GetCode(ctx context.Context, task, agentID string) (string, error) {
	return p.script, p.genErr
}

func (p *stubProvider) ValidateCode(ctx context.Context, code string) (bool, string, error) {
	return p.valid, p.reason, p.valErr
}

// stubHost runs scripts by invoking a test-supplied function against the
// loaded orchestrator, standing in for a real sandboxed interpreter.
type stubHost struct {
	checkValid bool
	checkErrs  []string
	run        func(ctx context.Context, inputs map[string]any, externals map[string]any) error
}

func (h *stubHost) Load(ctx context.Context, path string) (ScriptHandle, error) {
	return &stubHandle{host: h}, nil
}

type stubHandle struct{ host *stubHost }

func (s *stubHandle) Check(ctx context.Context) (bool, []string, error) {
	return s.host.checkValid, s.host.checkErrs, nil
}

func (s *stubHandle) Run(ctx context.Context, inputs map[string]any, externals map[string]any) error {
	if s.host.run == nil {
		return nil
	}
	return s.host.run(ctx, inputs, externals)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Paths: config.PathsConfig{
			ProjectRoot: t.TempDir(),
			CairnHome:   t.TempDir(),
		},
		Concurrency: config.ConcurrencyConfig{
			MaxConcurrentAgents: 2,
			MaxQueueSize:        8,
			WorkspaceCacheSize:  8,
		},
		Limits: config.LimitsConfig{
			MaxExecutionTime: 5 * time.Second,
		},
	}
}

// newTestOrchestrator wires a happy-path provider/host pair: the "script"
// writes notes/hello.txt into the agent workspace and submits.
func newTestOrchestrator(t *testing.T, cfg config.Config) (*Orchestrator, *stubProvider, *stubHost) {
	t.Helper()
	prov := &stubProvider{script: "write notes/hello.txt", valid: true}
	host := &stubHost{checkValid: true}
	o, err := New(cfg, prov, host, nil)
	require.NoError(t, err)

	host.run = func(ctx context.Context, inputs map[string]any, externals map[string]any) error {
		agentID, _ := inputs["agent_id"].(string)
		ac, ok := o.lookupActive(agentID)
		if !ok {
			return cairnerr.New(cairnerr.NotFound, "agent missing during run")
		}
		if err := ac.Handle.Overlay.Files.Write("/notes/hello.txt", []byte("hi")); err != nil {
			return err
		}
		submit, _ := externals["submit"].(func(string, []string) error)
		return submit("ok", []string{"notes/hello.txt"})
	}
	return o, prov, host
}

func queueOne(t *testing.T, o *Orchestrator, task string) string {
	t.Helper()
	res, err := o.SubmitCommand(context.Background(), Command{Kind: CmdQueue, Task: task, Priority: taskqueue.Normal})
	require.NoError(t, err)
	require.NotEmpty(t, res.AgentID)
	return res.AgentID
}

func waitForState(t *testing.T, o *Orchestrator, agentID string, want lifecycle.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		res, err := o.SubmitCommand(context.Background(), Command{Kind: CmdStatus, AgentID: agentID})
		if err != nil {
			return false
		}
		return res.Status.State == string(want)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOrchestrator_HappyPathAcceptMergesIntoStable(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	defer o.Shutdown(time.Second)

	agentID := queueOne(t, o, "create notes")
	waitForState(t, o, agentID, lifecycle.Reviewing)

	ac, ok := o.lookupActive(agentID)
	require.True(t, ok)
	data, err := ac.Handle.Overlay.Files.Read("/notes/hello.txt", workspace.ModeText)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
	require.NotNil(t, ac.Submission)
	assert.Equal(t, "ok", ac.Submission.Summary)
	assert.Equal(t, []string{"notes/hello.txt"}, ac.Submission.ChangedFiles)

	_, err = o.SubmitCommand(ctx, Command{Kind: CmdAccept, AgentID: agentID})
	require.NoError(t, err)

	merged, err := o.stable.Files.Read("/notes/hello.txt", workspace.ModeText)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(merged))

	_, stillActive := o.lookupActive(agentID)
	assert.False(t, stillActive)

	// The trash protocol archived the agent's own files under bin-<id>.
	assert.True(t, o.bin.Files.Exists("/bin-"+agentID+"/notes/hello.txt"))

	rec, err := o.store.Load(agentID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Accepted, rec.State)
}

func TestOrchestrator_RejectLeavesStableUntouched(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	defer o.Shutdown(time.Second)

	agentID := queueOne(t, o, "create notes")
	waitForState(t, o, agentID, lifecycle.Reviewing)

	_, err := o.SubmitCommand(ctx, Command{Kind: CmdReject, AgentID: agentID})
	require.NoError(t, err)

	assert.False(t, o.stable.Files.Exists("/notes/hello.txt"))
	assert.True(t, o.bin.Files.Exists("/bin-"+agentID+"/notes/hello.txt"))

	rec, err := o.store.Load(agentID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Rejected, rec.State)
}

func TestOrchestrator_ValidationFailureErrorsAgent(t *testing.T) {
	cfg := testConfig(t)
	o, prov, _ := newTestOrchestrator(t, cfg)
	prov.valid = false
	prov.reason = "syntax"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	defer o.Shutdown(time.Second)

	agentID := queueOne(t, o, "bad code")
	waitForState(t, o, agentID, lifecycle.Errored)

	res, err := o.SubmitCommand(ctx, Command{Kind: CmdStatus, AgentID: agentID})
	require.NoError(t, err)
	assert.Contains(t, res.Status.Error, "validation")
}

func TestOrchestrator_StaticCheckFailureWritesCheckFile(t *testing.T) {
	cfg := testConfig(t)
	o, _, host := newTestOrchestrator(t, cfg)
	host.checkValid = false
	host.checkErrs = []string{"syntax"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	defer o.Shutdown(time.Second)

	agentID := queueOne(t, o, "bad script")
	waitForState(t, o, agentID, lifecycle.Errored)

	body, err := os.ReadFile(filepath.Join(cfg.Paths.ProjectRoot, ".scripts", "agents", agentID, "check.json"))
	require.NoError(t, err)
	var check struct {
		Valid  bool     `json:"valid"`
		Errors []string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(body, &check))
	assert.False(t, check.Valid)
	assert.Equal(t, []string{"syntax"}, check.Errors)

	res, err := o.SubmitCommand(ctx, Command{Kind: CmdStatus, AgentID: agentID})
	require.NoError(t, err)
	assert.Contains(t, res.Status.Error, "Validation failed")
	assert.Contains(t, res.Status.Error, "syntax")
}

func TestOrchestrator_QueueFullRollsBack(t *testing.T) {
	cfg := testConfig(t)
	cfg.Concurrency.MaxQueueSize = 1
	o, _, _ := newTestOrchestrator(t, cfg)
	// Dispatcher intentionally not started: the first entry must still be
	// queued when the second arrives.

	first := queueOne(t, o, "first")

	_, err := o.SubmitCommand(context.Background(), Command{Kind: CmdQueue, Task: "second", Priority: taskqueue.Normal})
	require.Error(t, err)
	assert.True(t, cairnerr.IsKind(err, cairnerr.ResourceLimit))

	assert.Equal(t, []string{first}, o.ActiveAgentIDs())
	records, err := o.store.ListAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, first, records[0].AgentID)
}

func TestOrchestrator_AcceptRequiresReviewing(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testConfig(t))
	agentID := queueOne(t, o, "still queued")

	_, err := o.SubmitCommand(context.Background(), Command{Kind: CmdAccept, AgentID: agentID})
	require.Error(t, err)
	assert.True(t, cairnerr.IsKind(err, cairnerr.InvalidState))
}

func TestOrchestrator_StatusUnknownAgentIsNotFound(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testConfig(t))
	_, err := o.SubmitCommand(context.Background(), Command{Kind: CmdStatus, AgentID: "agent-missing"})
	require.Error(t, err)
	assert.True(t, cairnerr.IsKind(err, cairnerr.NotFound))
}

func TestOrchestrator_AcceptOverwriteWinsOnConflict(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testConfig(t))
	require.NoError(t, o.stable.Files.Write("/README.md", []byte("original")))

	agentID := queueOne(t, o, "edit readme")
	ac, ok := o.lookupActive(agentID)
	require.True(t, ok)
	require.NoError(t, ac.Handle.Overlay.Files.Write("/README.md", []byte("changed")))

	// Walk the agent to REVIEWING without running the dispatcher.
	for _, next := range []lifecycle.State{lifecycle.Generating, lifecycle.Executing, lifecycle.Submitting, lifecycle.Reviewing} {
		ac.State = next
		rec := ac.toRecord()
		require.NoError(t, o.store.Save(rec))
		ac.Version = rec.Version
	}

	_, err := o.SubmitCommand(context.Background(), Command{Kind: CmdAccept, AgentID: agentID})
	require.NoError(t, err)

	data, err := o.stable.Files.Read("/README.md", workspace.ModeText)
	require.NoError(t, err)
	assert.Equal(t, "changed", string(data))
}

func TestOrchestrator_RecoverReenqueuesQueuedAgents(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testConfig(t))

	rec := &lifecycle.Record{
		AgentID:        "agent-restored",
		Task:           "resume me",
		Priority:       int(taskqueue.Normal),
		State:          lifecycle.Queued,
		CreatedAt:      time.Now(),
		StateChangedAt: time.Now(),
		WorkspacePath:  "agent-restored",
	}
	require.NoError(t, o.store.Save(rec))

	require.NoError(t, o.Recover(context.Background()))

	ac, ok := o.lookupActive("agent-restored")
	require.True(t, ok)
	assert.Equal(t, lifecycle.Queued, ac.State)
	assert.Equal(t, 1, o.QueueDepth())
}

func TestOrchestrator_ListAgentsUnionsActiveAndPersisted(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testConfig(t))
	active := queueOne(t, o, "live one")

	done := &lifecycle.Record{AgentID: "agent-done", Task: "old", State: lifecycle.Accepted}
	require.NoError(t, o.store.Save(done))

	res, err := o.SubmitCommand(context.Background(), Command{Kind: CmdListAgents})
	require.NoError(t, err)
	require.Len(t, res.Agents, 2)
	assert.Equal(t, string(lifecycle.Queued), res.Agents[active].State)
	assert.Equal(t, string(lifecycle.Accepted), res.Agents["agent-done"].State)
}

func TestOrchestrator_ConcurrencyCapHoldsUnderBurst(t *testing.T) {
	cfg := testConfig(t)
	cfg.Concurrency.MaxConcurrentAgents = 2

	prov := &stubProvider{script: "slow", valid: true}
	host := &stubHost{checkValid: true}
	o, err := New(cfg, prov, host, nil)
	require.NoError(t, err)

	running := make(chan struct{}, 16)
	release := make(chan struct{})
	host.run = func(ctx context.Context, inputs map[string]any, externals map[string]any) error {
		running <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	defer o.Shutdown(time.Second)

	for i := 0; i < 5; i++ {
		queueOne(t, o, "burst")
	}

	// Exactly max_concurrent_agents drivers reach the run phase; the rest
	// stay queued behind the semaphore.
	require.Eventually(t, func() bool { return len(running) == 2 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, running, 2)

	close(release)
}
