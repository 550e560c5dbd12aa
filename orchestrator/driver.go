package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BaSui01/cairn/cairnerr"
	"github.com/BaSui01/cairn/eventbus"
	"github.com/BaSui01/cairn/lifecycle"
	"github.com/BaSui01/cairn/limiter"
	"github.com/BaSui01/cairn/metrics"
	"github.com/BaSui01/cairn/rendezvous"
	"github.com/BaSui01/cairn/workspace"
)

// DefaultHumanInputTimeout bounds a request_human_input tool call when the
// agent's script does not specify its own timeout_s.
const DefaultHumanInputTimeout = 5 * time.Minute

// DriverConfig bounds one agent's phase execution, sourced from
// config.Config's Paths/Limits sections.
type DriverConfig struct {
	ProjectRoot      string
	CairnHome        string
	MaxExecutionTime time.Duration
	MaxMemoryBytes   uint64
}

// Driver is the Agent Lifecycle Driver: given a queued AgentContext and
// its collaborators, it advances the agent through GENERATING, EXECUTING,
// and SUBMITTING, persisting the lifecycle record before every external
// I/O call so a crash mid-phase always resumes from an on-disk-consistent
// state.
type Driver struct {
	cfg      DriverConfig
	provider CodeProvider
	host     ScriptHost
	limiter  *limiter.Limiter
	store    *lifecycle.Store
	bus      *eventbus.Bus
	mat      *workspace.Materializer
	rdv      *rendezvous.Rendezvous

	// Metrics is optional: when set, every lifecycle transition increments
	// cairn_lifecycle_transitions_total{from,to}.
	Metrics *metrics.Collector
}

// NewDriver builds a Driver. bus may be nil, in which case phase
// transitions are silent. The agent's overlay (reached via ac.Handle) is
// already composed with stable as its base at workspace-creation time, so
// the driver itself never needs a direct reference to stable.
func NewDriver(cfg DriverConfig, provider CodeProvider, host ScriptHost, lim *limiter.Limiter, store *lifecycle.Store, bus *eventbus.Bus) *Driver {
	d := &Driver{
		cfg:      cfg,
		provider: provider,
		host:     host,
		limiter:  lim,
		store:    store,
		bus:      bus,
		mat:      workspace.NewMaterializer(),
	}
	if bus != nil {
		d.rdv = rendezvous.New(bus)
	}
	return d
}

func (d *Driver) emit(ctx context.Context, action string, ac *AgentContext, payload map[string]any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(ctx, eventbus.New(eventbus.CategoryAgent, action, ac.AgentID, "", payload))
}

func (d *Driver) transition(ctx context.Context, ac *AgentContext, to lifecycle.State) error {
	if !lifecycle.CanTransition(ac.State, to) {
		return cairnerr.New(cairnerr.InvalidState, "illegal lifecycle transition").
			WithField("agent_id", ac.AgentID).
			WithField("from", string(ac.State)).
			WithField("to", string(to))
	}
	from := ac.State
	ac.State = to
	ac.StateChangedAt = time.Now()
	record := ac.toRecord()
	if err := d.store.Save(record); err != nil {
		return err
	}
	ac.Version = record.Version
	if d.Metrics != nil {
		d.Metrics.RecordTransition(string(from), string(to))
	}
	return nil
}

// fail durably marks ac ERRORED with cause as the recorded reason. It
// returns nil once that mark succeeds (the agent has reached its
// phase-terminal failure state, which Run treats as a normal outcome);
// it returns a non-nil error only if the lifecycle store itself could not
// persist the ERRORED transition, which is the one case Run must propagate.
func (d *Driver) fail(ctx context.Context, ac *AgentContext, stateAtFailure lifecycle.State, cause error) error {
	info := &lifecycle.ErrorInfo{Message: cause.Error(), StateAtFailure: stateAtFailure}
	if cerr, ok := cause.(*cairnerr.Error); ok {
		info.Fields = cerr.Fields
	}
	ac.Err = info
	if transErr := d.transition(ctx, ac, lifecycle.Errored); transErr != nil {
		return transErr
	}
	d.emit(ctx, "failed", ac, map[string]any{"message": info.Message, "state_at_failure": string(stateAtFailure)})
	return nil
}

// Run drives ac from QUEUED through REVIEWING (or ERRORED). It returns nil
// whenever the agent reaches a phase-terminal state (REVIEWING or ERRORED)
// through its own logic; only an unrecoverable persistence failure (the
// lifecycle store itself failing) is returned as an error, since that
// leaves ac's on-disk mirror out of sync and the caller must decide how to
// proceed.
func (d *Driver) Run(ctx context.Context, ac *AgentContext) error {
	d.emit(ctx, "started", ac, map[string]any{"task": ac.Task})

	if err := d.transition(ctx, ac, lifecycle.Generating); err != nil {
		return err
	}
	script, err := d.provider.GetCode(ctx, ac.Task, ac.AgentID)
	if err != nil {
		return d.fail(ctx, ac, lifecycle.Generating, wrapProvider(err))
	}
	ok, reason, err := d.provider.ValidateCode(ctx, script)
	if err != nil {
		return d.fail(ctx, ac, lifecycle.Generating, wrapProvider(err))
	}
	if !ok {
		return d.fail(ctx, ac, lifecycle.Generating,
			cairnerr.New(cairnerr.ProviderError, "generated code failed validation").WithField("reason", reason))
	}

	if err := d.transition(ctx, ac, lifecycle.Executing); err != nil {
		return err
	}
	scriptPath, err := d.persistScript(ac.AgentID, script)
	if err != nil {
		return d.fail(ctx, ac, lifecycle.Executing, err)
	}
	handle, err := d.host.Load(ctx, scriptPath)
	if err != nil {
		return d.fail(ctx, ac, lifecycle.Executing, wrapProvider(err))
	}
	valid, checkErrs, err := handle.Check(ctx)
	if checkErr := d.persistCheck(ac.AgentID, valid, checkErrs); checkErr != nil {
		return d.fail(ctx, ac, lifecycle.Executing, checkErr)
	}
	if err != nil {
		return d.fail(ctx, ac, lifecycle.Executing, wrapProvider(err))
	}
	if !valid {
		return d.fail(ctx, ac, lifecycle.Executing,
			cairnerr.New(cairnerr.ProviderError, "Validation failed: "+strings.Join(checkErrs, "; ")).
				WithField("errors", checkErrs))
	}
	runErr := d.limiter.Run(ctx, d.cfg.MaxExecutionTime, d.cfg.MaxMemoryBytes, func(runCtx context.Context) error {
		inputs := map[string]any{"task": ac.Task, "agent_id": ac.AgentID}
		externals := map[string]any{
			"request_human_input": d.requestHumanInputTool(ac.AgentID),
			"submit":              d.submitTool(ac),
		}
		return handle.Run(runCtx, inputs, externals)
	})
	if runErr != nil {
		return d.fail(ctx, ac, lifecycle.Executing, runErr)
	}

	if err := d.transition(ctx, ac, lifecycle.Submitting); err != nil {
		return err
	}
	if ac.Handle != nil {
		if v, getErr := ac.Handle.KV.Get("submission"); getErr == nil {
			if sub, ok := v.(*lifecycle.SubmissionRecord); ok {
				ac.Submission = sub
			}
		}
		// A missing submission is tolerated: ac.Submission stays nil and
		// the driver proceeds to REVIEWING regardless.
		if err := d.materializePreview(ctx, ac); err != nil {
			return d.fail(ctx, ac, lifecycle.Submitting, err)
		}
	}

	if err := d.transition(ctx, ac, lifecycle.Reviewing); err != nil {
		return err
	}
	d.emit(ctx, "completed", ac, map[string]any{"state": string(ac.State)})
	return nil
}

// requestHumanInputTool binds the rendezvous Ask call to a single
// agent, exposed to scripts as
// request_human_input(question, options?, timeout_s). Returns a
// no-op-with-error tool when the driver has no event bus to correlate on.
func (d *Driver) requestHumanInputTool(agentID string) func(ctx context.Context, question string, options []string, timeoutSeconds float64) (string, error) {
	return func(ctx context.Context, question string, options []string, timeoutSeconds float64) (string, error) {
		if d.rdv == nil {
			return "", cairnerr.New(cairnerr.InternalError, "human-input rendezvous unavailable without an event bus")
		}
		timeout := time.Duration(timeoutSeconds * float64(time.Second))
		if timeout <= 0 {
			timeout = DefaultHumanInputTimeout
		}
		return d.rdv.Ask(ctx, agentID, "", question, options, timeout)
	}
}

// submitTool binds the "submit" external every script may call during
// EXECUTING to record its own SubmissionRecord under the workspace KV's
// "submission" key, read back once the driver reaches SUBMITTING.
func (d *Driver) submitTool(ac *AgentContext) func(summary string, changedFiles []string) error {
	return func(summary string, changedFiles []string) error {
		if ac.Handle == nil {
			return cairnerr.New(cairnerr.InternalError, "agent workspace unavailable for submit")
		}
		return ac.Handle.KV.Set("submission", &lifecycle.SubmissionRecord{Summary: summary, ChangedFiles: changedFiles})
	}
}

func wrapProvider(err error) error {
	if cairnerr.IsKind(err, cairnerr.Timeout) || cairnerr.IsKind(err, cairnerr.ResourceLimit) {
		return err
	}
	return cairnerr.Wrap(cairnerr.ProviderError, "collaborator call failed", err)
}

func (d *Driver) agentScriptDir(agentID string) string {
	return filepath.Join(d.cfg.ProjectRoot, ".scripts", "agents", agentID)
}

func (d *Driver) persistScript(agentID, script string) (string, error) {
	dir := d.agentScriptDir(agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", cairnerr.Wrap(cairnerr.RecoverableIO, "mkdir script dir", err)
	}
	path := filepath.Join(dir, "script.txt")
	if err := os.WriteFile(path, []byte(script), 0o644); err != nil {
		return "", cairnerr.Wrap(cairnerr.RecoverableIO, "write script", err)
	}
	return path, nil
}

type checkResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

func (d *Driver) persistCheck(agentID string, valid bool, errs []string) error {
	dir := d.agentScriptDir(agentID)
	if errs == nil {
		errs = []string{}
	}
	body, err := json.Marshal(checkResult{Valid: valid, Errors: errs})
	if err != nil {
		return cairnerr.Wrap(cairnerr.InternalError, "marshal check result", err)
	}
	path := filepath.Join(dir, "check.json")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return cairnerr.Wrap(cairnerr.RecoverableIO, "write check result", err)
	}
	return nil
}

// materializePreview writes the agent's merged view under the shared
// preview root. The flock guard keeps a concurrently-running CLI process
// from racing the rename-swap on the same cairn_home.
func (d *Driver) materializePreview(ctx context.Context, ac *AgentContext) error {
	allowRoot := filepath.Join(d.cfg.CairnHome, "workspaces")
	if err := os.MkdirAll(allowRoot, 0o755); err != nil {
		return cairnerr.Wrap(cairnerr.RecoverableIO, "mkdir preview root", err)
	}
	target := filepath.Join(allowRoot, ac.AgentID)
	return workspace.WithLock(ctx, filepath.Join(allowRoot, ".cairn.lock"), func() error {
		return d.mat.ToDisk(ac.Handle.Overlay.FS(), target, allowRoot, true)
	})
}
