package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/cairn/cairnerr"
	"github.com/BaSui01/cairn/config"
	"github.com/BaSui01/cairn/eventbus"
	"github.com/BaSui01/cairn/lifecycle"
	"github.com/BaSui01/cairn/limiter"
	"github.com/BaSui01/cairn/metrics"
	"github.com/BaSui01/cairn/taskqueue"
	"github.com/BaSui01/cairn/workspace"
)

// Orchestrator is the Orchestrator: it owns the active-agents map, the
// task queue, the lifecycle store, the workspace cache, and the stable/bin
// workspaces, and dispatches queued work to the Agent Lifecycle Driver
// under a bounded-concurrency semaphore.
type Orchestrator struct {
	mu     sync.RWMutex
	active map[string]*AgentContext

	queue  *taskqueue.Queue
	store  *lifecycle.Store
	cache  *workspace.Cache
	stable *workspace.Overlay
	bin    *workspace.Overlay
	binKV  *workspace.KV
	bus    *eventbus.Bus
	driver *Driver
	sem    *semaphore.Weighted
	mat    *workspace.Materializer

	cfg    config.Config
	logger *zap.Logger

	dispatchCancel context.CancelFunc
	dispatchDone   chan struct{}
	wg             sync.WaitGroup
}

// New builds an Orchestrator. provider/host are the CodeProvider/ScriptHost
// collaborators every driven agent will use.
func New(cfg config.Config, provider CodeProvider, host ScriptHost, logger *zap.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cacheSize := cfg.Concurrency.WorkspaceCacheSize
	if cacheSize <= 0 {
		cacheSize = 1
	}
	cache, err := workspace.NewCache(cacheSize)
	if err != nil {
		return nil, cairnerr.Wrap(cairnerr.InternalError, "create workspace cache", err)
	}

	stable := workspace.NewOverlay(afero.NewMemMapFs(), nil)
	bin := workspace.NewOverlay(afero.NewMemMapFs(), nil)
	binKV := workspace.NewKV()

	store := lifecycle.NewStore(binKV)
	bus := eventbus.NewBus(logger)
	lim := limiter.New()

	o := &Orchestrator{
		active: make(map[string]*AgentContext),
		queue:  taskqueue.New(maxOr(cfg.Concurrency.MaxQueueSize, 1)),
		store:  store,
		cache:  cache,
		stable: stable,
		bin:    bin,
		binKV:  binKV,
		bus:    bus,
		sem:    semaphore.NewWeighted(int64(maxOr(cfg.Concurrency.MaxConcurrentAgents, 1))),
		mat:    workspace.NewMaterializer(),
		cfg:    cfg,
		logger: logger.With(zap.String("component", "orchestrator")),
	}
	o.driver = NewDriver(DriverConfig{
		ProjectRoot:      cfg.Paths.ProjectRoot,
		CairnHome:        cfg.Paths.CairnHome,
		MaxExecutionTime: cfg.Limits.MaxExecutionTime,
		MaxMemoryBytes:   uint64(maxOr64(cfg.Limits.MaxMemoryBytes, 0)),
	}, provider, host, lim, store, bus)
	return o, nil
}

func maxOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func maxOr64(v, fallback int64) int64 {
	if v <= 0 {
		return fallback
	}
	return v
}

// Events returns the orchestrator's event bus, for callers that want to
// Subscribe or Stream observability/human-input events.
func (o *Orchestrator) Events() *eventbus.Bus { return o.bus }

// SetMetrics binds a metrics.Collector so every lifecycle transition the
// driver performs is also recorded as a Prometheus counter increment. Safe
// to call once, before Start; nil clears existing wiring.
func (o *Orchestrator) SetMetrics(c *metrics.Collector) {
	o.driver.Metrics = c
}

// Recover scans the lifecycle store for non-terminal records left behind by
// a prior process, reopens each agent's workspace, rebuilds its
// AgentContext, registers it active, and re-enqueues it if it was still
// QUEUED. A record whose workspace can no longer be opened is marked
// ERRORED with a structured reason rather than silently dropped.
func (o *Orchestrator) Recover(ctx context.Context) error {
	records, err := o.store.ListActive()
	if err != nil {
		return err
	}
	for _, rec := range records {
		ac := fromRecord(rec)
		handle, openErr := o.openAgentWorkspace(ac.AgentID)
		if openErr != nil {
			ac.Err = &lifecycle.ErrorInfo{
				Message:        "workspace unavailable on recovery: " + openErr.Error(),
				StateAtFailure: ac.State,
			}
			ac.State = lifecycle.Errored
			ac.StateChangedAt = time.Now()
			rec2 := ac.toRecord()
			rec2.Version = rec.Version
			if saveErr := o.store.Save(rec2); saveErr != nil {
				o.logger.Error("failed to persist recovery error", zap.String("agent_id", ac.AgentID), zap.Error(saveErr))
			}
			continue
		}
		ac.Handle = handle
		o.mu.Lock()
		o.active[ac.AgentID] = ac
		o.mu.Unlock()
		if ac.State == lifecycle.Queued {
			if err := o.queue.Enqueue(ac.AgentID, taskqueue.Priority(ac.Priority)); err != nil {
				o.logger.Error("failed to re-enqueue recovered agent", zap.String("agent_id", ac.AgentID), zap.Error(err))
			}
		}
	}
	return nil
}

func (o *Orchestrator) openAgentWorkspace(agentID string) (*workspace.Handle, error) {
	if h, ok := o.cache.Get(agentID); ok {
		return h, nil
	}
	overlay := workspace.NewOverlay(afero.NewMemMapFs(), o.stable.FS())
	handle := &workspace.Handle{AgentID: agentID, Overlay: overlay, KV: workspace.NewKV()}
	o.cache.Put(handle)
	return handle, nil
}

// Start launches the single dispatcher goroutine: DequeueWait, semaphore
// acquire, spawn a lifecycle-driver goroutine, release on completion.
func (o *Orchestrator) Start(ctx context.Context) {
	dispatchCtx, cancel := context.WithCancel(ctx)
	o.dispatchCancel = cancel
	o.dispatchDone = make(chan struct{})
	go o.dispatchLoop(dispatchCtx)
}

func (o *Orchestrator) dispatchLoop(ctx context.Context) {
	defer close(o.dispatchDone)
	for {
		task, err := o.queue.DequeueWait(ctx)
		if err != nil {
			return
		}
		if err := o.sem.Acquire(ctx, 1); err != nil {
			return
		}
		o.wg.Add(1)
		go func(agentID string) {
			defer o.wg.Done()
			defer o.sem.Release(1)
			o.runAgent(ctx, agentID)
		}(task.AgentID)
	}
}

func (o *Orchestrator) runAgent(ctx context.Context, agentID string) {
	o.mu.RLock()
	ac, ok := o.active[agentID]
	o.mu.RUnlock()
	if !ok {
		o.logger.Error("dequeued agent missing from active map", zap.String("agent_id", agentID))
		return
	}
	if err := o.driver.Run(ctx, ac); err != nil {
		o.logger.Error("lifecycle driver failed", zap.String("agent_id", agentID), zap.Error(err))
	}
}

// Shutdown cancels the dispatcher and waits up to grace for in-flight
// lifecycle drivers to finish, then closes the event bus. The workspace
// cache is not cleared and the stable/bin workspaces are not released.
func (o *Orchestrator) Shutdown(grace time.Duration) {
	if o.dispatchCancel != nil {
		o.dispatchCancel()
	}
	o.queue.Close()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		o.logger.Warn("shutdown grace period elapsed with agents still in flight")
	}
	o.bus.Close()
}

// SubmitCommand dispatches cmd to its matching handler per the Orchestrator
// command ABI table.
func (o *Orchestrator) SubmitCommand(ctx context.Context, cmd Command) (CommandResult, error) {
	switch cmd.Kind {
	case CmdQueue:
		return o.doQueue(ctx, cmd.Task, cmd.Priority)
	case CmdAccept:
		return o.doAccept(ctx, cmd.AgentID)
	case CmdReject:
		return o.doReject(ctx, cmd.AgentID)
	case CmdStatus:
		return o.doStatus(cmd.AgentID)
	case CmdListAgents:
		return o.doListAgents()
	default:
		return CommandResult{}, cairnerr.New(cairnerr.InvalidInput, "unknown command kind").
			WithField("kind", string(cmd.Kind))
	}
}

func newAgentID() string {
	return "agent-" + uuid.NewString()[:8]
}

func (o *Orchestrator) doQueue(ctx context.Context, task string, priority taskqueue.Priority) (CommandResult, error) {
	if task == "" {
		return CommandResult{}, cairnerr.New(cairnerr.InvalidInput, "task must not be empty")
	}
	if priority == 0 {
		priority = taskqueue.Normal
	}

	agentID := newAgentID()
	now := time.Now()
	ac := &AgentContext{
		AgentID:        agentID,
		Task:           task,
		Priority:       int(priority),
		State:          lifecycle.Queued,
		CreatedAt:      now,
		StateChangedAt: now,
		WorkspacePath:  agentID,
	}
	handle, err := o.openAgentWorkspace(agentID)
	if err != nil {
		return CommandResult{}, err
	}
	ac.Handle = handle

	if err := o.store.Save(ac.toRecord()); err != nil {
		o.cache.Evict(agentID)
		return CommandResult{}, err
	}
	ac.Version = 1

	o.mu.Lock()
	o.active[agentID] = ac
	o.mu.Unlock()

	if err := o.queue.Enqueue(agentID, priority); err != nil {
		o.mu.Lock()
		delete(o.active, agentID)
		o.mu.Unlock()
		o.cache.Evict(agentID)
		_ = o.store.Delete(agentID)
		return CommandResult{}, err
	}

	o.bus.Publish(ctx, eventbus.New(eventbus.CategoryAgent, "started", agentID, "", map[string]any{"task": task, "queued": true}))
	o.writeSnapshot()
	return CommandResult{AgentID: agentID}, nil
}

func (o *Orchestrator) lookupActive(agentID string) (*AgentContext, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ac, ok := o.active[agentID]
	return ac, ok
}

func (o *Orchestrator) doAccept(ctx context.Context, agentID string) (CommandResult, error) {
	ac, ok := o.lookupActive(agentID)
	if !ok {
		return CommandResult{}, cairnerr.New(cairnerr.NotFound, "agent not found").WithField("agent_id", agentID)
	}
	if ac.State != lifecycle.Reviewing {
		return CommandResult{}, cairnerr.New(cairnerr.InvalidState, "agent is not awaiting review").
			WithField("agent_id", agentID).WithField("state", string(ac.State))
	}

	result, mergeErr := o.stable.Merge(ac.Handle.Overlay.Top(), workspace.Overwrite, nil)
	if mergeErr != nil {
		return CommandResult{}, mergeErr
	}
	_ = result

	ac.State = lifecycle.Accepted
	ac.StateChangedAt = time.Now()
	if err := o.store.Save(ac.toRecord()); err != nil {
		return CommandResult{}, err
	}
	o.bus.Publish(ctx, eventbus.New(eventbus.CategoryAgent, "completed", agentID, "", map[string]any{"accepted": true}))
	o.trash(agentID)
	o.writeSnapshot()
	return CommandResult{}, nil
}

func (o *Orchestrator) doReject(ctx context.Context, agentID string) (CommandResult, error) {
	ac, ok := o.lookupActive(agentID)
	if !ok {
		return CommandResult{}, cairnerr.New(cairnerr.NotFound, "agent not found").WithField("agent_id", agentID)
	}
	if ac.State != lifecycle.Reviewing && ac.State != lifecycle.Queued {
		return CommandResult{}, cairnerr.New(cairnerr.InvalidState, "agent cannot be rejected from its current state").
			WithField("agent_id", agentID).WithField("state", string(ac.State))
	}

	ac.State = lifecycle.Rejected
	ac.StateChangedAt = time.Now()
	if err := o.store.Save(ac.toRecord()); err != nil {
		return CommandResult{}, err
	}
	o.bus.Publish(ctx, eventbus.New(eventbus.CategoryAgent, "cancelled", agentID, "", map[string]any{"rejected": true}))
	o.trash(agentID)
	o.writeSnapshot()
	return CommandResult{}, nil
}

// trash implements the §4.7.1 trash protocol: remove from the active-agents
// map, archive the overlay's own files into bin under a "bin-<id>" prefix,
// point the lifecycle record's workspace path at "bin-<id>", remove the
// preview directory, and evict from the workspace cache. Every step is
// best-effort and independent: a later failure never undoes an earlier
// success.
func (o *Orchestrator) trash(agentID string) {
	o.mu.Lock()
	ac, ok := o.active[agentID]
	delete(o.active, agentID)
	o.mu.Unlock()
	if !ok {
		return
	}

	if ac.Handle != nil {
		if changed, err := ac.Handle.Overlay.ListChanges("/"); err == nil {
			for _, p := range changed {
				data, readErr := afero.ReadFile(ac.Handle.Overlay.Top(), p)
				if readErr != nil {
					continue
				}
				dest := "/bin-" + agentID + p
				if writeErr := o.bin.Files.Write(dest, data); writeErr != nil {
					o.logger.Warn("failed to archive agent file to bin", zap.String("agent_id", agentID), zap.String("path", p), zap.Error(writeErr))
				}
			}
		}
	}
	if _, err := o.store.UpdateAtomic(agentID, func(r *lifecycle.Record) error {
		r.WorkspacePath = "bin-" + agentID
		return nil
	}); err != nil {
		o.logger.Warn("failed to record trash path", zap.String("agent_id", agentID), zap.Error(err))
	}
	preview := filepath.Join(o.cfg.Paths.CairnHome, "workspaces", agentID)
	if err := os.RemoveAll(preview); err != nil {
		o.logger.Warn("failed to remove preview dir", zap.String("agent_id", agentID), zap.Error(err))
	}
	o.cache.Evict(agentID)
}

func (o *Orchestrator) doStatus(agentID string) (CommandResult, error) {
	if ac, ok := o.lookupActive(agentID); ok {
		return CommandResult{Status: statusFromContext(ac)}, nil
	}
	rec, err := o.store.Load(agentID)
	if err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Status: statusFromRecord(rec)}, nil
}

func statusFromContext(ac *AgentContext) *StatusView {
	v := &StatusView{State: string(ac.State), Task: ac.Task}
	if ac.Err != nil {
		v.Error = ac.Err.Message
	}
	if ac.Submission != nil {
		v.Submission = &SubmissionView{Summary: ac.Submission.Summary, ChangedFiles: ac.Submission.ChangedFiles}
	}
	return v
}

func statusFromRecord(rec *lifecycle.Record) *StatusView {
	v := &StatusView{State: string(rec.State), Task: rec.Task}
	if rec.Error != nil {
		v.Error = rec.Error.Message
	}
	if rec.Submission != nil {
		v.Submission = &SubmissionView{Summary: rec.Submission.Summary, ChangedFiles: rec.Submission.ChangedFiles}
	}
	return v
}

func (o *Orchestrator) doListAgents() (CommandResult, error) {
	agents := make(map[string]AgentSummary)

	o.mu.RLock()
	for id, ac := range o.active {
		agents[id] = AgentSummary{State: string(ac.State), Task: ac.Task, Priority: ac.Priority}
	}
	o.mu.RUnlock()

	records, err := o.store.ListAll()
	if err != nil {
		return CommandResult{}, err
	}
	for _, rec := range records {
		if _, present := agents[rec.AgentID]; present {
			continue
		}
		agents[rec.AgentID] = AgentSummary{State: string(rec.State), Task: rec.Task, Priority: rec.Priority}
	}
	return CommandResult{Agents: agents}, nil
}

// ActiveAgentIDs returns a sorted snapshot of currently active agent ids,
// primarily for status reporting and tests.
func (o *Orchestrator) ActiveAgentIDs() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// QueueDepth reports the task queue's current size, wired to the
// cairn_queue_depth metric.
func (o *Orchestrator) QueueDepth() int { return o.queue.Size() }

// ActiveAgentCount reports the number of agents currently tracked in the
// active-agents map, wired to the cairn_active_agents metric.
func (o *Orchestrator) ActiveAgentCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.active)
}

// WorkspaceCacheLen reports the workspace cache's current occupancy, wired
// to the cairn_workspace_cache_size metric.
func (o *Orchestrator) WorkspaceCacheLen() int { return o.cache.Len() }
