// Package graph implements the Graph Executor: an optional higher-level
// scheduler that composes many queue-equivalent node executions into
// dependency-ordered batches, run with configurable error policies.
//
// Nodes are grouped into batches of dependency-free work; each batch fans
// out under a semaphore via golang.org/x/sync/errgroup, and per-node
// failures are resolved against the configured error policy
// (stop-graph, skip-downstream, or continue).
package graph

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/cairn/cairnerr"
	"github.com/BaSui01/cairn/eventbus"
)

// ErrorPolicy controls how the executor reacts to a node failure.
type ErrorPolicy string

const (
	// StopGraph aborts the outer batch loop on the first failure; no
	// further batches start.
	StopGraph ErrorPolicy = "stop_graph"
	// SkipDownstream marks every transitive downstream node of a failed
	// node as SKIPPED and emits agent:skipped for each.
	SkipDownstream ErrorPolicy = "skip_downstream"
	// Continue records the failure and proceeds to the next batch
	// regardless.
	Continue ErrorPolicy = "continue"
)

// Node is one AgentNode in the dependency graph: an id, a target/bundle
// description opaque to the executor, and upstream/downstream id sets.
type Node struct {
	ID         string
	Target     string
	BundlePath string
	Priority   int
	Upstream   []string
	Downstream []string
}

// Runner executes a single node's work. The real implementation composes a
// queue+wait-for-REVIEWING+accept sequence against the Orchestrator; tests
// supply stubs. Returning an error marks the node failed.
type Runner func(ctx context.Context, node Node) (output any, err error)

// ResultStatus is the terminal disposition of one node's execution.
type ResultStatus string

const (
	StatusSucceeded ResultStatus = "succeeded"
	StatusFailed    ResultStatus = "failed"
	StatusSkipped   ResultStatus = "skipped"
)

// ResultSummary is one node's entry in Execute's returned map.
type ResultSummary struct {
	Success bool
	Status  ResultStatus
	Output  any
	Error   string
}

// Config configures one Executor.
type Config struct {
	// MaxConcurrency bounds how many nodes of a single batch run at once.
	// Zero means unbounded (within the batch).
	MaxConcurrency int
	ErrorPolicy    ErrorPolicy
}

// Executor is the Graph Executor.
type Executor struct {
	cfg    Config
	bus    *eventbus.Bus
	logger *zap.Logger
	mu     sync.RWMutex
}

// New builds an Executor publishing graph/agent events to bus.
func New(cfg Config, bus *eventbus.Bus, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ErrorPolicy == "" {
		cfg.ErrorPolicy = Continue
	}
	return &Executor{cfg: cfg, bus: bus, logger: logger.With(zap.String("component", "graph_executor"))}
}

// Execute validates the DAG, batches it topologically, and runs it,
// returning a per-node result map and the graph_id used to tag emitted
// events.
func (e *Executor) Execute(ctx context.Context, nodes []Node, run Runner) (graphID string, results map[string]ResultSummary, err error) {
	graphID = "graph-" + uuid.NewString()[:8]
	results = make(map[string]ResultSummary, len(nodes))

	byID := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	batches, err := topoBatches(nodes)
	if err != nil {
		return graphID, results, err
	}

	e.publish(ctx, eventbus.CategoryGraph, "started", graphID, map[string]any{"nodes": len(nodes)})

	skipped := make(map[string]bool)
	var sem *semaphore.Weighted
	if e.cfg.MaxConcurrency > 0 {
		sem = semaphore.NewWeighted(int64(e.cfg.MaxConcurrency))
	}

batchLoop:
	for _, batch := range batches {
		sort.Slice(batch, func(i, j int) bool { return byID[batch[i]].Priority > byID[batch[j]].Priority })

		g, gctx := errgroup.WithContext(ctx)
		var mu sync.Mutex
		runnable := make([]string, 0, len(batch))
		for _, id := range batch {
			if skipped[id] {
				results[id] = ResultSummary{Status: StatusSkipped}
				e.publish(ctx, eventbus.CategoryAgent, "skipped", graphID, map[string]any{"agent_id": id})
				continue
			}
			runnable = append(runnable, id)
		}

		for _, id := range runnable {
			node := byID[id]
			// Acquire admission in priority order on the dispatch loop
			// itself (mirroring the orchestrator's acquire-then-spawn
			// discipline) so MaxConcurrency actually serializes node
			// starts in descending-priority order rather than leaving
			// acquisition order to goroutine-scheduling chance.
			if sem != nil {
				if acqErr := sem.Acquire(gctx, 1); acqErr != nil {
					break
				}
			}
			g.Go(func() error {
				if sem != nil {
					defer sem.Release(1)
				}
				e.publish(ctx, eventbus.CategoryAgent, "started", graphID, map[string]any{"agent_id": node.ID})
				output, runErr := run(gctx, node)

				mu.Lock()
				defer mu.Unlock()
				if runErr != nil {
					results[node.ID] = ResultSummary{Status: StatusFailed, Error: runErr.Error()}
					e.publish(ctx, eventbus.CategoryAgent, "failed", graphID, map[string]any{"agent_id": node.ID, "error": runErr.Error()})
					if e.cfg.ErrorPolicy == SkipDownstream {
						e.markDownstreamSkipped(node.ID, byID, skipped)
					}
					return nil
				}
				results[node.ID] = ResultSummary{Success: true, Status: StatusSucceeded, Output: output}
				e.publish(ctx, eventbus.CategoryAgent, "completed", graphID, map[string]any{"agent_id": node.ID})
				return nil
			})
		}

		_ = g.Wait()

		if e.cfg.ErrorPolicy == StopGraph {
			for _, id := range runnable {
				if results[id].Status == StatusFailed {
					break batchLoop
				}
			}
		}

		e.publish(ctx, eventbus.CategoryGraph, "progress", graphID, map[string]any{"completed_batch_size": len(runnable)})
	}

	counts := map[string]any{"completed": 0, "failed": 0, "skipped": 0}
	var completed, failed, skippedN int
	for _, r := range results {
		switch r.Status {
		case StatusSucceeded:
			completed++
		case StatusFailed:
			failed++
		case StatusSkipped:
			skippedN++
		}
	}
	counts["completed"], counts["failed"], counts["skipped"] = completed, failed, skippedN
	e.publish(ctx, eventbus.CategoryGraph, "completed", graphID, counts)

	return graphID, results, nil
}

// markDownstreamSkipped walks failedID's downstream set transitively,
// marking every reachable node SKIPPED.
func (e *Executor) markDownstreamSkipped(failedID string, byID map[string]Node, skipped map[string]bool) {
	queue := append([]string(nil), byID[failedID].Downstream...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if skipped[id] {
			continue
		}
		skipped[id] = true
		queue = append(queue, byID[id].Downstream...)
	}
}

func (e *Executor) publish(ctx context.Context, category eventbus.Category, action, graphID string, payload map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, eventbus.New(category, action, "", graphID, payload))
}

// topoBatches groups nodes into successive batches: a maximal set of nodes
// whose upstream dependencies are all satisfied by earlier batches. Returns
// InvalidGraph if the dependency graph contains a cycle.
func topoBatches(nodes []Node) ([][]string, error) {
	byID := make(map[string]Node, len(nodes))
	indegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	for _, n := range nodes {
		indegree[n.ID] = 0
	}
	for _, n := range nodes {
		for _, up := range n.Upstream {
			if _, ok := byID[up]; ok {
				indegree[n.ID]++
			}
		}
	}

	remaining := len(nodes)
	done := make(map[string]bool, len(nodes))
	var batches [][]string

	for remaining > 0 {
		var batch []string
		for _, n := range nodes {
			if done[n.ID] {
				continue
			}
			if indegree[n.ID] == 0 {
				batch = append(batch, n.ID)
			}
		}
		if len(batch) == 0 {
			return nil, cairnerr.New(cairnerr.InvalidGraph, "dependency graph contains a cycle")
		}
		sort.Strings(batch)
		batches = append(batches, batch)
		for _, id := range batch {
			done[id] = true
			remaining--
		}
		// Recompute indegree for remaining nodes against the now-done set.
		for _, n := range nodes {
			if done[n.ID] {
				continue
			}
			count := 0
			for _, up := range n.Upstream {
				if _, ok := byID[up]; !ok {
					continue
				}
				if !done[up] {
					count++
				}
			}
			indegree[n.ID] = count
		}
	}
	return batches, nil
}
