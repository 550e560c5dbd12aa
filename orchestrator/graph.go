package orchestrator

import (
	"context"
	"time"

	"github.com/BaSui01/cairn/cairnerr"
	"github.com/BaSui01/cairn/eventbus"
	"github.com/BaSui01/cairn/graph"
	"github.com/BaSui01/cairn/lifecycle"
	"github.com/BaSui01/cairn/taskqueue"
)

// GraphNode is one AgentNode fed into ExecuteGraph: the external
// Discoverer collaborator is responsible for turning source paths into a
// set of these.
type GraphNode struct {
	ID         string
	Task       string
	Priority   taskqueue.Priority
	BundlePath string
	Upstream   []string
	Downstream []string
}

// ExecuteGraph runs nodes through the Graph Executor, composing each
// node's execution out of a queue command followed by a wait for REVIEWING
// or ERRORED, followed by an automatic accept on REVIEWING; the graph path
// drives queue-equivalent node executions rather than requiring a human
// review step per node.
func (o *Orchestrator) ExecuteGraph(ctx context.Context, nodes []GraphNode, policy graph.ErrorPolicy, maxConcurrency int, timeout time.Duration) (string, map[string]graph.ResultSummary, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	byID := make(map[string]GraphNode, len(nodes))
	gnodes := make([]graph.Node, 0, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
		gnodes = append(gnodes, graph.Node{
			ID:         n.ID,
			Target:     n.Task,
			BundlePath: n.BundlePath,
			Priority:   int(n.Priority),
			Upstream:   n.Upstream,
			Downstream: n.Downstream,
		})
	}

	executor := graph.New(graph.Config{MaxConcurrency: maxConcurrency, ErrorPolicy: policy}, o.bus, o.logger)
	return executor.Execute(ctx, gnodes, func(runCtx context.Context, node graph.Node) (any, error) {
		n := byID[node.ID]
		result, err := o.doQueue(runCtx, n.Task, n.Priority)
		if err != nil {
			return nil, err
		}
		agentID := result.AgentID

		event, err := o.bus.WaitFor(runCtx, "agent:*", func(e eventbus.Event) bool {
			return e.AgentID == agentID && (e.Action == "completed" || e.Action == "failed")
		}, 0)
		if err != nil {
			return nil, err
		}
		if event.Action == "failed" {
			return nil, cairnerr.New(cairnerr.ProviderError, "graph node agent errored").WithField("agent_id", agentID)
		}

		ac, ok := o.lookupActive(agentID)
		if !ok || ac.State != lifecycle.Reviewing {
			return nil, cairnerr.New(cairnerr.InternalError, "graph node agent not in REVIEWING after completed event").
				WithField("agent_id", agentID)
		}
		if _, err := o.doAccept(runCtx, agentID); err != nil {
			return nil, err
		}
		return agentID, nil
	})
}
