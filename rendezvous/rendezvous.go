// Package rendezvous implements the Human-Input Rendezvous: the tool
// surface an agent's sandboxed script calls to block on a human answer,
// correlated purely by request_id filtering over the event bus.
//
// There is no pending-request map: a request publishes a
// human:request_input event and then waits for the first
// human:response_input event carrying the same request_id, bounded by a
// caller-supplied timeout.
package rendezvous

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/cairn/eventbus"
)

// Request is the payload published as human:request_input.
type Request struct {
	GraphID   string   `json:"graph_id,omitempty"`
	AgentID   string   `json:"agent_id"`
	RequestID string   `json:"request_id"`
	Question  string   `json:"question"`
	Options   []string `json:"options,omitempty"`
}

// Response is the payload an external adapter (UI, CLI) publishes as
// human:response_input to satisfy a pending Ask call.
type Response struct {
	RequestID string `json:"request_id"`
	Answer    string `json:"answer"`
}

// Rendezvous exposes the request_human_input tool contract over an event
// bus. It holds no pending-request state of its own: every Ask call is an
// independent publish-then-WaitFor round trip.
type Rendezvous struct {
	bus *eventbus.Bus
}

// New builds a Rendezvous publishing/subscribing on bus.
func New(bus *eventbus.Bus) *Rendezvous {
	return &Rendezvous{bus: bus}
}

// Ask implements request_human_input(question, options?, timeout_s):
// generates a request_id, emits human:request_input, then blocks for a
// matching human:response_input event bounded by timeout. A zero timeout
// means "bounded only by ctx".
func (r *Rendezvous) Ask(ctx context.Context, agentID, graphID, question string, options []string, timeout time.Duration) (string, error) {
	requestID := uuid.NewString()

	r.bus.Publish(ctx, eventbus.New(eventbus.CategoryHuman, "request_input", agentID, graphID, map[string]any{
		"graph_id":   graphID,
		"agent_id":   agentID,
		"request_id": requestID,
		"question":   question,
		"options":    options,
	}))

	event, err := r.bus.WaitFor(ctx, "human:response_input", func(e eventbus.Event) bool {
		id, ok := e.Payload["request_id"].(string)
		return ok && id == requestID
	}, timeout)
	if err != nil {
		return "", err
	}

	answer, _ := event.Payload["answer"].(string)
	return answer, nil
}

// Respond is the adapter-side call: publish a human:response_input event
// that will satisfy any pending Ask waiting on requestID.
func Respond(ctx context.Context, bus *eventbus.Bus, requestID, answer string) {
	bus.Publish(ctx, eventbus.New(eventbus.CategoryHuman, "response_input", "", "", map[string]any{
		"request_id": requestID,
		"answer":     answer,
	}))
}
