package eventbus

import (
	"encoding/json"
	"fmt"

	"github.com/BaSui01/cairn/cairnerr"
)

// wireEvent is the exact JSON shape the SSE wire format documents: category,
// action, type (alias of action for client back-compat), plus the optional
// correlation fields.
type wireEvent struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	Category  Category       `json:"category"`
	Action    string         `json:"action"`
	Type      string         `json:"type"`
	AgentID   string         `json:"agent_id,omitempty"`
	GraphID   string         `json:"graph_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// FormatSSE renders event as one Server-Sent Events frame: a single
// "data: <json>\n\n" line. It does not open any
// network listener or write to any writer; callers append the returned
// bytes to whatever transport they use.
func FormatSSE(event Event) ([]byte, error) {
	w := wireEvent{
		ID:        event.ID,
		Timestamp: event.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Category:  event.Category,
		Action:    event.Action,
		Type:      event.Action,
		AgentID:   event.AgentID,
		GraphID:   event.GraphID,
		Payload:   event.Payload,
	}
	body, err := json.Marshal(w)
	if err != nil {
		return nil, cairnerr.Wrap(cairnerr.InternalError, "failed to marshal event for SSE", err)
	}
	return []byte(fmt.Sprintf("data: %s\n\n", body)), nil
}
