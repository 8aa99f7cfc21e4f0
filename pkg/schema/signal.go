package schema

import "encoding/json"

// Signal is an external, named event a waiting execution blocks on.
// Delivery is data-driven: the payload is written to the store and the
// worker matches it to a waiting execution on its next poll cycle.
type Signal struct {
	Name        string          `json:"name"`
	ExecutionID string          `json:"execution_id,omitempty"` // empty = match any execution waiting on Name
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Well-known signal names used by the control surface.
const (
	SignalApprove = "approval"
	SignalReject  = "rejection"
)
