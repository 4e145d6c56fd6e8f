package pipeline

import (
	"context"
)

// Socket is a named, typed attachment point on a stage.
type Socket struct {
	// ID identifies the socket; unique within its stage.
	ID string `json:"id"`

	// Name is a human-readable label.
	Name string `json:"name,omitempty"`

	// Type is an optional payload type hint checked by external validators.
	Type string `json:"type,omitempty"`
}

// Inputs maps an input socket ID to the items buffered for it.
type Inputs map[string][]WorkItem

// Outputs maps an output socket ID to the items produced on it.
type Outputs map[string][]WorkItem

// Count returns the total number of items across all sockets.
func (in Inputs) Count() int {
	n := 0
	for _, items := range in {
		n += len(items)
	}
	return n
}

// All returns every item in socket order of the given socket list.
func (in Inputs) All(sockets []Socket) []WorkItem {
	all := make([]WorkItem, 0, in.Count())
	for _, s := range sockets {
		all = append(all, in[s.ID]...)
	}
	return all
}

// Count returns the total number of items across all sockets.
func (out Outputs) Count() int {
	n := 0
	for _, items := range out {
		n += len(items)
	}
	return n
}

// Add appends items to the given socket.
func (out Outputs) Add(socketID string, items ...WorkItem) {
	out[socketID] = append(out[socketID], items...)
}

// Stage is a unit of computation driven by the engine.
//
// Inputs and Outputs must return the same sockets for the lifetime of the stage. A stage
// with no inputs is a source; a stage with no outputs is a sink. Execute receives the
// items currently buffered on each input socket and returns the items produced per output
// socket. Execute must observe ctx and return promptly once it is cancelled.
//
// Items passed to Execute are owned by the engine and are released after the call unless
// the very same item is returned in the outputs. A stage that wants to keep an input or
// emit it alongside a derived value must Clone it.
type Stage interface {
	Name() string
	Inputs() []Socket
	Outputs() []Socket
	Execute(ctx context.Context, in Inputs) (Outputs, error)
}

// ShipmentSource is implemented by source stages whose per-invocation production is capped.
// The engine sets the cap before the first shipment cycle; a source signals exhaustion by
// producing fewer items than the cap in one invocation.
type ShipmentSource interface {
	Stage
	MaxShipmentSize() int
	SetMaxShipmentSize(n int)
}
