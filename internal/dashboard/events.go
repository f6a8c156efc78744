package dashboard

import (
	"time"

	"polycopy/pkg/types"
)

// WireEvent is the envelope sent to every WebSocket client: a discriminated
// union over the two kinds of thing the dashboard ever pushes.
type WireEvent struct {
	Type      string      `json:"type"` // "snapshot" or "cycle"
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

func snapshotWireEvent(snap Snapshot) WireEvent {
	return WireEvent{Type: "snapshot", Timestamp: time.Now(), Data: snap}
}

func cycleWireEvent(event types.CopytradeEvent) WireEvent {
	return WireEvent{Type: "cycle", Timestamp: event.Timestamp, Data: event}
}
