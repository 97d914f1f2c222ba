package cloud

import "github.com/pithecene-io/skylink/msg"

// EventKind identifies a client event.
type EventKind int

const (
	// EventInitialized is emitted once, when bootstrap first succeeds.
	EventInitialized EventKind = iota
	// EventRecv carries a download-data payload.
	EventRecv
	// EventFirmware reports firmware transfer progress.
	EventFirmware
)

func (k EventKind) String() string {
	switch k {
	case EventInitialized:
		return "initialized"
	case EventRecv:
		return "recv"
	case EventFirmware:
		return "firmware"
	default:
		return "unknown"
	}
}

// Event is delivered to the callback registered with SetCallback.
type Event struct {
	Kind EventKind
	// Data is the payload of an EventRecv.
	Data []byte
	// Firmware is set for EventFirmware.
	Firmware *FirmwareProgress
}

// FirmwareProgress describes one firmware transfer step.
type FirmwareProgress struct {
	ID msg.UUID
	// Type is the chunk type received, or "ack" after the post-update
	// boot was confirmed.
	Type   string
	Offset uint32
	Size   uint32
	State  string
}

func (c *Client) emit(ev Event) {
	c.mu.Lock()
	fn := c.callback
	c.mu.Unlock()
	if fn == nil {
		if ev.Kind == EventRecv {
			c.log().Warn("no callback set, dropping data", map[string]any{"bytes": len(ev.Data)})
		}
		return
	}
	fn(ev)
}
