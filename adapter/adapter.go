// Package adapter publishes device events to downstream systems.
//
// The agent forwards every cloud client event (initialization, received
// data, firmware progress) as a DeviceEvent. Adapters retry transient
// failures with exponential backoff.
package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/pithecene-io/skylink/cloud"
	"github.com/pithecene-io/skylink/types"
)

// Event types.
const (
	EventInitialized = "initialized"
	EventRecv        = "recv"
	EventFirmware    = "firmware"
)

// DeviceEvent is the JSON payload published for one client event.
type DeviceEvent struct {
	ContractVersion string `json:"contract_version" yaml:"contract_version"`
	EventType       string `json:"event_type" yaml:"event_type"`
	SerialNumber    uint32 `json:"serial_number" yaml:"serial_number"`
	DeviceID        string `json:"device_id,omitempty" yaml:"device_id,omitempty"`
	SessionID       uint32 `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	Timestamp       string `json:"timestamp" yaml:"timestamp"` // RFC 3339
	// Payload is the download-data body, base64 in JSON.
	Payload  []byte    `json:"payload,omitempty" yaml:"payload,omitempty"`
	Firmware *Firmware `json:"firmware,omitempty" yaml:"firmware,omitempty"`
}

// Firmware is the firmware progress carried by a firmware event.
type Firmware struct {
	ID     string `json:"id" yaml:"id"`
	Type   string `json:"type" yaml:"type"`
	Offset uint32 `json:"offset" yaml:"offset"`
	Size   uint32 `json:"size" yaml:"size"`
	State  string `json:"state" yaml:"state"`
}

// NewDeviceEvent converts a client event. The session supplies the
// backend-assigned identity.
func NewDeviceEvent(serial uint32, session cloud.State, ev cloud.Event, at time.Time) *DeviceEvent {
	out := &DeviceEvent{
		ContractVersion: types.ContractVersion,
		EventType:       ev.Kind.String(),
		SerialNumber:    serial,
		DeviceID:        session.Session.DeviceID,
		SessionID:       session.Session.ID,
		Timestamp:       at.UTC().Format(time.RFC3339),
		Payload:         ev.Data,
	}
	if f := ev.Firmware; f != nil {
		out.Firmware = &Firmware{
			ID:     f.ID.String(),
			Type:   f.Type,
			Offset: f.Offset,
			Size:   f.Size,
			State:  f.State,
		}
	}
	return out
}

// Adapter publishes device events to a downstream system.
type Adapter interface {
	// Publish sends one event. Must respect context cancellation and
	// deadlines.
	Publish(ctx context.Context, event *DeviceEvent) error

	// Close releases adapter resources.
	Close() error
}

// BaseBackoff is the delay before the first retry. It doubles per retry.
var BaseBackoff = 500 * time.Millisecond

// Retry calls attempt up to 1+retries times with exponential backoff
// between calls. It stops early when permanent reports true for an error.
func Retry(ctx context.Context, name string, retries int, attempt func(ctx context.Context) error, permanent func(error) bool) error {
	var lastErr error
	attempts := 1 + retries
	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: context canceled: %w", name, err)
		}
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * BaseBackoff
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: context canceled during backoff: %w", name, ctx.Err())
			case <-time.After(backoff):
			}
		}

		lastErr = attempt(ctx)
		if lastErr == nil {
			return nil
		}
		if permanent != nil && permanent(lastErr) {
			return fmt.Errorf("%s: non-retriable error: %w", name, lastErr)
		}
	}
	return fmt.Errorf("%s: failed after %d attempts: %w", name, attempts, lastErr)
}
