// Package modem provides the bearers the transfer engine exchanges frames
// over: a UDP socket to the cloud gateway, a WebSocket gateway tunnel and
// a base64 text wrapper for bearers that only carry printable payloads.
package modem

import (
	"context"
	"errors"
	"time"

	"github.com/pithecene-io/skylink/transfer"
)

// ErrDetached is returned by Exchange when the bearer is not attached.
var ErrDetached = errors.New("modem: not attached")

// Transport is a bearer the orchestrator can attach and detach.
type Transport interface {
	transfer.Exchanger
	// Ready attaches the bearer, blocking until it can exchange or ctx is
	// done.
	Ready(ctx context.Context) error
	// Detach drops the attachment. The next Ready re-attaches.
	Detach() error
	Close() error
}

// deadline picks the earlier of ctx's deadline and now+fallback.
// A zero fallback leaves only ctx's deadline.
func deadline(ctx context.Context, fallback time.Duration) time.Time {
	d, ok := ctx.Deadline()
	if fallback > 0 {
		f := time.Now().Add(fallback)
		if !ok || f.Before(d) {
			return f
		}
	}
	if ok {
		return d
	}
	return time.Time{}
}
