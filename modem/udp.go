package modem

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pithecene-io/skylink/log"
	"github.com/pithecene-io/skylink/packet"
	"github.com/pithecene-io/skylink/transfer"
)

// UDPConfig configures a UDP bearer.
type UDPConfig struct {
	// Address is the gateway host:port.
	Address string
	// Timeout bounds each response wait. Zero leaves only the caller's ctx.
	Timeout time.Duration
	Logger  *log.Logger
}

// UDP exchanges one datagram per request with the cloud gateway.
type UDP struct {
	cfg    UDPConfig
	logger *log.Logger

	mu   sync.Mutex
	conn net.Conn
}

// NewUDP creates a detached UDP bearer.
func NewUDP(cfg UDPConfig) *UDP {
	return &UDP{cfg: cfg, logger: log.OrNop(cfg.Logger)}
}

// Ready dials the gateway if not already attached.
func (u *UDP) Ready(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil {
		return nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", u.cfg.Address)
	if err != nil {
		return fmt.Errorf("modem: dial %s: %w", u.cfg.Address, err)
	}
	u.conn = conn
	u.logger.Info("attached", map[string]any{"bearer": "udp", "address": u.cfg.Address})
	return nil
}

// Exchange sends req and waits for one datagram unless opts.NoResponse.
func (u *UDP) Exchange(ctx context.Context, req []byte, opts transfer.ExchangeOptions) ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil, ErrDetached
	}

	if _, err := u.conn.Write(req); err != nil {
		return nil, fmt.Errorf("modem: send: %w", err)
	}
	if opts.RAI {
		u.logger.Debug("release assistance requested", nil)
	}
	if opts.NoResponse {
		return nil, nil
	}

	if err := u.conn.SetReadDeadline(deadline(ctx, u.cfg.Timeout)); err != nil {
		return nil, err
	}

	// Unblock the read when ctx is cancelled without a deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = u.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, packet.MaxFrameSize*2)
	n, err := u.conn.Read(buf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("modem: receive: %w", ctx.Err())
		}
		return nil, fmt.Errorf("modem: receive: %w", err)
	}
	return buf[:n], nil
}

// Detach closes the socket.
func (u *UDP) Detach() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.conn = nil
	u.logger.Info("detached", map[string]any{"bearer": "udp"})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Close detaches.
func (u *UDP) Close() error {
	return u.Detach()
}

var _ Transport = (*UDP)(nil)
