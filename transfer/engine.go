// Package transfer implements the stop-and-wait ARQ channel that moves
// arbitrarily large byte buffers between the device and the backend over a
// single-shot request/response bearer.
//
// Invariants:
//   - At most one request is outstanding at any time.
//   - Responses are accepted only after packet authentication.
//   - A zero or unexpected response sequence resynchronizes and restarts
//     the whole operation from its first fragment.
//   - A repeated response sequence retransmits the identical request frame.
//   - Any terminal failure resets both sequence counters.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pithecene-io/skylink/log"
	"github.com/pithecene-io/skylink/packet"
)

// Error categories. Every error returned by Engine matches one of these
// with errors.Is.
var (
	// ErrTransport indicates the bearer failed, timed out or returned nothing.
	ErrTransport = errors.New("transfer: transport failure")
	// ErrAuthentication indicates responses failed authentication until the
	// resync budget ran out.
	ErrAuthentication = errors.New("transfer: authentication failure")
	// ErrProtocol indicates the peer kept violating sequencing or flag rules.
	ErrProtocol = errors.New("transfer: protocol violation")
	// ErrResource indicates a buffer limit was exceeded.
	ErrResource = errors.New("transfer: resource limit exceeded")
)

// ExchangeOptions are the per-request hints passed to the bearer.
type ExchangeOptions struct {
	// RAI marks the last exchange of a burst so the modem may release the
	// radio early.
	RAI bool
	// NoResponse sends the request without waiting for a reply.
	NoResponse bool
}

// Exchanger performs one blocking request/response round trip.
// With NoResponse set the returned slice is ignored.
type Exchanger interface {
	Exchange(ctx context.Context, req []byte, opts ExchangeOptions) ([]byte, error)
}

// Defaults.
const (
	DefaultMaxDownlink     = 16 * 1024
	DefaultMaxResync       = 8
	DefaultExchangeTimeout = 60 * time.Second
)

// Config configures an Engine.
type Config struct {
	// SerialNumber is the device identity carried in every frame.
	SerialNumber uint32
	// Token keys the packet authentication tag.
	Token packet.ClaimToken
	// FragmentSize is the uplink fragment payload size.
	// Zero means packet.MaxPayloadSize. Base64 bearers use
	// packet.Base64PayloadSize.
	FragmentSize int
	// MaxDownlink bounds the reassembled downlink buffer.
	MaxDownlink int
	// MaxResync bounds resynchronizations and duplicate retransmissions
	// per operation.
	MaxResync int
	// ExchangeTimeout bounds each single exchange. Zero means
	// DefaultExchangeTimeout; negative means no bound beyond the caller's ctx.
	ExchangeTimeout time.Duration
	// Observer receives one event per terminal outcome. Optional.
	Observer Observer
	// Logger is optional.
	Logger *log.Logger
}

// State is a snapshot of the sequence counters.
type State struct {
	NextSequence uint16
	LastReceived uint16
}

// Engine is the transfer engine. Uplink and Downlink must be called with
// the transfer lock held (see Lock).
type Engine struct {
	x        Exchanger
	serial   uint32
	token    packet.ClaimToken
	fragSize int
	maxDown  int
	resync   int
	timeout  time.Duration
	observer Observer
	logger   *log.Logger

	lock chan struct{}

	seq      atomic.Uint32
	lastRecv atomic.Uint32
}

// New creates an engine sending through x.
func New(x Exchanger, cfg Config) (*Engine, error) {
	if x == nil {
		return nil, errors.New("transfer: exchanger is required")
	}
	if cfg.FragmentSize == 0 {
		cfg.FragmentSize = packet.MaxPayloadSize
	}
	if cfg.FragmentSize < 1 || cfg.FragmentSize > packet.MaxPayloadSize {
		return nil, fmt.Errorf("transfer: fragment size %d out of range 1..%d", cfg.FragmentSize, packet.MaxPayloadSize)
	}
	if cfg.MaxDownlink <= 0 {
		cfg.MaxDownlink = DefaultMaxDownlink
	}
	if cfg.MaxResync <= 0 {
		cfg.MaxResync = DefaultMaxResync
	}
	if cfg.ExchangeTimeout == 0 {
		cfg.ExchangeTimeout = DefaultExchangeTimeout
	}

	return &Engine{
		x:        x,
		serial:   cfg.SerialNumber,
		token:    cfg.Token,
		fragSize: cfg.FragmentSize,
		maxDown:  cfg.MaxDownlink,
		resync:   cfg.MaxResync,
		timeout:  cfg.ExchangeTimeout,
		observer: cfg.Observer,
		logger:   log.OrNop(cfg.Logger),
		lock:     make(chan struct{}, 1),
	}, nil
}

// Lock acquires the transfer-wide lock, waiting at most until ctx is done.
func (e *Engine) Lock(ctx context.Context) error {
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("transfer: acquire lock: %w", ctx.Err())
	}
}

// Unlock releases the transfer-wide lock.
func (e *Engine) Unlock() {
	select {
	case <-e.lock:
	default:
		panic("transfer: unlock of unlocked engine")
	}
}

// State returns the current sequence counters.
func (e *Engine) State() State {
	return State{
		NextSequence: uint16(e.seq.Load()),
		LastReceived: uint16(e.lastRecv.Load()),
	}
}

// FragmentSize returns the configured uplink fragment size.
func (e *Engine) FragmentSize() int {
	return e.fragSize
}

// Reset returns both sequence counters to their initial value.
func (e *Engine) Reset() {
	e.seq.Store(0)
	e.lastRecv.Store(0)
}

// resyncError is returned by a single attempt when the outer loop must
// reset the send sequence and start over.
type resyncError struct {
	reason error
}

func (r *resyncError) Error() string { return "resync: " + r.reason.Error() }
func (r *resyncError) Unwrap() error { return r.reason }

func resync(reason error) error {
	return &resyncError{reason: reason}
}

func resyncf(format string, args ...any) error {
	return &resyncError{reason: fmt.Errorf("%w: "+format, append([]any{ErrProtocol}, args...)...)}
}

// retry runs attempt until it returns something other than a resync
// request, resetting the send sequence between attempts.
func (e *Engine) retry(op string, attempt func() error) error {
	for n := 0; ; n++ {
		err := attempt()
		var rs *resyncError
		if !errors.As(err, &rs) {
			return err
		}
		if n >= e.resync {
			return fmt.Errorf("%w: %s: resync limit %d reached: %w", ErrProtocol, op, e.resync, rs.reason)
		}
		e.logger.Warn("resynchronizing", map[string]any{
			"operation": op,
			"reason":    rs.reason.Error(),
			"attempt":   n + 1,
		})
		e.seq.Store(0)
	}
}

// nextSequence returns the sequence for the next request and advances it.
func (e *Engine) nextSequence() uint16 {
	s := uint16(e.seq.Load())
	e.seq.Store(uint32(packet.SequenceInc(s)))
	return s
}

func (e *Engine) pack(seq uint16, flags packet.Flags, payload []byte) ([]byte, error) {
	frame, err := packet.Pack(packet.Packet{
		SerialNumber: e.serial,
		Sequence:     seq,
		Flags:        flags,
		Payload:      payload,
	}, e.token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResource, err)
	}
	e.logger.Info("sending packet", map[string]any{
		"sequence": seq,
		"flags":    flags.String(),
		"len":      len(payload),
	})
	return frame, nil
}

func (e *Engine) exchange(ctx context.Context, frame []byte, opts ExchangeOptions) ([]byte, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	resp, err := e.x.Exchange(ctx, frame, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if !opts.NoResponse && len(resp) == 0 {
		return nil, fmt.Errorf("%w: no data received", ErrTransport)
	}
	return resp, nil
}

// receive exchanges frame and authenticates the reply. Authentication and
// framing failures are resync requests.
func (e *Engine) receive(ctx context.Context, frame []byte, rai bool) (packet.Packet, error) {
	resp, err := e.exchange(ctx, frame, ExchangeOptions{RAI: rai})
	if err != nil {
		return packet.Packet{}, err
	}
	p, err := packet.Unpack(resp, e.token)
	if err != nil {
		if packet.IsAuthentication(err) {
			return packet.Packet{}, resync(fmt.Errorf("%w: %w", ErrAuthentication, err))
		}
		return packet.Packet{}, resync(fmt.Errorf("%w: %w", ErrProtocol, err))
	}
	e.logger.Info("received packet", map[string]any{
		"sequence": p.Sequence,
		"flags":    p.Flags.String(),
		"len":      len(p.Payload),
	})
	if p.SerialNumber != e.serial {
		return packet.Packet{}, resyncf("serial number mismatch: got %d", p.SerialNumber)
	}
	return p, nil
}

type verdict int

const (
	accepted verdict = iota
	duplicate
)

// reconcile applies the sequence rules to a response.
func (e *Engine) reconcile(p packet.Packet) (verdict, error) {
	expect := uint16(e.seq.Load())
	switch {
	case p.Sequence == 0:
		return 0, resyncf("sequence reset requested")
	case p.Sequence == expect:
		return accepted, nil
	case p.Sequence == uint16(e.lastRecv.Load()):
		e.logger.Warn("received repeat response", map[string]any{"sequence": p.Sequence})
		return duplicate, nil
	default:
		return 0, resyncf("unexpected sequence %d, expected %d", p.Sequence, expect)
	}
}

func (e *Engine) accept(p packet.Packet) {
	e.lastRecv.Store(uint32(p.Sequence))
	e.seq.Store(uint32(packet.SequenceInc(p.Sequence)))
}

// roundTrip sends frame until a non-duplicate response arrives.
func (e *Engine) roundTrip(ctx context.Context, frame []byte, rai bool, check func(packet.Packet) error) (packet.Packet, error) {
	for dups := 0; ; dups++ {
		if dups > e.resync {
			return packet.Packet{}, fmt.Errorf("%w: %d repeated responses", ErrProtocol, dups)
		}
		p, err := e.receive(ctx, frame, rai)
		if err != nil {
			return packet.Packet{}, err
		}
		if err := check(p); err != nil {
			return packet.Packet{}, err
		}
		v, err := e.reconcile(p)
		if err != nil {
			return packet.Packet{}, err
		}
		if v == accepted {
			e.accept(p)
			return p, nil
		}
	}
}

func fragmentCount(n, size int) int {
	return (n + size - 1) / size
}

// Uplink delivers buf to the backend and reports whether the backend has
// downlink data pending. An empty buf still sends one packet.
func (e *Engine) Uplink(ctx context.Context, buf []byte) (hasDownlink bool, err error) {
	defer func() {
		if err != nil {
			e.logger.Error("transfer uplink failed, reset sequence", map[string]any{"error": err.Error()})
			e.Reset()
		}
		kind := UplinkOK
		if err != nil {
			kind = UplinkError
		}
		e.notify(Event{Kind: kind, Fragments: fragmentCount(len(buf), e.fragSize), Bytes: len(buf)})
	}()

	err = e.retry("uplink", func() error {
		hasDownlink = false
		return e.uplinkOnce(ctx, buf, &hasDownlink)
	})
	return hasDownlink, err
}

func (e *Engine) uplinkOnce(ctx context.Context, buf []byte, hasDownlink *bool) error {
	for off, part := 0, 0; ; part++ {
		n := min(len(buf)-off, e.fragSize)

		var flags packet.Flags
		if part == 0 {
			flags |= packet.FlagFirst
		}
		last := off+n == len(buf)
		if last {
			flags |= packet.FlagLast
		}

		frame, err := e.pack(e.nextSequence(), flags, buf[off:off+n])
		if err != nil {
			return err
		}

		p, err := e.roundTrip(ctx, frame, last, func(p packet.Packet) error {
			if p.Flags&(packet.FlagFirst|packet.FlagLast) != 0 {
				return resyncf("unexpected flags %s", p.Flags)
			}
			if len(p.Payload) != 0 {
				return resyncf("unexpected payload of %d bytes", len(p.Payload))
			}
			return nil
		})
		if err != nil {
			return err
		}
		*hasDownlink = p.Flags.Has(packet.FlagPoll)

		off += n
		if last {
			return nil
		}
	}
}

// Downlink retrieves the data the backend has queued for the device.
// It returns the reassembled buffer, empty when nothing was pending, and
// whether more downlink data remains.
func (e *Engine) Downlink(ctx context.Context) (data []byte, hasDownlink bool, err error) {
	var parts int
	defer func() {
		if err != nil {
			e.logger.Error("transfer downlink failed, reset sequence", map[string]any{"error": err.Error()})
			e.Reset()
		}
		ev := Event{Kind: Poll, Fragments: parts, Bytes: len(data)}
		switch {
		case err != nil:
			ev.Kind = DownlinkError
		case parts > 0:
			ev.Kind = DownlinkOK
		}
		e.notify(ev)
	}()

	err = e.retry("downlink", func() error {
		data, parts, hasDownlink = data[:0], 0, false
		return e.downlinkOnce(ctx, &data, &parts, &hasDownlink)
	})
	if err != nil {
		return nil, false, err
	}
	return data, hasDownlink, nil
}

func (e *Engine) downlinkOnce(ctx context.Context, data *[]byte, parts *int, hasDownlink *bool) error {
	for part := 0; ; part++ {
		flags := packet.FlagAck
		if part == 0 {
			flags = packet.FlagPoll
		}
		frame, err := e.pack(e.nextSequence(), flags, nil)
		if err != nil {
			return err
		}

		p, err := e.roundTrip(ctx, frame, part == 0, func(p packet.Packet) error {
			if p.Flags.Has(packet.FlagAck) {
				return resyncf("unexpected flags %s", p.Flags)
			}
			return nil
		})
		if err != nil {
			return err
		}

		if p.Flags.Has(packet.FlagFirst) {
			*data = (*data)[:0]
		}
		if len(*data)+len(p.Payload) > e.maxDown {
			return fmt.Errorf("%w: downlink exceeds %d bytes", ErrResource, e.maxDown)
		}
		*data = append(*data, p.Payload...)
		*hasDownlink = p.Flags.Has(packet.FlagPoll)

		if !p.Flags.Has(packet.FlagLast) {
			continue
		}
		if part == 0 && len(p.Payload) == 0 {
			e.logger.Info("skip ack response", nil)
			return nil
		}
		*parts = part + 1

		ack, err := e.pack(e.nextSequence(), packet.FlagAck, nil)
		if err != nil {
			return err
		}
		_, err = e.exchange(ctx, ack, ExchangeOptions{RAI: !*hasDownlink, NoResponse: true})
		return err
	}
}
