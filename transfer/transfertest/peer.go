// Package transfertest provides a scripted backend peer that speaks the
// transfer protocol, for tests of the engine and of its users.
package transfertest

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/pithecene-io/skylink/packet"
	"github.com/pithecene-io/skylink/transfer"
)

// ErrDropped is returned by Exchange for a request scripted with FaultDrop.
var ErrDropped = errors.New("transfertest: request dropped")

// Fault alters how the peer answers one request.
type Fault int

const (
	// FaultNone answers normally.
	FaultNone Fault = iota
	// FaultDrop fails the exchange without processing the request.
	FaultDrop
	// FaultResetSequence answers with sequence 0 without processing the request.
	FaultResetSequence
	// FaultDuplicate repeats the previous response without processing the request.
	FaultDuplicate
	// FaultCorrupt processes the request and flips a bit of the response hash.
	FaultCorrupt
	// FaultWrongSerial processes the request and answers for another device.
	FaultWrongSerial
	// FaultEmpty processes the request and returns no bytes.
	FaultEmpty
	// FaultBadSequence answers with an out-of-order sequence without processing.
	FaultBadSequence
)

// Request is one recorded exchange.
type Request struct {
	Frame   []byte
	Packet  packet.Packet
	Options transfer.ExchangeOptions
}

// Peer is an in-memory backend implementing transfer.Exchanger.
type Peer struct {
	serial uint32
	token  packet.ClaimToken

	// FragmentSize is the downlink fragment size. Zero means
	// packet.MaxPayloadSize.
	FragmentSize int

	// OnUplink, when set, is called with every complete uplink message.
	// The returned messages are queued for downlink.
	OnUplink func(msg []byte) [][]byte

	mu        sync.Mutex
	requests  []Request
	uplinks   [][]byte
	delivered [][]byte
	pending   [][]byte
	faults    map[int]Fault
	acc       []byte
	dl        *downlink
	lastResp  packet.Packet
}

type downlink struct {
	msg  []byte
	off  int
	done bool
}

// NewPeer creates a peer for the device with the given serial and token.
func NewPeer(serial uint32, token packet.ClaimToken) *Peer {
	return &Peer{serial: serial, token: token, faults: make(map[int]Fault)}
}

// Queue appends a message for downlink delivery.
func (p *Peer) Queue(msg []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, bytes.Clone(msg))
}

// Inject scripts fault f for the request with zero-based index n.
func (p *Peer) Inject(n int, f Fault) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[n] = f
}

// Requests returns every request received so far.
func (p *Peer) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.requests...)
}

// Uplinks returns every complete uplink message received so far.
func (p *Peer) Uplinks() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.uplinks...)
}

// Delivered returns the downlink messages whose final acknowledgement arrived.
func (p *Peer) Delivered() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.delivered...)
}

// Pending returns the number of queued downlink messages.
func (p *Peer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Exchange implements transfer.Exchanger.
func (p *Peer) Exchange(ctx context.Context, req []byte, opts transfer.ExchangeOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	in, err := packet.Unpack(req, p.token)
	if err != nil {
		return nil, err
	}
	in.Payload = bytes.Clone(in.Payload)

	n := len(p.requests)
	p.requests = append(p.requests, Request{Frame: bytes.Clone(req), Packet: in, Options: opts})

	fault := p.faults[n]
	var resp packet.Packet
	switch fault {
	case FaultDrop:
		return nil, ErrDropped
	case FaultResetSequence:
		p.acc, p.dl = nil, nil
		resp = packet.Packet{SerialNumber: p.serial, Flags: packet.FlagAck}
	case FaultDuplicate:
		resp = p.lastResp
	case FaultBadSequence:
		resp = packet.Packet{
			SerialNumber: p.serial,
			Sequence:     packet.SequenceInc(packet.SequenceInc(in.Sequence)),
			Flags:        packet.FlagAck,
		}
	default:
		var ok bool
		resp, ok = p.handle(in)
		if !ok || opts.NoResponse {
			return nil, nil
		}
	}
	p.lastResp = resp

	if fault == FaultWrongSerial {
		resp.SerialNumber ^= 0xFFFFFFFF
	}
	frame, err := packet.Pack(resp, p.token)
	if err != nil {
		return nil, err
	}
	switch fault {
	case FaultCorrupt:
		frame[0] ^= 0x01
	case FaultEmpty:
		return nil, nil
	}
	return frame, nil
}

func (p *Peer) handle(in packet.Packet) (packet.Packet, bool) {
	resp := packet.Packet{SerialNumber: p.serial, Sequence: packet.SequenceInc(in.Sequence)}

	switch {
	case in.Flags.Has(packet.FlagPoll):
		p.dl = nil
		if len(p.pending) == 0 {
			resp.Flags = packet.FlagLast
			return resp, true
		}
		p.dl = &downlink{msg: p.pending[0]}
		p.fragment(&resp)

	case in.Flags.Has(packet.FlagAck) && p.dl != nil:
		if p.dl.done {
			p.delivered = append(p.delivered, p.dl.msg)
			p.pending = p.pending[1:]
			p.dl = nil
			return resp, false
		}
		p.fragment(&resp)

	default:
		if in.Flags.Has(packet.FlagFirst) {
			p.acc = nil
		}
		p.acc = append(p.acc, in.Payload...)
		if in.Flags.Has(packet.FlagLast) {
			msg := p.acc
			p.acc = nil
			p.uplinks = append(p.uplinks, msg)
			if p.OnUplink != nil {
				for _, reply := range p.OnUplink(msg) {
					p.pending = append(p.pending, bytes.Clone(reply))
				}
			}
		}
		resp.Flags = packet.FlagAck
		if len(p.pending) > 0 {
			resp.Flags |= packet.FlagPoll
		}
	}
	return resp, true
}

func (p *Peer) fragment(resp *packet.Packet) {
	size := p.FragmentSize
	if size <= 0 {
		size = packet.MaxPayloadSize
	}
	dl := p.dl
	if dl.off == 0 {
		resp.Flags |= packet.FlagFirst
	}
	end := min(dl.off+size, len(dl.msg))
	resp.Payload = dl.msg[dl.off:end]
	dl.off = end
	if end == len(dl.msg) {
		dl.done = true
		resp.Flags |= packet.FlagLast
		if len(p.pending) > 1 {
			resp.Flags |= packet.FlagPoll
		}
	}
}
