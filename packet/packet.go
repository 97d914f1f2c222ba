// Package packet implements the authenticated datagram framing used between
// the device and the cloud backend.
//
// Wire layout (big-endian):
//
//	hash[8] | serial_number[4] | flags<<12 | sequence [2] | payload[0..494]
//
// The hash is a keyed tag over everything after the hash field. Unpack
// verifies it before any other field is read.
package packet

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Frame size constants.
const (
	// HashSize is the size of the authentication tag.
	HashSize = 8
	// HeaderSize is the fixed header size: hash + serial + flags/sequence.
	HeaderSize = HashSize + 4 + 2
	// MaxFrameSize is the largest frame the modem buffers accept.
	MaxFrameSize = 508
	// MaxPayloadSize is the largest payload a single frame can carry.
	MaxPayloadSize = MaxFrameSize - HeaderSize
	// Base64PayloadSize is the largest payload whose base64 text form
	// still fits in MaxFrameSize bytes.
	Base64PayloadSize = MaxFrameSize/4*3 - 7 - HeaderSize
	// MaxSequence is the largest valid 12-bit sequence number.
	MaxSequence = 0x0FFF
	// ClaimTokenSize is the size of the pre-shared claim token.
	ClaimTokenSize = 16
)

// Flags is the 4-bit flag field carried in the top bits of the header.
type Flags uint8

// Flag bits.
const (
	FlagPoll  Flags = 1 << 0
	FlagAck   Flags = 1 << 1
	FlagLast  Flags = 1 << 2
	FlagFirst Flags = 1 << 3
)

// Has reports whether all bits of f2 are set in f.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// String renders the flags as [FLAP], with '-' for each clear bit.
func (f Flags) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for _, bit := range []struct {
		flag Flags
		c    byte
	}{{FlagFirst, 'F'}, {FlagLast, 'L'}, {FlagAck, 'A'}, {FlagPoll, 'P'}} {
		if f.Has(bit.flag) {
			b.WriteByte(bit.c)
		} else {
			b.WriteByte('-')
		}
	}
	b.WriteByte(']')
	return b.String()
}

// ClaimToken is the 16-byte pre-shared secret used as hash key material.
type ClaimToken [ClaimTokenSize]byte

// ParseClaimToken decodes a claim token from 32 hex characters.
func ParseClaimToken(s string) (ClaimToken, error) {
	var tok ClaimToken
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return tok, fmt.Errorf("claim token: %w", err)
	}
	if len(raw) != ClaimTokenSize {
		return tok, fmt.Errorf("claim token: got %d bytes, want %d", len(raw), ClaimTokenSize)
	}
	copy(tok[:], raw)
	return tok, nil
}

// IsZero reports whether the token is unset.
func (t ClaimToken) IsZero() bool {
	return t == ClaimToken{}
}

// Packet is one decoded datagram.
type Packet struct {
	SerialNumber uint32
	Sequence     uint16
	Flags        Flags
	Payload      []byte
}

// ErrorKind classifies packet errors.
type ErrorKind int

const (
	// ErrorBadMessage indicates a frame too short to carry a header.
	ErrorBadMessage ErrorKind = iota
	// ErrorAuthentication indicates a hash mismatch.
	ErrorAuthentication
	// ErrorInvalid indicates a packet that cannot be encoded.
	ErrorInvalid
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorBadMessage:
		return "bad message"
	case ErrorAuthentication:
		return "authentication failed"
	case ErrorInvalid:
		return "invalid packet"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error represents a packet encoding or decoding failure.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("packet: %s: %s", e.Kind, e.Msg)
}

// IsAuthentication reports whether err is a hash mismatch.
func IsAuthentication(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == ErrorAuthentication
}

// IsBadMessage reports whether err is a short or malformed frame.
func IsBadMessage(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && (pe.Kind == ErrorBadMessage || pe.Kind == ErrorAuthentication)
}

// Pack encodes p into a new frame authenticated with token.
func Pack(p Packet, token ClaimToken) ([]byte, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, &Error{
			Kind: ErrorInvalid,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", len(p.Payload), MaxPayloadSize),
		}
	}
	if p.Sequence > MaxSequence {
		return nil, &Error{
			Kind: ErrorInvalid,
			Msg:  fmt.Sprintf("sequence %d exceeds maximum %d", p.Sequence, MaxSequence),
		}
	}
	if p.Flags > 0x0F {
		return nil, &Error{Kind: ErrorInvalid, Msg: fmt.Sprintf("flags 0x%x exceed 4 bits", uint8(p.Flags))}
	}

	frame := make([]byte, HeaderSize+len(p.Payload))
	copy(frame[HeaderSize:], p.Payload)
	binary.BigEndian.PutUint32(frame[HashSize:], p.SerialNumber)
	binary.BigEndian.PutUint16(frame[HashSize+4:], uint16(p.Flags)<<12|p.Sequence)

	tag := Hash(token[:], frame[HashSize:])
	copy(frame[:HashSize], tag[:])
	return frame, nil
}

// Unpack authenticates and decodes frame. The returned payload aliases frame.
func Unpack(frame []byte, token ClaimToken) (Packet, error) {
	if len(frame) < HeaderSize {
		return Packet{}, &Error{
			Kind: ErrorBadMessage,
			Msg:  fmt.Sprintf("frame size %d below header size %d", len(frame), HeaderSize),
		}
	}

	tag := Hash(token[:], frame[HashSize:])
	if string(tag[:]) != string(frame[:HashSize]) {
		return Packet{}, &Error{Kind: ErrorAuthentication, Msg: "hash mismatch"}
	}

	header := binary.BigEndian.Uint16(frame[HashSize+4:])
	return Packet{
		SerialNumber: binary.BigEndian.Uint32(frame[HashSize:]),
		Sequence:     header & MaxSequence,
		Flags:        Flags(header >> 12),
		Payload:      frame[HeaderSize:],
	}, nil
}

// SequenceInc returns the sequence number following n.
// 4095 wraps to 1; 0 is reserved and never returned.
func SequenceInc(n uint16) uint16 {
	n++
	if n > MaxSequence {
		return 1
	}
	return n
}
