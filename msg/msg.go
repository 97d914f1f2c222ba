// Package msg encodes and decodes the typed messages carried as transfer
// payloads.
//
// Every message starts with a one-byte type tag. Uplink tags (device to
// backend) live below 0x80 and downlink tags at or above it. Structured
// bodies are CBOR maps keyed by small integers; uplinks use
// indefinite-length maps and lists, byte compatible with the reference
// firmware.
package msg

import (
	"errors"
	"fmt"
	"strings"
)

// Type is the message tag.
type Type byte

// Uplink types.
const (
	CreateSession  Type = 0x00
	GetTimestamp   Type = 0x01
	UploadConfig   Type = 0x02
	UploadDecoder  Type = 0x03
	UploadEncoder  Type = 0x04
	UploadStats    Type = 0x05
	UploadData     Type = 0x06
	UploadShell    Type = 0x07
	UploadFirmware Type = 0x08
)

// Downlink types.
const (
	SetSession       Type = 0x80
	SetTimestamp     Type = 0x81
	DownloadConfig   Type = 0x82
	DownloadData     Type = 0x86
	DownloadShell    Type = 0x87
	DownloadFirmware Type = 0x88
	RequestReboot    Type = 0xFF
)

var typeNames = map[Type]string{
	CreateSession:    "create-session",
	GetTimestamp:     "get-timestamp",
	UploadConfig:     "upload-config",
	UploadDecoder:    "upload-decoder",
	UploadEncoder:    "upload-encoder",
	UploadStats:      "upload-stats",
	UploadData:       "upload-data",
	UploadShell:      "upload-shell",
	UploadFirmware:   "upload-firmware",
	SetSession:       "set-session",
	SetTimestamp:     "set-timestamp",
	DownloadConfig:   "download-config",
	DownloadData:     "download-data",
	DownloadShell:    "download-shell",
	DownloadFirmware: "download-firmware",
	RequestReboot:    "request-reboot",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(0x%02x)", byte(t))
}

// IsDownlink reports whether t is in the downlink range.
func (t Type) IsDownlink() bool {
	return t >= 0x80
}

// TypeOf peeks the tag of buf.
func TypeOf(buf []byte) (Type, error) {
	if len(buf) == 0 {
		return 0, &DecodeError{Field: "type", Err: errors.New("empty message")}
	}
	return Type(buf[0]), nil
}

// ErrDecode matches every *DecodeError with errors.Is.
var ErrDecode = errors.New("msg: decode error")

// DecodeError is a malformed, truncated or mistyped downlink.
type DecodeError struct {
	Type  Type
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("msg: decode %s: %s: %v", e.Type, e.Field, e.Err)
	}
	return fmt.Sprintf("msg: decode %s: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrDecode) match.
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// IsDecodeError reports whether err is a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// expect checks the tag of buf.
func expect(buf []byte, t Type) error {
	if len(buf) == 0 {
		return &DecodeError{Type: t, Field: "type", Err: errors.New("empty message")}
	}
	if Type(buf[0]) != t {
		return &DecodeError{Type: t, Field: "type", Err: fmt.Errorf("unexpected type %s", Type(buf[0]))}
	}
	return nil
}

// SplitLines splits text on CRLF and drops empty fragments. A trailing
// fragment without a terminator is kept.
func SplitLines(text string) []string {
	var lines []string
	for _, s := range strings.Split(text, "\r\n") {
		if s != "" {
			lines = append(lines, s)
		}
	}
	return lines
}
