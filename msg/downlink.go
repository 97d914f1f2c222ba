package msg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
)

// Downlink limits.
const (
	MaxDeviceIDLength   = 36
	MaxDeviceNameLength = 32
	// MaxLineLength bounds a single config line or shell command.
	MaxLineLength = 256
)

var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 4096,
		MaxMapPairs:      4096,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

func unmarshal(t Type, data []byte, v any) error {
	if len(data) == 0 {
		return &DecodeError{Type: t, Err: errors.New("missing body")}
	}
	if err := decMode.Unmarshal(data, v); err != nil {
		return &DecodeError{Type: t, Field: "body", Err: err}
	}
	return nil
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// Session is the backend's view of the device.
type Session struct {
	ID          uint32 `json:"id" yaml:"id"`
	DecoderHash uint64 `json:"decoder_hash" yaml:"decoder_hash"`
	EncoderHash uint64 `json:"encoder_hash" yaml:"encoder_hash"`
	ConfigHash  uint64 `json:"config_hash" yaml:"config_hash"`
	// Timestamp is ms since epoch.
	Timestamp  int64  `json:"timestamp" yaml:"timestamp"`
	DeviceID   string `json:"device_id" yaml:"device_id"`
	DeviceName string `json:"device_name" yaml:"device_name"`
}

// Valid reports whether a session has been established.
func (s Session) Valid() bool {
	return s.ID != 0
}

type setSessionBody struct {
	ID          uint32 `cbor:"0,keyasint"`
	DecoderHash uint64 `cbor:"1,keyasint"`
	EncoderHash uint64 `cbor:"2,keyasint"`
	ConfigHash  uint64 `cbor:"3,keyasint"`
	Timestamp   int64  `cbor:"4,keyasint"`
	DeviceID    string `cbor:"5,keyasint"`
	DeviceName  string `cbor:"6,keyasint"`
}

// DecodeSetSession decodes a set-session downlink. Over-long device id and
// name are truncated.
func DecodeSetSession(buf []byte) (Session, error) {
	if err := expect(buf, SetSession); err != nil {
		return Session{}, err
	}
	var b setSessionBody
	if err := unmarshal(SetSession, buf[1:], &b); err != nil {
		return Session{}, err
	}
	return Session{
		ID:          b.ID,
		DecoderHash: b.DecoderHash,
		EncoderHash: b.EncoderHash,
		ConfigHash:  b.ConfigHash,
		Timestamp:   b.Timestamp,
		DeviceID:    truncate(b.DeviceID, MaxDeviceIDLength),
		DeviceName:  truncate(b.DeviceName, MaxDeviceNameLength),
	}, nil
}

// DecodeSetTimestamp decodes a set-timestamp downlink (ms since epoch).
func DecodeSetTimestamp(buf []byte) (int64, error) {
	if err := expect(buf, SetTimestamp); err != nil {
		return 0, err
	}
	if len(buf) != 9 {
		return 0, &DecodeError{Type: SetTimestamp, Field: "timestamp", Err: fmt.Errorf("size %d bytes, want 9", len(buf))}
	}
	return int64(binary.BigEndian.Uint64(buf[1:])), nil
}

func checkLines(t Type, field string, lines []string) ([]string, error) {
	out := lines[:0]
	for i, l := range lines {
		if len(l) >= MaxLineLength {
			return nil, &DecodeError{Type: t, Field: field, Err: fmt.Errorf("line %d is %d bytes, limit %d", i, len(l), MaxLineLength-1)}
		}
		if l != "" {
			out = append(out, l)
		}
	}
	return out, nil
}

// DecodeConfig decodes a download-config downlink into its command lines.
func DecodeConfig(buf []byte) ([]string, error) {
	if err := expect(buf, DownloadConfig); err != nil {
		return nil, err
	}
	if len(buf) < 4 {
		return nil, &DecodeError{Type: DownloadConfig, Err: fmt.Errorf("size %d bytes, want at least 4", len(buf))}
	}
	if buf[1] != ConfigHeaderNoCompression {
		return nil, &DecodeError{Type: DownloadConfig, Field: "header", Err: fmt.Errorf("unsupported header 0x%02x", buf[1])}
	}
	var lines []string
	if err := unmarshal(DownloadConfig, buf[2:], &lines); err != nil {
		return nil, err
	}
	return checkLines(DownloadConfig, "lines", lines)
}

// DecodeData returns the opaque payload of a download-data downlink.
func DecodeData(buf []byte) ([]byte, error) {
	if err := expect(buf, DownloadData); err != nil {
		return nil, err
	}
	return buf[1:], nil
}

// DownShell is a download-shell batch.
type DownShell struct {
	Commands []string
	// MessageID correlates the reply. Nil when absent.
	MessageID *UUID
}

type downShellBody struct {
	Commands  []string `cbor:"0,keyasint"`
	MessageID []byte   `cbor:"1,keyasint"`
}

// DecodeShell decodes a download-shell downlink.
func DecodeShell(buf []byte) (DownShell, error) {
	if err := expect(buf, DownloadShell); err != nil {
		return DownShell{}, err
	}
	var b downShellBody
	if err := unmarshal(DownloadShell, buf[1:], &b); err != nil {
		return DownShell{}, err
	}
	cmds, err := checkLines(DownloadShell, "commands", b.Commands)
	if err != nil {
		return DownShell{}, err
	}
	out := DownShell{Commands: cmds}
	if b.MessageID != nil {
		id, err := uuidFromBytes(b.MessageID)
		if err != nil {
			return DownShell{}, &DecodeError{Type: DownloadShell, Field: "message_id", Err: err}
		}
		out.MessageID = &id
	}
	return out, nil
}

// DownFirmware is one download-firmware message.
type DownFirmware struct {
	Target       string
	Type         string
	ID           UUID
	Offset       uint32
	Length       uint32
	Data         []byte
	FirmwareSize uint32
}

type downFirmwareBody struct {
	Target       string `cbor:"0,keyasint"`
	Type         string `cbor:"1,keyasint"`
	ID           []byte `cbor:"2,keyasint"`
	Offset       uint32 `cbor:"3,keyasint"`
	Length       uint32 `cbor:"4,keyasint"`
	Data         []byte `cbor:"5,keyasint"`
	FirmwareSize uint32 `cbor:"6,keyasint"`
}

// DecodeFirmware decodes a download-firmware downlink. The data length
// must match the declared length.
func DecodeFirmware(buf []byte) (DownFirmware, error) {
	if err := expect(buf, DownloadFirmware); err != nil {
		return DownFirmware{}, err
	}
	var b downFirmwareBody
	if err := unmarshal(DownloadFirmware, buf[1:], &b); err != nil {
		return DownFirmware{}, err
	}
	out := DownFirmware{
		Target:       b.Target,
		Type:         b.Type,
		Offset:       b.Offset,
		Length:       b.Length,
		Data:         b.Data,
		FirmwareSize: b.FirmwareSize,
	}
	if b.ID != nil {
		id, err := uuidFromBytes(b.ID)
		if err != nil {
			return DownFirmware{}, &DecodeError{Type: DownloadFirmware, Field: "id", Err: err}
		}
		out.ID = id
	}
	if uint32(len(b.Data)) != b.Length {
		return DownFirmware{}, &DecodeError{
			Type:  DownloadFirmware,
			Field: "data",
			Err:   fmt.Errorf("data length %d does not match declared length %d", len(b.Data), b.Length),
		}
	}
	return out, nil
}
