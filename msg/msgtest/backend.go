// Package msgtest builds the backend side of the message protocol:
// downlink encoders and uplink decoders for tests and simulators.
package msgtest

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/pithecene-io/skylink/msg"
)

func marshal(t msg.Type, v any) []byte {
	body, err := cbor.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("msgtest: encode %s: %v", t, err))
	}
	return append([]byte{byte(t)}, body...)
}

type session struct {
	ID          uint32 `cbor:"0,keyasint,omitempty"`
	DecoderHash uint64 `cbor:"1,keyasint,omitempty"`
	EncoderHash uint64 `cbor:"2,keyasint,omitempty"`
	ConfigHash  uint64 `cbor:"3,keyasint,omitempty"`
	Timestamp   int64  `cbor:"4,keyasint,omitempty"`
	DeviceID    string `cbor:"5,keyasint,omitempty"`
	DeviceName  string `cbor:"6,keyasint,omitempty"`
}

// SetSession encodes a set-session downlink.
func SetSession(s msg.Session) []byte {
	return marshal(msg.SetSession, session(s))
}

// SetTimestamp encodes a set-timestamp downlink.
func SetTimestamp(ms int64) []byte {
	return binary.BigEndian.AppendUint64([]byte{byte(msg.SetTimestamp)}, uint64(ms))
}

// DownloadConfig encodes a download-config downlink.
func DownloadConfig(lines ...string) []byte {
	body, err := cbor.Marshal(lines)
	if err != nil {
		panic(err)
	}
	return append([]byte{byte(msg.DownloadConfig), msg.ConfigHeaderNoCompression}, body...)
}

// DownloadData encodes a download-data downlink.
func DownloadData(payload []byte) []byte {
	return append([]byte{byte(msg.DownloadData)}, payload...)
}

type shell struct {
	Commands  []string `cbor:"0,keyasint"`
	MessageID []byte   `cbor:"1,keyasint,omitempty"`
}

// DownloadShell encodes a download-shell downlink. id may be nil.
func DownloadShell(id *msg.UUID, commands ...string) []byte {
	s := shell{Commands: commands}
	if id != nil {
		s.MessageID = id[:]
	}
	return marshal(msg.DownloadShell, s)
}

type firmware struct {
	Target       string `cbor:"0,keyasint"`
	Type         string `cbor:"1,keyasint"`
	ID           []byte `cbor:"2,keyasint"`
	Offset       uint32 `cbor:"3,keyasint"`
	Length       uint32 `cbor:"4,keyasint"`
	Data         []byte `cbor:"5,keyasint"`
	FirmwareSize uint32 `cbor:"6,keyasint"`
}

// Chunk encodes a download-firmware "chunk" downlink.
func Chunk(id msg.UUID, offset uint32, data []byte, size uint32) []byte {
	return DownloadFirmware(msg.DownFirmware{
		Target:       msg.FirmwareTarget,
		Type:         "chunk",
		ID:           id,
		Offset:       offset,
		Length:       uint32(len(data)),
		Data:         data,
		FirmwareSize: size,
	})
}

// DownloadFirmware encodes a download-firmware downlink.
func DownloadFirmware(f msg.DownFirmware) []byte {
	return marshal(msg.DownloadFirmware, firmware{
		Target:       f.Target,
		Type:         f.Type,
		ID:           f.ID[:],
		Offset:       f.Offset,
		Length:       f.Length,
		Data:         f.Data,
		FirmwareSize: f.FirmwareSize,
	})
}

// Reboot encodes a reboot request.
func Reboot() []byte {
	return []byte{byte(msg.RequestReboot)}
}

type upFirmware struct {
	Target    string `cbor:"0,keyasint"`
	Type      string `cbor:"1,keyasint"`
	ID        []byte `cbor:"2,keyasint"`
	Offset    uint32 `cbor:"3,keyasint"`
	MaxLength uint32 `cbor:"4,keyasint"`
	Firmware  string `cbor:"5,keyasint"`
	Error     string `cbor:"6,keyasint"`
}

// DecodeUpFirmware decodes an upload-firmware uplink.
func DecodeUpFirmware(buf []byte) (msg.UpFirmware, error) {
	if len(buf) == 0 || msg.Type(buf[0]) != msg.UploadFirmware {
		return msg.UpFirmware{}, fmt.Errorf("msgtest: not an upload-firmware message")
	}
	var f upFirmware
	if err := cbor.Unmarshal(buf[1:], &f); err != nil {
		return msg.UpFirmware{}, err
	}
	out := msg.UpFirmware{
		Target:    f.Target,
		Type:      f.Type,
		Offset:    f.Offset,
		MaxLength: f.MaxLength,
		Firmware:  f.Firmware,
		Error:     f.Error,
	}
	copy(out.ID[:], f.ID)
	return out, nil
}

// ShellResponse is one decoded upload-shell entry.
type ShellResponse struct {
	Command string   `cbor:"0,keyasint"`
	Result  int      `cbor:"1,keyasint"`
	Output  []string `cbor:"2,keyasint"`
}

type upShell struct {
	Responses []ShellResponse `cbor:"0,keyasint"`
	MessageID []byte          `cbor:"1,keyasint"`
}

// DecodeUpShell decodes an upload-shell uplink.
func DecodeUpShell(buf []byte) ([]ShellResponse, *msg.UUID, error) {
	if len(buf) == 0 || msg.Type(buf[0]) != msg.UploadShell {
		return nil, nil, fmt.Errorf("msgtest: not an upload-shell message")
	}
	var s upShell
	if err := cbor.Unmarshal(buf[1:], &s); err != nil {
		return nil, nil, err
	}
	if s.MessageID == nil {
		return s.Responses, nil, nil
	}
	var id msg.UUID
	copy(id[:], s.MessageID)
	return s.Responses, &id, nil
}

// ContentHash returns the big-endian hash following the type byte of an
// upload-config, upload-decoder, upload-encoder or upload-data message.
func ContentHash(buf []byte) (uint64, error) {
	if len(buf) < 9 {
		return 0, fmt.Errorf("msgtest: message too short for a hash")
	}
	return binary.BigEndian.Uint64(buf[1:9]), nil
}
