package msg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/pithecene-io/skylink/packet"
)

// Upload-config header values.
const (
	ConfigHeaderNoCompression = 0x00
)

// writer builds one uplink: the type byte followed by a CBOR stream.
// The first error sticks and is returned by bytes.
type writer struct {
	buf bytes.Buffer
	enc *cbor.Encoder
	err error
}

func newWriter(t Type) *writer {
	w := &writer{}
	w.buf.WriteByte(byte(t))
	w.enc = cbor.NewEncoder(&w.buf)
	return w
}

func (w *writer) raw(b []byte) {
	if w.err == nil {
		w.buf.Write(b)
	}
}

func (w *writer) startMap() {
	if w.err == nil {
		w.err = w.enc.StartIndefiniteMap()
	}
}

func (w *writer) startList() {
	if w.err == nil {
		w.err = w.enc.StartIndefiniteArray()
	}
}

func (w *writer) end() {
	if w.err == nil {
		w.err = w.enc.EndIndefinite()
	}
}

func (w *writer) put(v any) {
	if w.err == nil {
		w.err = w.enc.Encode(v)
	}
}

func (w *writer) key(k uint) {
	w.put(k)
}

func (w *writer) field(k uint, v any) {
	w.key(k)
	w.put(v)
}

func (w *writer) lines(ls []string) {
	w.startList()
	for _, l := range ls {
		w.put(l)
	}
	w.end()
}

func (w *writer) bytes() ([]byte, error) {
	if w.err != nil {
		return nil, fmt.Errorf("msg: encode: %w", w.err)
	}
	return w.buf.Bytes(), nil
}

func appendHash(b []byte, hash uint64) []byte {
	return binary.BigEndian.AppendUint64(b, hash)
}

// Identity describes the device in a create-session request.
type Identity struct {
	SerialNumber   uint32
	VendorName     string
	ProductName    string
	HWVariant      string
	HWRevision     string
	FWBundle       string
	FWName         string
	FWVersion      string
	BLEPasskey     string
	IMEI           uint64
	IMSI           uint64
	ModemFWVersion string
	// Extension describes an attached extension board. Optional.
	Extension *ExtensionBoard
}

// ExtensionBoard identifies an attached extension board.
type ExtensionBoard struct {
	SerialNumber uint32
	// HWRevision packs major<<8 | minor.
	HWRevision uint16
	HWVariant  uint32
	// FWVersion packs major<<24 | minor<<16 | patch<<8.
	FWVersion uint32
}

// EncodeCreateSession builds a create-session request.
func EncodeCreateSession(id Identity) ([]byte, error) {
	w := newWriter(CreateSession)
	w.startMap()
	w.field(0x00, 0) // watchdog timeout, seconds
	w.field(0x10, id.SerialNumber)
	w.field(0x01, id.VendorName)
	w.field(0x02, id.ProductName)
	w.field(0x03, id.HWVariant)
	w.field(0x04, id.HWRevision)
	w.field(0x05, id.FWBundle)
	w.field(0x06, id.FWName)
	w.field(0x07, id.FWVersion)
	w.field(0x08, id.BLEPasskey)
	w.field(0x0a, id.IMEI)
	w.field(0x09, id.IMSI)
	w.field(0x0b, id.ModemFWVersion)
	if x := id.Extension; x != nil {
		w.field(0x0c, fmt.Sprintf("%d", x.SerialNumber))
		w.field(0x0d, fmt.Sprintf("R%d.%d", x.HWRevision>>8, x.HWRevision&0xff))
		w.field(0x0e, fmt.Sprintf("0x%04x", x.HWVariant))
		w.field(0x0f, fmt.Sprintf("v%d.%d.%d", x.FWVersion>>24&0xff, x.FWVersion>>16&0xff, x.FWVersion>>8&0xff))
	}
	w.end()
	return w.bytes()
}

// EncodeGetTimestamp builds a get-timestamp request.
func EncodeGetTimestamp() []byte {
	return []byte{byte(GetTimestamp)}
}

// ConfigHash returns the content hash of a rendered configuration.
func ConfigHash(rendered string) uint64 {
	h := packet.Sum8([]byte(rendered))
	return binary.BigEndian.Uint64(h[:])
}

// EncodeConfig builds an upload-config message from the rendered
// configuration and returns it with the render's content hash.
func EncodeConfig(rendered string) ([]byte, uint64, error) {
	hash := ConfigHash(rendered)
	w := newWriter(UploadConfig)
	w.raw(appendHash(nil, hash))
	w.raw([]byte{ConfigHeaderNoCompression})
	w.lines(SplitLines(rendered))
	b, err := w.bytes()
	return b, hash, err
}

func encodeBlob(t Type, hash uint64, blob []byte) []byte {
	b := make([]byte, 0, 9+len(blob))
	b = append(b, byte(t))
	b = appendHash(b, hash)
	return append(b, blob...)
}

// EncodeDecoder builds an upload-decoder message.
func EncodeDecoder(hash uint64, blob []byte) []byte {
	return encodeBlob(UploadDecoder, hash, blob)
}

// EncodeEncoder builds an upload-encoder message.
func EncodeEncoder(hash uint64, blob []byte) []byte {
	return encodeBlob(UploadEncoder, hash, blob)
}

// EncodeData builds an upload-data message tagged with the decoder hash.
func EncodeData(decoderHash uint64, payload []byte) []byte {
	return encodeBlob(UploadData, decoderHash, payload)
}

// Stats is the upload-stats body.
type Stats struct {
	// Uptime in seconds.
	Uptime uint64
	// Radio is nil when no valid radio reading exists.
	Radio *RadioStats
}

// RadioStats are the modem connection parameters.
type RadioStats struct {
	EEST   int32
	ECL    int32
	RSRP   int32
	RSRQ   int32
	SNR    int32
	PLMN   int32
	CID    int32
	Band   int32
	EARFCN int32
}

// EncodeStats builds an upload-stats message.
func EncodeStats(s Stats) ([]byte, error) {
	w := newWriter(UploadStats)
	w.startMap()
	w.field(0x00, s.Uptime)
	if r := s.Radio; r != nil {
		w.field(0x01, r.EEST)
		w.field(0x02, r.ECL)
		w.field(0x03, r.RSRP)
		w.field(0x04, r.RSRQ)
		w.field(0x05, r.SNR)
		w.field(0x06, r.PLMN)
		w.field(0x07, r.CID)
		w.field(0x08, r.Band)
		w.field(0x09, r.EARFCN)
	}
	w.end()
	return w.bytes()
}

// ShellResponseBuilder accumulates the responses of one shell batch.
type ShellResponseBuilder struct {
	w *writer
}

// NewShellResponse starts an upload-shell message. messageID may be nil.
func NewShellResponse(messageID *UUID) *ShellResponseBuilder {
	w := newWriter(UploadShell)
	w.startMap()
	if messageID != nil {
		w.field(0x01, messageID[:])
	}
	w.key(0x00)
	w.startList()
	return &ShellResponseBuilder{w: w}
}

// Add appends the outcome of one command. A zero result is omitted, as is
// empty output.
func (b *ShellResponseBuilder) Add(command string, result int, output string) {
	w := b.w
	w.startMap()
	w.field(0x00, command)
	if result != 0 {
		w.field(0x01, result)
	}
	if output != "" {
		w.key(0x02)
		w.lines(SplitLines(output))
	}
	w.end()
}

// Finish closes the message and returns it.
func (b *ShellResponseBuilder) Finish() ([]byte, error) {
	b.w.end()
	b.w.end()
	return b.w.bytes()
}

// FirmwareTarget is the only image target the device accepts.
const FirmwareTarget = "app"

// Upload-firmware kinds.
const (
	FirmwareDownload  = "download"
	FirmwareNext      = "next"
	FirmwareSwap      = "swap"
	FirmwareAck       = "ack"
	FirmwareConfirmed = "confirmed"
	FirmwareError     = "error"
)

// UpFirmware is an upload-firmware body. Zero fields are omitted.
type UpFirmware struct {
	Target    string
	Type      string
	ID        UUID
	Offset    uint32
	MaxLength uint32
	Firmware  string
	Error     string
}

// EncodeFirmware builds an upload-firmware message.
func EncodeFirmware(f UpFirmware) ([]byte, error) {
	if f.Target != FirmwareTarget {
		return nil, fmt.Errorf("msg: firmware target %q not supported", f.Target)
	}
	switch f.Type {
	case FirmwareDownload:
		if f.Firmware == "" {
			return nil, errors.New("msg: firmware download requires a firmware name")
		}
		if f.MaxLength == 0 {
			return nil, errors.New("msg: firmware download requires a max length")
		}
	case FirmwareNext:
		if f.MaxLength == 0 {
			return nil, errors.New("msg: firmware next requires a max length")
		}
	case FirmwareSwap, FirmwareAck, FirmwareConfirmed, FirmwareError:
	default:
		return nil, fmt.Errorf("msg: unknown firmware type %q", f.Type)
	}

	w := newWriter(UploadFirmware)
	w.startMap()
	w.field(0x00, f.Target)
	w.field(0x01, f.Type)
	if !f.ID.IsZero() {
		w.field(0x02, f.ID[:])
	}
	if f.Offset != 0 {
		w.field(0x03, f.Offset)
	}
	if f.MaxLength != 0 {
		w.field(0x04, f.MaxLength)
	}
	if f.Firmware != "" {
		w.field(0x05, f.Firmware)
	}
	if f.Error != "" {
		w.field(0x06, f.Error)
	}
	w.end()
	return w.bytes()
}
