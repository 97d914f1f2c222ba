package process

import (
	"context"
	"errors"
	"fmt"

	"github.com/pithecene-io/skylink/msg"
	"github.com/pithecene-io/skylink/storage"
)

// FirmwareState tracks the firmware transfer.
type FirmwareState int

const (
	Idle FirmwareState = iota
	Receiving
	Finalizing
	RebootPending
)

func (s FirmwareState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Receiving:
		return "receiving"
	case Finalizing:
		return "finalizing"
	case RebootPending:
		return "reboot_pending"
	default:
		return "unknown"
	}
}

// FirmwareChunk is the only download-firmware type handled.
const FirmwareChunk = "chunk"

// Error texts reported to the backend.
const (
	errImageTooBig    = "image size too big"
	errDeviceRebooted = "offset mismatch (device was rebooted)"
	errOffsetMismatch = "offset mismatch"
	errImageOverrun   = "offset beyond firmware size"
)

// FirmwareState returns the current state of the firmware transfer.
func (p *Processor) FirmwareState() FirmwareState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Processor) setState(s FirmwareState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Processor) firmwareReply(f msg.DownFirmware, kind string, offset uint32, text string) ([]byte, error) {
	up := msg.UpFirmware{
		Target: msg.FirmwareTarget,
		Type:   kind,
		ID:     f.ID,
		Offset: offset,
		Error:  text,
	}
	if kind == msg.FirmwareNext {
		up.MaxLength = p.cfg.MaxChunk
	}
	return msg.EncodeFirmware(up)
}

// ProcessFirmware writes one firmware chunk and returns the upload-firmware
// reply to send. Recoverable faults (image too big, device rebooted mid
// transfer, offset mismatch) are reported in an "error" reply. When the
// chunk completes the image, the image is scheduled, the swap notification
// is sent, the transfer marker is persisted and the device reboots; the
// reply is then nil.
func (p *Processor) ProcessFirmware(ctx context.Context, f msg.DownFirmware) ([]byte, error) {
	if p.cfg.Flasher == nil {
		return nil, errors.New("process: no flasher")
	}
	fl := p.cfg.Flasher

	p.logger.Info("received firmware", map[string]any{
		"target":        f.Target,
		"type":          f.Type,
		"offset":        f.Offset,
		"length":        f.Length,
		"firmware_size": f.FirmwareSize,
	})

	if f.Target != msg.FirmwareTarget {
		return nil, fmt.Errorf("process: firmware target %q: %w", f.Target, ErrUnsupported)
	}
	if f.Type != FirmwareChunk {
		return nil, fmt.Errorf("process: firmware type %q: %w", f.Type, ErrUnsupported)
	}
	if f.FirmwareSize == 0 {
		return nil, errors.New("process: firmware size is 0")
	}

	var offset uint32
	if f.Offset == 0 {
		if err := fl.Reset(ctx); err != nil {
			return nil, fmt.Errorf("process: reset flasher: %w", err)
		}
		if err := fl.Begin(ctx, f.FirmwareSize); err != nil {
			p.logger.Error("begin image failed", map[string]any{"error": err.Error(), "size": f.FirmwareSize})
			p.setState(Idle)
			return p.firmwareReply(f, msg.FirmwareError, 0, errImageTooBig)
		}
		p.setState(Receiving)
	} else {
		var err error
		offset, err = fl.Offset(ctx)
		if errors.Is(err, ErrNoImage) {
			p.logger.Error("no image in progress", map[string]any{"offset": f.Offset})
			p.setState(Idle)
			return p.firmwareReply(f, msg.FirmwareError, 0, errDeviceRebooted)
		}
		if err != nil {
			return nil, fmt.Errorf("process: read offset: %w", err)
		}
		if offset != f.Offset {
			p.logger.Error("invalid offset", map[string]any{"offset": f.Offset, "expected": offset})
			return p.firmwareReply(f, msg.FirmwareError, offset, errOffsetMismatch)
		}
	}

	if err := fl.Write(ctx, f.Data); err != nil {
		return nil, fmt.Errorf("process: write chunk: %w", err)
	}
	offset, err := fl.Offset(ctx)
	if err != nil {
		return nil, fmt.Errorf("process: read offset: %w", err)
	}

	switch {
	case offset < f.FirmwareSize:
		p.logger.Debug("firmware next offset", map[string]any{"offset": offset})
		return p.firmwareReply(f, msg.FirmwareNext, offset, "")
	case offset > f.FirmwareSize:
		p.logger.Error("image overrun", map[string]any{"offset": offset, "firmware_size": f.FirmwareSize})
		p.setState(Idle)
		return p.firmwareReply(f, msg.FirmwareError, offset, errImageOverrun)
	}
	return nil, p.completeFirmware(ctx, f, offset)
}

func (p *Processor) completeFirmware(ctx context.Context, f msg.DownFirmware, offset uint32) error {
	p.setState(Finalizing)
	if err := p.cfg.Flasher.FinalizeAndSchedule(ctx); err != nil {
		p.setState(Idle)
		return fmt.Errorf("process: finalize image: %w", err)
	}
	p.logger.Info("firmware update scheduled", map[string]any{"id": f.ID.String()})

	swap, err := p.firmwareReply(f, msg.FirmwareSwap, offset, "")
	if err != nil {
		return err
	}
	if p.cfg.Uplinker != nil {
		if _, err := p.cfg.Uplinker.Uplink(ctx, swap); err != nil {
			p.logger.Warn("swap notification failed", map[string]any{"error": err.Error()})
		}
	}

	if p.cfg.Markers != nil {
		m := storage.Marker{
			ID:           f.ID,
			Offset:       offset,
			FirmwareSize: f.FirmwareSize,
			SavedAt:      p.cfg.Now(),
		}
		if err := p.cfg.Markers.SaveMarker(ctx, m); err != nil {
			return fmt.Errorf("process: save firmware marker: %w", err)
		}
	}

	p.setState(RebootPending)
	return p.reboot(ctx, "firmware update")
}
