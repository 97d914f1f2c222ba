package cloud

import (
	"context"
	"fmt"

	"github.com/pithecene-io/skylink/msg"
)

// transact delivers buf, then fetches and applies pending downlink and
// uplinks the reply it produces. An empty buf only polls. A follow-up
// poll is queued while the backend still has data.
func (c *Client) transact(ctx context.Context, buf []byte) error {
	if err := c.engine.Lock(ctx); err != nil {
		return err
	}
	defer c.engine.Unlock()

	more := len(buf) == 0
	if len(buf) > 0 {
		var err error
		if more, err = c.engine.Uplink(ctx, buf); err != nil {
			return fmt.Errorf("cloud: uplink %s: %w", msg.Type(buf[0]), err)
		}
	}

	if more {
		data, pending, err := c.engine.Downlink(ctx)
		if err != nil {
			return fmt.Errorf("cloud: downlink: %w", err)
		}
		more = pending

		reply, err := c.dispatch(ctx, data)
		if err != nil {
			return err
		}
		if len(reply) > 0 {
			if more, err = c.engine.Uplink(ctx, reply); err != nil {
				return fmt.Errorf("cloud: uplink %s: %w", msg.Type(reply[0]), err)
			}
		}
	}

	if more {
		c.schedulePoll()
	}
	return nil
}

// dispatch applies one downlink message and returns the reply to uplink,
// if any.
func (c *Client) dispatch(ctx context.Context, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	t := msg.Type(data[0])
	c.log().Debug("downlink received", map[string]any{"type": t.String(), "bytes": len(data)})

	switch t {
	case msg.SetSession:
		s, err := msg.DecodeSetSession(data)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.session = s
		c.mu.Unlock()
		c.logger.Store(c.base.WithDeviceID(s.DeviceID))
		c.log().Info("session established", map[string]any{
			"session_id":   s.ID,
			"decoder_hash": fmt.Sprintf("%016x", s.DecoderHash),
			"encoder_hash": fmt.Sprintf("%016x", s.EncoderHash),
			"config_hash":  fmt.Sprintf("%016x", s.ConfigHash),
			"timestamp":    s.Timestamp,
			"device_name":  s.DeviceName,
		})
		if s.Timestamp > 0 {
			c.setClock(s.Timestamp)
		}

	case msg.SetTimestamp:
		ts, err := msg.DecodeSetTimestamp(data)
		if err != nil {
			return nil, err
		}
		c.setClock(ts)

	case msg.DownloadConfig:
		lines, err := msg.DecodeConfig(data)
		if err != nil {
			return nil, err
		}
		if err := c.proc.ProcessConfig(ctx, lines); err != nil {
			return nil, err
		}

	case msg.DownloadData:
		payload, err := msg.DecodeData(data)
		if err != nil {
			return nil, err
		}
		c.metrics.IncDownlinkData()
		c.emit(Event{Kind: EventRecv, Data: payload})

	case msg.DownloadShell:
		batch, err := msg.DecodeShell(data)
		if err != nil {
			return nil, err
		}
		c.metrics.IncRecvShell()
		return c.proc.ProcessShell(ctx, batch)

	case msg.DownloadFirmware:
		f, err := msg.DecodeFirmware(data)
		if err != nil {
			return nil, err
		}
		reply, err := c.proc.ProcessFirmware(ctx, f)
		c.emit(Event{Kind: EventFirmware, Firmware: &FirmwareProgress{
			ID:     f.ID,
			Type:   f.Type,
			Offset: f.Offset + f.Length,
			Size:   f.FirmwareSize,
			State:  c.proc.FirmwareState().String(),
		}})
		return reply, err

	case msg.RequestReboot:
		if c.opts.Rebooter == nil {
			c.log().Warn("reboot requested but no rebooter configured", nil)
			return nil, nil
		}
		return nil, c.opts.Rebooter.Reboot(ctx, "backend request")

	default:
		c.log().Error("unknown downlink type", map[string]any{"type": t.String()})
	}
	return nil, nil
}

// setClock corrects the device clock and shifts every recorded timestamp
// by the same delta.
func (c *Client) setClock(ms int64) {
	delta := ms - c.clock.Now()
	c.clock.Set(ms)
	c.metrics.AdjustTimestamps(delta)
	c.log().Debug("clock set", map[string]any{"timestamp": ms, "delta_ms": delta})
}
