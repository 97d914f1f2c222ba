package cloud

import (
	"context"
	"fmt"
	"time"

	"github.com/pithecene-io/skylink/msg"
)

type bootstrapStep struct {
	name string
	run  func(ctx context.Context) error
	// optional steps log their failure and do not restart the sequence.
	optional bool
}

func (c *Client) bootstrapSteps() []bootstrapStep {
	return []bootstrapStep{
		{name: "attach", run: c.opts.Transport.Ready},
		{name: "create session", run: c.createSession},
		{name: "upload decoder", run: c.uploadDecoder},
		{name: "upload encoder", run: c.uploadEncoder},
		{name: "upload config", run: c.uploadConfig, optional: true},
		{name: "confirm firmware", run: c.confirmFirmware, optional: true},
	}
}

// bootstrap runs the bootstrap sequence until it succeeds. Each failed
// attempt detaches the transport and waits the retry delay.
func (c *Client) bootstrap(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := c.bootstrapOnce(ctx)
		if err == nil {
			break
		}
		c.log().Error("bootstrap failed", map[string]any{"attempt": attempt, "error": err.Error()})
		if derr := c.opts.Transport.Detach(); derr != nil {
			c.log().Warn("detach failed", map[string]any{"error": derr.Error()})
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("cloud: bootstrap: %w", ctx.Err())
		case <-time.After(c.opts.RetryDelay):
		}
	}

	first := false
	c.initOnce.Do(func() {
		close(c.initialized)
		first = true
	})
	if first {
		c.log().Info("cloud initialized", map[string]any{"session_id": c.Session().ID})
		c.emit(Event{Kind: EventInitialized})
	}
	return nil
}

func (c *Client) bootstrapOnce(ctx context.Context) error {
	for _, step := range c.bootstrapSteps() {
		c.log().Info("bootstrap step", map[string]any{"step": step.name})
		if err := step.run(ctx); err != nil {
			if step.optional {
				c.log().Warn("bootstrap step failed", map[string]any{"step": step.name, "error": err.Error()})
				continue
			}
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	return nil
}

func (c *Client) createSession(ctx context.Context) error {
	buf, err := msg.EncodeCreateSession(c.opts.Identity)
	if err != nil {
		return err
	}
	if err := c.transact(ctx, buf); err != nil {
		return err
	}
	if !c.Session().Valid() {
		return fmt.Errorf("%w: backend assigned no session", ErrPermission)
	}
	return nil
}

// requireSession returns the session or ErrPermission.
func (c *Client) requireSession() (msg.Session, error) {
	s := c.Session()
	if !s.Valid() {
		return s, fmt.Errorf("%w: no session", ErrPermission)
	}
	return s, nil
}

func (c *Client) uploadDecoder(ctx context.Context) error {
	return c.uploadBlob(ctx, "decoder", c.opts.Decoder, c.decoderHash,
		func(s *msg.Session) *uint64 { return &s.DecoderHash }, msg.EncodeDecoder)
}

func (c *Client) uploadEncoder(ctx context.Context) error {
	return c.uploadBlob(ctx, "encoder", c.opts.Encoder, c.encoderHash,
		func(s *msg.Session) *uint64 { return &s.EncoderHash }, msg.EncodeEncoder)
}

// uploadBlob sends a schema blob when the backend's recorded hash differs.
func (c *Client) uploadBlob(ctx context.Context, name string, blob []byte, hash uint64,
	field func(*msg.Session) *uint64, encode func(uint64, []byte) []byte,
) error {
	s, err := c.requireSession()
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		c.log().Debug(name+" not configured", nil)
		return nil
	}
	if *field(&s) == hash {
		return nil
	}

	c.log().Info("uploading "+name, map[string]any{"hash": fmt.Sprintf("%016x", hash), "bytes": len(blob)})
	if err := c.transact(ctx, encode(hash, blob)); err != nil {
		return err
	}
	c.mu.Lock()
	*field(&c.session) = hash
	c.mu.Unlock()
	return nil
}

func (c *Client) uploadConfig(ctx context.Context) error {
	s, err := c.requireSession()
	if err != nil {
		return err
	}
	if c.opts.Executor == nil {
		return nil
	}
	rendered, err := c.opts.Executor.RenderConfig(ctx)
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	buf, hash, err := msg.EncodeConfig(rendered)
	if err != nil {
		return err
	}
	if s.ConfigHash == hash {
		return nil
	}

	c.log().Info("uploading config", map[string]any{"hash": fmt.Sprintf("%016x", hash)})
	if err := c.transact(ctx, buf); err != nil {
		return err
	}
	c.mu.Lock()
	c.session.ConfigHash = hash
	c.mu.Unlock()
	return nil
}

// confirmFirmware finishes a firmware update across the reboot: the
// running image is confirmed, the backend told and the marker consumed.
// The marker survives a failed ack so the next bootstrap repeats it.
func (c *Client) confirmFirmware(ctx context.Context) error {
	if c.opts.Store == nil {
		return nil
	}
	m, ok, err := c.opts.Store.LoadMarker(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if c.opts.Image != nil {
		if err := c.opts.Image.ConfirmBoot(ctx); err != nil {
			c.log().Warn("confirm boot image failed", map[string]any{"error": err.Error()})
		}
	}

	buf, err := msg.EncodeFirmware(msg.UpFirmware{
		Target: msg.FirmwareTarget,
		Type:   msg.FirmwareAck,
		ID:     m.ID,
	})
	if err != nil {
		return err
	}
	if err := c.transact(ctx, buf); err != nil {
		return fmt.Errorf("firmware ack: %w", err)
	}
	if err := c.opts.Store.DeleteMarker(ctx); err != nil {
		c.log().Warn("delete firmware marker failed", map[string]any{"error": err.Error()})
	}
	c.log().Info("firmware update acknowledged", map[string]any{"id": m.ID.String()})
	c.emit(Event{Kind: EventFirmware, Firmware: &FirmwareProgress{
		ID:     m.ID,
		Type:   msg.FirmwareAck,
		Offset: m.Offset,
		Size:   m.FirmwareSize,
		State:  c.proc.FirmwareState().String(),
	}})
	return nil
}
