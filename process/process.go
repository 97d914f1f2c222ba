// Package process applies decoded downlink messages to the device through
// collaborator interfaces: the config command executor, the shell, the
// firmware flasher, the durable marker store and the rebooter.
package process

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pithecene-io/skylink/log"
	"github.com/pithecene-io/skylink/msg"
	"github.com/pithecene-io/skylink/storage"
)

// chunkOverhead is the downlink room kept for the download-firmware
// envelope around the chunk data.
const chunkOverhead = 50

// DefaultMaxChunk is the largest firmware chunk requested from the backend:
// the downlink buffer less message overhead, rounded down to the flash
// write block.
const DefaultMaxChunk = ((16*1024 - chunkOverhead) / 256) * 256

// MaxChunkFor returns the chunk length requested in "next" replies for a
// downlink buffer of maxDownlink bytes, or 0 when no chunk fits.
func MaxChunkFor(maxDownlink int) uint32 {
	n := (maxDownlink - chunkOverhead) / 256 * 256
	if n <= 0 {
		return 0
	}
	return uint32(n)
}

// ErrNoImage is returned by Flasher.Offset when no image write is in
// progress, as after an unexpected reboot.
var ErrNoImage = errors.New("no image write in progress")

// ErrCommand is wrapped by ProcessConfig when a config line fails.
var ErrCommand = errors.New("command failed")

// ErrUnsupported is wrapped when a firmware message names a target or type
// the device does not handle.
var ErrUnsupported = errors.New("unsupported")

// CommandRunner runs one command line and returns its result code and
// captured output.
type CommandRunner interface {
	RunCommand(ctx context.Context, line string) (result int, output string)
}

// ConfigExecutor applies configuration commands.
type ConfigExecutor interface {
	CommandRunner
	// RenderConfig returns the current configuration as command lines.
	RenderConfig(ctx context.Context) (string, error)
	// SaveConfig persists the applied configuration.
	SaveConfig(ctx context.Context) error
}

// Flasher writes a firmware image.
type Flasher interface {
	Reset(ctx context.Context) error
	Begin(ctx context.Context, size uint32) error
	Write(ctx context.Context, data []byte) error
	// Offset returns the number of bytes written, or ErrNoImage.
	Offset(ctx context.Context) (uint32, error)
	FinalizeAndSchedule(ctx context.Context) error
}

// Rebooter restarts the device.
type Rebooter interface {
	Reboot(ctx context.Context, reason string) error
}

// Uplinker delivers one message to the backend. Used for the swap
// notification sent before the firmware reboot; the caller must already
// hold whatever lock the uplink requires.
type Uplinker interface {
	Uplink(ctx context.Context, buf []byte) (hasDownlink bool, err error)
}

// MarkerStore persists the firmware transfer marker.
type MarkerStore interface {
	SaveMarker(ctx context.Context, m storage.Marker) error
}

// Config holds the collaborators of a Processor. A nil collaborator makes
// the operations that need it fail.
type Config struct {
	Executor ConfigExecutor
	// Shell runs download-shell commands. Nil falls back to Executor.
	Shell    CommandRunner
	Flasher  Flasher
	Rebooter Rebooter
	Uplinker Uplinker
	Markers  MarkerStore

	// MaxChunk is the max length requested in "next" replies. Zero means
	// DefaultMaxChunk.
	MaxChunk uint32

	// Now stamps persisted markers. Nil means time.Now.
	Now func() time.Time

	Logger *log.Logger
}

// Processor applies downlink messages.
type Processor struct {
	cfg    Config
	logger *log.Logger

	mu    sync.Mutex
	state FirmwareState
}

// New creates a Processor.
func New(cfg Config) *Processor {
	if cfg.Shell == nil && cfg.Executor != nil {
		cfg.Shell = cfg.Executor
	}
	if cfg.MaxChunk == 0 {
		cfg.MaxChunk = DefaultMaxChunk
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Processor{cfg: cfg, logger: log.OrNop(cfg.Logger)}
}

// adminCommands are never replayed from a download-config batch.
var adminCommands = map[string]bool{
	"config save":  true,
	"config reset": true,
	"config show":  true,
}

// ProcessConfig replays each config line, then saves the configuration and
// reboots. The first failing line aborts the batch.
func (p *Processor) ProcessConfig(ctx context.Context, lines []string) error {
	if p.cfg.Executor == nil {
		return errors.New("process: no config executor")
	}

	for _, line := range lines {
		if adminCommands[line] {
			p.logger.Debug("skipping admin command", map[string]any{"line": line})
			continue
		}
		p.logger.Info("applying config line", map[string]any{"line": line})
		result, output := p.cfg.Executor.RunCommand(ctx, line)
		if result != 0 {
			return fmt.Errorf("process: config %q: %w: result %d: %s", line, ErrCommand, result, output)
		}
	}

	if err := p.cfg.Executor.SaveConfig(ctx); err != nil {
		return fmt.Errorf("process: save config: %w", err)
	}
	return p.reboot(ctx, "config applied")
}

// ProcessShell runs each command and returns the upload-shell reply,
// carrying the batch's message id.
func (p *Processor) ProcessShell(ctx context.Context, batch msg.DownShell) ([]byte, error) {
	if p.cfg.Shell == nil {
		return nil, errors.New("process: no shell")
	}

	reply := msg.NewShellResponse(batch.MessageID)
	for _, cmd := range batch.Commands {
		result, output := p.cfg.Shell.RunCommand(ctx, cmd)
		p.logger.Info("shell command", map[string]any{"command": cmd, "result": result})
		reply.Add(cmd, result, output)
	}
	return reply.Finish()
}

func (p *Processor) reboot(ctx context.Context, reason string) error {
	if p.cfg.Rebooter == nil {
		return errors.New("process: no rebooter")
	}
	p.logger.Info("rebooting", map[string]any{"reason": reason})
	if err := p.cfg.Rebooter.Reboot(ctx, reason); err != nil {
		return fmt.Errorf("process: reboot: %w", err)
	}
	return nil
}
