package cmd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/skylink/adapter"
	"github.com/pithecene-io/skylink/cli/render"
	"github.com/pithecene-io/skylink/cloud"
)

// DefaultTimeout bounds a one-shot command including bootstrap.
const DefaultTimeout = 2 * time.Minute

func oneShotFlags(extra ...cli.Flag) []cli.Flag {
	flags := append(AgentFlags(), FormatFlag, NoColorFlag,
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Give up after this long, bootstrap included",
			Value: DefaultTimeout,
		},
	)
	return append(flags, extra...)
}

// session is a started agent for the duration of one command.
type session struct {
	*agent
	reboots *rebootSignal

	mu     sync.Mutex
	events []cloud.Event
}

func (s *session) record(ev cloud.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

// deviceEvents converts the events recorded so far.
func (s *session) deviceEvents() []*adapter.DeviceEvent {
	s.mu.Lock()
	evs := append([]cloud.Event(nil), s.events...)
	s.mu.Unlock()
	st := s.client.State()
	out := make([]*adapter.DeviceEvent, 0, len(evs))
	for _, ev := range evs {
		if ev.Kind == cloud.EventInitialized {
			continue
		}
		out = append(out, adapter.NewDeviceEvent(s.cfg.Device.SerialNumber, st, ev, time.Now()))
	}
	return out
}

// withSession bootstraps an agent, runs fn and renders its result.
func withSession(c *cli.Context, fn func(ctx context.Context, s *session) (any, error)) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	if d := c.Duration("timeout"); d > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, d)
		defer cancelTimeout()
	}

	reboots := newRebootSignal(logger)
	a, err := newAgent(ctx, cfg, logger, reboots)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	s := &session{agent: a, reboots: reboots}
	a.client.SetCallback(s.record)
	if err := a.client.Start(ctx); err != nil {
		return err
	}
	if err := a.client.WaitInitialized(ctx); err != nil {
		return cli.Exit(fmt.Sprintf("bootstrap did not complete: %v", err), 1)
	}

	result, err := fn(ctx, s)
	if err != nil {
		return err
	}
	return r.Render(result)
}

// SendResult is the output of the send command.
type SendResult struct {
	Bytes     int    `json:"bytes" yaml:"bytes"`
	SessionID uint32 `json:"session_id" yaml:"session_id"`
}

// SendCommand returns the send command.
func SendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Bootstrap and send one data payload",
		ArgsUsage: "<payload>",
		Flags: oneShotFlags(
			&cli.BoolFlag{Name: "hex", Usage: "Payload argument is hex encoded"},
			&cli.StringFlag{Name: "file", Usage: "Read the payload from a file"},
		),
		Action: sendAction,
	}
}

func payloadFrom(c *cli.Context) ([]byte, error) {
	if path := c.String("file"); path != "" {
		if c.Args().Present() {
			return nil, errors.New("give either --file or a payload argument")
		}
		return os.ReadFile(path)
	}
	if c.NArg() != 1 {
		return nil, errors.New("expected exactly one payload argument")
	}
	arg := c.Args().First()
	if c.Bool("hex") {
		return hex.DecodeString(arg)
	}
	return []byte(arg), nil
}

func sendAction(c *cli.Context) error {
	payload, err := payloadFrom(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return withSession(c, func(ctx context.Context, s *session) (any, error) {
		if err := s.client.Send(ctx, payload); err != nil {
			return nil, err
		}
		return SendResult{Bytes: len(payload), SessionID: s.client.Session().ID}, nil
	})
}

// PollCommand returns the poll command.
func PollCommand() *cli.Command {
	return &cli.Command{
		Name:  "poll",
		Usage: "Bootstrap, check for downlink messages and print the events",
		Flags: oneShotFlags(),
		Action: func(c *cli.Context) error {
			return withSession(c, func(ctx context.Context, s *session) (any, error) {
				if err := s.client.Poll(ctx); err != nil {
					return nil, err
				}
				return s.deviceEvents(), nil
			})
		},
	}
}

// FirmwareResult is the output of firmware download.
type FirmwareResult struct {
	Name            string                 `json:"name" yaml:"name"`
	FirmwareState   string                 `json:"firmware_state" yaml:"firmware_state"`
	RebootRequested bool                   `json:"reboot_requested" yaml:"reboot_requested"`
	Events          []*adapter.DeviceEvent `json:"events" yaml:"events"`
}

// FirmwareCommand returns the firmware command group.
func FirmwareCommand() *cli.Command {
	return &cli.Command{
		Name:  "firmware",
		Usage: "Firmware update operations",
		Subcommands: []*cli.Command{
			{
				Name:      "download",
				Usage:     "Request a firmware image from the backend",
				ArgsUsage: "<name>",
				Flags: oneShotFlags(&cli.BoolFlag{
					Name:  "wait",
					Usage: "Wait until the image is installed and a reboot is requested",
				}),
				Action: firmwareDownloadAction,
			},
		},
	}
}

func firmwareDownloadAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("expected exactly one firmware name", 1)
	}
	name := c.Args().First()
	return withSession(c, func(ctx context.Context, s *session) (any, error) {
		if err := s.client.FirmwareUpdate(ctx, name); err != nil {
			return nil, err
		}
		res := FirmwareResult{Name: name}
		if c.Bool("wait") {
			select {
			case <-s.reboots.ch:
				res.RebootRequested = true
			case <-ctx.Done():
				return nil, fmt.Errorf("firmware download: %w", ctx.Err())
			}
		}
		res.FirmwareState = s.client.State().FirmwareState
		res.Events = s.deviceEvents()
		return res, nil
	})
}

// ClockResult is the output of sync-time.
type ClockResult struct {
	Timestamp string `json:"timestamp" yaml:"timestamp"`
	OffsetMs  int64  `json:"offset_ms" yaml:"offset_ms"`
}

// SyncTimeCommand returns the sync-time command.
func SyncTimeCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync-time",
		Usage: "Ask the backend for the current time",
		Flags: oneShotFlags(),
		Action: func(c *cli.Context) error {
			return withSession(c, func(ctx context.Context, s *session) (any, error) {
				if err := s.client.SyncTime(ctx); err != nil {
					return nil, err
				}
				now := s.clock.Now()
				return ClockResult{
					Timestamp: time.UnixMilli(now).UTC().Format(time.RFC3339Nano),
					OffsetMs:  now - time.Now().UnixMilli(),
				}, nil
			})
		},
	}
}

// StatsCommand returns the stats command.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Upload device statistics",
		Flags: oneShotFlags(),
		Action: func(c *cli.Context) error {
			return withSession(c, func(ctx context.Context, s *session) (any, error) {
				if err := s.client.SendStats(ctx); err != nil {
					return nil, err
				}
				return s.client.Metrics(), nil
			})
		},
	}
}
