package cmd

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/skylink/adapter"
	"github.com/pithecene-io/skylink/adapter/redis"
	"github.com/pithecene-io/skylink/adapter/webhook"
	"github.com/pithecene-io/skylink/cli/config"
	"github.com/pithecene-io/skylink/cloud"
	"github.com/pithecene-io/skylink/log"
	"github.com/pithecene-io/skylink/metrics"
	"github.com/pithecene-io/skylink/statusd"
)

// forwardQueue bounds the events waiting for the adapter.
const forwardQueue = 64

// RunCommand returns the run command: the long-running device agent.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the device agent until interrupted",
		Flags: append(AgentFlags(),
			&cli.StringFlag{
				Name:  "status-listen",
				Usage: "Status server address, empty disables (status.listen)",
			},
		),
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("status-listen") {
		cfg.Status.Listen = c.String("status-listen")
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	pub, err := newAdapter(cfg.Adapter)
	if err != nil {
		return fmt.Errorf("failed to create adapter: %w", err)
	}
	fwd := newForwarder(pub, cfg.Device.SerialNumber, logger.With("adapter", cfg.Adapter.Type))
	wg.Add(1)
	go func() {
		defer wg.Done()
		fwd.run(ctx)
	}()

	src := &liveSource{}
	if cfg.Status.Listen != "" {
		l, err := net.Listen("tcp", cfg.Status.Listen)
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		srv := statusd.New(src, logger)
		logger.Sugar().Infof("status server listening on %s", l.Addr())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ctx, l); err != nil {
				logger.Error("status server stopped", map[string]any{"error": err.Error()})
			}
		}()
	}

	reboots := newRebootSignal(logger)
	for {
		a, err := newAgent(ctx, cfg, logger, reboots)
		if err != nil {
			return err
		}
		a.client.SetCallback(func(ev cloud.Event) {
			fwd.enqueue(a.client.State(), ev)
		})
		src.set(a.client)
		if err := a.client.Start(ctx); err != nil {
			_ = a.Close()
			return err
		}

		select {
		case <-ctx.Done():
			logger.Info("shutting down", nil)
			src.set(nil)
			return a.Close()
		case reason := <-reboots.ch:
			logger.Info("restarting agent", map[string]any{"reason": reason})
			src.set(nil)
			if err := a.Close(); err != nil {
				logger.Warn("agent close failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// rebootSignal turns device reboot requests into an agent restart.
type rebootSignal struct {
	ch     chan string
	logger *log.Logger
}

func newRebootSignal(logger *log.Logger) *rebootSignal {
	return &rebootSignal{ch: make(chan string, 1), logger: logger}
}

// Reboot records the request and returns. A request already pending
// absorbs later ones.
func (r *rebootSignal) Reboot(_ context.Context, reason string) error {
	select {
	case r.ch <- reason:
		r.logger.Info("reboot requested", map[string]any{"reason": reason})
	default:
	}
	return nil
}

func newAdapter(cfg config.AdapterConfig) (adapter.Adapter, error) {
	retries := 3
	if cfg.Retries != nil {
		retries = *cfg.Retries
	}
	switch cfg.Type {
	case "":
		return nil, nil
	case "webhook":
		return webhook.New(webhook.Config{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Timeout: cfg.Timeout.Duration,
			Retries: retries,
		})
	case "redis":
		return redis.New(redis.Config{
			URL:     cfg.URL,
			Channel: cfg.Channel,
			Timeout: cfg.Timeout.Duration,
			Retries: retries,
		})
	default:
		return nil, fmt.Errorf("unknown adapter type %q", cfg.Type)
	}
}

// forwarder publishes client events off the client's worker.
type forwarder struct {
	pub    adapter.Adapter
	serial uint32
	logger *log.Logger
	queue  chan *adapter.DeviceEvent
	now    func() time.Time
}

func newForwarder(pub adapter.Adapter, serial uint32, logger *log.Logger) *forwarder {
	return &forwarder{
		pub:    pub,
		serial: serial,
		logger: logger,
		queue:  make(chan *adapter.DeviceEvent, forwardQueue),
		now:    time.Now,
	}
}

func (f *forwarder) enqueue(st cloud.State, ev cloud.Event) {
	if f.pub == nil {
		return
	}
	select {
	case f.queue <- adapter.NewDeviceEvent(f.serial, st, ev, f.now()):
	default:
		f.logger.Warn("event queue full, dropping event", map[string]any{"event": ev.Kind.String()})
	}
}

func (f *forwarder) run(ctx context.Context) {
	if f.pub == nil {
		return
	}
	defer func() { _ = f.pub.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-f.queue:
			if err := f.pub.Publish(ctx, ev); err != nil {
				f.logger.Error("event publish failed", map[string]any{
					"event": ev.EventType,
					"error": err.Error(),
				})
			}
		}
	}
}

// liveSource follows the current client across agent restarts.
type liveSource struct {
	client atomic.Pointer[cloud.Client]
}

func (s *liveSource) set(c *cloud.Client) { s.client.Store(c) }

func (s *liveSource) State() cloud.State {
	if c := s.client.Load(); c != nil {
		return c.State()
	}
	return cloud.State{LastSeen: metrics.Never}
}

func (s *liveSource) Metrics() metrics.Snapshot {
	if c := s.client.Load(); c != nil {
		return c.Metrics()
	}
	return metrics.Snapshot{}
}

func (s *liveSource) PollImmediately() error {
	if c := s.client.Load(); c != nil {
		return c.PollImmediately()
	}
	return cloud.ErrNotInitialized
}

var _ statusd.Source = (*liveSource)(nil)
