// Package cloud is the session orchestrator. A Client owns the device
// session and traffic metrics, drives the bootstrap sequence and the poll
// timer on a single worker, and exposes the send, poll and firmware
// request API on top of the transfer engine.
package cloud

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pithecene-io/skylink/log"
	"github.com/pithecene-io/skylink/metrics"
	"github.com/pithecene-io/skylink/modem"
	"github.com/pithecene-io/skylink/msg"
	"github.com/pithecene-io/skylink/packet"
	"github.com/pithecene-io/skylink/process"
	"github.com/pithecene-io/skylink/storage"
	"github.com/pithecene-io/skylink/transfer"
)

var (
	// ErrPermission is returned when the claim token is missing or an
	// operation needs a session that does not exist yet.
	ErrPermission = errors.New("cloud: permission denied")
	// ErrNotInitialized is returned by operations on a client that was
	// never started or is closed.
	ErrNotInitialized = errors.New("cloud: client not running")
	// ErrInvalidArgument is returned for empty payloads and bad firmware
	// names.
	ErrInvalidArgument = errors.New("cloud: invalid argument")
)

// Defaults.
const (
	DefaultRetryDelay     = 5 * time.Second
	DefaultPollRetryDelay = time.Minute
	// MaxFirmwareName bounds the image name of a firmware request.
	MaxFirmwareName = 200
	// FirmwareRequestMaxLength is the first chunk size asked for.
	FirmwareRequestMaxLength = 256

	queueSize = 32
)

// BootImage is the flashing collaborator, able to confirm the image it
// booted from.
type BootImage interface {
	process.Flasher
	ConfirmBoot(ctx context.Context) error
}

// Options configures a Client.
type Options struct {
	SerialNumber uint32
	// Token is the claim token. Required.
	Token packet.ClaimToken
	// Identity is sent in create-session. A zero SerialNumber is filled
	// from the option above.
	Identity msg.Identity

	// Transport carries the frames. Required.
	Transport       modem.Transport
	FragmentSize    int
	MaxDownlink     int
	MaxResync       int
	ExchangeTimeout time.Duration

	// Decoder and Encoder are the schema blobs offered to the backend.
	// A zero hash is computed from the blob.
	Decoder     []byte
	DecoderHash uint64
	Encoder     []byte
	EncoderHash uint64

	Executor process.ConfigExecutor
	// Shell runs download-shell commands. Nil falls back to Executor.
	Shell    process.CommandRunner
	Image    BootImage
	Rebooter process.Rebooter
	// Store holds the firmware marker. Optional.
	Store *storage.Store
	// Journal receives a metrics snapshot after every worker task. Optional.
	Journal *storage.Journal
	// Metrics is created when nil.
	Metrics *metrics.Collector
	// Clock is the device clock. Nil means a SystemClock.
	Clock Clock
	// Radio returns the current radio reading for stats. Optional.
	Radio func() *msg.RadioStats

	// PollInterval is the periodic poll period. Zero disables the timer.
	PollInterval   time.Duration
	RetryDelay     time.Duration
	PollRetryDelay time.Duration

	Logger *log.Logger
}

// BlobHash returns the content hash of a decoder or encoder blob.
func BlobHash(blob []byte) uint64 {
	h := packet.Sum8(blob)
	return binary.BigEndian.Uint64(h[:])
}

// Client is the session orchestrator.
type Client struct {
	opts    Options
	engine  *transfer.Engine
	proc    *process.Processor
	metrics *metrics.Collector
	clock   Clock
	base    *log.Logger
	logger  atomic.Pointer[log.Logger]

	decoderHash uint64
	encoderHash uint64

	queue      chan task
	pollQueued atomic.Bool
	intervals  chan time.Duration

	initialized chan struct{}
	initOnce    sync.Once

	mu           sync.Mutex
	session      msg.Session
	callback     func(Event)
	pollInterval time.Duration
	retryTimer   *time.Timer
	startedAt    time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a client. It does not touch the network until Start.
func New(opts Options) (*Client, error) {
	if opts.Token.IsZero() {
		return nil, fmt.Errorf("%w: claim token is not set", ErrPermission)
	}
	if opts.Transport == nil {
		return nil, errors.New("cloud: transport is required")
	}
	if opts.Identity.SerialNumber == 0 {
		opts.Identity.SerialNumber = opts.SerialNumber
	}
	var maxChunk uint32
	if opts.MaxDownlink > 0 {
		if maxChunk = process.MaxChunkFor(opts.MaxDownlink); maxChunk == 0 {
			return nil, fmt.Errorf("cloud: max downlink %d leaves no room for a firmware chunk", opts.MaxDownlink)
		}
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.PollRetryDelay <= 0 {
		opts.PollRetryDelay = DefaultPollRetryDelay
	}
	if opts.Clock == nil {
		opts.Clock = &SystemClock{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector(opts.Clock.Now)
	}
	logger := log.OrNop(opts.Logger)

	engine, err := transfer.New(opts.Transport, transfer.Config{
		SerialNumber:    opts.SerialNumber,
		Token:           opts.Token,
		FragmentSize:    opts.FragmentSize,
		MaxDownlink:     opts.MaxDownlink,
		MaxResync:       opts.MaxResync,
		ExchangeTimeout: opts.ExchangeTimeout,
		Observer:        opts.Metrics,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	pcfg := process.Config{
		Executor: opts.Executor,
		Shell:    opts.Shell,
		Rebooter: opts.Rebooter,
		Uplinker: engine,
		MaxChunk: maxChunk,
		Logger:   logger,
	}
	if opts.Image != nil {
		pcfg.Flasher = opts.Image
	}
	if opts.Store != nil {
		pcfg.Markers = opts.Store
	}

	c := &Client{
		opts:         opts,
		engine:       engine,
		proc:         process.New(pcfg),
		metrics:      opts.Metrics,
		clock:        opts.Clock,
		base:         logger,
		decoderHash:  opts.DecoderHash,
		encoderHash:  opts.EncoderHash,
		queue:        make(chan task, queueSize),
		intervals:    make(chan time.Duration, 1),
		initialized:  make(chan struct{}),
		pollInterval: opts.PollInterval,
	}
	if c.decoderHash == 0 && len(opts.Decoder) > 0 {
		c.decoderHash = BlobHash(opts.Decoder)
	}
	if c.encoderHash == 0 && len(opts.Encoder) > 0 {
		c.encoderHash = BlobHash(opts.Encoder)
	}
	c.logger.Store(logger)
	return c, nil
}

func (c *Client) log() *log.Logger {
	return c.logger.Load()
}

// Start launches the worker and queues the bootstrap sequence. The
// client runs until ctx is done or Close is called.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx != nil {
		return errors.New("cloud: client already started")
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.startedAt = time.Now()
	c.running.Store(true)

	c.wg.Add(2)
	go c.work()
	go c.pollLoop()

	c.queue <- task{name: "bootstrap", fn: c.bootstrap}
	return nil
}

// Close stops the worker and the poll timer and waits for them to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	c.running.Store(false)
	cancel()
	c.wg.Wait()
	return nil
}

// WaitInitialized blocks until the bootstrap sequence has succeeded once.
func (c *Client) WaitInitialized(ctx context.Context) error {
	select {
	case <-c.initialized:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cloud: wait initialized: %w", ctx.Err())
	}
}

// Initialized reports whether the bootstrap sequence has succeeded.
func (c *Client) Initialized() bool {
	select {
	case <-c.initialized:
		return true
	default:
		return false
	}
}

// SetCallback registers the event handler. It is called from the worker.
func (c *Client) SetCallback(fn func(Event)) {
	c.mu.Lock()
	c.callback = fn
	c.mu.Unlock()
}

// Session returns the current session. Its ID is zero before the backend
// assigned one.
func (c *Client) Session() msg.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Metrics returns a snapshot of the traffic counters.
func (c *Client) Metrics() metrics.Snapshot {
	return c.metrics.Snapshot()
}

// LastSeen returns the time of the most recent successful exchange with
// the backend, in ms since the epoch.
func (c *Client) LastSeen() (int64, error) {
	if !c.Session().Valid() {
		return 0, fmt.Errorf("%w: no session", ErrPermission)
	}
	return c.metrics.Snapshot().LastSeen(), nil
}

// Send uplinks one application payload tagged with the decoder hash and
// waits for the exchange to finish.
func (c *Client) Send(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidArgument)
	}
	buf := msg.EncodeData(c.decoderHash, data)
	return c.do(ctx, "send", func(ctx context.Context) error {
		if err := c.transact(ctx, buf); err != nil {
			return err
		}
		c.metrics.IncUplinkData()
		return nil
	})
}

func checkFirmwareName(name string) error {
	if name == "" || len(name) > MaxFirmwareName {
		return fmt.Errorf("%w: firmware name must be 1 to %d characters", ErrInvalidArgument, MaxFirmwareName)
	}
	return nil
}

func firmwareRequest(name string) ([]byte, error) {
	return msg.EncodeFirmware(msg.UpFirmware{
		Target:    msg.FirmwareTarget,
		Type:      msg.FirmwareDownload,
		MaxLength: FirmwareRequestMaxLength,
		Firmware:  name,
	})
}

// FirmwareUpdate asks the backend to start downloading the named image
// and waits for the request to be delivered.
func (c *Client) FirmwareUpdate(ctx context.Context, name string) error {
	if err := checkFirmwareName(name); err != nil {
		return err
	}
	buf, err := firmwareRequest(name)
	if err != nil {
		return err
	}
	return c.do(ctx, "firmware update", func(ctx context.Context) error {
		return c.transact(ctx, buf)
	})
}

// ScheduleFirmwareUpdate queues a firmware request without waiting. It
// is safe to call from the worker itself.
func (c *Client) ScheduleFirmwareUpdate(name string) error {
	if err := checkFirmwareName(name); err != nil {
		return err
	}
	buf, err := firmwareRequest(name)
	if err != nil {
		return err
	}
	return c.submit(task{name: "firmware update", fn: func(ctx context.Context) error {
		return c.transact(ctx, buf)
	}})
}

// SyncTime asks the backend for the current time. The set-timestamp
// reply corrects the clock.
func (c *Client) SyncTime(ctx context.Context) error {
	return c.do(ctx, "sync time", func(ctx context.Context) error {
		return c.transact(ctx, msg.EncodeGetTimestamp())
	})
}

// SendStats uplinks the uptime and the current radio reading.
func (c *Client) SendStats(ctx context.Context) error {
	c.mu.Lock()
	uptime := time.Since(c.startedAt)
	c.mu.Unlock()
	stats := msg.Stats{Uptime: uint64(uptime / time.Second)}
	if c.opts.Radio != nil {
		stats.Radio = c.opts.Radio()
	}
	buf, err := msg.EncodeStats(stats)
	if err != nil {
		return err
	}
	return c.do(ctx, "send stats", func(ctx context.Context) error {
		return c.transact(ctx, buf)
	})
}

// State is the orchestrator status shown by the shell and the status
// endpoint.
type State struct {
	Initialized   bool        `json:"initialized" yaml:"initialized"`
	Session       msg.Session `json:"session" yaml:"session"`
	LastSeen      int64       `json:"last_seen" yaml:"last_seen"`
	FirmwareState string      `json:"firmware_state" yaml:"firmware_state"`
	NextSequence  uint16      `json:"next_sequence" yaml:"next_sequence"`
	LastReceived  uint16      `json:"last_received" yaml:"last_received"`
	PollInterval  string      `json:"poll_interval" yaml:"poll_interval"`
}

// State returns the current orchestrator status.
func (c *Client) State() State {
	seq := c.engine.State()
	c.mu.Lock()
	interval := c.pollInterval
	session := c.session
	c.mu.Unlock()
	return State{
		Initialized:   c.Initialized(),
		Session:       session,
		LastSeen:      c.metrics.Snapshot().LastSeen(),
		FirmwareState: c.proc.FirmwareState().String(),
		NextSequence:  seq.NextSequence,
		LastReceived:  seq.LastReceived,
		PollInterval:  interval.String(),
	}
}
