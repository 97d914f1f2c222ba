package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/skylink/cli/config"
	"github.com/pithecene-io/skylink/cloud"
	"github.com/pithecene-io/skylink/dfu"
	"github.com/pithecene-io/skylink/iox"
	"github.com/pithecene-io/skylink/log"
	"github.com/pithecene-io/skylink/modem"
	"github.com/pithecene-io/skylink/process"
	"github.com/pithecene-io/skylink/shell"
	"github.com/pithecene-io/skylink/storage"
)

// Defaults applied when neither the config file nor a flag sets a value.
const (
	defaultStoragePath = ".skylink"
	defaultTransport   = config.TransportUDP
)

// PollIntervalSetting is the "app config" key controlling the periodic
// poll.
const PollIntervalSetting = "poll-interval"

// loadConfig reads the config file and applies flag overrides. A missing
// file is only an error when --config was given explicitly.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String(ConfigFlag.Name)
	cfg := &config.Config{}
	if _, err := os.Stat(path); err == nil || c.IsSet(ConfigFlag.Name) {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if c.IsSet("serial-number") {
		cfg.Device.SerialNumber = uint32(c.Uint("serial-number"))
	}
	if c.IsSet("claim-token") {
		cfg.Device.ClaimToken = c.String("claim-token")
	}
	if c.IsSet("transport") {
		cfg.Transport.Type = c.String("transport")
	}
	if c.IsSet("address") {
		cfg.Transport.Address = c.String("address")
	}
	if c.IsSet("encoding") {
		cfg.Transport.Encoding = c.String("encoding")
	}
	if c.IsSet("storage-backend") {
		cfg.Storage.Backend = c.String("storage-backend")
	}
	if c.IsSet("storage-path") {
		cfg.Storage.Path = c.String("storage-path")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}

	if cfg.Transport.Type == "" {
		cfg.Transport.Type = defaultTransport
	}
	if cfg.Storage.Backend == "" && cfg.Storage.Path == "" {
		cfg.Storage.Path = defaultStoragePath
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*log.Logger, error) {
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logger := log.NewLogger(log.Meta{SerialNumber: cfg.Device.SerialNumber})
	logger.SetLevel(level)
	return logger, nil
}

func newTransport(cfg config.TransportConfig, logger *log.Logger) (modem.Transport, error) {
	var t modem.Transport
	switch cfg.Type {
	case config.TransportUDP:
		t = modem.NewUDP(modem.UDPConfig{
			Address: cfg.Address,
			Timeout: cfg.Timeout.Duration,
			Logger:  logger,
		})
	case config.TransportWebSocket:
		header := http.Header{}
		for k, v := range cfg.Headers {
			header.Set(k, v)
		}
		t = modem.NewWebSocket(modem.WebSocketConfig{
			URL:     cfg.Address,
			Header:  header,
			Timeout: cfg.Timeout.Duration,
			Text:    cfg.Encoding == config.EncodingBase64,
			Logger:  logger,
		})
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Type)
	}
	if cfg.Encoding == config.EncodingBase64 {
		t = modem.NewBase64(t)
	}
	return t, nil
}

func readBlob(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema blob: %w", err)
	}
	return data, nil
}

// agent is one wired device: storage, shell, firmware slot, bearer and
// cloud client.
type agent struct {
	cfg       *config.Config
	logger    *log.Logger
	store     *storage.Store
	journal   *storage.Journal
	settings  *shell.Settings
	shell     *shell.Shell
	image     *dfu.Image
	transport modem.Transport
	clock     *cloud.SystemClock
	client    *cloud.Client
}

func openStorage(ctx context.Context, cfg *config.Config) (*storage.Store, *storage.Journal, error) {
	factory, err := storage.NewFactory(ctx, storage.Config{
		Backend:      cfg.Storage.Backend,
		Path:         cfg.Storage.Path,
		Region:       cfg.Storage.Region,
		Endpoint:     cfg.Storage.Endpoint,
		UsePathStyle: cfg.Storage.S3PathStyle,
	})
	if err != nil {
		return nil, nil, err
	}
	shared := storage.Shared(factory)
	journal, err := storage.NewJournal(shared, cfg.Device.SerialNumber)
	if err != nil {
		return nil, nil, err
	}
	return storage.New(shared), journal, nil
}

// newAgent wires a device from cfg. The client is not started.
func newAgent(ctx context.Context, cfg *config.Config, logger *log.Logger, rebooter process.Rebooter) (*agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	token, err := cfg.Device.Token()
	if err != nil {
		return nil, err
	}

	a := &agent{cfg: cfg, logger: logger, clock: &cloud.SystemClock{}}
	if a.store, a.journal, err = openStorage(ctx, cfg); err != nil {
		return nil, err
	}

	a.settings = shell.NewSettings(a.store)
	if err := a.settings.Define(shell.Setting{
		Key:     PollIntervalSetting,
		Default: cfg.Cloud.PollInterval.String(),
		Help:    "Periodic downlink check, 0s disables",
		Validate: func(v string) error {
			d, err := time.ParseDuration(v)
			if err == nil && d < 0 {
				err = errors.New("must not be negative")
			}
			return err
		},
	}); err != nil {
		return nil, err
	}
	if err := a.settings.Load(ctx); err != nil {
		logger.Warn("settings not restored", map[string]any{"error": err.Error()})
	}
	if a.shell, err = shell.New(shell.Config{Settings: a.settings, Logger: logger}); err != nil {
		return nil, err
	}

	a.image = dfu.New(a.store, dfu.Config{Logger: logger})
	if a.transport, err = newTransport(cfg.Transport, logger); err != nil {
		return nil, err
	}

	decoder, err := readBlob(cfg.Cloud.Decoder)
	if err != nil {
		return nil, err
	}
	encoder, err := readBlob(cfg.Cloud.Encoder)
	if err != nil {
		return nil, err
	}

	interval, _ := a.settings.Get(PollIntervalSetting)
	poll, _ := time.ParseDuration(interval)

	a.client, err = cloud.New(cloud.Options{
		SerialNumber:    cfg.Device.SerialNumber,
		Token:           token,
		Identity:        cfg.Device.Identity(),
		Transport:       a.transport,
		FragmentSize:    cfg.Transport.FragmentSizeOrDefault(),
		MaxResync:       cfg.Cloud.MaxResync,
		ExchangeTimeout: cfg.Cloud.ExchangeTimeout.Duration,
		Decoder:         decoder,
		Encoder:         encoder,
		Executor:        a.shell,
		Image:           a.image,
		Rebooter:        rebooter,
		Store:           a.store,
		Journal:         a.journal,
		Clock:           a.clock,
		PollInterval:    poll,
		RetryDelay:      cfg.Cloud.RetryDelay.Duration,
		PollRetryDelay:  cfg.Cloud.PollRetryDelay.Duration,
		Logger:          logger,
	})
	if err != nil {
		_ = a.transport.Close()
		return nil, err
	}

	cloud.RegisterCommands(a.shell, a.client)
	a.settings.Watch(func(key, value string) {
		if key != PollIntervalSetting {
			return
		}
		if d, err := time.ParseDuration(value); err == nil {
			a.client.SetPollInterval(d)
		}
	})
	return a, nil
}

// Close stops the client and releases the bearer.
func (a *agent) Close() error {
	err := iox.CloseAll(a.client, a.transport)
	_ = a.logger.Sync()
	return err
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
