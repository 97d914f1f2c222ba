package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/pithecene-io/skylink/msg"
	"github.com/pithecene-io/skylink/packet"
)

// Config represents a skylink.yaml configuration file.
// CLI flags always override config values.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Transport TransportConfig `yaml:"transport"`
	Cloud     CloudConfig     `yaml:"cloud"`
	Storage   StorageConfig   `yaml:"storage"`
	Adapter   AdapterConfig   `yaml:"adapter"`
	Status    StatusConfig    `yaml:"status"`
	Log       LogConfig       `yaml:"log"`
}

// DeviceConfig identifies the device to the backend.
type DeviceConfig struct {
	SerialNumber uint32 `yaml:"serial_number"`
	// ClaimToken is 32 hex characters.
	ClaimToken     string `yaml:"claim_token"`
	VendorName     string `yaml:"vendor_name"`
	ProductName    string `yaml:"product_name"`
	HWVariant      string `yaml:"hw_variant"`
	HWRevision     string `yaml:"hw_revision"`
	FWBundle       string `yaml:"fw_bundle"`
	FWName         string `yaml:"fw_name"`
	FWVersion      string `yaml:"fw_version"`
	BLEPasskey     string `yaml:"ble_passkey"`
	IMEI           uint64 `yaml:"imei"`
	IMSI           uint64 `yaml:"imsi"`
	ModemFWVersion string `yaml:"modem_fw_version"`
}

// Transport types and encodings.
const (
	TransportUDP       = "udp"
	TransportWebSocket = "websocket"
	EncodingRaw        = "raw"
	EncodingBase64     = "base64"
)

// TransportConfig selects the bearer.
type TransportConfig struct {
	Type    string            `yaml:"type"`
	Address string            `yaml:"address"`
	Headers map[string]string `yaml:"headers,omitempty"`
	// Encoding is raw or base64.
	Encoding     string   `yaml:"encoding"`
	Timeout      Duration `yaml:"timeout"`
	FragmentSize int      `yaml:"fragment_size"`
}

// CloudConfig tunes the orchestrator.
type CloudConfig struct {
	PollInterval    Duration `yaml:"poll_interval"`
	RetryDelay      Duration `yaml:"retry_delay"`
	PollRetryDelay  Duration `yaml:"poll_retry_delay"`
	ExchangeTimeout Duration `yaml:"exchange_timeout"`
	MaxResync       int      `yaml:"max_resync"`
	// Decoder and Encoder are paths to the schema blobs uploaded at
	// bootstrap.
	Decoder string `yaml:"decoder"`
	Encoder string `yaml:"encoder"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// AdapterConfig configures event forwarding.
type AdapterConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// StatusConfig configures the local status server.
type StatusConfig struct {
	// Listen is host:port. Empty disables the server.
	Listen string `yaml:"listen"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration in its string form.
func (d Duration) MarshalYAML() (any, error) {
	if d.Duration == 0 {
		return "", nil
	}
	return d.String(), nil
}

// Token parses the claim token.
func (d DeviceConfig) Token() (packet.ClaimToken, error) {
	if d.ClaimToken == "" {
		return packet.ClaimToken{}, errors.New("device.claim_token is required")
	}
	tok, err := packet.ParseClaimToken(d.ClaimToken)
	if err != nil {
		return packet.ClaimToken{}, fmt.Errorf("device.claim_token: %w", err)
	}
	return tok, nil
}

// Identity returns the create-session identity.
func (d DeviceConfig) Identity() msg.Identity {
	return msg.Identity{
		SerialNumber:   d.SerialNumber,
		VendorName:     d.VendorName,
		ProductName:    d.ProductName,
		HWVariant:      d.HWVariant,
		HWRevision:     d.HWRevision,
		FWBundle:       d.FWBundle,
		FWName:         d.FWName,
		FWVersion:      d.FWVersion,
		BLEPasskey:     d.BLEPasskey,
		IMEI:           d.IMEI,
		IMSI:           d.IMSI,
		ModemFWVersion: d.ModemFWVersion,
	}
}

// Validate checks the values a running agent needs.
func (c *Config) Validate() error {
	var errs []error
	if c.Device.SerialNumber == 0 {
		errs = append(errs, errors.New("device.serial_number is required"))
	}
	if _, err := c.Device.Token(); err != nil {
		errs = append(errs, err)
	}
	switch c.Transport.Type {
	case "", TransportUDP, TransportWebSocket:
	default:
		errs = append(errs, fmt.Errorf("transport.type %q must be %s or %s", c.Transport.Type, TransportUDP, TransportWebSocket))
	}
	if c.Transport.Address == "" {
		errs = append(errs, errors.New("transport.address is required"))
	}
	switch c.Transport.Encoding {
	case "", EncodingRaw, EncodingBase64:
	default:
		errs = append(errs, fmt.Errorf("transport.encoding %q must be %s or %s", c.Transport.Encoding, EncodingRaw, EncodingBase64))
	}
	if n := c.Transport.FragmentSize; n < 0 || n > packet.MaxPayloadSize {
		errs = append(errs, fmt.Errorf("transport.fragment_size %d out of range [0, %d]", n, packet.MaxPayloadSize))
	}
	switch c.Adapter.Type {
	case "", "webhook", "redis":
	default:
		errs = append(errs, fmt.Errorf("adapter.type %q must be webhook or redis", c.Adapter.Type))
	}
	if c.Adapter.Type != "" && c.Adapter.URL == "" {
		errs = append(errs, errors.New("adapter.url is required"))
	}
	return errors.Join(errs...)
}

// FragmentSizeOrDefault returns the configured fragment size, defaulting to the
// largest payload the encoding allows.
func (t TransportConfig) FragmentSizeOrDefault() int {
	if t.FragmentSize > 0 {
		return t.FragmentSize
	}
	if t.Encoding == EncodingBase64 {
		return packet.Base64PayloadSize
	}
	return packet.MaxPayloadSize
}
