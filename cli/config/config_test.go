package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pithecene-io/skylink/packet"
)

const fullConfig = `device:
  serial_number: 2159017985
  claim_token: 98a8856ba6534bd5212176b22f3acbb3
  vendor_name: HARDWARIO
  product_name: CHESTER-M
  hw_variant: CDGLS
  hw_revision: R3.2
  fw_bundle: io.example.gate
  fw_name: gate
  fw_version: v2.1.0
  imei: 351358815178345
  imsi: 901288003957939
  modem_fw_version: mfw_nrf9160_1.3.5

transport:
  type: websocket
  address: wss://gw.example.com/nbiot
  headers:
    Authorization: Bearer abc
  encoding: base64
  timeout: 20s

cloud:
  poll_interval: 1h
  retry_delay: 10s
  poll_retry_delay: 2m
  exchange_timeout: 45s
  max_resync: 4
  decoder: ./schema/decoder.bin
  encoder: ./schema/encoder.bin

storage:
  backend: s3
  path: device-state/gate
  region: eu-central-1
  endpoint: https://minio.example.com
  s3_path_style: true

adapter:
  type: webhook
  url: https://hooks.example.com/skylink
  headers:
    Authorization: Bearer token123
  timeout: 10s
  retries: 3

status:
  listen: 127.0.0.1:9180

log:
  level: debug
`

func TestLoad_FullConfig(t *testing.T) {
	cfg, err := Load(writeTemp(t, fullConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Device.SerialNumber != 2159017985 {
		t.Errorf("device.serial_number: got %d, want 2159017985", cfg.Device.SerialNumber)
	}
	assertEqual(t, "device.vendor_name", cfg.Device.VendorName, "HARDWARIO")
	assertEqual(t, "device.fw_version", cfg.Device.FWVersion, "v2.1.0")
	if cfg.Device.IMEI != 351358815178345 {
		t.Errorf("device.imei: got %d", cfg.Device.IMEI)
	}

	assertEqual(t, "transport.type", cfg.Transport.Type, TransportWebSocket)
	assertEqual(t, "transport.address", cfg.Transport.Address, "wss://gw.example.com/nbiot")
	assertEqual(t, "transport.headers", cfg.Transport.Headers["Authorization"], "Bearer abc")
	if cfg.Transport.Timeout.Duration != 20*time.Second {
		t.Errorf("transport.timeout: got %v, want 20s", cfg.Transport.Timeout.Duration)
	}

	if cfg.Cloud.PollInterval.Duration != time.Hour {
		t.Errorf("cloud.poll_interval: got %v, want 1h", cfg.Cloud.PollInterval.Duration)
	}
	if cfg.Cloud.PollRetryDelay.Duration != 2*time.Minute {
		t.Errorf("cloud.poll_retry_delay: got %v, want 2m", cfg.Cloud.PollRetryDelay.Duration)
	}
	if cfg.Cloud.MaxResync != 4 {
		t.Errorf("cloud.max_resync: got %d, want 4", cfg.Cloud.MaxResync)
	}
	assertEqual(t, "cloud.decoder", cfg.Cloud.Decoder, "./schema/decoder.bin")

	assertEqual(t, "storage.backend", cfg.Storage.Backend, "s3")
	assertEqual(t, "storage.path", cfg.Storage.Path, "device-state/gate")
	if !cfg.Storage.S3PathStyle {
		t.Error("expected storage.s3_path_style=true")
	}

	assertEqual(t, "adapter.type", cfg.Adapter.Type, "webhook")
	if cfg.Adapter.Retries == nil || *cfg.Adapter.Retries != 3 {
		t.Errorf("adapter.retries: got %v, want 3", cfg.Adapter.Retries)
	}

	assertEqual(t, "status.listen", cfg.Status.Listen, "127.0.0.1:9180")
	assertEqual(t, "log.level", cfg.Log.Level, "debug")

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestDeviceConfig_Identity(t *testing.T) {
	cfg, err := Load(writeTemp(t, fullConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	id := cfg.Device.Identity()
	if id.SerialNumber != 2159017985 || id.ProductName != "CHESTER-M" || id.IMSI != 901288003957939 {
		t.Errorf("identity = %+v", id)
	}

	tok, err := cfg.Device.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	want, _ := packet.ParseClaimToken("98a8856ba6534bd5212176b22f3acbb3")
	if tok != want {
		t.Errorf("token = %x, want %x", tok, want)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Device:    DeviceConfig{SerialNumber: 1, ClaimToken: "98a8856ba6534bd5212176b22f3acbb3"},
			Transport: TransportConfig{Address: "127.0.0.1:5002"},
		}
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"minimal", func(*Config) {}, ""},
		{"missing serial", func(c *Config) { c.Device.SerialNumber = 0 }, "device.serial_number"},
		{"missing token", func(c *Config) { c.Device.ClaimToken = "" }, "claim_token is required"},
		{"short token", func(c *Config) { c.Device.ClaimToken = "98a8" }, "device.claim_token"},
		{"bad transport", func(c *Config) { c.Transport.Type = "lora" }, "transport.type"},
		{"missing address", func(c *Config) { c.Transport.Address = "" }, "transport.address"},
		{"bad encoding", func(c *Config) { c.Transport.Encoding = "hex" }, "transport.encoding"},
		{"fragment too big", func(c *Config) { c.Transport.FragmentSize = packet.MaxPayloadSize + 1 }, "fragment_size"},
		{"bad adapter", func(c *Config) { c.Adapter.Type = "kafka" }, "adapter.type"},
		{"adapter without url", func(c *Config) { c.Adapter.Type = "redis" }, "adapter.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestFragmentSizeOrDefault(t *testing.T) {
	tests := []struct {
		cfg  TransportConfig
		want int
	}{
		{TransportConfig{}, packet.MaxPayloadSize},
		{TransportConfig{Encoding: EncodingBase64}, packet.Base64PayloadSize},
		{TransportConfig{Encoding: EncodingBase64, FragmentSize: 100}, 100},
	}
	for _, tt := range tests {
		if got := tt.cfg.FragmentSizeOrDefault(); got != tt.want {
			t.Errorf("FragmentSizeOrDefault(%+v) = %d, want %d", tt.cfg, got, tt.want)
		}
	}
}

func TestLoad_EmptyConfig(t *testing.T) {
	for name, content := range map[string]string{
		"empty":      "",
		"whitespace": "   \n  \n",
		"comments":   "# nothing\n# here\n",
	} {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load(writeTemp(t, content))
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if cfg.Device.SerialNumber != 0 || cfg.Transport.Type != "" {
				t.Errorf("expected zero config, got %+v", cfg)
			}
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := Load(writeTemp(t, "device: [unclosed")); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("SKYLINK_TEST_TOKEN", "98a8856ba6534bd5212176b22f3acbb3")

	cfg, err := Load(writeTemp(t, "device:\n  claim_token: ${SKYLINK_TEST_TOKEN}\nlog:\n  level: ${SKYLINK_TEST_LEVEL:-warn}\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	assertEqual(t, "device.claim_token", cfg.Device.ClaimToken, "98a8856ba6534bd5212176b22f3acbb3")
	assertEqual(t, "log.level", cfg.Log.Level, "warn")
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	tests := []struct {
		name    string
		content string
		key     string
	}{
		{"top level", "device:\n  serial_number: 1\nbogus_key: x\n", "bogus_key"},
		{"nested", "storage:\n  backend: fs\n  unknown_field: bad\n", "unknown_field"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTemp(t, tt.content))
			if err == nil {
				t.Fatal("expected error for unknown key, got nil")
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Errorf("error should mention %q, got: %v", tt.key, err)
			}
		})
	}
}

func TestLoad_RetriesZeroDistinctFromNil(t *testing.T) {
	cfg, err := Load(writeTemp(t, "adapter:\n  type: redis\n  url: redis://localhost:6379\n  retries: 0\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Adapter.Retries == nil || *cfg.Adapter.Retries != 0 {
		t.Fatalf("adapter.retries: got %v, want explicit 0", cfg.Adapter.Retries)
	}

	cfg, err = Load(writeTemp(t, "adapter:\n  type: redis\n  url: redis://localhost:6379\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Adapter.Retries != nil {
		t.Errorf("adapter.retries: got %d, want nil", *cfg.Adapter.Retries)
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		value   string
		want    time.Duration
		wantErr bool
	}{
		{`"30s"`, 30 * time.Second, false},
		{`5m30s`, 5*time.Minute + 30*time.Second, false},
		{`""`, 0, false},
		{`not-a-duration`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			cfg, err := Load(writeTemp(t, "cloud:\n  retry_delay: "+tt.value+"\n"))
			if tt.wantErr {
				if err == nil || !strings.Contains(err.Error(), "invalid duration") {
					t.Fatalf("err = %v, want invalid duration", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if cfg.Cloud.RetryDelay.Duration != tt.want {
				t.Errorf("got %v, want %v", cfg.Cloud.RetryDelay.Duration, tt.want)
			}
		})
	}
}

// writeTemp writes content to a temp file and returns the path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "skylink.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func assertEqual(t *testing.T, field, got, want string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %q, want %q", field, got, want)
	}
}
