package camlink

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/hypoxic/insta360-ble-api/logger"
)

// TransportKind selects which transport variant a session uses.
type TransportKind string

const (
	// TransportStream selects the length-framed TCP stream transport (camera WiFi AP mode).
	TransportStream TransportKind = "stream"
	// TransportChunked selects the BLE GATT characteristic transport.
	TransportChunked TransportKind = "chunked"
)

// Config represents the configuration parameters for a camera session and its
// transport.
type Config struct {
	mu sync.RWMutex

	// kind selects the transport variant. Defaults to TransportStream.
	kind TransportKind

	// host specifies the address of the camera for the stream transport.
	// Defaults to 192.168.42.1, the camera's WiFi AP address.
	host string

	// port specifies the TCP port for the stream transport. Defaults to 6666.
	port int

	// deviceAddress specifies the BLE address of the camera for the chunked
	// transport. When empty, connect performs a scan bounded by scanTimeout.
	deviceAddress string

	// connectTimeout defines the timeout for establishing the transport link.
	// Defaults to 5 seconds.
	connectTimeout time.Duration

	// responseTimeout defines how long a pending request may wait for its
	// response before it is resolved with ErrResponseTimeout.
	// Defaults to 10 seconds.
	responseTimeout time.Duration

	// scanTimeout bounds BLE discovery when no device address is configured.
	// Defaults to 10 seconds.
	scanTimeout time.Duration

	// writeTimeout defines the per-write deadline of the stream transport and
	// the time a caller may wait to enqueue an outbound frame.
	// Defaults to 5 seconds.
	writeTimeout time.Duration

	// sendQueueSize defines the size of the outbound queue, which buffers frames
	// before the sender worker writes them to the transport.
	//
	// This option allows you to control the backpressure level for unsent
	// frames. Defaults to 10.
	sendQueueSize int

	// notifyQueueSize defines the size of the notification queue, which buffers
	// unsolicited frames before the registered handlers are invoked.
	// Defaults to 10.
	notifyQueueSize int

	// logger provides a logger instance for session events and errors.
	logger logger.Logger
}

// NewConfig creates a new session configuration with the given functional options.
//
// It initializes a Config with defaults matching the camera's WiFi AP mode and then
// applies the provided options. Returns the Config and an error if any option is
// out of range.
func NewConfig(opts ...ConfigOption) (*Config, error) {
	cfg := &Config{
		kind:            TransportStream,
		host:            "192.168.42.1",
		port:            6666,
		connectTimeout:  5 * time.Second,
		responseTimeout: 10 * time.Second,
		scanTimeout:     10 * time.Second,
		writeTimeout:    5 * time.Second,
		sendQueueSize:   10,
		notifyQueueSize: 10,
		logger:          logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// fileConfig is the TOML surface of Config.
type fileConfig struct {
	Transport       string   `toml:"transport"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	DeviceAddress   string   `toml:"device_address"`
	ConnectTimeout  duration `toml:"connect_timeout"`
	ResponseTimeout duration `toml:"response_timeout"`
	ScanTimeout     duration `toml:"scan_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	SendQueueSize   int      `toml:"send_queue_size"`
	NotifyQueueSize int      `toml:"notify_queue_size"`
}

// duration wraps time.Duration so TOML values like "5s" parse naturally.
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)

	return nil
}

// LoadConfig reads a TOML file and builds a Config from it, applying any extra
// options afterwards. Fields absent from the file keep their defaults.
func LoadConfig(path string, opts ...ConfigOption) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
	}

	fileOpts := make([]ConfigOption, 0, 10)
	if fc.Transport != "" {
		fileOpts = append(fileOpts, WithTransport(TransportKind(fc.Transport)))
	}
	if fc.Host != "" {
		fileOpts = append(fileOpts, WithHost(fc.Host))
	}
	if fc.Port != 0 {
		fileOpts = append(fileOpts, WithPort(fc.Port))
	}
	if fc.DeviceAddress != "" {
		fileOpts = append(fileOpts, WithDeviceAddress(fc.DeviceAddress))
	}
	if fc.ConnectTimeout != 0 {
		fileOpts = append(fileOpts, WithConnectTimeout(time.Duration(fc.ConnectTimeout)))
	}
	if fc.ResponseTimeout != 0 {
		fileOpts = append(fileOpts, WithResponseTimeout(time.Duration(fc.ResponseTimeout)))
	}
	if fc.ScanTimeout != 0 {
		fileOpts = append(fileOpts, WithScanTimeout(time.Duration(fc.ScanTimeout)))
	}
	if fc.WriteTimeout != 0 {
		fileOpts = append(fileOpts, WithWriteTimeout(time.Duration(fc.WriteTimeout)))
	}
	if fc.SendQueueSize != 0 {
		fileOpts = append(fileOpts, WithSendQueueSize(fc.SendQueueSize))
	}
	if fc.NotifyQueueSize != 0 {
		fileOpts = append(fileOpts, WithNotifyQueueSize(fc.NotifyQueueSize))
	}

	return NewConfig(append(fileOpts, opts...)...)
}

// Kind returns the configured transport variant.
func (cfg *Config) Kind() TransportKind {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.kind
}

// Host returns the stream transport host.
func (cfg *Config) Host() string {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.host
}

// Port returns the stream transport TCP port.
func (cfg *Config) Port() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.port
}

// DeviceAddress returns the configured BLE device address, or an empty string when
// discovery should be used.
func (cfg *Config) DeviceAddress() string {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.deviceAddress
}

// ConnectTimeout returns the transport connect timeout.
func (cfg *Config) ConnectTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.connectTimeout
}

// ResponseTimeout returns the pending request response timeout.
func (cfg *Config) ResponseTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.responseTimeout
}

// ScanTimeout returns the BLE discovery timeout.
func (cfg *Config) ScanTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.scanTimeout
}

// WriteTimeout returns the per-write deadline.
func (cfg *Config) WriteTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.writeTimeout
}

// SendQueueSize returns the outbound queue capacity.
func (cfg *Config) SendQueueSize() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.sendQueueSize
}

// NotifyQueueSize returns the notification queue capacity.
func (cfg *Config) NotifyQueueSize() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.notifyQueueSize
}

// Logger returns the configured logger.
func (cfg *Config) Logger() logger.Logger {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.logger
}

// ConfigOption represents a functional option for configuring a Config.
type ConfigOption interface {
	apply(*Config) error
}

type configOptFunc struct {
	name      string
	applyFunc func(*Config) error
}

func (c *configOptFunc) apply(cfg *Config) error { return c.applyFunc(cfg) }

func newConfigOptFunc(name string, f func(*Config) error) *configOptFunc {
	return &configOptFunc{
		name:      name,
		applyFunc: f,
	}
}

// WithTransport selects the transport variant, TransportStream or TransportChunked.
//
// The default is TransportStream.
func WithTransport(kind TransportKind) ConfigOption {
	return newConfigOptFunc("WithTransport", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if kind != TransportStream && kind != TransportChunked {
			return fmt.Errorf("unsupported transport kind: %q", kind)
		}
		cfg.kind = kind

		return nil
	})
}

// WithHost sets the host of the camera for the stream transport.
// It returns a ConfigOption that validates the host and updates the configuration.
//
// The default is 192.168.42.1.
func WithHost(host string) ConfigOption {
	return newConfigOptFunc("WithHost", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if ip := net.ParseIP(host); ip != nil {
			cfg.host = host
			return nil
		}

		if host != "" {
			// accept hostnames as-is; resolution happens at dial time
			cfg.host = host
			return nil
		}

		return errors.New("invalid host")
	})
}

// WithPort sets the TCP port for the stream transport.
// An error is returned if the port is out of the valid range (1-65535).
//
// The default is 6666.
func WithPort(port int) ConfigOption {
	return newConfigOptFunc("WithPort", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if port < 1 || port > 65535 {
			return errors.New("port is out of range [1, 65535]")
		}
		cfg.port = port

		return nil
	})
}

// WithDeviceAddress sets the BLE address of the camera for the chunked transport.
// When unset, connect performs a discovery scan bounded by the scan timeout.
func WithDeviceAddress(addr string) ConfigOption {
	return newConfigOptFunc("WithDeviceAddress", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		cfg.deviceAddress = addr

		return nil
	})
}

// WithConnectTimeout sets the timeout for establishing the transport link.
// An error is returned if the timeout is outside the valid range (0.1-60 seconds).
//
// The default is 5 seconds.
func WithConnectTimeout(val time.Duration) ConfigOption {
	return newConfigOptFunc("WithConnectTimeout", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if val < 100*time.Millisecond || val > 60*time.Second {
			return errors.New("connect timeout out of range [0.1s, 60s]")
		}
		cfg.connectTimeout = val

		return nil
	})
}

// WithResponseTimeout sets how long a pending request may wait for its response
// before it is resolved with ErrResponseTimeout.
// An error is returned if the timeout is outside the valid range (0.1-120 seconds).
//
// The default is 10 seconds.
func WithResponseTimeout(val time.Duration) ConfigOption {
	return newConfigOptFunc("WithResponseTimeout", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if val < 100*time.Millisecond || val > 120*time.Second {
			return errors.New("response timeout out of range [0.1s, 120s]")
		}
		cfg.responseTimeout = val

		return nil
	})
}

// WithScanTimeout bounds BLE discovery when no device address is configured.
// An error is returned if the timeout is outside the valid range (1-300 seconds).
//
// The default is 10 seconds.
func WithScanTimeout(val time.Duration) ConfigOption {
	return newConfigOptFunc("WithScanTimeout", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if val < 1*time.Second || val > 300*time.Second {
			return errors.New("scan timeout out of range [1s, 300s]")
		}
		cfg.scanTimeout = val

		return nil
	})
}

// WithWriteTimeout sets the per-write deadline and the maximum time a caller may
// wait to enqueue an outbound frame.
// An error is returned if the timeout is outside the valid range (0.1-60 seconds).
//
// The default is 5 seconds.
func WithWriteTimeout(val time.Duration) ConfigOption {
	return newConfigOptFunc("WithWriteTimeout", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if val < 100*time.Millisecond || val > 60*time.Second {
			return errors.New("write timeout out of range [0.1s, 60s]")
		}
		cfg.writeTimeout = val

		return nil
	})
}

// WithSendQueueSize sets the size of the outbound queue, which buffers frames
// before the sender worker writes them to the transport.
//
// The queue size must be within the range of 1 to 1000.
//
// The default is 10.
func WithSendQueueSize(size int) ConfigOption {
	return newConfigOptFunc("WithSendQueueSize", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		if size < 1 || size > 1000 {
			return errors.New("the send queue size out of range [1, 1000]")
		}

		cfg.sendQueueSize = size

		return nil
	})
}

// WithNotifyQueueSize sets the size of the notification queue, which buffers
// unsolicited frames before registered handlers are invoked.
//
// The queue size must be within the range of 1 to 1000.
//
// The default is 10.
func WithNotifyQueueSize(size int) ConfigOption {
	return newConfigOptFunc("WithNotifyQueueSize", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		if size < 1 || size > 1000 {
			return errors.New("the notify queue size out of range [1, 1000]")
		}

		cfg.notifyQueueSize = size

		return nil
	})
}

// WithLogger sets the logger for the session.
//
// The default logger is the global logger instance.
func WithLogger(l logger.Logger) ConfigOption {
	return newConfigOptFunc("WithLogger", func(cfg *Config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		cfg.logger = l

		return nil
	})
}
