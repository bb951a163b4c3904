package udp

import (
	"fmt"
	"runtime"
	"time"

	"github.com/marmos91/dittoudp/pkg/pipeline"
)

// Defaults shared with pkg/config.
const (
	DefaultPort               = 9099
	DefaultReadTimeoutMs      = 15000
	DefaultWriteBufferSize    = 65536
	DefaultDatagramBufferSize = 1024
	DefaultBindTimeout        = 15 * time.Second
	DefaultNewQueueSize       = 1024
	DefaultRecycledQueueSize  = 256
	DefaultShutdownTimeout    = 30 * time.Second
)

// PortDisabled is returned by Port when no socket is bound.
const PortDisabled = -1

// Config holds the configuration of one lifecycle generation of the UDP
// server.
//
// Read timeouts are in milliseconds. Unlike the other fields, a zero read
// timeout is not replaced by the default: it is clamped to 1ms. The default
// of 15000ms is applied by the configuration layer and DefaultConfig.
//
// Port 0 binds an ephemeral port; DefaultConfig uses 9099.
//
// Default values (applied by applyDefaults if zero):
//   - BindTimeout: 15s
//   - ReplyBufferSize: 1024
//   - Workers: 4 x NumCPU
//   - NewQueueSize: 1024
//   - RecycledQueueSize: 256
//   - ShutdownTimeout: 30s
type Config struct {
	// Enabled controls whether the UDP adapter is started.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// BindAddress is a comma, semicolon or space separated list of candidate
	// hosts. Binds are raced across all of them and the first to succeed is
	// kept. Empty means the local host.
	BindAddress string `mapstructure:"bind_address" yaml:"bind_address"`

	// Port is the UDP port to bind.
	Port int `mapstructure:"port" yaml:"port" validate:"min=0,max=65535"`

	// BindTimeout bounds socket acquisition.
	BindTimeout time.Duration `mapstructure:"bind_timeout" yaml:"bind_timeout" validate:"min=0"`

	// NewReadTimeout (ms) bounds the accept loop's blocking read and is the
	// deadline of a freshly received exchange. 0 is treated as 1.
	NewReadTimeout int `mapstructure:"new_read_timeout" yaml:"new_read_timeout" validate:"min=0"`

	// RecycledReadTimeout (ms) is the deadline of a recycled exchange.
	// 0 is treated as 1.
	RecycledReadTimeout int `mapstructure:"recycled_read_timeout" yaml:"recycled_read_timeout" validate:"min=0"`

	// ReadBufferSize sets the socket receive buffer and the size of the
	// per-datagram buffer. 0 keeps the platform default socket buffer and
	// reads into 1024-byte buffers.
	ReadBufferSize int `mapstructure:"read_buffer_size" yaml:"read_buffer_size" validate:"min=0"`

	// WriteBufferSize sets the socket send buffer. 0 keeps the platform default.
	WriteBufferSize int `mapstructure:"write_buffer_size" yaml:"write_buffer_size" validate:"min=0"`

	// ReplyBufferSize is the reply capacity of each exchange.
	ReplyBufferSize int `mapstructure:"reply_buffer_size" yaml:"reply_buffer_size" validate:"min=0"`

	// Workers is the number of goroutines per work queue.
	Workers int `mapstructure:"workers" yaml:"workers" validate:"min=0"`

	// NewQueueSize bounds the queue of freshly received datagrams. A datagram
	// arriving while it is full is dropped.
	NewQueueSize int `mapstructure:"new_queue_size" yaml:"new_queue_size" validate:"min=0"`

	// RecycledQueueSize bounds the queue of recycled exchanges.
	RecycledQueueSize int `mapstructure:"recycled_queue_size" yaml:"recycled_queue_size" validate:"min=0"`

	// ReportSockets starts the open-handle reporter with the accept loop.
	ReportSockets bool `mapstructure:"report_sockets" yaml:"report_sockets"`

	// ShutdownTimeout bounds how long a retired generation may take to drain.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"min=0"`

	// MetricsLogInterval is the interval of the periodic stats log line.
	// 0 disables it.
	MetricsLogInterval time.Duration `mapstructure:"metrics_log_interval" yaml:"metrics_log_interval" validate:"min=0"`

	// Stages is the ordered pipeline. The server's mandatory stages are
	// always appended after these.
	Stages []pipeline.Definition `mapstructure:"stages" yaml:"stages" validate:"dive"`
}

// DefaultConfig returns a configuration with every default filled in.
func DefaultConfig() Config {
	cfg := Config{
		Enabled:             true,
		Port:                DefaultPort,
		NewReadTimeout:      DefaultReadTimeoutMs,
		RecycledReadTimeout: DefaultReadTimeoutMs,
		WriteBufferSize:     DefaultWriteBufferSize,
		ReportSockets:       true,
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in zero values and clamps read timeouts.
func (c *Config) applyDefaults() {
	if c.BindTimeout == 0 {
		c.BindTimeout = DefaultBindTimeout
	}
	if c.NewReadTimeout < 1 {
		c.NewReadTimeout = 1
	}
	if c.RecycledReadTimeout < 1 {
		c.RecycledReadTimeout = 1
	}
	if c.ReplyBufferSize == 0 {
		c.ReplyBufferSize = pipeline.DefaultReplyCapacity
	}
	if c.Workers == 0 {
		c.Workers = runtime.NumCPU() * 4
	}
	if c.NewQueueSize == 0 {
		c.NewQueueSize = DefaultNewQueueSize
	}
	if c.RecycledQueueSize == 0 {
		c.RecycledQueueSize = DefaultRecycledQueueSize
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// validate checks the configuration after defaults were applied.
func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 0-65535", c.Port)
	}
	if c.BindTimeout < 0 {
		return fmt.Errorf("invalid BindTimeout %v: must be >= 0", c.BindTimeout)
	}
	if c.ReadBufferSize < 0 {
		return fmt.Errorf("invalid ReadBufferSize %d: must be >= 0", c.ReadBufferSize)
	}
	if c.WriteBufferSize < 0 {
		return fmt.Errorf("invalid WriteBufferSize %d: must be >= 0", c.WriteBufferSize)
	}
	if c.ReplyBufferSize < 0 {
		return fmt.Errorf("invalid ReplyBufferSize %d: must be >= 0", c.ReplyBufferSize)
	}
	if c.Workers < 0 || c.NewQueueSize < 0 || c.RecycledQueueSize < 0 {
		return fmt.Errorf("invalid worker pool sizing: workers=%d new_queue=%d recycled_queue=%d",
			c.Workers, c.NewQueueSize, c.RecycledQueueSize)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid ShutdownTimeout %v: must be > 0", c.ShutdownTimeout)
	}
	if c.MetricsLogInterval < 0 {
		return fmt.Errorf("invalid MetricsLogInterval %v: must be >= 0", c.MetricsLogInterval)
	}

	seen := make(map[string]struct{}, len(c.Stages))
	for i, def := range c.Stages {
		if def.Name == "" || def.Type == "" {
			return fmt.Errorf("stage %d: name and type are required", i)
		}
		if _, dup := seen[def.Name]; dup {
			return fmt.Errorf("stage %q: %w", def.Name, pipeline.ErrDuplicateStage)
		}
		seen[def.Name] = struct{}{}
	}
	return nil
}

// datagramBufferSize is the size of the buffer each read goes into.
func (c *Config) datagramBufferSize() int {
	if c.ReadBufferSize > 0 {
		return c.ReadBufferSize
	}
	return DefaultDatagramBufferSize
}

func (c *Config) newReadTimeout() time.Duration {
	return time.Duration(max(c.NewReadTimeout, 1)) * time.Millisecond
}

func (c *Config) recycledReadTimeout() time.Duration {
	return time.Duration(max(c.RecycledReadTimeout, 1)) * time.Millisecond
}

// sameBinding reports whether c and o bind the same socket.
func (c *Config) sameBinding(o *Config) bool {
	return c.BindAddress == o.BindAddress && c.Port == o.Port
}
