package bridged

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/scriptbridge/bridged/internal/metrics"
	"github.com/scriptbridge/bridged/internal/reaper"
	"github.com/scriptbridge/bridged/internal/validate"
)

const (
	// DefaultSocketName is the socket filename used when no path is
	// configured; it is created under the system temp directory.
	DefaultSocketName = "bridged.sock"
	// DefaultSocketMode restricts the socket to the owning user.
	DefaultSocketMode = 0o600
	// DefaultMaxRequestBytes bounds a single request payload.
	DefaultMaxRequestBytes = int64(10 << 20)
	// DefaultReadTimeout bounds how long the daemon waits for a client to
	// finish writing its request.
	DefaultReadTimeout = 30 * time.Second
	// DefaultRequestTimeout bounds handler execution per request.
	DefaultRequestTimeout = 5 * time.Minute
	// DefaultReaperInterval is the background sweep cadence.
	DefaultReaperInterval = reaper.DefaultInterval
	// DefaultIdleThreshold is the handle idle limit before eviction.
	DefaultIdleThreshold = reaper.DefaultIdleThreshold
	// DefaultMetricsListen disables the Prometheus endpoint unless set.
	DefaultMetricsListen = ""
	// DefaultPprofListen disables the pprof endpoint unless set.
	DefaultPprofListen = ""
)

// DefaultSocketPath returns the socket location used when Config.SocketPath
// is empty.
func DefaultSocketPath() string {
	return filepath.Join(os.TempDir(), DefaultSocketName)
}

// DefaultConfigFileName is the YAML config filename the CLI looks for.
const DefaultConfigFileName = "config.yaml"

// DefaultConfigDir returns the per-user configuration directory.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".bridged"), nil
}

// Config controls a bridge daemon instance. The zero value is usable;
// Validate fills in defaults.
type Config struct {
	// SocketPath is the unix socket the daemon listens on.
	SocketPath string
	// SocketMode is applied to the socket file after binding.
	SocketMode os.FileMode
	// PeerCredCheck rejects connections from other UIDs when true.
	PeerCredCheck bool
	// AllowShutdown enables the system.shutdown operation.
	AllowShutdown bool

	// MaxRequestBytes caps the size of one request payload.
	MaxRequestBytes int64
	// ReadTimeout bounds reading a request off the socket.
	ReadTimeout time.Duration
	// RequestTimeout bounds handler execution.
	RequestTimeout time.Duration

	// ReaperInterval is the background sweep cadence; <0 disables the
	// background loop (system.cleanup still works).
	ReaperInterval time.Duration
	// IdleThreshold is how long a handle may sit unused before the reaper
	// evicts it.
	IdleThreshold time.Duration

	// Limits bounds request parameter shape.
	Limits validate.Limits
	// MetricsWindow is the latency sample window for percentiles.
	MetricsWindow int
	// Health holds the thresholds behind system.health.
	Health metrics.HealthLimits

	// MetricsListen exposes Prometheus metrics when non-empty.
	MetricsListen string
	// PprofListen exposes pprof handlers when non-empty.
	PprofListen string
	// OTLPEndpoint enables trace export when non-empty, e.g.
	// "grpc://collector:4317" or "https://collector:4318/v1/traces".
	OTLPEndpoint string
	// EnableProfilingMetrics adds Go runtime metrics to the Prometheus
	// endpoint.
	EnableProfilingMetrics bool
}

// Validate normalizes the configuration, filling defaults for zero values.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		c.SocketPath = DefaultSocketPath()
	}
	if c.SocketMode == 0 {
		c.SocketMode = DefaultSocketMode
	}
	if c.MaxRequestBytes == 0 {
		c.MaxRequestBytes = DefaultMaxRequestBytes
	}
	if c.MaxRequestBytes < 0 {
		return fmt.Errorf("config: max request bytes must be positive")
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.ReaperInterval == 0 {
		c.ReaperInterval = DefaultReaperInterval
	}
	if c.IdleThreshold == 0 {
		c.IdleThreshold = DefaultIdleThreshold
	}
	if c.IdleThreshold < 0 {
		return fmt.Errorf("config: idle threshold must be positive")
	}
	if c.Limits == (validate.Limits{}) {
		c.Limits = validate.DefaultLimits()
	}
	if c.MetricsWindow <= 0 {
		c.MetricsWindow = metrics.DefaultWindowSize
	}
	if c.Health == (metrics.HealthLimits{}) {
		c.Health = metrics.DefaultHealthLimits()
	}
	if c.EnableProfilingMetrics && c.MetricsListen == "" {
		return fmt.Errorf("config: profiling metrics require a metrics listen address")
	}
	return nil
}
