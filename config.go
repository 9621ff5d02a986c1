package rpcbridge

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"pkt.systems/rpcbridge/internal/pathutil"
)

const (
	// DefaultListen binds loopback on the port the bridge has historically used.
	DefaultListen = "127.0.0.1:8081"
	// DefaultMaxPayloadBytes bounds request and response bodies.
	DefaultMaxPayloadBytes = 256 * 1024
	// DefaultRequestTimeout bounds each of the two waits a request goes through.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultPollInterval is the upper bound on how long a waiting request
	// goes without re-checking the gate and the response slot.
	DefaultPollInterval = 50 * time.Millisecond
	// DefaultUnloadGrace is how long Unload waits, best effort, for the
	// listener to be released.
	DefaultUnloadGrace = 100 * time.Millisecond
	// DefaultShutdownTimeout caps Stop when the caller's context has no deadline.
	DefaultShutdownTimeout = 5 * time.Second
	// DefaultStatusPath serves the status document.
	DefaultStatusPath = "/status"
	// DefaultMaxConnections caps concurrently open client connections.
	DefaultMaxConnections = 256
	// DefaultReadHeaderTimeout bounds how long a client may take to send headers.
	DefaultReadHeaderTimeout = 10 * time.Second
	// DefaultMetricsListen is empty: metrics are off unless configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is empty: pprof is off unless configured.
	DefaultPprofListen = ""
)

const (
	// DefaultConnGuardFailureThreshold is the number of failures that block a host.
	DefaultConnGuardFailureThreshold = 5
	// DefaultConnGuardFailureWindow is the window failures are counted in.
	DefaultConnGuardFailureWindow = 30 * time.Second
	// DefaultConnGuardBlockDuration is how long a blocked host stays blocked.
	DefaultConnGuardBlockDuration = 5 * time.Minute
	// DefaultConnGuardProbeTimeout bounds the TLS handshake or first byte.
	DefaultConnGuardProbeTimeout = 5 * time.Second
)

const (
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
	// ConfigDirEnv overrides DefaultConfigDir.
	ConfigDirEnv = "RPCBRIDGE_CONFIG_DIR"
)

// Config holds the bridge settings. Validate fills in defaults; NewServer
// copies the result, so later edits do not affect a server.
type Config struct {
	// Listen is the host:port to bind. Port 0 picks a free port.
	Listen string
	// AllowAllInterfaces permits a wildcard or empty host in Listen.
	AllowAllInterfaces bool
	MaxPayloadBytes    int64
	RequestTimeout     time.Duration
	PollInterval       time.Duration
	UnloadGrace        time.Duration
	ShutdownTimeout    time.Duration
	ReadHeaderTimeout  time.Duration
	// MaxConnections caps open connections; negative disables the cap.
	MaxConnections int

	// BearerKey, when set, must accompany every request.
	BearerKey string

	// TLS material as PEM bytes, or as files. Bytes win when both are set.
	TLSCertPEM  []byte
	TLSKeyPEM   []byte
	TLSCertFile string
	TLSKeyFile  string

	// StatusPath serves the status document. DisableStatus turns it off.
	StatusPath    string
	DisableStatus bool

	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	// OTLPEndpoint enables trace export and HTTP request spans.
	OTLPEndpoint string

	ConnGuardEnabled          bool
	ConnGuardFailureThreshold int
	ConnGuardFailureWindow    time.Duration
	ConnGuardBlockDuration    time.Duration
	ConnGuardProbeTimeout     time.Duration
}

// TLSEnabled reports whether the config carries TLS material.
func (c Config) TLSEnabled() bool {
	return len(c.TLSCertPEM) > 0 || c.TLSCertFile != ""
}

// Validate fills in defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if err := validateListen(c.Listen, c.AllowAllInterfaces); err != nil {
		return err
	}
	if c.MaxPayloadBytes == 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	} else if c.MaxPayloadBytes < 0 {
		return fmt.Errorf("config: max payload must be > 0")
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	} else if c.RequestTimeout < 0 {
		return fmt.Errorf("config: request timeout must be > 0")
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	} else if c.PollInterval < 0 {
		return fmt.Errorf("config: poll interval must be > 0")
	}
	if c.PollInterval > c.RequestTimeout {
		return fmt.Errorf("config: poll interval %s exceeds request timeout %s", c.PollInterval, c.RequestTimeout)
	}
	if c.UnloadGrace == 0 {
		c.UnloadGrace = DefaultUnloadGrace
	} else if c.UnloadGrace < 0 {
		c.UnloadGrace = 0
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	c.BearerKey = strings.TrimSpace(c.BearerKey)

	if err := c.validateTLS(); err != nil {
		return err
	}

	if c.DisableStatus {
		c.StatusPath = ""
	} else {
		c.StatusPath = strings.TrimSpace(c.StatusPath)
		if c.StatusPath == "" {
			c.StatusPath = DefaultStatusPath
		}
		if !strings.HasPrefix(c.StatusPath, "/") || c.StatusPath == "/" {
			return fmt.Errorf("config: status path %q must start with / and not be the root", c.StatusPath)
		}
	}

	c.MetricsListen = strings.TrimSpace(c.MetricsListen)
	c.PprofListen = strings.TrimSpace(c.PprofListen)
	c.OTLPEndpoint = strings.TrimSpace(c.OTLPEndpoint)
	if c.EnableProfilingMetrics && c.MetricsListen == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}

	if c.ConnGuardFailureThreshold == 0 {
		c.ConnGuardFailureThreshold = DefaultConnGuardFailureThreshold
	} else if c.ConnGuardFailureThreshold < 0 {
		return fmt.Errorf("config: connguard failure threshold must be >= 0")
	}
	if c.ConnGuardFailureWindow <= 0 {
		c.ConnGuardFailureWindow = DefaultConnGuardFailureWindow
	}
	if c.ConnGuardBlockDuration <= 0 {
		c.ConnGuardBlockDuration = DefaultConnGuardBlockDuration
	}
	if c.ConnGuardProbeTimeout <= 0 {
		c.ConnGuardProbeTimeout = DefaultConnGuardProbeTimeout
	}
	return nil
}

func (c *Config) validateTLS() error {
	if len(c.TLSCertPEM) > 0 || len(c.TLSKeyPEM) > 0 {
		if len(c.TLSCertPEM) == 0 || len(c.TLSKeyPEM) == 0 {
			return fmt.Errorf("config: tls certificate and key PEM must be set together")
		}
		return nil
	}
	certFile, err := pathutil.Expand(c.TLSCertFile)
	if err != nil {
		return fmt.Errorf("config: tls cert file: %w", err)
	}
	keyFile, err := pathutil.Expand(c.TLSKeyFile)
	if err != nil {
		return fmt.Errorf("config: tls key file: %w", err)
	}
	if (certFile == "") != (keyFile == "") {
		return fmt.Errorf("config: tls cert file and key file must be set together")
	}
	c.TLSCertFile = certFile
	c.TLSKeyFile = keyFile
	return nil
}

func validateListen(listen string, allowAll bool) error {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return fmt.Errorf("config: listen %q: %w", listen, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("config: listen %q: invalid port", listen)
	}
	if allowAll {
		return nil
	}
	if host == "" {
		return fmt.Errorf("config: listen %q binds every interface; set AllowAllInterfaces to permit it", listen)
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		return fmt.Errorf("config: listen %q binds every interface; set AllowAllInterfaces to permit it", listen)
	}
	return nil
}

// DefaultConfigDir returns $HOME/.rpcbridge, or $RPCBRIDGE_CONFIG_DIR when set.
func DefaultConfigDir() (string, error) {
	return pathutil.Dir(ConfigDirEnv, ".rpcbridge")
}

// DefaultConfigPath returns the config file looked up when none is given.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
