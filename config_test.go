package rpcbridge

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("expected listen default %q, got %q", DefaultListen, cfg.Listen)
	}
	if cfg.MaxPayloadBytes != DefaultMaxPayloadBytes {
		t.Fatalf("expected max payload %d, got %d", DefaultMaxPayloadBytes, cfg.MaxPayloadBytes)
	}
	if cfg.RequestTimeout != DefaultRequestTimeout || cfg.PollInterval != DefaultPollInterval {
		t.Fatalf("unexpected timing defaults: timeout %s poll %s", cfg.RequestTimeout, cfg.PollInterval)
	}
	if cfg.UnloadGrace != DefaultUnloadGrace {
		t.Fatalf("expected unload grace %s, got %s", DefaultUnloadGrace, cfg.UnloadGrace)
	}
	if cfg.StatusPath != DefaultStatusPath {
		t.Fatalf("expected status path %q, got %q", DefaultStatusPath, cfg.StatusPath)
	}
	if cfg.MaxConnections != DefaultMaxConnections {
		t.Fatalf("expected max connections %d, got %d", DefaultMaxConnections, cfg.MaxConnections)
	}
	if cfg.TLSEnabled() {
		t.Fatal("tls must be off by default")
	}
	if cfg.ConnGuardEnabled {
		t.Fatal("connguard must be opt-in")
	}
	if cfg.ConnGuardFailureThreshold != DefaultConnGuardFailureThreshold {
		t.Fatalf("expected connguard threshold default, got %d", cfg.ConnGuardFailureThreshold)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "wildcard v4", cfg: Config{Listen: "0.0.0.0:8081"}, want: "every interface"},
		{name: "wildcard v6", cfg: Config{Listen: "[::]:8081"}, want: "every interface"},
		{name: "empty host", cfg: Config{Listen: ":8081"}, want: "every interface"},
		{name: "bad port", cfg: Config{Listen: "127.0.0.1:70000"}, want: "invalid port"},
		{name: "no port", cfg: Config{Listen: "127.0.0.1"}, want: "listen"},
		{name: "negative payload", cfg: Config{MaxPayloadBytes: -1}, want: "max payload"},
		{name: "negative timeout", cfg: Config{RequestTimeout: -time.Second}, want: "request timeout"},
		{name: "poll above timeout", cfg: Config{RequestTimeout: time.Second, PollInterval: 2 * time.Second}, want: "exceeds request timeout"},
		{name: "cert without key", cfg: Config{TLSCertPEM: []byte("x")}, want: "set together"},
		{name: "cert file without key", cfg: Config{TLSCertFile: "/tmp/cert.pem"}, want: "set together"},
		{name: "root status path", cfg: Config{StatusPath: "/"}, want: "status path"},
		{name: "relative status path", cfg: Config{StatusPath: "status"}, want: "status path"},
		{name: "profiling without metrics", cfg: Config{EnableProfilingMetrics: true}, want: "profiling metrics"},
		{name: "negative connguard threshold", cfg: Config{ConnGuardFailureThreshold: -1}, want: "connguard"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
			if !strings.HasPrefix(err.Error(), "config:") {
				t.Fatalf("error %q lacks config prefix", err)
			}
		})
	}
}

func TestConfigAllowAllInterfaces(t *testing.T) {
	cfg := Config{Listen: "0.0.0.0:0", AllowAllInterfaces: true}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestConfigDisableStatus(t *testing.T) {
	cfg := Config{StatusPath: "/health", DisableStatus: true}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.StatusPath != "" {
		t.Fatalf("expected status disabled, got %q", cfg.StatusPath)
	}
}

func TestConfigExpandsTLSFiles(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	cfg := Config{TLSCertFile: "~/tls/server.pem", TLSKeyFile: "~/tls/server.key"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if want := filepath.Join(home, "tls", "server.pem"); cfg.TLSCertFile != want {
		t.Fatalf("cert file %q, want %q", cfg.TLSCertFile, want)
	}
	if !cfg.TLSEnabled() {
		t.Fatal("expected tls enabled with cert files")
	}
}

func TestDefaultConfigPathHonoursEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(ConfigDirEnv, dir)
	path, err := DefaultConfigPath()
	if err != nil {
		t.Fatalf("DefaultConfigPath: %v", err)
	}
	if want := filepath.Join(dir, DefaultConfigFileName); path != want {
		t.Fatalf("path %q, want %q", path, want)
	}
}
