package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds process-wide defaults read from SIMFLEET_* environment
// variables. Command-line flags override individual fields.
type Settings struct {
	HostsFile   string `envconfig:"HOSTS_FILE" default:"hosts.yaml"`
	CatalogFile string `envconfig:"CATALOG_FILE" default:"benchmarks.yaml"`
	ResultsDir  string `envconfig:"RESULTS_DIR" default:"results"`
	LogPath     string `envconfig:"LOG_PATH" default:""`

	// Local build
	BinaryPath  string `envconfig:"BINARY_PATH" default:"./bin/champsim"`
	ChampConfig string `envconfig:"CHAMPSIM_CONFIG" default:"champsim_config.json"`

	// Remote layout
	RemoteBaseDir string `envconfig:"REMOTE_BASE_DIR" default:"~/champsim"`

	// Instruction counts. Zero keeps the profile's default.
	WarmupInstructions     uint64 `envconfig:"WARMUP_INSTRUCTIONS" default:"0"`
	SimulationInstructions uint64 `envconfig:"SIMULATION_INSTRUCTIONS" default:"0"`

	// SSH authentication
	SSHUser        string   `envconfig:"SSH_USER" default:""`
	SSHKeyPaths    []string `envconfig:"SSH_KEYS" default:""`
	SSHPassword    string   `envconfig:"SSH_PASSWORD" default:""`
	KnownHostsFile string   `envconfig:"KNOWN_HOSTS" default:""`
	StrictHostKeys bool     `envconfig:"STRICT_HOST_KEYS" default:"false"`

	// Timeouts. A zero CommandTimeout or TransferTimeout disables the deadline.
	ConnectTimeout  time.Duration `envconfig:"CONNECT_TIMEOUT" default:"30s"`
	ProbeTimeout    time.Duration `envconfig:"PROBE_TIMEOUT" default:"5s"`
	CommandTimeout  time.Duration `envconfig:"COMMAND_TIMEOUT" default:"24h"`
	TransferTimeout time.Duration `envconfig:"TRANSFER_TIMEOUT" default:"10m"`

	// Longest wait between retries when a host's connection pool is exhausted.
	AcquireBackoffMax time.Duration `envconfig:"ACQUIRE_BACKOFF_MAX" default:"2s"`
}

// Load reads Settings from the environment.
func Load() (*Settings, error) {
	var s Settings
	if err := envconfig.Process("SIMFLEET", &s); err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate rejects settings that would make every remote operation fail.
func (s *Settings) Validate() error {
	if s.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive, got %s", s.ConnectTimeout)
	}
	if s.ProbeTimeout <= 0 {
		return fmt.Errorf("probe timeout must be positive, got %s", s.ProbeTimeout)
	}
	if s.CommandTimeout < 0 || s.TransferTimeout < 0 {
		return fmt.Errorf("command and transfer timeouts must not be negative")
	}
	if s.RemoteBaseDir == "" {
		return fmt.Errorf("remote base directory is empty")
	}
	if s.AcquireBackoffMax <= 0 {
		return fmt.Errorf("acquire backoff max must be positive, got %s", s.AcquireBackoffMax)
	}
	return nil
}
