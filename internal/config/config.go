// Package config provides configuration parsing and validation for the
// Silent Speaker agent.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete agent configuration.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Framing   FramingConfig   `yaml:"framing"`
	FEC       FECConfig       `yaml:"fec"`
	Pool      PoolConfig      `yaml:"pool"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Manager   ManagerConfig   `yaml:"manager"`
	TLS       GlobalTLSConfig `yaml:"tls"`
	Listener  ListenerConfig  `yaml:"listener"`
	Peers     []PeerConfig    `yaml:"peers"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// AgentConfig defines identity and process-level settings.
type AgentConfig struct {
	// ID identifies this node. "auto" generates a UUID at startup.
	ID string `yaml:"id"`

	// DataDir is where the agent stores its seed material and state.
	DataDir string `yaml:"data_dir"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogFormat is one of text or json.
	LogFormat string `yaml:"log_format"`

	// SeedPrivateKeyFile holds this agent's X25519 private key, used to
	// open the sealed boxes referenced by each peer's SeedFile.
	SeedPrivateKeyFile string `yaml:"seed_private_key_file"`
}

// FramingConfig controls the dynamic framing engine: how the per-stream
// keystream is derived and how often it rotates.
type FramingConfig struct {
	// EnableSequenceHint embeds a short sequence hint in each frame so a
	// receiver that drops frames can resynchronize its keystream cursor
	// without a full renegotiation.
	EnableSequenceHint bool `yaml:"enable_sequence_hint"`

	// EnableDoubleRatchet rotates the per-stream seed every RatchetInterval
	// frames, limiting the blast radius of a compromised salt.
	EnableDoubleRatchet bool `yaml:"enable_double_ratchet"`

	// RatchetInterval is the number of frames between ratchet rotations.
	// Only meaningful when EnableDoubleRatchet is true.
	RatchetInterval uint64 `yaml:"ratchet_interval"`
}

// FECConfig controls Reed-Solomon forward error correction for critical
// messages sent with Agent.SendCritical.
type FECConfig struct {
	// DataShards (k) is the number of data shards per FEC block.
	DataShards int `yaml:"data_shards"`

	// ParityShards (m) is the number of parity shards per FEC block.
	ParityShards int `yaml:"parity_shards"`

	// ShardTimeout bounds how long a reassembler waits for enough shards
	// to arrive before giving up on a block.
	ShardTimeout time.Duration `yaml:"shard_timeout"`
}

// PoolConfig bounds the stream pool backing the scheduler.
type PoolConfig struct {
	// MaxStreams is the maximum number of concurrently open streams.
	MaxStreams int `yaml:"max_streams"`

	// ReservedSlots is validated to lie in [0, MaxStreams]. The agent does
	// not apply it: the stream pool puts no separate cap on reserved slots.
	ReservedSlots int `yaml:"reserved_slots"`
}

// SchedulerConfig tunes the priority scheduler's fairness behavior.
type SchedulerConfig struct {
	// BoostInterval is the minimum time between whole-queue anti-starvation
	// boosts: a boost moves every task in the Low or Normal queue up one
	// level when the task at the head of that queue has waited longer than
	// DispatchTimeout.
	BoostInterval time.Duration `yaml:"boost_interval"`

	// DispatchTimeout is how long a task may wait in its priority queue
	// before a dispatch round promotes it one level (Low to Normal, Normal
	// to High).
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
}

// ManagerConfig tunes the unified stream manager.
type ManagerConfig struct {
	// PendingQueueLimit is validated to be non-negative. The agent does not
	// apply it: the manager's pending-message queue has no per-priority cap.
	PendingQueueLimit int `yaml:"pending_queue_limit"`

	// ReservationTimeout is passed to the stream manager as its
	// pending-message TTL: a deferred normal message older than this is
	// discarded. Values <= 0 select manager.DefaultPendingTTL. Reserved
	// control-stream slots have no timeout.
	ReservationTimeout time.Duration `yaml:"reservation_timeout"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// GlobalTLSConfig defines the TLS settings the QUIC listener and dialer use.
// This is unrelated to the framing engine's own AEAD: TLS here only protects
// the QUIC handshake, while the dynamic framing layer encrypts application
// data independently.
type GlobalTLSConfig struct {
	CA    string `yaml:"ca"`     // CA certificate file path
	CAPEM string `yaml:"ca_pem"` // CA certificate PEM content (takes precedence)

	Cert    string `yaml:"cert"`     // Certificate file path
	Key     string `yaml:"key"`      // Private key file path
	CertPEM string `yaml:"cert_pem"` // Certificate PEM content (takes precedence)
	KeyPEM  string `yaml:"key_pem"`  // Private key PEM content (takes precedence)

	// MTLS requires client certificates on the listener.
	MTLS bool `yaml:"mtls"`

	// ALPN is the Application-Layer Protocol Negotiation identifier used
	// for the QUIC handshake.
	ALPN string `yaml:"alpn"`
}

// GetCAPEM returns the CA certificate PEM content, reading from file if necessary.
func (g *GlobalTLSConfig) GetCAPEM() ([]byte, error) {
	if g.CAPEM != "" {
		return []byte(g.CAPEM), nil
	}
	if g.CA != "" {
		return os.ReadFile(g.CA)
	}
	return nil, nil
}

// GetCertPEM returns the certificate PEM content, reading from file if necessary.
func (g *GlobalTLSConfig) GetCertPEM() ([]byte, error) {
	if g.CertPEM != "" {
		return []byte(g.CertPEM), nil
	}
	if g.Cert != "" {
		return os.ReadFile(g.Cert)
	}
	return nil, nil
}

// GetKeyPEM returns the private key PEM content, reading from file if necessary.
func (g *GlobalTLSConfig) GetKeyPEM() ([]byte, error) {
	if g.KeyPEM != "" {
		return []byte(g.KeyPEM), nil
	}
	if g.Key != "" {
		return os.ReadFile(g.Key)
	}
	return nil, nil
}

// HasCA returns true if a CA certificate is configured (either file or PEM).
func (g *GlobalTLSConfig) HasCA() bool {
	return g.CA != "" || g.CAPEM != ""
}

// HasCert returns true if a certificate is configured (either file or PEM).
func (g *GlobalTLSConfig) HasCert() bool {
	return g.Cert != "" || g.CertPEM != ""
}

// HasKey returns true if a private key is configured (either file or PEM).
func (g *GlobalTLSConfig) HasKey() bool {
	return g.Key != "" || g.KeyPEM != ""
}

// ListenerConfig configures the agent's QUIC listener.
type ListenerConfig struct {
	// Address is the UDP address to listen on, e.g. ":4433".
	Address string `yaml:"address"`

	// TLS configures this listener's certificate. When it names no
	// certificate, the whole global TLS section is used instead; fields are
	// not merged one by one.
	TLS GlobalTLSConfig `yaml:"tls"`
}

// PeerConfig configures a statically known peer to dial.
type PeerConfig struct {
	// ID labels this peer in logs and metrics.
	ID string `yaml:"id"`

	// Address is the peer's QUIC listen address.
	Address string `yaml:"address"`

	// SeedFile points to the sealed box containing this peer's framing
	// seed, provisioned out of band.
	SeedFile string `yaml:"seed_file"`

	// TLS overrides the global TLS config for this peer.
	TLS GlobalTLSConfig `yaml:"tls"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			ID:        "auto",
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Framing: FramingConfig{
			EnableSequenceHint:  true,
			EnableDoubleRatchet: true,
			RatchetInterval:     4096,
		},
		FEC: FECConfig{
			DataShards:   4,
			ParityShards: 2,
			ShardTimeout: 5 * time.Second,
		},
		Pool: PoolConfig{
			MaxStreams:    256,
			ReservedSlots: 32,
		},
		Scheduler: SchedulerConfig{
			BoostInterval:   500 * time.Millisecond,
			DispatchTimeout: 10 * time.Second,
		},
		Manager: ManagerConfig{
			PendingQueueLimit: 1000,
			ReservationTimeout: 30 * time.Second,
		},
		TLS: GlobalTLSConfig{
			ALPN: "silent-speaker-v1",
		},
		Listener: ListenerConfig{
			Address: ":4433",
		},
		Peers: []PeerConfig{},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Agent.DataDir == "" {
		errs = append(errs, "agent.data_dir is required")
	}
	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}

	if c.Framing.EnableDoubleRatchet && c.Framing.RatchetInterval == 0 {
		errs = append(errs, "framing.ratchet_interval must be positive when framing.enable_double_ratchet is true")
	}

	if c.FEC.DataShards < 1 {
		errs = append(errs, "fec.data_shards must be positive")
	}
	if c.FEC.ParityShards < 1 {
		errs = append(errs, "fec.parity_shards must be positive")
	}
	if c.FEC.DataShards+c.FEC.ParityShards > 256 {
		errs = append(errs, "fec.data_shards + fec.parity_shards must not exceed 256")
	}
	if c.FEC.ShardTimeout <= 0 {
		errs = append(errs, "fec.shard_timeout must be positive")
	}

	if c.Pool.MaxStreams < 1 {
		errs = append(errs, "pool.max_streams must be positive")
	}
	if c.Pool.ReservedSlots < 0 {
		errs = append(errs, "pool.reserved_slots must not be negative")
	}
	if c.Pool.ReservedSlots > c.Pool.MaxStreams {
		errs = append(errs, "pool.reserved_slots must not exceed pool.max_streams")
	}

	if c.Scheduler.BoostInterval <= 0 {
		errs = append(errs, "scheduler.boost_interval must be positive")
	}
	if c.Scheduler.DispatchTimeout <= 0 {
		errs = append(errs, "scheduler.dispatch_timeout must be positive")
	}

	if c.Manager.PendingQueueLimit < 0 {
		errs = append(errs, "manager.pending_queue_limit must not be negative")
	}
	if c.Manager.ReservationTimeout <= 0 {
		errs = append(errs, "manager.reservation_timeout must be positive")
	}

	if err := c.validateGlobalTLS(); err != nil {
		errs = append(errs, err.Error())
	}

	if c.Listener.Address == "" {
		errs = append(errs, "listener.address is required")
	}

	for i, p := range c.Peers {
		if err := validatePeer(p, i); err != nil {
			errs = append(errs, fmt.Sprintf("peers[%d]: %v", i, err))
		}
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when metrics.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// validateGlobalTLS validates the global TLS configuration.
func (c *Config) validateGlobalTLS() error {
	if c.TLS.MTLS && !c.TLS.HasCA() {
		return fmt.Errorf("tls.ca is required when tls.mtls is enabled")
	}
	if c.TLS.HasCert() != c.TLS.HasKey() {
		return fmt.Errorf("tls.cert and tls.key must both be specified or both be empty")
	}
	return nil
}

func validatePeer(p PeerConfig, index int) error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.Address == "" {
		return fmt.Errorf("address is required")
	}
	if p.TLS.HasCert() != p.TLS.HasKey() {
		return fmt.Errorf("tls cert and key must both be specified or both be empty")
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// isValidCIDR reports whether s parses as a CIDR block. Kept for config
// authors who want to validate their own address lists at the call site.
func isValidCIDR(cidr string) bool {
	_, _, err := net.ParseCIDR(cidr)
	return err == nil
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.TLS.Key != "" {
		redacted.TLS.Key = redactedValue
	}
	if redacted.TLS.KeyPEM != "" {
		redacted.TLS.KeyPEM = redactedValue
	}

	if redacted.Listener.TLS.Key != "" {
		redacted.Listener.TLS.Key = redactedValue
	}
	if redacted.Listener.TLS.KeyPEM != "" {
		redacted.Listener.TLS.KeyPEM = redactedValue
	}

	for i := range redacted.Peers {
		if redacted.Peers[i].TLS.Key != "" {
			redacted.Peers[i].TLS.Key = redactedValue
		}
		if redacted.Peers[i].TLS.KeyPEM != "" {
			redacted.Peers[i].TLS.KeyPEM = redactedValue
		}
	}

	return redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	if c.TLS.HasKey() || c.Listener.TLS.HasKey() {
		return true
	}
	for i := range c.Peers {
		if c.Peers[i].TLS.HasKey() {
			return true
		}
	}
	return false
}
