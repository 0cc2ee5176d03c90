package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StoragePogreb = "pogreb"
)

// TLSConfig points at a shared CA and this node's certificate. All three
// must be set to enable mutual TLS.
type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

func (t TLSConfig) Enabled() bool {
	return t.CAFile != "" && t.CertFile != "" && t.KeyFile != ""
}

// Config holds every tunable of a node. It is passed by value and never
// mutated after construction.
type Config struct {
	K     int `yaml:"k"`
	NBits int `yaml:"n_bits"`
	Alpha int `yaml:"alpha"`

	Difficulty   int  `yaml:"difficulty"`
	LogInterval  int  `yaml:"log_interval"`
	VerifyNodeID bool `yaml:"verify_node_id"`

	ReplayWindow  time.Duration `yaml:"replay_window"`
	NonceInterval int64         `yaml:"nonce_interval"`

	MaxNodesPerIP       int `yaml:"max_nodes_per_ip"`
	ReputationThreshold int `yaml:"reputation_threshold"`

	TimeoutTimer       time.Duration `yaml:"timeout_timer"`
	TimeoutMaxAttempts int           `yaml:"timeout_max_attempts"`

	RefreshTimerLower time.Duration `yaml:"refresh_timer_lower"`
	RefreshTimerUpper time.Duration `yaml:"refresh_timer_upper"`
	PingTimerLower    time.Duration `yaml:"ping_timer_lower"`
	PingTimerUpper    time.Duration `yaml:"ping_timer_upper"`
	PingSampleSize    int           `yaml:"ping_sample_size"`

	MaxLookupDepth     int `yaml:"max_lookup_depth"`
	ForwardConcurrency int `yaml:"forward_concurrency"`

	StoreTTL          time.Duration `yaml:"store_ttl"`
	RepublishInterval time.Duration `yaml:"republish_interval"`
	ExpireInterval    time.Duration `yaml:"expire_interval"`

	MaxRequestsPerSecond int `yaml:"max_requests_per_second"`

	DataDir        string    `yaml:"data_dir"`
	StorageBackend string    `yaml:"storage"`
	APIAddress     string    `yaml:"api_address"`
	TLS            TLSConfig `yaml:"tls"`
	Tor            bool      `yaml:"tor"`
	LogLevel       string    `yaml:"log_level"`

	// AdvertiseAddress is the host:port peers are told to dial. Empty means
	// the bind address, with loopback standing in for an unspecified host.
	AdvertiseAddress string `yaml:"advertise_address"`
}

// Default returns the stock parameters of the network.
func Default() Config {
	return Config{
		K:                    20,
		NBits:                160,
		Alpha:                3,
		Difficulty:           14,
		LogInterval:          10000,
		VerifyNodeID:         true,
		ReplayWindow:         120 * time.Second,
		NonceInterval:        32,
		MaxNodesPerIP:        5,
		ReputationThreshold:  -5,
		TimeoutTimer:         3 * time.Second,
		TimeoutMaxAttempts:   3,
		RefreshTimerLower:    5 * time.Second,
		RefreshTimerUpper:    20 * time.Second,
		PingTimerLower:       10 * time.Second,
		PingTimerUpper:       30 * time.Second,
		PingSampleSize:       3,
		MaxLookupDepth:       1,
		ForwardConcurrency:   8,
		StoreTTL:             24 * time.Hour,
		RepublishInterval:    time.Hour,
		ExpireInterval:       time.Minute,
		MaxRequestsPerSecond: 0,
		StorageBackend:       StorageMemory,
		LogLevel:             "info",
	}
}

// Load reads a YAML file on top of the defaults. Missing keys keep their
// default value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// ApplyEnvOverrides returns a copy of c with KADNODE_* variables applied.
func (c Config) ApplyEnvOverrides() (Config, error) {
	ints := map[string]*int{
		"KADNODE_K":                    &c.K,
		"KADNODE_ALPHA":                &c.Alpha,
		"KADNODE_DIFFICULTY":           &c.Difficulty,
		"KADNODE_MAX_NODES_PER_IP":     &c.MaxNodesPerIP,
		"KADNODE_REPUTATION_THRESHOLD": &c.ReputationThreshold,
		"KADNODE_MAX_REQUESTS_PER_SEC": &c.MaxRequestsPerSecond,
	}
	for name, dst := range ints {
		v, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"KADNODE_REPLAY_WINDOW": &c.ReplayWindow,
		"KADNODE_TIMEOUT":       &c.TimeoutTimer,
		"KADNODE_STORE_TTL":     &c.StoreTTL,
	}
	for name, dst := range durations {
		v, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return c, fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = d
	}

	strs := map[string]*string{
		"KADNODE_DATA_DIR":          &c.DataDir,
		"KADNODE_STORAGE":           &c.StorageBackend,
		"KADNODE_API_ADDRESS":       &c.APIAddress,
		"KADNODE_LOG_LEVEL":         &c.LogLevel,
		"KADNODE_ADVERTISE_ADDRESS": &c.AdvertiseAddress,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	return c, nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if c.K <= 0 {
		errs = append(errs, errors.New("k must be positive"))
	}
	if c.NBits <= 0 || c.NBits > 160 {
		errs = append(errs, errors.New("n_bits must be in [1, 160]"))
	}
	if c.Alpha <= 0 {
		errs = append(errs, errors.New("alpha must be positive"))
	}
	if c.Difficulty < 0 || c.Difficulty > 32 {
		errs = append(errs, errors.New("difficulty must be in [0, 32]"))
	}
	if c.ReplayWindow <= 0 {
		errs = append(errs, errors.New("replay_window must be positive"))
	}
	if c.NonceInterval <= 0 {
		errs = append(errs, errors.New("nonce_interval must be positive"))
	}
	if c.MaxNodesPerIP <= 0 {
		errs = append(errs, errors.New("max_nodes_per_ip must be positive"))
	}
	if c.ReputationThreshold >= 0 {
		errs = append(errs, errors.New("reputation_threshold must be negative"))
	}
	if c.TimeoutTimer <= 0 || c.TimeoutMaxAttempts <= 0 {
		errs = append(errs, errors.New("timeout_timer and timeout_max_attempts must be positive"))
	}
	if c.RefreshTimerLower <= 0 || c.RefreshTimerUpper < c.RefreshTimerLower {
		errs = append(errs, errors.New("refresh timer range is invalid"))
	}
	if c.PingTimerLower <= 0 || c.PingTimerUpper < c.PingTimerLower {
		errs = append(errs, errors.New("ping timer range is invalid"))
	}
	if c.PingSampleSize <= 0 {
		errs = append(errs, errors.New("ping_sample_size must be positive"))
	}
	if c.MaxLookupDepth < 0 || c.MaxLookupDepth > 255 {
		errs = append(errs, errors.New("max_lookup_depth must be in [0, 255]"))
	}
	if c.ForwardConcurrency <= 0 {
		errs = append(errs, errors.New("forward_concurrency must be positive"))
	}
	if c.StoreTTL < 0 || c.RepublishInterval < 0 || c.ExpireInterval <= 0 {
		errs = append(errs, errors.New("store_ttl and republish_interval must not be negative, expire_interval must be positive"))
	}
	switch c.StorageBackend {
	case StorageMemory:
	case StoragePogreb:
		if c.DataDir == "" {
			errs = append(errs, errors.New("pogreb storage requires data_dir"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.StorageBackend))
	}
	if (c.TLS.CAFile != "" || c.TLS.CertFile != "" || c.TLS.KeyFile != "") && !c.TLS.Enabled() {
		errs = append(errs, errors.New("tls requires ca_file, cert_file and key_file"))
	}
	if c.AdvertiseAddress != "" {
		if _, port, err := net.SplitHostPort(c.AdvertiseAddress); err != nil || port == "" || port == "0" {
			errs = append(errs, fmt.Errorf("advertise_address %q must be host:port with a fixed port", c.AdvertiseAddress))
		}
	}
	if c.Tor && c.AdvertiseAddress != "" {
		errs = append(errs, errors.New("advertise_address cannot be used with tor"))
	}
	if c.Tor && c.TLS.Enabled() {
		errs = append(errs, errors.New("tls and tor are mutually exclusive"))
	}
	return errors.Join(errs...)
}
