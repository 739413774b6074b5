package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/etcd/client/pkg/v3/transport"
	"gopkg.in/yaml.v3"
)

// DefaultConfigName is looked up inside the package directory when no
// explicit configuration path is given.
const DefaultConfigName = "run-anuga.yaml"

// Process group backends.
const (
	BackendLocal = "local"
	BackendEtcd  = "etcd"
)

// Config represents the runtime configuration of one simulation batch.
type Config struct {
	DomainName     string             `yaml:"domain_name"`
	PackageDir     string             `yaml:"package_dir"`
	OutputDir      string             `yaml:"output_dir"`
	CheckpointDir  string             `yaml:"checkpoint_dir"`
	BatchNumber    int                `yaml:"batch_number"`
	CheckpointTime *float64           `yaml:"checkpoint_time"`
	YieldstepSec   float64            `yaml:"yieldstep_sec"`
	DurationSec    *float64           `yaml:"duration_sec"`
	CFL            float64            `yaml:"cfl"`
	Checkpoint     CheckpointConfig   `yaml:"checkpoint"`
	Bail           BailConfig         `yaml:"bail"`
	ProcessGroup   ProcessGroupConfig `yaml:"process_group"`
	Logging        LoggingConfig      `yaml:"logging"`
	Metrics        MetricsConfig      `yaml:"metrics"`
	Run            RunConfig          `yaml:"run"`
}

// CheckpointConfig tunes the checkpoint resume protocol. RetryDelaySec may be
// zero or fractional; nil selects the default.
type CheckpointConfig struct {
	MaxAttempts   int      `yaml:"max_attempts"`
	RetryDelaySec *float64 `yaml:"retry_delay_sec"`
	Extension     string   `yaml:"extension"`
}

// BailConfig configures operator-requested stops.
type BailConfig struct {
	Signal string `yaml:"signal"`
}

// ProcessGroupConfig selects how ranks exchange messages.
type ProcessGroupConfig struct {
	Backend        string         `yaml:"backend"`
	Rank           int            `yaml:"rank"`
	Size           int            `yaml:"size"`
	EtcdEndpoints  []string       `yaml:"etcd_endpoints"`
	EtcdNamespace  string         `yaml:"etcd_namespace"`
	RunKey         string         `yaml:"run_key"`
	EtcdTLS        *EtcdTLSConfig `yaml:"etcd_tls"`
	DialTimeoutSec int            `yaml:"dial_timeout_sec"`
	KeyTTLSec      int            `yaml:"key_ttl_sec"`
}

// EtcdTLSConfig configures optional TLS settings for connecting to etcd.
type EtcdTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Insecure bool   `yaml:"insecure_skip_verify"`
}

// LoggingConfig sets the minimum level of each log sink.
type LoggingConfig struct {
	FileLevel    string `yaml:"file_level"`
	ConsoleLevel string `yaml:"console_level"`
}

// MetricsConfig defines observability exposure options.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// RunConfig carries the scenario metadata copied into the run summary.
type RunConfig struct {
	Label      string   `yaml:"label"`
	Project    int      `yaml:"project"`
	Scenario   int      `yaml:"scenario"`
	RunID      int      `yaml:"run_id"`
	Name       string   `yaml:"name"`
	EPSG       string   `yaml:"epsg"`
	Resolution *float64 `yaml:"resolution"`
}

// ValidationError aggregates multiple configuration validation failures.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	return errors.As(target, &other)
}

// Load reads, parses, and validates a configuration from disk. Relative
// directories are resolved against the directory holding the file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := parse(f)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(path))
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg, err := parse(r)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Validate checks for semantic correctness in the configuration.
func (c *Config) Validate() error {
	problems := make([]string, 0)

	if strings.TrimSpace(c.DomainName) == "" {
		problems = append(problems, "domain_name is required")
	}
	if strings.TrimSpace(c.PackageDir) == "" {
		problems = append(problems, "package_dir is required")
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		problems = append(problems, "output_dir is required")
	}
	if c.BatchNumber < 1 {
		problems = append(problems, "batch_number must be at least 1")
	}
	if c.BatchNumber > 1 && c.CheckpointTime == nil {
		problems = append(problems, "checkpoint_time is required when batch_number is greater than 1")
	}
	if c.CheckpointTime != nil && (*c.CheckpointTime < 0 || math.IsNaN(*c.CheckpointTime)) {
		problems = append(problems, "checkpoint_time must be non-negative")
	}
	if c.YieldstepSec <= 0 {
		problems = append(problems, "yieldstep_sec must be greater than zero")
	}
	if c.DurationSec != nil && *c.DurationSec <= 0 {
		problems = append(problems, "duration_sec must be greater than zero when set")
	}
	if c.CFL <= 0 || c.CFL > 2 {
		problems = append(problems, "cfl must be within (0,2]")
	}
	problems = append(problems, c.Checkpoint.validate()...)
	problems = append(problems, c.ProcessGroup.validate()...)
	for _, lvl := range []struct{ key, value string }{
		{"logging.file_level", c.Logging.FileLevel},
		{"logging.console_level", c.Logging.ConsoleLevel},
	} {
		if !validLevel(lvl.value) {
			problems = append(problems, fmt.Sprintf("%s %q is not one of debug, info, warn, error", lvl.key, lvl.value))
		}
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		problems = append(problems, "metrics.listen must be set when metrics.enabled is true")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (c CheckpointConfig) validate() []string {
	problems := make([]string, 0)
	if c.MaxAttempts < 1 {
		problems = append(problems, "checkpoint.max_attempts must be at least 1")
	}
	if d := c.RetryDelaySec; d != nil && (*d < 0 || math.IsNaN(*d) || math.IsInf(*d, 0)) {
		problems = append(problems, "checkpoint.retry_delay_sec must be non-negative")
	}
	if strings.ContainsAny(c.Extension, `/\`) {
		problems = append(problems, "checkpoint.extension must not contain path separators")
	}
	return problems
}

func (p ProcessGroupConfig) validate() []string {
	problems := make([]string, 0)
	if p.Size < 1 {
		problems = append(problems, "process_group.size must be at least 1")
	}
	if p.Rank < 0 || (p.Size >= 1 && p.Rank >= p.Size) {
		problems = append(problems, "process_group.rank must be within [0,size)")
	}
	switch p.Backend {
	case BackendLocal:
	case BackendEtcd:
		if len(p.EtcdEndpoints) == 0 {
			problems = append(problems, "process_group.etcd_endpoints must contain at least one endpoint for the etcd backend")
		}
		if strings.TrimSpace(p.RunKey) == "" {
			problems = append(problems, "process_group.run_key is required for the etcd backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("process_group.backend %q is not supported", p.Backend))
	}
	if p.EtcdTLS != nil && p.EtcdTLS.Enabled {
		if strings.TrimSpace(p.EtcdTLS.CAFile) == "" {
			problems = append(problems, "process_group.etcd_tls.ca_file is required when TLS is enabled")
		}
		if strings.TrimSpace(p.EtcdTLS.CertFile) == "" {
			problems = append(problems, "process_group.etcd_tls.cert_file is required when TLS is enabled")
		}
		if strings.TrimSpace(p.EtcdTLS.KeyFile) == "" {
			problems = append(problems, "process_group.etcd_tls.key_file is required when TLS is enabled")
		}
	}
	if p.DialTimeoutSec < 0 {
		problems = append(problems, "process_group.dial_timeout_sec must be non-negative")
	}
	if p.KeyTTLSec < 0 {
		problems = append(problems, "process_group.key_ttl_sec must be non-negative")
	}
	return problems
}

func validLevel(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "info", "warn", "warning", "error":
		return true
	default:
		return false
	}
}

func (c *Config) resolvePaths(base string) {
	for _, p := range []*string{&c.PackageDir, &c.OutputDir, &c.CheckpointDir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

func (c *Config) applyDefaults() {
	if c.BatchNumber == 0 {
		c.BatchNumber = 1
	}
	if c.CFL == 0 {
		c.CFL = 0.9
	}
	if c.CheckpointDir == "" && c.OutputDir != "" {
		c.CheckpointDir = filepath.Join(c.OutputDir, "checkpoints")
	}
	if c.Checkpoint.MaxAttempts == 0 {
		c.Checkpoint.MaxAttempts = 5
	}
	if c.Checkpoint.RetryDelaySec == nil {
		delay := 5.0
		c.Checkpoint.RetryDelaySec = &delay
	}
	if c.Checkpoint.Extension == "" {
		c.Checkpoint.Extension = ".pickle"
	}
	if c.Bail.Signal == "" {
		c.Bail.Signal = "SIGUSR1"
	}
	if c.ProcessGroup.Backend == "" {
		c.ProcessGroup.Backend = BackendLocal
	}
	if c.ProcessGroup.Size == 0 {
		c.ProcessGroup.Size = 1
	}
	if c.ProcessGroup.EtcdNamespace == "" {
		c.ProcessGroup.EtcdNamespace = "run-anuga"
	}
	if c.ProcessGroup.DialTimeoutSec == 0 {
		c.ProcessGroup.DialTimeoutSec = 5
	}
	if c.ProcessGroup.KeyTTLSec == 0 {
		c.ProcessGroup.KeyTTLSec = 86400
	}
	if c.Logging.FileLevel == "" {
		c.Logging.FileLevel = "debug"
	}
	if c.Logging.ConsoleLevel == "" {
		c.Logging.ConsoleLevel = "info"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9090"
	}
}

// Resuming reports whether this batch continues from a checkpoint.
func (c *Config) Resuming() bool {
	return c.BatchNumber > 1
}

// RetryDelay returns the pause between two checkpoint vote rounds.
func (c *Config) RetryDelay() time.Duration {
	if c.Checkpoint.RetryDelaySec == nil {
		return 5 * time.Second
	}
	return time.Duration(*c.Checkpoint.RetryDelaySec * float64(time.Second))
}

// DialTimeout returns the etcd dial timeout as a duration.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.ProcessGroup.DialTimeoutSec) * time.Second
}

// KeyTTL returns how long process group keys outlive a run.
func (c *Config) KeyTTL() time.Duration {
	return time.Duration(c.ProcessGroup.KeyTTLSec) * time.Second
}

// TLSConfig builds the client TLS configuration, or nil when TLS is off.
func (t *EtcdTLSConfig) TLSConfig() (*tls.Config, error) {
	if t == nil || !t.Enabled {
		return nil, nil
	}
	info := transport.TLSInfo{
		CertFile:           t.CertFile,
		KeyFile:            t.KeyFile,
		TrustedCAFile:      t.CAFile,
		InsecureSkipVerify: t.Insecure,
	}
	cfg, err := info.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("load etcd tls material: %w", err)
	}
	return cfg, nil
}
