package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tiers         TiersConfig         `yaml:"tiers"`
	Migration     MigrationConfig     `yaml:"migration"`
	Prober        ProberConfig        `yaml:"prober"`
	Router        RouterConfig        `yaml:"router"`
	Endpoints     []EndpointConfig    `yaml:"endpoints"`
	Archiver      ArchiverConfig      `yaml:"archiver"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	Events        EventsConfig        `yaml:"events"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type TiersConfig struct {
	Core    TierConfig `yaml:"core"`
	Main    TierConfig `yaml:"main"`
	Archive TierConfig `yaml:"archive"`
}

type TierConfig struct {
	Capacity  ByteSize `yaml:"capacity"`
	HighWater float64  `yaml:"high_water"`
	LowWater  float64  `yaml:"low_water"`
	Backend   string   `yaml:"backend"` // memory, local, minio, s3

	Local  LocalBackendConfig  `yaml:"local"`
	Object ObjectBackendConfig `yaml:"object"`
	Blob   BlobBackendConfig   `yaml:"blob"`
}

type LocalBackendConfig struct {
	DataDir string `yaml:"data_dir"`
}

// ObjectBackendConfig points at a self-hosted S3-compatible object store
// (MinIO and friends) reached through the minio client.
type ObjectBackendConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
}

// BlobBackendConfig points at an S3-compatible archive store reached
// through the AWS SDK (AWS S3, Cloudflare R2, Glacier-backed buckets).
type BlobBackendConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	StorageClass    string `yaml:"storage_class"`
}

type MigrationConfig struct {
	CheckInterval      Duration `yaml:"check_interval"`
	Policy             string   `yaml:"policy"` // oldest-first, largest-first
	BatchSize          int      `yaml:"batch_size"`
	AllowDirectArchive bool     `yaml:"allow_direct_archive"`
}

type ProberConfig struct {
	Interval         Duration `yaml:"interval"`
	Timeout          Duration `yaml:"timeout"`
	FailureThreshold int      `yaml:"failure_threshold"`
	SuccessThreshold int      `yaml:"success_threshold"`
	HealthPath       string   `yaml:"health_path"`
}

type RouterConfig struct {
	Algorithm  string `yaml:"algorithm"` // weighted-round-robin, round-robin
	RetryLimit int    `yaml:"retry_limit"`
}

type EndpointConfig struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
}

type ArchiverConfig struct {
	KeyFile string `yaml:"key_file"`
	// Key is a hex-encoded 32-byte key; KeyFile takes precedence.
	Key string `yaml:"key"`
}

type MetadataConfig struct {
	Path string `yaml:"path"`
}

type EventsConfig struct {
	Enabled        bool   `yaml:"enabled"`
	URL            string `yaml:"url"`
	SubjectPrefix  string `yaml:"subject_prefix"`
	ConnectionName string `yaml:"connection_name"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	for _, tc := range []struct {
		name string
		cfg  TierConfig
	}{
		{"core", c.Tiers.Core},
		{"main", c.Tiers.Main},
		{"archive", c.Tiers.Archive},
	} {
		if err := validateTier(tc.name, tc.cfg); err != nil {
			return err
		}
	}

	// Watermarks only matter on tiers that can migrate out.
	for _, tc := range []struct {
		name string
		cfg  TierConfig
	}{
		{"core", c.Tiers.Core},
		{"main", c.Tiers.Main},
	} {
		if tc.cfg.HighWater <= tc.cfg.LowWater {
			return fmt.Errorf("tiers.%s: high_water (%.2f) must be above low_water (%.2f)",
				tc.name, tc.cfg.HighWater, tc.cfg.LowWater)
		}
		if tc.cfg.HighWater > 1 || tc.cfg.LowWater < 0 {
			return fmt.Errorf("tiers.%s: watermarks must be within [0,1]", tc.name)
		}
		if tc.cfg.Capacity <= 0 {
			return fmt.Errorf("tiers.%s: capacity is required", tc.name)
		}
	}

	if c.Migration.BatchSize <= 0 {
		return fmt.Errorf("migration.batch_size must be > 0")
	}
	switch c.Migration.Policy {
	case "oldest-first", "largest-first":
	default:
		return fmt.Errorf("migration.policy must be oldest-first or largest-first, got %q", c.Migration.Policy)
	}

	if c.Prober.Interval <= 0 || c.Prober.Timeout <= 0 {
		return fmt.Errorf("prober.interval and prober.timeout must be > 0")
	}
	if c.Prober.FailureThreshold < 1 || c.Prober.SuccessThreshold < 1 {
		return fmt.Errorf("prober thresholds must be >= 1")
	}

	switch c.Router.Algorithm {
	case "weighted-round-robin", "round-robin":
	default:
		return fmt.Errorf("router.algorithm must be weighted-round-robin or round-robin, got %q", c.Router.Algorithm)
	}
	if c.Router.RetryLimit < 0 {
		return fmt.Errorf("router.retry_limit must be >= 0")
	}

	seen := make(map[string]bool)
	for i, ep := range c.Endpoints {
		if ep.ID == "" || ep.URL == "" {
			return fmt.Errorf("endpoints[%d]: id and url are required", i)
		}
		if seen[ep.ID] {
			return fmt.Errorf("endpoints[%d]: duplicate id %q", i, ep.ID)
		}
		seen[ep.ID] = true
	}

	if c.Metadata.Path == "" {
		return fmt.Errorf("metadata.path is required")
	}
	if c.Events.Enabled && c.Events.URL == "" {
		return fmt.Errorf("events.url is required when events are enabled")
	}

	return nil
}

func validateTier(name string, tc TierConfig) error {
	switch tc.Backend {
	case "memory":
	case "local":
		if tc.Local.DataDir == "" {
			return fmt.Errorf("tiers.%s: local backend requires data_dir", name)
		}
	case "minio":
		if tc.Object.Endpoint == "" || tc.Object.Bucket == "" {
			return fmt.Errorf("tiers.%s: minio backend requires endpoint and bucket", name)
		}
	case "s3":
		if tc.Blob.Bucket == "" {
			return fmt.Errorf("tiers.%s: s3 backend requires bucket", name)
		}
	default:
		return fmt.Errorf("tiers.%s: unknown backend %q", name, tc.Backend)
	}
	return nil
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "30s", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "256MB", "100GB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s

	switch {
	case len(s) >= 2 && s[len(s)-2:] == "KB":
		multiplier = 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "MB":
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "GB":
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "TB":
		multiplier = 1024 * 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case s[len(s)-1] == 'B':
		numStr = s[:len(s)-1]
	}

	var n int64
	_, err := fmt.Sscanf(numStr, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}
