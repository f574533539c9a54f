package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so values like "10s" or "1h" can be used
// directly in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration '%s': %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Maflow   MaflowConfig   `yaml:"maflow"`
	Universe UniverseConfig `yaml:"universe"`
	Provider ProviderConfig `yaml:"provider"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Store    StoreConfig    `yaml:"store"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Notify   NotifyConfig   `yaml:"notify"`
	Server   ServerConfig   `yaml:"server"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type MaflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type UniverseConfig struct {
	// Base replaces the embedded constituent snapshot when non-empty.
	Base   []string `yaml:"base"`
	Custom []string `yaml:"custom"`
}

type ProviderConfig struct {
	BaseURL      string          `yaml:"base_url"`
	UserAgent    string          `yaml:"user_agent"`
	Timeout      Duration        `yaml:"timeout"`
	LookbackDays int             `yaml:"lookback_days"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type PipelineConfig struct {
	MaxWorkers      int           `yaml:"max_workers"`
	MAPeriod        int           `yaml:"ma_period"`
	NearThreshold   float64       `yaml:"near_threshold"`
	MinSuccessRatio float64       `yaml:"min_success_ratio"`
	Retry           RetryConfig   `yaml:"retry"`
	RunLock         RunLockConfig `yaml:"run_lock"`
}

type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
}

type RunLockConfig struct {
	Enabled bool     `yaml:"enabled"`
	Addr    string   `yaml:"addr"`
	Key     string   `yaml:"key"`
	TTL     Duration `yaml:"ttl"`
}

type StoreConfig struct {
	DocStore DocStoreConfig `yaml:"docstore"`
	S3       S3Config       `yaml:"s3"`
}

type DocStoreConfig struct {
	Enabled bool     `yaml:"enabled"`
	BaseURL string   `yaml:"base_url"`
	BinID   string   `yaml:"bin_id"`
	APIKey  string   `yaml:"api_key"`
	Timeout Duration `yaml:"timeout"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Key             string `yaml:"key"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Prefix  string `yaml:"prefix"`
}

type NotifyConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Phone     string   `yaml:"phone"`
	APIKey    string   `yaml:"api_key"`
	Cooldown  Duration `yaml:"cooldown"`
	Threshold float64  `yaml:"threshold"`
	Timeout   Duration `yaml:"timeout"`
}

type ServerConfig struct {
	Address  string   `yaml:"address"`
	CacheTTL Duration `yaml:"cache_ttl"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

const defaultConfigPath = "config/config.yml"

var envSpecificPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, envSpecificPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Provider: ProviderConfig{
			BaseURL:      "https://query1.finance.yahoo.com",
			UserAgent:    "Mozilla/5.0",
			Timeout:      Duration(10 * time.Second),
			LookbackDays: 210,
			RateLimit:    RateLimitConfig{RequestsPerSecond: 5, BurstSize: 1},
		},
		Pipeline: PipelineConfig{
			MaxWorkers:    10,
			MAPeriod:      150,
			NearThreshold: 5.0,
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   Duration(time.Second),
				MaxDelay:    Duration(30 * time.Second),
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override store credentials from environment variables if available
	if config.Store.DocStore.Enabled {
		if v := os.Getenv("DOCSTORE_API_KEY"); v != "" {
			config.Store.DocStore.APIKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("DOCSTORE_BIN_ID"); v != "" {
			config.Store.DocStore.BinID = strings.TrimSpace(v)
		}
	}

	if config.Store.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Store.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Store.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Store.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Store.S3.Bucket = strings.TrimSpace(v)
		}
	}

	if config.Pipeline.RunLock.Enabled {
		if v := os.Getenv("REDIS_ADDR"); v != "" {
			config.Pipeline.RunLock.Addr = strings.TrimSpace(v)
		}
	}

	if v := os.Getenv("NOTIFY_API_KEY"); v != "" {
		config.Notify.APIKey = strings.TrimSpace(v)
	}

	config.Store.S3.Bucket = strings.TrimSpace(config.Store.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Maflow.Name == "" {
		return fmt.Errorf("maflow.name is required")
	}

	if cfg.Maflow.Version == "" {
		return fmt.Errorf("maflow.version is required")
	}

	if cfg.Pipeline.MaxWorkers <= 0 {
		return fmt.Errorf("pipeline.max_workers must be greater than 0")
	}
	if cfg.Pipeline.MAPeriod <= 0 {
		return fmt.Errorf("pipeline.ma_period must be greater than 0")
	}
	if cfg.Pipeline.NearThreshold < 0 {
		return fmt.Errorf("pipeline.near_threshold must not be negative")
	}
	if cfg.Pipeline.MinSuccessRatio < 0 || cfg.Pipeline.MinSuccessRatio > 1 {
		return fmt.Errorf("pipeline.min_success_ratio must be between 0 and 1")
	}
	if cfg.Pipeline.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline.retry.max_attempts must be greater than 0")
	}
	if cfg.Pipeline.Retry.BaseDelay <= 0 {
		return fmt.Errorf("pipeline.retry.base_delay must be greater than 0")
	}

	if cfg.Provider.LookbackDays <= cfg.Pipeline.MAPeriod {
		return fmt.Errorf("provider.lookback_days must exceed pipeline.ma_period")
	}
	if cfg.Provider.Timeout <= 0 {
		return fmt.Errorf("provider.timeout must be greater than 0")
	}
	if cfg.Provider.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("provider.rate_limit.requests_per_second must be greater than 0")
	}

	if !cfg.Store.DocStore.Enabled && !cfg.Store.S3.Enabled {
		return fmt.Errorf("at least one store backend must be enabled")
	}

	if cfg.Store.DocStore.Enabled {
		if cfg.Store.DocStore.BaseURL == "" {
			return fmt.Errorf("store.docstore.base_url is required when the document store is enabled")
		}
		if cfg.Store.DocStore.BinID == "" {
			return fmt.Errorf("store.docstore.bin_id is required when the document store is enabled")
		}
		if cfg.Store.DocStore.APIKey == "" {
			return fmt.Errorf("store.docstore.api_key is required when the document store is enabled")
		}
	}

	if cfg.Store.S3.Enabled {
		if cfg.Store.S3.Bucket == "" {
			return fmt.Errorf("store.s3.bucket is required when S3 is enabled")
		}
		if cfg.Store.S3.Region == "" {
			return fmt.Errorf("store.s3.region is required when S3 is enabled")
		}
		if cfg.Store.S3.AccessKeyID == "" || cfg.Store.S3.SecretAccessKey == "" {
			return fmt.Errorf("store.s3.access_key_id and store.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Store.S3.Bucket) {
			return fmt.Errorf("store.s3.bucket '%s' is invalid", cfg.Store.S3.Bucket)
		}
	}

	if cfg.Archive.Enabled && !cfg.Store.S3.Enabled {
		return fmt.Errorf("archive.enabled requires store.s3.enabled")
	}

	if cfg.Notify.Enabled {
		if cfg.Notify.Phone == "" || cfg.Notify.APIKey == "" {
			return fmt.Errorf("notify.phone and notify.api_key are required when notifications are enabled")
		}
	}

	if cfg.Pipeline.RunLock.Enabled {
		if cfg.Pipeline.RunLock.Addr == "" {
			return fmt.Errorf("pipeline.run_lock.addr is required when the run lock is enabled")
		}
		if cfg.Pipeline.RunLock.Key == "" {
			return fmt.Errorf("pipeline.run_lock.key is required when the run lock is enabled")
		}
		if cfg.Pipeline.RunLock.TTL.Std() <= 0 {
			return fmt.Errorf("pipeline.run_lock.ttl must be positive so a crashed holder cannot block runs forever")
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
