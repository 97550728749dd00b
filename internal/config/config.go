package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Beam     BeamConfig     `yaml:"beam"`
	S3       S3Config       `yaml:"s3"`
	Recorder RecorderConfig `yaml:"recorder"`
	Uploader UploaderConfig `yaml:"uploader"`
	Health   HealthConfig   `yaml:"health"`
	Log      LogConfig      `yaml:"log"`
}

// BeamConfig holds the chat module configuration
type BeamConfig struct {
	URL      string `yaml:"url" env:"CHATRELAY_BEAM_URL"` // Channel URL, e.g. https://beam.pro/somechannel
	Name     string `yaml:"name" env:"CHATRELAY_BEAM_NAME"`
	Identify string `yaml:"identify" env:"CHATRELAY_BEAM_IDENTIFY"` // Overrides the identify value derived from the URL

	BaseURL   string `yaml:"base_url" env:"CHATRELAY_BEAM_BASE_URL"`
	Origin    string `yaml:"origin" env:"CHATRELAY_BEAM_ORIGIN"`
	UserAgent string `yaml:"user_agent" env:"CHATRELAY_BEAM_USER_AGENT"`

	Keepalive        time.Duration `yaml:"keepalive" env:"CHATRELAY_BEAM_KEEPALIVE"` // Negative disables the keepalive ping
	HTTPTimeout      time.Duration `yaml:"http_timeout" env:"CHATRELAY_BEAM_HTTP_TIMEOUT"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"CHATRELAY_BEAM_HANDSHAKE_TIMEOUT"`
}

// S3Config holds S3 upload configuration. An empty bucket disables uploads.
type S3Config struct {
	Bucket          string `yaml:"bucket" env:"CHATRELAY_S3_BUCKET"`
	Region          string `yaml:"region" env:"CHATRELAY_S3_REGION"`
	RoleARN         string `yaml:"role_arn" env:"AWS_ROLE_ARN"`                  // IAM role ARN for OIDC authentication
	AccessKeyID     string `yaml:"access_key_id" env:"S3_ACCESS_KEY_ID"`         // Legacy: static credentials
	SecretAccessKey string `yaml:"secret_access_key" env:"S3_SECRET_ACCESS_KEY"` // Legacy: static credentials
	Endpoint        string `yaml:"endpoint" env:"CHATRELAY_S3_ENDPOINT"`         // For S3-compatible services
}

// Enabled reports whether uploads are configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// RecorderConfig holds recorder configuration
type RecorderConfig struct {
	OutputDir       string `yaml:"output_dir" env:"CHATRELAY_RECORDER_OUTPUT_DIR"`
	RotateMinutes   int    `yaml:"rotate_minutes" env:"CHATRELAY_RECORDER_ROTATE_MINUTES"`
	RotateMegabytes int    `yaml:"rotate_megabytes" env:"CHATRELAY_RECORDER_ROTATE_MEGABYTES"`
	BufferSize      int    `yaml:"buffer_size" env:"CHATRELAY_RECORDER_BUFFER_SIZE"`
}

// UploaderConfig holds uploader configuration
type UploaderConfig struct {
	DeleteAfterUpload bool `yaml:"delete_after_upload" env:"CHATRELAY_UPLOADER_DELETE_AFTER_UPLOAD"`
	MaxRetries        int  `yaml:"max_retries" env:"CHATRELAY_UPLOADER_MAX_RETRIES"`
}

// HealthConfig holds the health and metrics server configuration
type HealthConfig struct {
	Addr string `yaml:"addr" env:"CHATRELAY_HEALTH_ADDR"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level" env:"CHATRELAY_LOG_LEVEL"`
	Format string `yaml:"format" env:"CHATRELAY_LOG_FORMAT"` // "json" or "console"
}

// Load loads configuration from a file, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	// Unset variables leave file values untouched.
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Recorder.BufferSize == 0 {
		c.Recorder.BufferSize = 100
	}
	if c.Recorder.RotateMinutes == 0 {
		c.Recorder.RotateMinutes = 60
	}
	if c.Recorder.RotateMegabytes == 0 {
		c.Recorder.RotateMegabytes = 100
	}
	if c.Recorder.OutputDir == "" {
		c.Recorder.OutputDir = "./data"
	}
	if c.Uploader.MaxRetries == 0 {
		c.Uploader.MaxRetries = 3
	}
	if c.Health.Addr == "" {
		c.Health.Addr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	// Zero timeouts and keepalive are left for the chat module to default.
}

func (c *Config) validate() error {
	if c.Beam.URL == "" {
		return fmt.Errorf("beam.url is required (or set CHATRELAY_BEAM_URL)")
	}
	u, err := url.Parse(c.Beam.URL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("beam.url %q is not an absolute url", c.Beam.URL)
	}
	if c.Beam.HTTPTimeout < 0 || c.Beam.HandshakeTimeout < 0 {
		return fmt.Errorf("beam timeouts must not be negative")
	}
	if c.Recorder.BufferSize < 0 || c.Recorder.RotateMinutes < 0 || c.Recorder.RotateMegabytes < 0 {
		return fmt.Errorf("recorder limits must not be negative")
	}

	if !c.S3.Enabled() {
		return nil
	}
	if c.S3.Region == "" {
		return fmt.Errorf("s3.region is required")
	}
	// Either OIDC role or static credentials required
	if c.S3.RoleARN == "" && c.S3.AccessKeyID == "" {
		return fmt.Errorf("either s3.role_arn (OIDC) or s3.access_key_id (legacy) is required")
	}
	if c.S3.AccessKeyID != "" && c.S3.SecretAccessKey == "" {
		return fmt.Errorf("s3.secret_access_key is required when using access_key_id")
	}
	return nil
}
