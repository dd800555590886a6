package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "embed"

	"github.com/goccy/go-yaml"
	"github.com/luccadibe/wpfleet/internal/models"
)

const (
	DefaultListen           = "127.0.0.1:8080"
	DefaultQueueConcurrency = 8
	DefaultRetryDelay       = time.Second
	DefaultScanConcurrency  = 8
	DefaultScanInterval     = 24 * time.Hour
	DefaultConnectTimeout   = 15 * time.Second
	DefaultResolverTTL      = 10 * time.Minute
	DefaultWPOrgBaseURL     = "https://api.wordpress.org"
	DefaultWPOrgInterval    = time.Hour
)

// Config mirrors the YAML configuration shape.
type Config struct {
	// directory holding the sqlite database and uploaded archives
	DataDir    string            `yaml:"data_dir" json:"data_dir"`
	Listen     string            `yaml:"listen,omitempty" json:"listen,omitempty"`
	Logging    *LoggingConfig    `yaml:"logging,omitempty" json:"logging,omitempty"`
	Queue      QueueConfig       `yaml:"queue,omitempty" json:"queue,omitempty"`
	Scan       ScanConfig        `yaml:"scan,omitempty" json:"scan,omitempty"`
	SSH        SSHConfig         `yaml:"ssh,omitempty" json:"ssh,omitempty"`
	WPCLI      WPCLIConfig       `yaml:"wpcli,omitempty" json:"wpcli,omitempty"`
	WPOrg      WPOrgConfig       `yaml:"wporg,omitempty" json:"wporg,omitempty"`
	Monitoring MonitoringConfig  `yaml:"monitoring,omitempty" json:"monitoring,omitempty"`
	Servers    map[string]Server `yaml:"servers" json:"servers"`
}

// LoggingConfig holds the logging configuration. If no path is provided, logs are written to stderr.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	Path   string `yaml:"path,omitempty" json:"path,omitempty"`
	Format string `yaml:"format,omitempty" json:"format,omitempty" jsonschema:"enum=text,enum=json"`
}

// QueueConfig sizes the package job worker pool.
type QueueConfig struct {
	Concurrency int `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
	// how long a worker waits before re-checking when every pending job targets a busy site
	RetryDelay string `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty"`
}

// ScanConfig controls discovery.
type ScanConfig struct {
	Concurrency int `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
	// Interval between scheduled scans of every server. "0" disables the schedule.
	Interval string `yaml:"interval,omitempty" json:"interval,omitempty"`
}

// SSHConfig holds transport settings shared by every server.
type SSHConfig struct {
	KnownHosts            string `yaml:"known_hosts,omitempty" json:"known_hosts,omitempty"`
	ConfigPath            string `yaml:"config_path,omitempty" json:"config_path,omitempty"`
	ConnectTimeout        string `yaml:"connect_timeout,omitempty" json:"connect_timeout,omitempty"`
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key,omitempty" json:"insecure_ignore_host_key,omitempty"`
}

// WPCLIConfig tunes remote wp-cli invocations.
type WPCLIConfig struct {
	ResolverTTL string `yaml:"resolver_ttl,omitempty" json:"resolver_ttl,omitempty"`
	Timeout     string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// WPOrgConfig configures the wordpress.org update check.
type WPOrgConfig struct {
	Disabled bool   `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	BaseURL  string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	Interval string `yaml:"interval,omitempty" json:"interval,omitempty"`
}

// MonitoringConfig holds the defaults applied to newly discovered sites.
type MonitoringConfig struct {
	DefaultLevel models.MonitoringLevel `yaml:"default_level,omitempty" json:"default_level,omitempty" jsonschema:"enum=none,enum=normal,enum=high"`
}

// Server is a managed host. The map key in Config.Servers is its id.
type Server struct {
	Name        string          `yaml:"name,omitempty" json:"name,omitempty"`
	Platform    models.Platform `yaml:"platform" json:"platform" jsonschema:"enum=cpanel,enum=plesk"`
	models.Host `yaml:",inline"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading configuration file: %w", err)
	}
	return ParseYAML(data)
}

// ParseYAML loads and validates configuration using strict decoding.
func ParseYAML(data []byte) (*Config, error) {
	var config Config
	if err := yaml.UnmarshalWithOptions(data, &config, yaml.Strict()); err != nil {
		return nil, err
	}
	applyDefaults(&config)
	if err := validateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.Queue.Concurrency == 0 {
		cfg.Queue.Concurrency = DefaultQueueConcurrency
	}
	if cfg.Scan.Concurrency == 0 {
		cfg.Scan.Concurrency = DefaultScanConcurrency
	}
	if cfg.WPOrg.BaseURL == "" {
		cfg.WPOrg.BaseURL = DefaultWPOrgBaseURL
	}
	if cfg.Monitoring.DefaultLevel == "" {
		cfg.Monitoring.DefaultLevel = models.MonitoringNormal
	}
	for id, srv := range cfg.Servers {
		if srv.Name == "" {
			srv.Name = id
		}
		cfg.Servers[id] = srv
	}
}

func validateConfig(cfg *Config) error {
	var errs []string

	if strings.TrimSpace(cfg.DataDir) == "" {
		errs = append(errs, "data_dir must be set")
	}

	if cfg.Logging != nil {
		switch strings.ToLower(cfg.Logging.Level) {
		case "", "debug", "info", "warn", "error":
			// ok
		default:
			errs = append(errs, "logging.level must be one of [debug, info, warn, error]")
		}
		switch cfg.Logging.Format {
		case "", "text", "json":
			// ok
		default:
			errs = append(errs, "logging.format must be one of [text, json]")
		}
	}

	if cfg.Queue.Concurrency < 0 {
		errs = append(errs, "queue.concurrency must be >= 0")
	}
	if cfg.Scan.Concurrency < 0 {
		errs = append(errs, "scan.concurrency must be >= 0")
	}

	durations := []struct {
		field     string
		value     string
		allowZero bool
	}{
		{"queue.retry_delay", cfg.Queue.RetryDelay, false},
		{"scan.interval", cfg.Scan.Interval, true},
		{"ssh.connect_timeout", cfg.SSH.ConnectTimeout, false},
		{"wpcli.resolver_ttl", cfg.WPCLI.ResolverTTL, true},
		{"wpcli.timeout", cfg.WPCLI.Timeout, false},
		{"wporg.interval", cfg.WPOrg.Interval, false},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.value) == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil || v < 0 || (v == 0 && !d.allowZero) {
			errs = append(errs, fmt.Sprintf("%s must be a positive duration", d.field))
		}
	}

	if !cfg.Monitoring.DefaultLevel.Valid() {
		errs = append(errs, "monitoring.default_level must be one of [none, normal, high]")
	}

	ids := make([]string, 0, len(cfg.Servers))
	for id := range cfg.Servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		srv := cfg.Servers[id]
		if strings.TrimSpace(id) == "" {
			errs = append(errs, "servers must not contain an empty id")
			continue
		}
		if !srv.Platform.Valid() {
			errs = append(errs, fmt.Sprintf("servers.%s.platform must be one of [cpanel, plesk]", id))
		}
		if strings.TrimSpace(srv.Hostname) == "" {
			errs = append(errs, fmt.Sprintf("servers.%s.hostname must be set", id))
		}
		if srv.Port < 0 || srv.Port > 65535 {
			errs = append(errs, fmt.Sprintf("servers.%s.port must be between 0 and 65535", id))
		}
		if !srv.IsLocal() && srv.KeyPassword != "" && srv.KeyFile == "" {
			errs = append(errs, fmt.Sprintf("servers.%s.key_password requires key_file", id))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// DatabasePath is the sqlite file inside the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "wpfleet.db")
}

// UploadsDir is where uploaded package archives are stored.
func (c *Config) UploadsDir() string {
	return filepath.Join(c.DataDir, "uploads")
}

// ServerModels converts the configured servers into store records, sorted by id.
func (c *Config) ServerModels() []models.Server {
	out := make([]models.Server, 0, len(c.Servers))
	for id, srv := range c.Servers {
		out = append(out, models.Server{
			ID:       id,
			Name:     srv.Name,
			Platform: srv.Platform,
			Host:     srv.Host,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (q QueueConfig) RetryDelayDuration() time.Duration {
	return durationOr(q.RetryDelay, DefaultRetryDelay)
}

func (s ScanConfig) IntervalDuration() time.Duration {
	return durationOr(s.Interval, DefaultScanInterval)
}

func (s SSHConfig) ConnectTimeoutDuration() time.Duration {
	return durationOr(s.ConnectTimeout, DefaultConnectTimeout)
}

func (w WPCLIConfig) ResolverTTLDuration() time.Duration {
	return durationOr(w.ResolverTTL, DefaultResolverTTL)
}

// TimeoutDuration returns zero when unset so callers keep their per-command defaults.
func (w WPCLIConfig) TimeoutDuration() time.Duration {
	return durationOr(w.Timeout, 0)
}

func (w WPOrgConfig) IntervalDuration() time.Duration {
	return durationOr(w.Interval, DefaultWPOrgInterval)
}

func durationOr(value string, fallback time.Duration) time.Duration {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func GetDefaultConfigFile() string {
	return string(defaultConfigFile)
}

//go:embed files/default_config.yaml
var defaultConfigFile []byte
