// Package config loads the monitor configuration from an optional config file,
// a .env file and the environment, and validates it once at startup.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/jrsteele09/go-ksef-monitor/internal/errors"
	"github.com/jrsteele09/go-ksef-monitor/ksef"
	"github.com/jrsteele09/go-ksef-monitor/notify"
	"github.com/jrsteele09/go-ksef-monitor/schedule"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"

	ChannelWebhook = "webhook"
	ChannelKafka   = "kafka"
	ChannelLog     = "log"
)

var nipPattern = regexp.MustCompile(`^\d{10}$`)

type Config struct {
	KSeF          KSeFConfig          `mapstructure:"ksef" yaml:"ksef"`
	Monitoring    MonitoringConfig    `mapstructure:"monitoring" yaml:"monitoring"`
	Schedule      schedule.Config     `mapstructure:"schedule" yaml:"schedule"`
	Storage       StorageConfig       `mapstructure:"storage" yaml:"storage"`
	Notifications NotificationsConfig `mapstructure:"notifications" yaml:"notifications"`
	Prometheus    PrometheusConfig    `mapstructure:"prometheus" yaml:"prometheus"`
	Tracing       TracingConfig       `mapstructure:"tracing" yaml:"tracing"`
	Log           LogConfig           `mapstructure:"log" yaml:"log"`
	Timezone      string              `mapstructure:"timezone" yaml:"timezone"`
}

type KSeFConfig struct {
	// Environment is prod, demo or test.
	Environment string `mapstructure:"environment" yaml:"environment"`
	NIP         string `mapstructure:"nip" yaml:"nip"`
	// Token is the long-lived KSeF authorization token. Prefer KSEF_TOKEN or a docker secret.
	Token string `mapstructure:"token" yaml:"token"`
	// BaseURL overrides the URL derived from Environment.
	BaseURL string        `mapstructure:"base_url" yaml:"base_url,omitempty"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type MonitoringConfig struct {
	SubjectTypes    []string      `mapstructure:"subject_types" yaml:"subject_types"`
	DateType        string        `mapstructure:"date_type" yaml:"date_type"`
	MessagePriority int           `mapstructure:"message_priority" yaml:"message_priority"`
	Lookback        time.Duration `mapstructure:"lookback" yaml:"lookback"`
	MaxPages        int           `mapstructure:"max_pages" yaml:"max_pages"`
}

type StorageConfig struct {
	Backend       string `mapstructure:"backend" yaml:"backend"`
	StateFile     string `mapstructure:"state_file" yaml:"state_file"`
	SQLitePath    string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	RedisURL      string `mapstructure:"redis_url" yaml:"redis_url,omitempty"`
	RedisKey      string `mapstructure:"redis_key" yaml:"redis_key"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password,omitempty"`
	SaveXML       bool   `mapstructure:"save_xml" yaml:"save_xml"`
	OutputDir     string `mapstructure:"output_dir" yaml:"output_dir"`
}

type NotificationsConfig struct {
	Channels []string      `mapstructure:"channels" yaml:"channels"`
	Webhook  WebhookConfig `mapstructure:"webhook" yaml:"webhook"`
	Kafka    KafkaConfig   `mapstructure:"kafka" yaml:"kafka"`
}

type WebhookConfig struct {
	URL           string            `mapstructure:"url" yaml:"url,omitempty"`
	Method        string            `mapstructure:"method" yaml:"method"`
	Headers       map[string]string `mapstructure:"headers" yaml:"headers,omitempty"`
	Token         string            `mapstructure:"token" yaml:"token,omitempty"`
	SigningSecret string            `mapstructure:"signing_secret" yaml:"signing_secret,omitempty"`
	Timeout       time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	AllowPrivate  bool              `mapstructure:"allow_private" yaml:"allow_private"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers,omitempty"`
	Topic   string   `mapstructure:"topic" yaml:"topic"`
}

type PrometheusConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host" yaml:"host"`
	Port    int    `mapstructure:"port" yaml:"port"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	Insecure    bool   `mapstructure:"insecure" yaml:"insecure"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

var defaults = map[string]interface{}{
	"ksef.environment": "test",
	"ksef.nip":         "",
	"ksef.token":       "",
	"ksef.base_url":    "",
	"ksef.timeout":     "30s",

	"monitoring.subject_types":    []string{string(ksef.Subject1)},
	"monitoring.date_type":        string(ksef.DateTypeInvoicing),
	"monitoring.message_priority": 0,
	"monitoring.lookback":         "24h",
	"monitoring.max_pages":        10,

	"schedule.mode":     string(schedule.ModeSimple),
	"schedule.interval": 300,
	"schedule.time":     "",
	"schedule.days":     []string{},

	"storage.backend":        BackendFile,
	"storage.state_file":     "/data/last_check.json",
	"storage.sqlite_path":    "/data/ksef-monitor.db",
	"storage.redis_url":      "",
	"storage.redis_key":      "ksef-monitor:state",
	"storage.redis_password": "",
	"storage.save_xml":       false,
	"storage.output_dir":     "/data/invoices",

	"notifications.channels":               []string{ChannelLog},
	"notifications.webhook.url":            "",
	"notifications.webhook.method":         "POST",
	"notifications.webhook.headers":        map[string]string{},
	"notifications.webhook.token":          "",
	"notifications.webhook.signing_secret": "",
	"notifications.webhook.timeout":        "10s",
	"notifications.webhook.allow_private":  false,
	"notifications.kafka.brokers":          []string{},
	"notifications.kafka.topic":            "ksef-invoices",

	"prometheus.enabled": false,
	"prometheus.host":    "0.0.0.0",
	"prometheus.port":    8000,

	"tracing.enabled":      false,
	"tracing.endpoint":     "",
	"tracing.service_name": "ksef-monitor",
	"tracing.insecure":     true,

	"log.level":  "info",
	"log.format": "json",

	"timezone": "Europe/Warsaw",
}

type loader struct {
	envFile    string
	secretsDir string
}

type Option func(*loader)

// WithEnvFile sets the .env file loaded before the environment is read. A missing file is ignored.
func WithEnvFile(path string) Option {
	return func(l *loader) {
		l.envFile = path
	}
}

// WithSecretsDir sets where docker secrets are looked up.
func WithSecretsDir(dir string) Option {
	return func(l *loader) {
		l.secretsDir = dir
	}
}

// Load builds the configuration. path may be empty, in which case only the
// environment and defaults are used. Nested keys map to environment variables
// with dots replaced by underscores (ksef.nip -> KSEF_NIP).
func Load(path string, options ...Option) (*Config, error) {
	l := &loader{envFile: ".env", secretsDir: DefaultSecretsDir}
	for _, opt := range options {
		opt(l)
	}

	if l.envFile != "" {
		if err := godotenv.Load(l.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("[config Load] failed to read %s: %w", l.envFile, err)
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("[config Load] failed to read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("[config Load] failed to decode configuration: %w", err)
	}

	resolveSecrets(&cfg, NewSecrets(l.secretsDir))
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.KSeF.NIP = strings.TrimSpace(c.KSeF.NIP)
	c.KSeF.Token = strings.TrimSpace(c.KSeF.Token)
	c.Monitoring.DateType = string(ksef.ParseDateType(c.Monitoring.DateType))
	c.Monitoring.MessagePriority = int(notify.ParsePriority(c.Monitoring.MessagePriority))
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.Notifications.Webhook.Method = strings.ToUpper(strings.TrimSpace(c.Notifications.Webhook.Method))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	for i, ch := range c.Notifications.Channels {
		c.Notifications.Channels[i] = strings.ToLower(strings.TrimSpace(ch))
	}
}

// Validate reports every problem found, wrapped in ErrConfig.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := ksef.ParseEnvironment(c.KSeF.Environment); err != nil && c.KSeF.BaseURL == "" {
		add("ksef.environment: %v", err)
	}
	if !nipPattern.MatchString(c.KSeF.NIP) {
		add("ksef.nip must be 10 digits")
	}
	if c.KSeF.Token == "" {
		add("ksef.token is required (KSEF_TOKEN, /run/secrets/ksef_token or config file)")
	}
	if c.KSeF.Timeout <= 0 {
		add("ksef.timeout must be positive")
	}

	if len(c.Monitoring.SubjectTypes) == 0 {
		add("monitoring.subject_types must not be empty")
	}
	for _, st := range c.Monitoring.SubjectTypes {
		switch ksef.SubjectType(st) {
		case ksef.Subject1, ksef.Subject2, ksef.Subject3, ksef.SubjectAuthorized:
		default:
			add("monitoring.subject_types: unknown subject type %q", st)
		}
	}
	if c.Monitoring.Lookback <= 0 {
		add("monitoring.lookback must be positive")
	}
	if c.Monitoring.MaxPages <= 0 {
		add("monitoring.max_pages must be positive")
	}

	if _, err := schedule.New(c.Schedule); err != nil {
		add("schedule: %v", err)
	}

	switch c.Storage.Backend {
	case BackendFile:
		if c.Storage.StateFile == "" {
			add("storage.state_file is required for the file backend")
		}
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			add("storage.sqlite_path is required for the sqlite backend")
		}
	case BackendRedis:
		if c.Storage.RedisURL == "" {
			add("storage.redis_url is required for the redis backend")
		}
	case BackendMemory:
	default:
		add("storage.backend: unknown backend %q", c.Storage.Backend)
	}
	if c.Storage.SaveXML && c.Storage.OutputDir == "" {
		add("storage.output_dir is required when storage.save_xml is on")
	}

	for _, ch := range c.Notifications.Channels {
		switch ch {
		case ChannelWebhook:
			if c.Notifications.Webhook.URL == "" {
				add("notifications.webhook.url is required for the webhook channel")
			}
			switch c.Notifications.Webhook.Method {
			case "POST", "PUT", "GET":
			default:
				add("notifications.webhook.method: unsupported method %q", c.Notifications.Webhook.Method)
			}
		case ChannelKafka:
			if len(c.Notifications.Kafka.Brokers) == 0 || c.Notifications.Kafka.Topic == "" {
				add("notifications.kafka.brokers and notifications.kafka.topic are required for the kafka channel")
			}
		case ChannelLog:
		default:
			add("notifications.channels: unknown channel %q", ch)
		}
	}

	if c.Prometheus.Enabled && (c.Prometheus.Port < 0 || c.Prometheus.Port > 65535) {
		add("prometheus.port must be between 0 and 65535")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		add("tracing.endpoint is required when tracing is enabled")
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		add("log.level: %v", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		add("log.format must be json or console")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		add("timezone: %v", err)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", errors.ErrConfig, errors.Join(errs...))
}

// Location returns the configured timezone, or UTC when it cannot be loaded.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// BaseURL returns the override when set, otherwise the URL of the configured environment.
func (c *Config) BaseURL() (string, error) {
	if c.KSeF.BaseURL != "" {
		return strings.TrimRight(c.KSeF.BaseURL, "/"), nil
	}
	env, err := ksef.ParseEnvironment(c.KSeF.Environment)
	if err != nil {
		return "", err
	}
	return ksef.BaseURL(env)
}

func (c *Config) SubjectTypes() []ksef.SubjectType {
	out := make([]ksef.SubjectType, 0, len(c.Monitoring.SubjectTypes))
	for _, st := range c.Monitoring.SubjectTypes {
		out = append(out, ksef.SubjectType(st))
	}
	return out
}

func (c *Config) Priority() notify.Priority {
	return notify.ParsePriority(c.Monitoring.MessagePriority)
}

// HasChannel reports whether the named notification channel is enabled.
func (c *Config) HasChannel(name string) bool {
	for _, ch := range c.Notifications.Channels {
		if ch == name {
			return true
		}
	}
	return false
}
