// Package config loads the service configuration.
//
// Sources, lowest precedence first:
//  1. defaults.yaml embedded in the binary
//  2. an optional YAML file
//  3. a .env file, when present
//  4. CARE_ environment variables (CARE_ALERTS_COOLDOWN=10m -> alerts.cooldown)
//
// DATABASE_URL, REDIS_HOST, NATS_URL and LOG_LEVEL are honoured without the
// prefix as well.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "CARE_"

// maxConfigFileSize rejects obviously wrong files.
const maxConfigFileSize = 1 << 20

// Environment represents the application environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Config holds all application configuration.
type Config struct {
	App        AppConfig        `koanf:"app"`
	HTTP       HTTPConfig       `koanf:"http"`
	Database   DatabaseConfig   `koanf:"database"`
	Redis      RedisConfig      `koanf:"redis"`
	NATS       NATSConfig       `koanf:"nats"`
	Alerts     AlertsConfig     `koanf:"alerts"`
	Risk       RiskConfig       `koanf:"risk"`
	Escalation EscalationConfig `koanf:"escalation"`
	Notify     NotifyConfig     `koanf:"notify"`
	Scheduler  SchedulerConfig  `koanf:"scheduler"`
	Log        LogConfig        `koanf:"log"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Name        string      `koanf:"name"`
	Environment Environment `koanf:"environment"`
	Version     string      `koanf:"version"`

	// InstanceID tags alerts for relay loop suppression. Empty means a
	// random id per process.
	InstanceID string `koanf:"instance_id"`

	Timezone        string        `koanf:"timezone"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Location resolves Timezone, falling back to UTC.
func (a AppConfig) Location() *time.Location {
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Host               string        `koanf:"host"`
	Port               int           `koanf:"port"`
	ReadTimeout        time.Duration `koanf:"read_timeout"`
	IdleTimeout        time.Duration `koanf:"idle_timeout"`
	RateLimitPerSecond float64       `koanf:"rate_limit_per_second"`
	BodyLimit          string        `koanf:"body_limit"`
	AlertHeartbeat     time.Duration `koanf:"alert_heartbeat"`
	AllowedOrigins     []string      `koanf:"allowed_origins"`
}

// DatabaseConfig holds PostgreSQL settings. An empty URL selects the
// in-memory stores.
type DatabaseConfig struct {
	URL            string        `koanf:"url"`
	MaxConns       int32         `koanf:"max_conns"`
	MinConns       int32         `koanf:"min_conns"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	Migrate        bool          `koanf:"migrate"`
}

// Enabled reports whether Postgres is configured.
func (d DatabaseConfig) Enabled() bool { return d.URL != "" }

// RedisConfig holds Redis settings. An empty host disables Redis.
type RedisConfig struct {
	Host      string `koanf:"host"`
	Port      int    `koanf:"port"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"`
	KeyPrefix string `koanf:"key_prefix"`
	Channel   string `koanf:"channel"`
}

// Enabled reports whether Redis is configured.
func (r RedisConfig) Enabled() bool { return r.Host != "" }

// NATSConfig holds NATS settings. An empty URL disables NATS.
type NATSConfig struct {
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
}

// Relay modes.
const (
	RelayAuto  = "auto"
	RelayNATS  = "nats"
	RelayRedis = "redis"
	RelayNone  = "none"
)

// AlertsConfig configures the alert bus.
type AlertsConfig struct {
	Cooldown    time.Duration `koanf:"cooldown"`
	QueueSize   int           `koanf:"queue_size"`
	MaxDrops    int           `koanf:"max_drops"`
	Relay       string        `koanf:"relay"`
	RelayBuffer int           `koanf:"relay_buffer"`
	SinkTimeout time.Duration `koanf:"sink_timeout"`

	// Paging sends every alert to on-call staff through the dispatcher.
	Paging bool `koanf:"paging"`
}

// RiskConfig configures classification.
type RiskConfig struct {
	MaxScanRunes int `koanf:"max_scan_runes"`
}

// EscalationConfig configures automatic escalation.
type EscalationConfig struct {
	// Level is the lowest risk level that opens an assignment.
	Level string `koanf:"level"`
}

// NotifyConfig configures outbound notifications.
type NotifyConfig struct {
	QueueSize       int            `koanf:"queue_size"`
	Workers         int            `koanf:"workers"`
	RatePerSecond   float64        `koanf:"rate_per_second"`
	Burst           int            `koanf:"burst"`
	SendTimeout     time.Duration  `koanf:"send_timeout"`
	BreakerFailures int            `koanf:"breaker_failures"`
	BreakerTimeout  time.Duration  `koanf:"breaker_timeout"`
	SMSTo           []string       `koanf:"sms_to"`
	EmailTo         []string       `koanf:"email_to"`
	Twilio          TwilioConfig   `koanf:"twilio"`
	SendGrid        SendGridConfig `koanf:"sendgrid"`
}

// TwilioConfig holds SMS credentials.
type TwilioConfig struct {
	AccountSID string `koanf:"account_sid"`
	AuthToken  string `koanf:"auth_token"`
	From       string `koanf:"from"`
}

// Enabled reports whether SMS is configured.
func (t TwilioConfig) Enabled() bool { return t.AccountSID != "" }

// SendGridConfig holds email credentials.
type SendGridConfig struct {
	APIKey    string `koanf:"api_key"`
	FromName  string `koanf:"from_name"`
	FromEmail string `koanf:"from_email"`
}

// Enabled reports whether email is configured.
func (s SendGridConfig) Enabled() bool { return s.APIKey != "" }

// SchedulerConfig configures background jobs. Schedules are "@every <d>"
// or five-field cron expressions.
type SchedulerConfig struct {
	Enabled          bool          `koanf:"enabled"`
	Tick             time.Duration `koanf:"tick"`
	SweepDeferred    string        `koanf:"sweep_deferred"`
	SweepMaxAttempts int           `koanf:"sweep_max_attempts"`
	RemindStale      string        `koanf:"remind_stale"`
	StaleAfter       time.Duration `koanf:"stale_after"`
	RemindRepeat     time.Duration `koanf:"remind_repeat"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ══════════════════════════════════════════════════════════════════════════════
// LOADING
// ══════════════════════════════════════════════════════════════════════════════

// plainEnv maps well-known unprefixed variables.
var plainEnv = map[string]string{
	"DATABASE_URL": "database.url",
	"REDIS_HOST":   "redis.host",
	"NATS_URL":     "nats.url",
	"LOG_LEVEL":    "log.level",
}

// sections lists the top-level keys.
var sections = []string{
	"app", "http", "database", "redis", "nats", "alerts",
	"risk", "escalation", "notify", "scheduler", "log",
}

// Load builds the configuration. path may be empty; envFile may be empty
// to use ".env" in the working directory when it exists.
func Load(path, envFile string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaultsYAML), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := loadDotEnv(envFile); err != nil {
		return nil, err
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return plainEnv[s]
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps CARE_NOTIFY_TWILIO_ACCOUNT_SID to notify.twilio.account_sid:
// the first segment names the section, a nested struct is matched by name
// and the rest keeps its underscores.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, section := range sections {
		rest, ok := strings.CutPrefix(key, section+"_")
		if !ok {
			continue
		}
		for _, nested := range []string{"twilio", "sendgrid"} {
			if field, ok := strings.CutPrefix(rest, nested+"_"); ok && section == "notify" {
				return section + "." + nested + "." + field
			}
		}
		return section + "." + rest
	}
	return ""
}

func readConfigFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s is larger than %d bytes", path, maxConfigFileSize)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	return content, nil
}

func loadDotEnv(envFile string) error {
	explicit := envFile != ""
	if !explicit {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", envFile, err)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// VALIDATION
// ══════════════════════════════════════════════════════════════════════════════

// Validate checks cross-field rules and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	switch c.App.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		errs = append(errs, fmt.Sprintf("app.environment %q is not development, staging or production", c.App.Environment))
	}
	if c.App.Environment == EnvProduction && !c.Database.Enabled() {
		errs = append(errs, "database.url is required in production")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, "http.port must be 1-65535")
	}

	switch c.Alerts.Relay {
	case RelayAuto, RelayNone:
	case RelayNATS:
		if c.NATS.URL == "" {
			errs = append(errs, "alerts.relay is nats but nats.url is empty")
		}
	case RelayRedis:
		if !c.Redis.Enabled() {
			errs = append(errs, "alerts.relay is redis but redis.host is empty")
		}
	default:
		errs = append(errs, fmt.Sprintf("alerts.relay %q is not auto, nats, redis or none", c.Alerts.Relay))
	}
	if c.Alerts.Cooldown <= 0 {
		errs = append(errs, "alerts.cooldown must be positive")
	}

	switch c.Escalation.Level {
	case "low", "medium", "high", "critical":
	default:
		errs = append(errs, fmt.Sprintf("escalation.level %q is not a risk level", c.Escalation.Level))
	}

	if c.Notify.Twilio.Enabled() && (c.Notify.Twilio.AuthToken == "" || c.Notify.Twilio.From == "") {
		errs = append(errs, "notify.twilio needs auth_token and from")
	}
	if c.Notify.SendGrid.Enabled() && c.Notify.SendGrid.FromEmail == "" {
		errs = append(errs, "notify.sendgrid needs from_email")
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not json or console", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}
