package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`

	// Per-channel history retention.
	HistoryMaxCount int `env:"MESSAGE_HISTORY_MAX_COUNT" envDefault:"10"`
	HistoryMaxAge   int `env:"MESSAGE_HISTORY_MAX_AGE" envDefault:"300"` // seconds

	// Comma-separated IPs whose X-Forwarded-For header is honored.
	TrustedProxies string `env:"TRUSTED_PROXIES"`

	AnonymousMode       bool `env:"ANONYMOUS_MODE_ENABLED" envDefault:"true"`
	RegistrationEnabled bool `env:"REGISTRATION_ENABLED" envDefault:"true"`

	WelcomeEnabled  bool   `env:"WELCOME_ENABLED" envDefault:"true"`
	WelcomeAudioDir string `env:"WELCOME_AUDIO_DIR" envDefault:"./welcome"`

	ScreenNameMinLength int    `env:"SCREEN_NAME_MIN_LENGTH" envDefault:"2"`
	ScreenNameMaxLength int    `env:"SCREEN_NAME_MAX_LENGTH" envDefault:"20"`
	ScreenNamePattern   string `env:"SCREEN_NAME_PATTERN" envDefault:"^[A-Za-z0-9_-]+$"`

	// HS256 secret for access tokens. authenticate frames are rejected
	// when unset.
	TokenSecret string `env:"TOKEN_SECRET"`

	// Frame and transmission caps. MaxTransmissionBytes 0 means derive from
	// HistoryMaxAge at a 32 kB/s ceiling (pcm16 at 16 kHz).
	MaxFrameBytes        int64 `env:"MAX_FRAME_BYTES" envDefault:"1048576"`
	MaxTransmissionBytes int64 `env:"MAX_TRANSMISSION_BYTES" envDefault:"0"`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"40"`
	CORSOrigins    string  `env:"CORS_ORIGINS"` // comma-separated allowed origins; empty = allow all (*)
	LogLevel       string  `env:"LOG_LEVEL" envDefault:"info"`

	MetricsEnabled bool `env:"METRICS_ENABLED" envDefault:"true"`

	// Optional outbound MQTT event bridge (disabled when broker URL is empty).
	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"ptt-relay"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"pttrelay"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`
}

// EffectiveTransmissionCap returns the per-transmission raw byte cap,
// deriving it from the history age window when not set explicitly.
func (c *Config) EffectiveTransmissionCap() int64 {
	if c.MaxTransmissionBytes > 0 {
		return c.MaxTransmissionBytes
	}
	return int64(c.HistoryMaxAge) * 32 * 1024
}

// TrustedProxyList returns the parsed TRUSTED_PROXIES entries.
func (c *Config) TrustedProxyList() []string {
	var out []string
	for _, p := range strings.Split(c.TrustedProxies, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.HistoryMaxCount < 1 {
		return fmt.Errorf("MESSAGE_HISTORY_MAX_COUNT must be >= 1, got %d", c.HistoryMaxCount)
	}
	if c.HistoryMaxAge < 1 {
		return fmt.Errorf("MESSAGE_HISTORY_MAX_AGE must be >= 1, got %d", c.HistoryMaxAge)
	}
	if c.ScreenNameMinLength < 1 || c.ScreenNameMaxLength < c.ScreenNameMinLength {
		return fmt.Errorf("screen name length bounds invalid: min=%d max=%d",
			c.ScreenNameMinLength, c.ScreenNameMaxLength)
	}
	if _, err := regexp.Compile(c.ScreenNamePattern); err != nil {
		return fmt.Errorf("SCREEN_NAME_PATTERN: %w", err)
	}
	if !c.AnonymousMode && c.TokenSecret == "" {
		return fmt.Errorf("TOKEN_SECRET must be set when ANONYMOUS_MODE_ENABLED=false")
	}
	return nil
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile       string
	HTTPAddr      string
	LogLevel      string
	DatabaseURL   string
	WelcomeDir    string
	MQTTBrokerURL string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.WelcomeDir != "" {
		cfg.WelcomeAudioDir = overrides.WelcomeDir
	}
	if overrides.MQTTBrokerURL != "" {
		cfg.MQTTBrokerURL = overrides.MQTTBrokerURL
	}

	return cfg, nil
}
