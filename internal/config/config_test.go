package config

import (
	"os"
	"testing"
)

func TestLoad(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{
		"DATABASE_URL": "postgres://localhost/test",
	})
	defer cleanup()

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":8080" {
			t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
		}
		if cfg.HistoryMaxCount != 10 {
			t.Errorf("HistoryMaxCount = %d, want 10", cfg.HistoryMaxCount)
		}
		if cfg.HistoryMaxAge != 300 {
			t.Errorf("HistoryMaxAge = %d, want 300", cfg.HistoryMaxAge)
		}
		if !cfg.AnonymousMode {
			t.Error("AnonymousMode = false, want true")
		}
		if !cfg.WelcomeEnabled {
			t.Error("WelcomeEnabled = false, want true")
		}
		if cfg.ScreenNameMinLength != 2 || cfg.ScreenNameMaxLength != 20 {
			t.Errorf("screen name bounds = %d/%d, want 2/20",
				cfg.ScreenNameMinLength, cfg.ScreenNameMaxLength)
		}
		if cfg.ScreenNamePattern != "^[A-Za-z0-9_-]+$" {
			t.Errorf("ScreenNamePattern = %q", cfg.ScreenNamePattern)
		}
		if cfg.MQTTClientID != "ptt-relay" {
			t.Errorf("MQTTClientID = %q, want ptt-relay", cfg.MQTTClientID)
		}
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		cfg, err := Load(Overrides{
			EnvFile:     "nonexistent.env",
			HTTPAddr:    ":9090",
			LogLevel:    "debug",
			DatabaseURL: "postgres://override/db",
			WelcomeDir:  "/tmp/welcome",
		})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":9090" {
			t.Errorf("HTTPAddr = %q, want :9090", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
		}
		if cfg.DatabaseURL != "postgres://override/db" {
			t.Errorf("DatabaseURL = %q, want override", cfg.DatabaseURL)
		}
		if cfg.WelcomeAudioDir != "/tmp/welcome" {
			t.Errorf("WelcomeAudioDir = %q, want /tmp/welcome", cfg.WelcomeAudioDir)
		}
	})

	t.Run("env_values_win_over_defaults", func(t *testing.T) {
		c2 := setEnvs(t, map[string]string{
			"MESSAGE_HISTORY_MAX_COUNT": "25",
			"TRUSTED_PROXIES":           "10.0.0.1, 10.0.0.2",
			"ANONYMOUS_MODE_ENABLED":    "false",
			"TOKEN_SECRET":              "s3cret",
		})
		defer c2()

		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HistoryMaxCount != 25 {
			t.Errorf("HistoryMaxCount = %d, want 25", cfg.HistoryMaxCount)
		}
		if cfg.AnonymousMode {
			t.Error("AnonymousMode = true, want false")
		}
		got := cfg.TrustedProxyList()
		if len(got) != 2 || got[0] != "10.0.0.1" || got[1] != "10.0.0.2" {
			t.Errorf("TrustedProxyList = %v", got)
		}
	})
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			HistoryMaxCount:     10,
			HistoryMaxAge:       300,
			ScreenNameMinLength: 2,
			ScreenNameMaxLength: 20,
			ScreenNamePattern:   "^[A-Za-z0-9_-]+$",
			AnonymousMode:       true,
		}
	}

	t.Run("valid_config_passes", func(t *testing.T) {
		if err := base().Validate(); err != nil {
			t.Errorf("Validate: %v", err)
		}
	})

	t.Run("zero_history_count_rejected", func(t *testing.T) {
		cfg := base()
		cfg.HistoryMaxCount = 0
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for HistoryMaxCount=0")
		}
	})

	t.Run("bad_pattern_rejected", func(t *testing.T) {
		cfg := base()
		cfg.ScreenNamePattern = "["
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for invalid pattern")
		}
	})

	t.Run("inverted_name_bounds_rejected", func(t *testing.T) {
		cfg := base()
		cfg.ScreenNameMinLength = 30
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for min > max")
		}
	})

	t.Run("auth_only_mode_requires_secret", func(t *testing.T) {
		cfg := base()
		cfg.AnonymousMode = false
		if err := cfg.Validate(); err == nil {
			t.Error("expected error when anonymous mode off and no TOKEN_SECRET")
		}
		cfg.TokenSecret = "s3cret"
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate with secret: %v", err)
		}
	})
}

func TestEffectiveTransmissionCap(t *testing.T) {
	cfg := &Config{HistoryMaxAge: 300}
	if got := cfg.EffectiveTransmissionCap(); got != 300*32*1024 {
		t.Errorf("derived cap = %d, want %d", got, 300*32*1024)
	}
	cfg.MaxTransmissionBytes = 1 << 20
	if got := cfg.EffectiveTransmissionCap(); got != 1<<20 {
		t.Errorf("explicit cap = %d, want %d", got, 1<<20)
	}
}

// setEnvs sets env vars and returns a cleanup func restoring prior values.
func setEnvs(t *testing.T, vars map[string]string) func() {
	t.Helper()
	prev := make(map[string]*string, len(vars))
	for k, v := range vars {
		if old, ok := os.LookupEnv(k); ok {
			prev[k] = &old
		} else {
			prev[k] = nil
		}
		os.Setenv(k, v)
	}
	return func() {
		for k, old := range prev {
			if old == nil {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, *old)
			}
		}
	}
}
