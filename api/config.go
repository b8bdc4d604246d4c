package handler

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // zone lookups must work in scratch containers

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Cal.com credential modes. Only one is sent per request.
const (
	CalAuthBearer = "bearer"
	CalAuthQuery  = "query"
)

// DefaultConfigFile is read when CONFIG_FILE is unset. It may be absent.
const DefaultConfigFile = "config.toml"

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Port    string
	Host    string
	GinMode string

	// Record store
	StoreDriver string
	StorePath   string
	MaxCallLogs int

	// Cal.com configuration
	CalBaseURL      string
	CalAuthMode     string
	CalTimeout      time.Duration
	DefaultTimeZone string
	BookingLanguage string

	// Webhook security (optional)
	RetellWebhookSecret string

	// Logging configuration
	LogLevel  string
	LogFormat string
}

// fileConfig mirrors Config in config.toml.
type fileConfig struct {
	Server struct {
		Port string `toml:"port"`
		Host string `toml:"host"`
		Mode string `toml:"mode"`
	} `toml:"server"`
	Store struct {
		Driver  string `toml:"driver"`
		Path    string `toml:"path"`
		MaxLogs int    `toml:"max_logs"`
	} `toml:"store"`
	Cal struct {
		BaseURL         string `toml:"base_url"`
		AuthMode        string `toml:"auth_mode"`
		TimeoutSeconds  *int   `toml:"timeout_seconds"`
		DefaultTimeZone string `toml:"default_timezone"`
		Language        string `toml:"language"`
	} `toml:"cal"`
	Retell struct {
		WebhookSecret string `toml:"webhook_secret"`
	} `toml:"retell"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:            "8080",
		Host:            "0.0.0.0",
		GinMode:         "release",
		StoreDriver:     StoreDriverJSON,
		StorePath:       "data/db.json",
		MaxCallLogs:     DefaultMaxCallLogs,
		CalBaseURL:      "https://api.cal.com/v1",
		CalAuthMode:     CalAuthBearer,
		CalTimeout:      30 * time.Second,
		DefaultTimeZone: "America/Los_Angeles",
		BookingLanguage: "en",
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

// LoadConfigFile layers defaults, the TOML file at path (CONFIG_FILE or
// config.toml when empty) and the environment, in that order. A missing file
// is not an error.
func LoadConfigFile(path string) (*Config, error) {
	_ = godotenv.Load()
	config := DefaultConfig()

	if path == "" {
		path = getEnv("CONFIG_FILE", DefaultConfigFile)
	}
	if _, err := os.Stat(path); err == nil {
		var fc fileConfig
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
		config.applyFile(fc)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat config %s: %w", path, err)
	}

	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyFile(fc fileConfig) {
	setString(&c.Port, fc.Server.Port)
	setString(&c.Host, fc.Server.Host)
	setString(&c.GinMode, fc.Server.Mode)
	setString(&c.StoreDriver, fc.Store.Driver)
	setString(&c.StorePath, fc.Store.Path)
	if fc.Store.MaxLogs > 0 {
		c.MaxCallLogs = fc.Store.MaxLogs
	}
	setString(&c.CalBaseURL, fc.Cal.BaseURL)
	setString(&c.CalAuthMode, fc.Cal.AuthMode)
	if fc.Cal.TimeoutSeconds != nil {
		c.CalTimeout = time.Duration(*fc.Cal.TimeoutSeconds) * time.Second
	}
	setString(&c.DefaultTimeZone, fc.Cal.DefaultTimeZone)
	setString(&c.BookingLanguage, fc.Cal.Language)
	setString(&c.RetellWebhookSecret, fc.Retell.WebhookSecret)
	setString(&c.LogLevel, fc.Log.Level)
	setString(&c.LogFormat, fc.Log.Format)
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.Host = getEnv("HOST", c.Host)
	c.GinMode = getEnv("GIN_MODE", c.GinMode)

	c.StoreDriver = getEnv("STORE_DRIVER", c.StoreDriver)
	c.StorePath = getEnv("STORE_PATH", c.StorePath)
	c.MaxCallLogs = getEnvAsInt("MAX_CALL_LOGS", c.MaxCallLogs)

	c.CalBaseURL = strings.TrimRight(getEnv("CAL_BASE_URL", c.CalBaseURL), "/")
	c.CalAuthMode = strings.ToLower(getEnv("CAL_AUTH_MODE", c.CalAuthMode))
	c.CalTimeout = time.Duration(getEnvAsInt("CAL_TIMEOUT_SECONDS", int(c.CalTimeout/time.Second))) * time.Second
	c.DefaultTimeZone = getEnv("DEFAULT_TIMEZONE", c.DefaultTimeZone)
	c.BookingLanguage = getEnv("BOOKING_LANGUAGE", c.BookingLanguage)

	c.RetellWebhookSecret = getEnv("RETELL_WEBHOOK_SECRET", c.RetellWebhookSecret)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch c.CalAuthMode {
	case CalAuthBearer, CalAuthQuery:
	default:
		return fmt.Errorf("CAL_AUTH_MODE must be %q or %q, got %q", CalAuthBearer, CalAuthQuery, c.CalAuthMode)
	}
	if _, err := time.LoadLocation(c.DefaultTimeZone); err != nil {
		return fmt.Errorf("DEFAULT_TIMEZONE %q: %w", c.DefaultTimeZone, err)
	}
	switch c.GinMode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("GIN_MODE must be debug, release or test, got %q", c.GinMode)
	}
	if c.CalTimeout < 0 {
		return fmt.Errorf("CAL_TIMEOUT_SECONDS must not be negative")
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// HasWebhookSecret returns true if Retell webhook signatures are checked
func (c *Config) HasWebhookSecret() bool {
	return c.RetellWebhookSecret != ""
}

// IsProduction returns true if running in release mode
func (c *Config) IsProduction() bool {
	return c.GinMode == "release"
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as integer with a fallback default value
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
