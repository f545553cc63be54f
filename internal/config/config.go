// Package config loads autocast settings from .env files, an optional JSON
// settings file and AUTOCAST_* environment variables, in that order of
// increasing precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
)

const appName = "autocast"

// Advertiser names accepted for discovery.advertiser.
const (
	AdvertiserMDNS = "mdns"
	AdvertiserSSDP = "ssdp"
)

// Config holds every tunable of the daemon.
type Config struct {
	Environment   string `mapstructure:"environment" json:"environment"`
	LogLevel      string `mapstructure:"log_level" json:"log_level"`
	DBPath        string `mapstructure:"db_path" json:"db_path"`
	Timezone      string `mapstructure:"timezone" json:"timezone"`
	YouTubeAPIKey string `mapstructure:"youtube_api_key" json:"youtube_api_key,omitempty"`
	ReceiverAppID string `mapstructure:"receiver_app_id" json:"receiver_app_id"`
	MetricsBind   string `mapstructure:"metrics_bind" json:"metrics_bind"`

	Discovery Discovery `mapstructure:"discovery" json:"discovery"`
	Cast      Cast      `mapstructure:"cast" json:"cast"`
	Retry     Retry     `mapstructure:"retry" json:"retry"`
	NATS      NATS      `mapstructure:"nats" json:"nats"`
}

type Discovery struct {
	Timeout          time.Duration `mapstructure:"timeout" json:"timeout"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout" json:"probe_timeout"`
	ProbePort        int           `mapstructure:"probe_port" json:"probe_port"`
	ProbeConcurrency int           `mapstructure:"probe_concurrency" json:"probe_concurrency"`
	Advertiser       string        `mapstructure:"advertiser" json:"advertiser"`
	OnStart          bool          `mapstructure:"on_start" json:"on_start"`
}

type Cast struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" json:"connect_timeout"`
	LaunchTimeout  time.Duration `mapstructure:"launch_timeout" json:"launch_timeout"`
	LoadTimeout    time.Duration `mapstructure:"load_timeout" json:"load_timeout"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout" json:"stop_timeout"`
}

type Retry struct {
	MaxRetries int           `mapstructure:"max_retries" json:"max_retries"`
	Backoff    time.Duration `mapstructure:"backoff" json:"backoff"`
}

type NATS struct {
	URL           string `mapstructure:"url" json:"url,omitempty"`
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix"`
}

// Default returns the built-in settings.
func Default() *Config {
	dbPath := appName + ".db"
	if dir, err := appDir(); err == nil {
		dbPath = filepath.Join(dir, appName+".db")
	}
	return &Config{
		Environment:   "production",
		LogLevel:      "info",
		DBPath:        dbPath,
		Timezone:      "Asia/Tokyo",
		ReceiverAppID: "233637DE",
		MetricsBind:   "127.0.0.1:9464",
		Discovery: Discovery{
			Timeout:          5 * time.Second,
			ProbeTimeout:     time.Second,
			ProbePort:        8009,
			ProbeConcurrency: 64,
			Advertiser:       AdvertiserMDNS,
			OnStart:          true,
		},
		Cast: Cast{
			ConnectTimeout: 10 * time.Second,
			LaunchTimeout:  20 * time.Second,
			LoadTimeout:    20 * time.Second,
			StopTimeout:    5 * time.Second,
		},
		Retry: Retry{
			MaxRetries: 3,
			Backoff:    5 * time.Second,
		},
		NATS: NATS{
			SubjectPrefix: "autocast.events",
		},
	}
}

// Load builds the configuration. Missing .env and settings files are not an
// error.
func Load() (*Config, error) {
	loadDotEnv()

	cfg := Default()

	path, err := SettingsPath()
	if err != nil {
		return nil, err
	}
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	if err := cfg.mergeEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv reads .env from the working directory and from $AUTOCAST_HOME.
// Variables already in the environment win.
func loadDotEnv() {
	files := []string{".env"}
	if home := os.Getenv("AUTOCAST_HOME"); home != "" {
		files = append(files, filepath.Join(home, ".env"))
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// SettingsPath is $AUTOCAST_CONFIG, or settings.json in the user config dir.
func SettingsPath() (string, error) {
	if p := os.Getenv("AUTOCAST_CONFIG"); p != "" {
		return p, nil
	}
	dir, err := appDir()
	if err != nil {
		return "", fmt.Errorf("SettingsPath: failed to get config dir due to error %w", err)
	}
	return filepath.Join(dir, "settings.json"), nil
}

func appDir() (string, error) {
	oscfg, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(oscfg, appName), nil
}

func (c *Config) mergeFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("config: failed to decode %s: %w", path, err)
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           c,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	return nil
}

func (c *Config) mergeEnv() error {
	var errs []error

	setString(&c.Environment, "AUTOCAST_ENV")
	setString(&c.LogLevel, "AUTOCAST_LOG_LEVEL")
	setString(&c.DBPath, "AUTOCAST_DB_PATH")
	setString(&c.Timezone, "AUTOCAST_TIMEZONE")
	setString(&c.YouTubeAPIKey, "YOUTUBE_API_KEY", "AUTOCAST_YOUTUBE_API_KEY")
	setString(&c.ReceiverAppID, "AUTOCAST_RECEIVER_APP_ID")
	setString(&c.MetricsBind, "AUTOCAST_METRICS_BIND")

	setString(&c.Discovery.Advertiser, "AUTOCAST_DISCOVERY_ADVERTISER")
	errs = append(errs,
		setDuration(&c.Discovery.Timeout, "AUTOCAST_DISCOVERY_TIMEOUT"),
		setDuration(&c.Discovery.ProbeTimeout, "AUTOCAST_PROBE_TIMEOUT"),
		setInt(&c.Discovery.ProbePort, "AUTOCAST_PROBE_PORT"),
		setInt(&c.Discovery.ProbeConcurrency, "AUTOCAST_PROBE_CONCURRENCY"),
		setBool(&c.Discovery.OnStart, "AUTOCAST_DISCOVERY_ON_START"),

		setDuration(&c.Cast.ConnectTimeout, "AUTOCAST_CONNECT_TIMEOUT"),
		setDuration(&c.Cast.LaunchTimeout, "AUTOCAST_LAUNCH_TIMEOUT"),
		setDuration(&c.Cast.LoadTimeout, "AUTOCAST_LOAD_TIMEOUT"),
		setDuration(&c.Cast.StopTimeout, "AUTOCAST_STOP_TIMEOUT"),

		setInt(&c.Retry.MaxRetries, "AUTOCAST_RETRY_MAX"),
		setDuration(&c.Retry.Backoff, "AUTOCAST_RETRY_BACKOFF"),
	)

	setString(&c.NATS.URL, "AUTOCAST_NATS_URL")
	setString(&c.NATS.SubjectPrefix, "AUTOCAST_NATS_SUBJECT_PREFIX")

	return errors.Join(errs...)
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	switch c.Discovery.Advertiser {
	case AdvertiserMDNS, AdvertiserSSDP:
	default:
		return fmt.Errorf("config: unknown discovery advertiser %q", c.Discovery.Advertiser)
	}
	for name, d := range map[string]time.Duration{
		"discovery.timeout":       c.Discovery.Timeout,
		"discovery.probe_timeout": c.Discovery.ProbeTimeout,
		"cast.connect_timeout":    c.Cast.ConnectTimeout,
		"cast.launch_timeout":     c.Cast.LaunchTimeout,
		"cast.load_timeout":       c.Cast.LoadTimeout,
		"cast.stop_timeout":       c.Cast.StopTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive, got %s", name, d)
		}
	}
	if c.Discovery.ProbePort <= 0 || c.Discovery.ProbePort > 65535 {
		return fmt.Errorf("config: discovery.probe_port %d out of range", c.Discovery.ProbePort)
	}
	if c.Discovery.ProbeConcurrency <= 0 {
		return fmt.Errorf("config: discovery.probe_concurrency must be positive")
	}
	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("config: retry.max_retries must be at least 1")
	}
	if c.Retry.Backoff < 0 {
		return fmt.Errorf("config: retry.backoff must not be negative")
	}
	if c.DBPath == "" {
		return fmt.Errorf("config: db_path is required")
	}
	return nil
}

// Location is the reference zone for schedule slots.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// IsDevelopment reports whether human-readable logs are wanted.
func (c *Config) IsDevelopment() bool {
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local":
		return true
	}
	return false
}

// Save writes the settings file, creating its directory.
func (c *Config) Save(path string) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("Save: failed to marshal json due to error %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("Save: failed to create config dir due to error %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("Save: failed to save config due to error %w", err)
	}
	return nil
}

func lookup(keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

func setString(dst *string, keys ...string) {
	if v, ok := lookup(keys...); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}
