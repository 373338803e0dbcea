package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"shamsical/internal/ics"
	"shamsical/internal/jalali"
	"shamsical/internal/settings"
)

// DefaultPath is used when no -config flag is given.
const DefaultPath = "/etc/shamsical/config.yaml"

// Environment overrides, applied after the YAML file.
const (
	EnvListen         = "SHAMSICAL_LISTEN"
	EnvTimezone       = "SHAMSICAL_TIMEZONE"
	EnvLogLevel       = "SHAMSICAL_LOG_LEVEL"
	EnvStorageBackend = "SHAMSICAL_STORAGE_BACKEND"
	EnvStoragePath    = "SHAMSICAL_STORAGE_PATH"
	EnvHolidaysFile   = "SHAMSICAL_HOLIDAYS_FILE"
)

// Theme values handed to consumers.
const (
	ThemeSystem = "system"
	ThemeLight  = "light"
	ThemeDark   = "dark"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// BoundsConfig limits the years accepted from user input.
type BoundsConfig struct {
	MinJalali    int `yaml:"min_jalali" json:"min_jalali"`
	MaxJalali    int `yaml:"max_jalali" json:"max_jalali"`
	MinGregorian int `yaml:"min_gregorian" json:"min_gregorian"`
	MaxGregorian int `yaml:"max_gregorian" json:"max_gregorian"`
}

// Bounds converts to the calendar type.
func (b BoundsConfig) Bounds() jalali.Bounds {
	return jalali.Bounds{
		MinJalali:    b.MinJalali,
		MaxJalali:    b.MaxJalali,
		MinGregorian: b.MinGregorian,
		MaxGregorian: b.MaxGregorian,
	}
}

type CalendarConfig struct {
	// LeapRule is "borkowski" (default) or "cycle33".
	LeapRule string       `yaml:"leap_rule" json:"leap_rule"`
	Bounds   BoundsConfig `yaml:"bounds" json:"bounds"`
}

// HolidaysConfig lists the holiday sources merged at startup.
type HolidaysConfig struct {
	// File is a JSON or YAML holiday document.
	File  string     `yaml:"file" json:"file"`
	Feeds []ics.Feed `yaml:"feeds" json:"feeds"`
	// CacheDir keeps the last good body of every feed.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`
	// Feed occurrences are loaded for the current Jalali year minus
	// FeedYearsBack through plus FeedYearsAhead.
	FeedYearsBack  int `yaml:"feed_years_back" json:"feed_years_back"`
	FeedYearsAhead int `yaml:"feed_years_ahead" json:"feed_years_ahead"`
}

type RefreshConfig struct {
	// Tick is the cron spec of the coarse day check.
	Tick string `yaml:"tick" json:"tick"`
	// ClockWatch is the cron spec of the wall-clock step detector; "off"
	// disables it.
	ClockWatch     string        `yaml:"clock_watch" json:"clock_watch"`
	MidnightBuffer time.Duration `yaml:"midnight_buffer" json:"midnight_buffer"`
	JumpThreshold  time.Duration `yaml:"jump_threshold" json:"jump_threshold"`
}

type DisplayConfig struct {
	Theme string `yaml:"theme" json:"theme"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`
	// Timezone is the IANA zone whose midnight starts a new day.
	Timezone string `yaml:"timezone" json:"timezone"`
	LogLevel string `yaml:"log_level" json:"log_level"`

	Calendar CalendarConfig  `yaml:"calendar" json:"calendar"`
	Storage  settings.Config `yaml:"storage" json:"storage"`
	Holidays HolidaysConfig  `yaml:"holidays" json:"holidays"`
	Refresh  RefreshConfig   `yaml:"refresh" json:"refresh"`
	Display  DisplayConfig   `yaml:"display" json:"display"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}

// Normalize fills zero values with defaults and repairs unknown enum values.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "Asia/Tehran"
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		c.LogLevel = "info"
	}

	c.Calendar.LeapRule = jalali.RuleByName(c.Calendar.LeapRule).Name()
	b := &c.Calendar.Bounds
	def := jalali.DefaultBounds
	if b.MinJalali == 0 && b.MaxJalali == 0 {
		b.MinJalali, b.MaxJalali = def.MinJalali, def.MaxJalali
	}
	if b.MinGregorian == 0 && b.MaxGregorian == 0 {
		b.MinGregorian, b.MaxGregorian = def.MinGregorian, def.MaxGregorian
	}

	switch c.Storage.Backend {
	case "memory", "file", "sqlite":
	default:
		c.Storage.Backend = "file"
	}
	if c.Storage.Path == "" && c.Storage.Backend != "memory" {
		if c.Storage.Backend == "sqlite" {
			c.Storage.Path = "/var/lib/shamsical/settings.db"
		} else {
			c.Storage.Path = "/var/lib/shamsical/settings.json"
		}
	}

	if c.Holidays.Feeds == nil {
		c.Holidays.Feeds = []ics.Feed{}
	}
	if c.Holidays.CacheDir == "" {
		c.Holidays.CacheDir = "/var/lib/shamsical/ics-cache"
	}
	if c.Holidays.FeedYearsBack < 0 {
		c.Holidays.FeedYearsBack = 0
	}
	if c.Holidays.FeedYearsAhead <= 0 {
		c.Holidays.FeedYearsAhead = 1
	}

	if c.Refresh.Tick == "" {
		c.Refresh.Tick = "@every 1m"
	}
	if c.Refresh.ClockWatch == "" {
		c.Refresh.ClockWatch = "@every 10s"
	}
	if c.Refresh.MidnightBuffer <= 0 {
		c.Refresh.MidnightBuffer = 500 * time.Millisecond
	}
	if c.Refresh.JumpThreshold <= 0 {
		c.Refresh.JumpThreshold = 2 * time.Second
	}

	switch c.Display.Theme {
	case ThemeSystem, ThemeLight, ThemeDark:
	default:
		c.Display.Theme = ThemeSystem
	}
}

// ApplyEnv overrides fields from the environment. getenv is os.Getenv in
// production.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Listen, EnvListen)
	set(&c.Timezone, EnvTimezone)
	set(&c.LogLevel, EnvLogLevel)
	set(&c.Storage.Backend, EnvStorageBackend)
	set(&c.Storage.Path, EnvStoragePath)
	set(&c.Holidays.File, EnvHolidaysFile)
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// NewCalendar returns the calendar for the configured leap rule.
func (c *Config) NewCalendar() *jalali.Calendar {
	return jalali.NewCalendar(jalali.RuleByName(c.Calendar.LeapRule))
}

// Load reads the YAML file at path, then applies environment overrides and
// defaults. A missing file is created with defaults (0600) on first run.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg := DefaultConfig()
		saveErr := Save(path, cfg)
		cfg.ApplyEnv(os.Getenv)
		cfg.Normalize()
		return cfg, saveErr
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyEnv(os.Getenv)
	cfg.Normalize()
	return &cfg, nil
}

// Save writes cfg atomically (temp file + rename) with 0600 permissions,
// creating the parent directory (0700) if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".shamsical-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience wrapper around the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
