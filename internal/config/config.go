package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverRedis  = "redis"
)

// Parser modes for a feed.
const (
	ParserLenient = "lenient"
	ParserStrict  = "strict"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

var icsKeyPattern = regexp.MustCompile(`^[A-Za-z0-9]{24}$`)

// FeedConfig describes one external ICS subscription of a property.
type FeedConfig struct {
	// ID is an internal identifier, unique per property. Imported slots
	// remember it so each feed only ever removes its own slots.
	ID string `yaml:"id" json:"id"`
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// Parser is "lenient" (default) or "strict".
	Parser string `yaml:"parser" json:"parser"`
	// ExpandRecurring turns RRULE series into individual occurrences.
	ExpandRecurring bool `yaml:"expand_recurring" json:"expand_recurring"`
}

// PropertyConfig is one rentable unit.
type PropertyConfig struct {
	ID    int64  `yaml:"id" json:"id"`
	Title string `yaml:"title" json:"title"`
	// ICSKey protects the public export feed URL. Empty disables the feed.
	ICSKey string       `yaml:"ics_key" json:"-"`
	Feeds  []FeedConfig `yaml:"feeds" json:"feeds"`
}

// StoreConfig selects and configures the slot store backend.
type StoreConfig struct {
	Driver        string `yaml:"driver" json:"driver"`
	Path          string `yaml:"path" json:"path"`
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `yaml:"redis_password" json:"-"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix" json:"redis_prefix"`
}

// FetchConfig tunes remote feed downloads.
type FetchConfig struct {
	CacheDir       string `yaml:"cache_dir" json:"cache_dir"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// Timeout returns the fetch timeout as a duration.
func (f FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// ExpandConfig bounds recurrence expansion around the sync time.
type ExpandConfig struct {
	HorizonDays    int `yaml:"horizon_days" json:"horizon_days"`
	BackfillDays   int `yaml:"backfill_days" json:"backfill_days"`
	MaxOccurrences int `yaml:"max_occurrences" json:"max_occurrences"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API and ICS feeds.
	Listen string `yaml:"listen" json:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// SyncCron is a standard 5-field cron schedule for importing all feeds.
	SyncCron string `yaml:"sync_cron" json:"sync_cron"`

	// SyncConcurrency bounds how many properties sync in parallel.
	SyncConcurrency int `yaml:"sync_concurrency" json:"sync_concurrency"`

	Store  StoreConfig  `yaml:"store" json:"store"`
	Fetch  FetchConfig  `yaml:"fetch" json:"fetch"`
	Expand ExpandConfig `yaml:"expand" json:"expand"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health and the key-protected ICS feeds.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"-"`

	Properties []PropertyConfig `yaml:"properties" json:"properties"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	cfg := &Config{Properties: []PropertyConfig{}}
	cfg.Normalize()
	return cfg
}

// Normalize fills in missing/zero values with defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.SyncCron == "" {
		c.SyncCron = "*/30 * * * *"
	}
	if c.SyncConcurrency <= 0 {
		c.SyncConcurrency = 4
	}

	if c.Store.Driver == "" {
		c.Store.Driver = DriverFile
	}
	if c.Store.Path == "" {
		c.Store.Path = "./var/slots"
	}
	if c.Store.RedisAddr == "" {
		c.Store.RedisAddr = "127.0.0.1:6379"
	}
	if c.Store.RedisPrefix == "" {
		c.Store.RedisPrefix = "mcsync"
	}

	if c.Fetch.CacheDir == "" {
		c.Fetch.CacheDir = "./var/ics-cache"
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		c.Fetch.TimeoutSeconds = 15
	}

	if c.Expand.HorizonDays <= 0 {
		c.Expand.HorizonDays = 365
	}
	if c.Expand.BackfillDays < 0 {
		c.Expand.BackfillDays = 0
	}
	if c.Expand.MaxOccurrences <= 0 {
		c.Expand.MaxOccurrences = 500
	}

	if c.Properties == nil {
		c.Properties = []PropertyConfig{}
	}
	for i := range c.Properties {
		for j := range c.Properties[i].Feeds {
			if c.Properties[i].Feeds[j].Parser == "" {
				c.Properties[i].Feeds[j].Parser = ParserLenient
			}
		}
	}
}

// Validate reports the first structural problem found. Call it after
// Normalize.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverFile, DriverRedis:
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalid, c.Store.Driver)
	}
	if _, err := cron.ParseStandard(c.SyncCron); err != nil {
		return fmt.Errorf("%w: sync_cron %q: %v", ErrInvalid, c.SyncCron, err)
	}

	ids := make(map[int64]struct{}, len(c.Properties))
	for _, p := range c.Properties {
		if p.ID <= 0 {
			return fmt.Errorf("%w: property id %d must be positive", ErrInvalid, p.ID)
		}
		if _, dup := ids[p.ID]; dup {
			return fmt.Errorf("%w: duplicate property id %d", ErrInvalid, p.ID)
		}
		ids[p.ID] = struct{}{}

		if p.ICSKey != "" && !icsKeyPattern.MatchString(p.ICSKey) {
			return fmt.Errorf("%w: property %d: ics_key must be 24 alphanumeric characters", ErrInvalid, p.ID)
		}

		feeds := make(map[string]struct{}, len(p.Feeds))
		for _, f := range p.Feeds {
			if f.ID == "" {
				return fmt.Errorf("%w: property %d: feed id is empty", ErrInvalid, p.ID)
			}
			if _, dup := feeds[f.ID]; dup {
				return fmt.Errorf("%w: property %d: duplicate feed id %q", ErrInvalid, p.ID, f.ID)
			}
			feeds[f.ID] = struct{}{}
			if f.URL == "" {
				return fmt.Errorf("%w: property %d: feed %q has no url", ErrInvalid, p.ID, f.ID)
			}
			switch f.Parser {
			case ParserLenient, ParserStrict:
			default:
				return fmt.Errorf("%w: property %d: feed %q: unknown parser %q", ErrInvalid, p.ID, f.ID, f.Parser)
			}
		}
	}
	return nil
}

// Property looks up a property by ID.
func (c *Config) Property(id int64) (PropertyConfig, bool) {
	for _, p := range c.Properties {
		if p.ID == id {
			return p, true
		}
	}
	return PropertyConfig{}, false
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms (creating the parent directory) and returned.
//   - Otherwise the YAML is unmarshalled, normalized and validated.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Return cfg with the error so the caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to path atomically (temp file in the same directory,
// then rename) with 0600 permissions.
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

	tmp, err := os.CreateTemp(dir, ".mcsync-config-*.tmp")
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

// Save is a convenience method delegating to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
