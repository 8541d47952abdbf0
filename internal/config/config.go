// Package config loads crmdash settings from a YAML file, CRMDASH_*
// environment variables and command line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zcrmtools/crmdash/internal/schema"
	crmsync "github.com/zcrmtools/crmdash/internal/sync"
)

// Config keys.
const (
	KeyOrgID    = "org_id"
	KeyCRMURL   = "crm_url"
	KeyAPIURL   = "api_url"
	KeyToken    = "token"
	KeyDBPath   = "db_path"
	KeyLanguage = "language"
	KeyColor    = "color"

	KeyRemoteTimeout  = "remote.timeout"
	KeyRemotePageSize = "remote.page_size"

	KeyDaemonInterval = "daemon.interval"
	KeyDaemonDebounce = "daemon.debounce"
	KeyDashboardPort  = "dashboard.port"

	KeyLogFile       = "log.file"
	KeyLogMaxSizeMB  = "log.max_size_mb"
	KeyLogMaxBackups = "log.max_backups"
	KeyLogMaxAgeDays = "log.max_age_days"
)

// hydrateKey returns hydrate.<collection>.<field>.
func hydrateKey(c schema.Collection, field string) string {
	return "hydrate." + string(c) + "." + field
}

// Color modes.
const (
	ColorAuto   = "auto"
	ColorAlways = "always"
	ColorNever  = "never"
)

// Config is the resolved configuration.
type Config struct {
	OrgID    string
	CRMURL   string
	APIURL   string
	Token    string
	DBPath   string
	Language string
	Color    string

	Remote    RemoteConfig
	Hydrate   map[schema.Collection]crmsync.Limits
	Daemon    DaemonConfig
	Dashboard DashboardConfig
	Log       LogConfig

	// File is the config file that was read, or "" when none was found.
	File string
}

// RemoteConfig tunes the HTTP source.
type RemoteConfig struct {
	Timeout  time.Duration
	PageSize int
}

// DaemonConfig tunes the long-running mode.
type DaemonConfig struct {
	Interval time.Duration
	Debounce time.Duration
}

// DashboardConfig configures the status server.
type DashboardConfig struct {
	Port int
}

// LogConfig configures log output. An empty File logs to stderr.
type LogConfig struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyCRMURL, "https://crm.zoho.com")
	v.SetDefault(KeyLanguage, "en")
	v.SetDefault(KeyColor, ColorAuto)

	v.SetDefault(KeyRemoteTimeout, 30*time.Second)
	v.SetDefault(KeyRemotePageSize, 200)

	for c, l := range map[schema.Collection]crmsync.Limits{
		schema.CollectionFunctions: crmsync.DefaultFunctionLimits(),
		schema.CollectionScripts:   crmsync.DefaultScriptLimits(),
	} {
		v.SetDefault(hydrateKey(c, "concurrency"), l.Concurrency)
		v.SetDefault(hydrateKey(c, "rate"), l.Rate)
		v.SetDefault(hydrateKey(c, "burst"), l.Burst)
		v.SetDefault(hydrateKey(c, "batch_pause"), l.BatchPause)
	}

	v.SetDefault(KeyDaemonInterval, 10*time.Minute)
	v.SetDefault(KeyDaemonDebounce, 500*time.Millisecond)
	v.SetDefault(KeyDashboardPort, 8080)

	v.SetDefault(KeyLogMaxSizeMB, 10)
	v.SetDefault(KeyLogMaxBackups, 3)
	v.SetDefault(KeyLogMaxAgeDays, 28)
}

// NewViper returns a viper instance with defaults, environment binding and
// the config file read. path overrides the search; when path is empty a
// missing crmdash.yaml is not an error.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("CRMDASH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("crmdash")
		v.SetConfigType("yaml")
		for _, dir := range SearchPaths() {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// SearchPaths lists the directories searched for crmdash.yaml.
func SearchPaths() []string {
	var dirs []string
	if dir, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(dir, "crmdash"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".crmdash"))
	}
	return append(dirs, ".")
}

// Load reads the configuration without flag overrides.
func Load(path string) (*Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return nil, err
	}
	return FromViper(v), nil
}

// FromViper resolves a Config from v. It does not validate.
func FromViper(v *viper.Viper) *Config {
	cfg := &Config{
		OrgID:    strings.TrimSpace(v.GetString(KeyOrgID)),
		CRMURL:   strings.TrimRight(v.GetString(KeyCRMURL), "/"),
		APIURL:   strings.TrimRight(v.GetString(KeyAPIURL), "/"),
		Token:    v.GetString(KeyToken),
		DBPath:   v.GetString(KeyDBPath),
		Language: v.GetString(KeyLanguage),
		Color:    strings.ToLower(v.GetString(KeyColor)),
		Remote: RemoteConfig{
			Timeout:  v.GetDuration(KeyRemoteTimeout),
			PageSize: v.GetInt(KeyRemotePageSize),
		},
		Hydrate: make(map[schema.Collection]crmsync.Limits, len(schema.AllCollections)),
		Daemon: DaemonConfig{
			Interval: v.GetDuration(KeyDaemonInterval),
			Debounce: v.GetDuration(KeyDaemonDebounce),
		},
		Dashboard: DashboardConfig{Port: v.GetInt(KeyDashboardPort)},
		Log: LogConfig{
			File:       v.GetString(KeyLogFile),
			MaxSizeMB:  v.GetInt(KeyLogMaxSizeMB),
			MaxBackups: v.GetInt(KeyLogMaxBackups),
			MaxAgeDays: v.GetInt(KeyLogMaxAgeDays),
		},
		File: v.ConfigFileUsed(),
	}

	for _, c := range schema.AllCollections {
		cfg.Hydrate[c] = crmsync.Limits{
			Concurrency: v.GetInt(hydrateKey(c, "concurrency")),
			Rate:        v.GetFloat64(hydrateKey(c, "rate")),
			Burst:       v.GetInt(hydrateKey(c, "burst")),
			BatchPause:  v.GetDuration(hydrateKey(c, "batch_pause")),
		}
	}

	if cfg.DBPath == "" && cfg.OrgID != "" {
		cfg.DBPath = DefaultDBPath(cfg.OrgID)
	}
	return cfg
}

// DefaultDBPath returns <user cache dir>/crmdash/crmdash-<org>.db.
func DefaultDBPath(orgID string) string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "crmdash", "crmdash-"+orgID+".db")
}

// Validate checks the settings needed to sync.
func (c *Config) Validate() error {
	if c.OrgID == "" {
		return fmt.Errorf("%s is required", KeyOrgID)
	}
	if c.APIURL == "" {
		return fmt.Errorf("%s is required", KeyAPIURL)
	}
	if u, err := url.Parse(c.APIURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s %q must be an absolute URL", KeyAPIURL, c.APIURL)
	}
	switch c.Color {
	case ColorAuto, ColorAlways, ColorNever:
	default:
		return fmt.Errorf("%s must be auto, always or never, got %q", KeyColor, c.Color)
	}
	if c.Remote.PageSize <= 0 {
		return fmt.Errorf("%s must be positive", KeyRemotePageSize)
	}
	if c.Daemon.Interval <= 0 {
		return fmt.Errorf("%s must be positive", KeyDaemonInterval)
	}
	return nil
}

// Limits returns the hydration limits of a collection.
func (c *Config) Limits(col schema.Collection) crmsync.Limits {
	if l, ok := c.Hydrate[col]; ok {
		return l
	}
	if col == schema.CollectionScripts {
		return crmsync.DefaultScriptLimits()
	}
	return crmsync.DefaultFunctionLimits()
}

// SettingsURL links to the CRM settings page of a collection.
func (c *Config) SettingsURL(col schema.Collection) string {
	if col == schema.CollectionScripts {
		return c.CRMURL + "/crm/settings/cscript"
	}
	return c.CRMURL + "/crm/settings/functions/myFunctions"
}

// HelpURL links to the language reference of a collection.
func HelpURL(col schema.Collection) string {
	if col == schema.CollectionScripts {
		return "https://www.zohocrm.dev/explore/client-script/clientapi"
	}
	return "https://www.zoho.com/deluge/help"
}
