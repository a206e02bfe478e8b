// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/adrg/xdg"
	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/osa030/scrobblebox/internal/domain/account"
	"github.com/osa030/scrobblebox/internal/infra/audioscrobbler"
	"github.com/osa030/scrobblebox/internal/infra/store"
)

// ErrAccountNotFound is returned when removing an unknown account.
var ErrAccountNotFound = errors.New("account not found")

// Config represents the application configuration.
type Config struct {
	Log      LogConfig                `yaml:"log"`
	Device   DeviceConfig             `yaml:"device"`
	Scrobble ScrobbleConfig           `yaml:"scrobble"`
	Store    store.Config             `yaml:"store"`
	Services map[string]ServiceConfig `yaml:"services,omitempty"`
	Accounts []AccountConfig          `yaml:"accounts,omitempty" validate:"dive"`
	Filters  map[string]FilterConfig  `yaml:"filters,omitempty"`
	Hooks    HooksConfig              `yaml:"hooks,omitempty"`
}

// LogConfig represents logging configuration.
type LogConfig struct {
	Output string `yaml:"output" default:"stderr"` // "stdout", "stderr" or "file"
	Level  string `yaml:"level" default:"info" validate:"oneof=trace debug info warn error"`
	File   string `yaml:"file,omitempty"`
}

// DeviceConfig describes where the player is mounted.
type DeviceConfig struct {
	RockboxDir  string `yaml:"rockbox_dir"`
	PlaybackLog string `yaml:"playback_log,omitempty"`
	Timezone    string `yaml:"timezone" default:"Local"`
	TagFallback bool   `yaml:"tag_fallback"`
	MusicRoot   string `yaml:"music_root,omitempty"`
}

// ScrobbleConfig represents run configuration.
type ScrobbleConfig struct {
	Truncate     *bool  `yaml:"truncate" default:"true"`
	TruncateMode string `yaml:"truncate_mode" default:"truncate" validate:"oneof=truncate remove"`
	Workers      int    `yaml:"workers" default:"4" validate:"gte=1,lte=32"`
	CacheSize    int    `yaml:"cache_size" default:"1024" validate:"gte=1"`
}

// TruncateEnabled reports whether the log is truncated after a complete run.
func (s ScrobbleConfig) TruncateEnabled() bool {
	return s.Truncate == nil || *s.Truncate
}

// HooksConfig represents shell commands run around a scrobble run.
type HooksConfig struct {
	BeforeRun []string `yaml:"before_run,omitempty"`
	AfterRun  []string `yaml:"after_run,omitempty"`
}

// ServiceConfig represents one Audioscrobbler compatible service.
type ServiceConfig struct {
	BaseURL       string        `yaml:"base_url,omitempty" validate:"omitempty,url"`
	APIKey        string        `yaml:"api_key,omitempty"`
	APISecret     string        `yaml:"api_secret,omitempty"`
	BatchSize     int           `yaml:"batch_size,omitempty" default:"50" validate:"gte=1,lte=50"`
	MaxAttempts   int           `yaml:"max_attempts,omitempty" default:"4" validate:"gte=1,lte=10"`
	RetryDelay    time.Duration `yaml:"retry_delay,omitempty" default:"2s"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay,omitempty" default:"1m"`
	Timeout       time.Duration `yaml:"timeout,omitempty" default:"30s"`
}

// AccountConfig represents one account of one service.
type AccountConfig struct {
	Service     string `yaml:"service" validate:"required"`
	Username    string `yaml:"username" validate:"required"`
	PasswordMD5 string `yaml:"password_md5,omitempty" validate:"omitempty,len=32,hexadecimal"`
	SessionKey  string `yaml:"session_key,omitempty"`
	Disabled    bool   `yaml:"disabled,omitempty"`
}

// Binding returns the account as handed to the protocol client.
func (a AccountConfig) Binding() account.Binding {
	return account.Binding{
		Service:     a.Service,
		Username:    a.Username,
		PasswordMD5: a.PasswordMD5,
		SessionKey:  a.SessionKey,
	}
}

// FilterConfig represents a filter's configuration.
type FilterConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// builtinServices are known without configuration.
var builtinServices = map[string]ServiceConfig{
	"lastfm": {BaseURL: audioscrobbler.LastFMURL},
	"librefm": {
		BaseURL:   audioscrobbler.LibreFMURL,
		APIKey:    audioscrobbler.LibreFMKey,
		APISecret: audioscrobbler.LibreFMKey,
	},
}

// DefaultPath returns the config file path under the XDG config directory.
func DefaultPath() (string, error) {
	path, err := xdg.ConfigFile(filepath.Join("scrobblebox", "config.yaml"))
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve config path")
	}
	return path, nil
}

// Load loads configuration from a YAML file.
// Environment variables take precedence over file values for sensitive fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}
	return finish(&cfg)
}

// LoadOrDefault loads the file at path, or returns the default configuration
// when it does not exist yet.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return cfg, err
	}
	return finish(&Config{})
}

func finish(cfg *Config) (*Config, error) {
	// Override with environment variables
	cfg.overrideFromEnv()

	// Set defaults using creasty/defaults
	if err := defaults.Set(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}
	return cfg, nil
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("LASTFM_API_KEY"); v != "" {
		s := c.Services["lastfm"]
		s.APIKey = v
		c.setService("lastfm", s)
	}
	if v := os.Getenv("LASTFM_API_SECRET"); v != "" {
		s := c.Services["lastfm"]
		s.APISecret = v
		c.setService("lastfm", s)
	}
	if v := os.Getenv("SCROBBLEBOX_ROCKBOX_DIR"); v != "" {
		c.Device.RockboxDir = v
	}
}

// Save writes the configuration to path. The file holds credentials and is
// only readable by its owner.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to encode config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.yaml")
	if err != nil {
		return errors.Wrap(err, "failed to create config file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write config file")
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to set config permissions")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to sync config file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close config file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "failed to replace config file")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}
	for name, s := range c.Services {
		if err := defaults.Set(&s); err != nil {
			return errors.Wrapf(err, "service %s", name)
		}
		if err := validate.Struct(s); err != nil {
			return errors.Wrapf(err, "service %s", name)
		}
	}

	if _, err := c.Location(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		id := a.Binding().ID()
		if !c.knownService(a.Service) {
			return errors.Newf("account %s: unknown service %q", id, a.Service)
		}
		if a.PasswordMD5 == "" && a.SessionKey == "" {
			return errors.Newf("account %s: password_md5 or session_key is required", id)
		}
		if seen[id] {
			return errors.Newf("account %s is configured twice", id)
		}
		seen[id] = true
	}
	return nil
}

// Location returns the zone the player clock runs in.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Device.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid timezone %q", c.Device.Timezone)
	}
	return loc, nil
}

// ServiceNames returns the builtin and configured service names in order.
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(builtinServices)+len(c.Services))
	for name := range builtinServices {
		names = append(names, name)
	}
	for name := range c.Services {
		if _, ok := builtinServices[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (c *Config) knownService(name string) bool {
	if _, ok := builtinServices[name]; ok {
		return true
	}
	_, ok := c.Services[name]
	return ok
}

func (c *Config) setService(name string, s ServiceConfig) {
	if c.Services == nil {
		c.Services = make(map[string]ServiceConfig)
	}
	c.Services[name] = s
}

// Service returns the client configuration of a service, with builtin
// endpoints and keys filled in.
func (c *Config) Service(name string) (audioscrobbler.Config, error) {
	s, builtin := builtinServices[name]
	configured, ok := c.Services[name]
	if !builtin && !ok {
		return audioscrobbler.Config{}, errors.Newf("unknown service %q", name)
	}
	if ok {
		s = merge(s, configured)
	}
	if err := defaults.Set(&s); err != nil {
		return audioscrobbler.Config{}, errors.Wrap(err, "failed to set defaults")
	}
	if s.BaseURL == "" {
		return audioscrobbler.Config{}, errors.Newf("service %s: base_url is required", name)
	}
	if s.APIKey == "" || s.APISecret == "" {
		return audioscrobbler.Config{}, errors.Newf("service %s: api key and secret are required (scrobblebox service set-keys %s)", name, name)
	}

	return audioscrobbler.Config{
		Name:          name,
		BaseURL:       s.BaseURL,
		APIKey:        s.APIKey,
		APISecret:     s.APISecret,
		BatchSize:     s.BatchSize,
		MaxAttempts:   s.MaxAttempts,
		RetryDelay:    s.RetryDelay,
		MaxRetryDelay: s.MaxRetryDelay,
		Timeout:       s.Timeout,
	}, nil
}

// merge overlays the set fields of override on base.
func merge(base, override ServiceConfig) ServiceConfig {
	if override.BaseURL != "" {
		base.BaseURL = override.BaseURL
	}
	if override.APIKey != "" {
		base.APIKey = override.APIKey
	}
	if override.APISecret != "" {
		base.APISecret = override.APISecret
	}
	if override.BatchSize != 0 {
		base.BatchSize = override.BatchSize
	}
	if override.MaxAttempts != 0 {
		base.MaxAttempts = override.MaxAttempts
	}
	if override.RetryDelay != 0 {
		base.RetryDelay = override.RetryDelay
	}
	if override.MaxRetryDelay != 0 {
		base.MaxRetryDelay = override.MaxRetryDelay
	}
	if override.Timeout != 0 {
		base.Timeout = override.Timeout
	}
	return base
}

// SetServiceKeys stores the application key pair of a service.
func (c *Config) SetServiceKeys(service, key, secret string) error {
	if key == "" || secret == "" {
		return errors.New("api key and secret are required")
	}
	s := c.Services[service]
	s.APIKey, s.APISecret = key, secret
	c.setService(service, s)
	return nil
}

// ListAccounts returns the enabled accounts, optionally narrowed to one
// service and one username.
func (c *Config) ListAccounts(service, username string) []AccountConfig {
	var out []AccountConfig
	for _, a := range c.Accounts {
		if a.Disabled {
			continue
		}
		if service != "" && a.Service != service {
			continue
		}
		if username != "" && a.Username != username {
			continue
		}
		out = append(out, a)
	}
	return out
}

// AddAccount adds an account, replacing an existing one with the same
// service and username.
func (c *Config) AddAccount(a AccountConfig) error {
	if !c.knownService(a.Service) {
		return errors.Newf("unknown service %q", a.Service)
	}
	if err := validator.New().Struct(a); err != nil {
		return errors.Wrap(err, "invalid account")
	}
	if a.PasswordMD5 == "" && a.SessionKey == "" {
		return errors.New("password or session key is required")
	}
	for i, existing := range c.Accounts {
		if existing.Service == a.Service && existing.Username == a.Username {
			c.Accounts[i] = a
			return nil
		}
	}
	c.Accounts = append(c.Accounts, a)
	return nil
}

// RemoveAccount removes an account.
func (c *Config) RemoveAccount(service, username string) error {
	for i, a := range c.Accounts {
		if a.Service == service && a.Username == username {
			c.Accounts = append(c.Accounts[:i], c.Accounts[i+1:]...)
			return nil
		}
	}
	return errors.Wrapf(ErrAccountNotFound, "%s/%s", service, username)
}

// EnabledFilters returns the settings of every enabled filter by name.
func (c *Config) EnabledFilters() map[string]map[string]any {
	out := make(map[string]map[string]any)
	for name, f := range c.Filters {
		if f.Enabled {
			out[name] = f.Settings
		}
	}
	return out
}

// IsFilterEnabled checks if a filter is enabled.
func (c *Config) IsFilterEnabled(filterName string) bool {
	if f, ok := c.Filters[filterName]; ok {
		return f.Enabled
	}
	return false
}
