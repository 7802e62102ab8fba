package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Bind       string   `yaml:"bind"`
	Port       int      `yaml:"port"`
	AllowCIDRs []string `yaml:"allow-cidr"`

	EngineURL         string        `yaml:"engine-url"`
	ConnectTimeout    time.Duration `yaml:"connect-timeout"`
	ResponseTimeout   time.Duration `yaml:"response-timeout"`
	SessionTTL        time.Duration `yaml:"session-ttl"`
	MaxSessions       int           `yaml:"max-sessions"`
	EndSessionTimeout time.Duration `yaml:"end-session-timeout"`
	Terminators       int           `yaml:"terminators"`
	Channel           string        `yaml:"channel"`
	Verbose           bool          `yaml:"verbose"`

	LogLevel  string `yaml:"log-level"`
	LogFormat string `yaml:"log-format"`

	DirectoryAttributes string `yaml:"directory-attributes"`
	DirectoryFile       string `yaml:"directory-file"`
	RedisAddr           string `yaml:"redis-addr"`
	RedisPrefix         string `yaml:"redis-prefix"`

	AuthSecret   string        `yaml:"auth-secret"`
	AuthIssuer   string        `yaml:"auth-issuer"`
	AuthAudience string        `yaml:"auth-audience"`
	AuthLeeway   time.Duration `yaml:"auth-leeway"`

	ConfigFile string `yaml:"-"`
}

func Default() Config {
	return Config{
		Bind:              "127.0.0.1",
		Port:              3978,
		AllowCIDRs:        []string{},
		ConnectTimeout:    10 * time.Second,
		ResponseTimeout:   30 * time.Second,
		SessionTTL:        10 * time.Minute,
		MaxSessions:       1000,
		EndSessionTimeout: 10 * time.Second,
		Terminators:       4,
		Channel:           "Teams",
		LogLevel:          "info",
		LogFormat:         "console",
		RedisPrefix:       "profile:",
	}
}

func newFlagSet(cfg *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("enginebridge", pflag.ContinueOnError)
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "YAML config file; flags given on the command line override it")
	fs.StringVar(&cfg.Bind, "bind", cfg.Bind, "address to listen on")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "port to listen on")
	fs.StringSliceVar(&cfg.AllowCIDRs, "allow-cidr", cfg.AllowCIDRs, "client CIDR allowed to call the API (repeatable)")
	fs.StringVar(&cfg.EngineURL, "engine-url", cfg.EngineURL, "engine endpoint URL")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "engine connect timeout")
	fs.DurationVar(&cfg.ResponseTimeout, "response-timeout", cfg.ResponseTimeout, "engine response timeout")
	fs.DurationVar(&cfg.SessionTTL, "session-ttl", cfg.SessionTTL, "idle time after which a session is ended")
	fs.IntVar(&cfg.MaxSessions, "max-sessions", cfg.MaxSessions, "maximum number of simultaneous sessions")
	fs.DurationVar(&cfg.EndSessionTimeout, "end-session-timeout", cfg.EndSessionTimeout, "timeout of an engine end-session call")
	fs.IntVar(&cfg.Terminators, "terminators", cfg.Terminators, "number of workers issuing end-session calls")
	fs.StringVar(&cfg.Channel, "channel", cfg.Channel, "value of the channel parameter sent to the engine")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "log user content and show error details to users")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (trace, debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (console or json)")
	fs.StringVar(&cfg.DirectoryAttributes, "directory-attributes", cfg.DirectoryAttributes, "comma separated profile attributes sent to the engine")
	fs.StringVar(&cfg.DirectoryFile, "directory-file", cfg.DirectoryFile, "YAML file with user profiles")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address holding user profiles")
	fs.StringVar(&cfg.RedisPrefix, "redis-prefix", cfg.RedisPrefix, "key prefix of profile hashes in Redis")
	fs.StringVar(&cfg.AuthSecret, "auth-secret", cfg.AuthSecret, "HS256 secret for bearer tokens on /api/messages (empty disables auth)")
	fs.StringVar(&cfg.AuthIssuer, "auth-issuer", cfg.AuthIssuer, "required token issuer")
	fs.StringVar(&cfg.AuthAudience, "auth-audience", cfg.AuthAudience, "required token audience")
	fs.DurationVar(&cfg.AuthLeeway, "auth-leeway", cfg.AuthLeeway, "clock skew tolerated when checking token times")
	return fs
}

// Parse reads flags, loading the --config file first when one is named.
// It returns pflag.ErrHelp when help was requested.
func Parse(args []string) (Config, error) {
	pre := Default()
	if err := newFlagSet(&pre).Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if pre.ConfigFile != "" {
		if err := loadFile(pre.ConfigFile, &cfg); err != nil {
			return Config{}, err
		}
	}
	// Flags are bound with the file values as defaults, so only the ones given
	// on the command line change anything.
	fs := newFlagSet(&cfg)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	for _, cidr := range c.AllowCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid CIDR: %s", cidr)
		}
	}
	if _, err := c.EngineEndpoint(); err != nil {
		return err
	}
	for name, d := range map[string]time.Duration{
		"connect-timeout":     c.ConnectTimeout,
		"response-timeout":    c.ResponseTimeout,
		"session-ttl":         c.SessionTTL,
		"end-session-timeout": c.EndSessionTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.MaxSessions < 1 {
		return errors.New("max-sessions must be at least 1")
	}
	if c.Terminators < 1 {
		return errors.New("terminators must be at least 1")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log-level: %s", c.LogLevel)
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return fmt.Errorf("log-format must be console or json, got %s", c.LogFormat)
	}
	if c.AuthLeeway < 0 {
		return errors.New("auth-leeway must not be negative")
	}
	if c.DirectoryFile != "" && c.RedisAddr != "" {
		return errors.New("directory-file and redis-addr are mutually exclusive")
	}
	return nil
}

// EngineEndpoint parses and checks the engine URL.
func (c Config) EngineEndpoint() (*url.URL, error) {
	if c.EngineURL == "" {
		return nil, errors.New("engine-url is required")
	}
	u, err := url.Parse(c.EngineURL)
	if err != nil {
		return nil, fmt.Errorf("invalid engine-url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("engine-url must be an absolute http(s) URL: %s", c.EngineURL)
	}
	return u, nil
}

func IsAllowedClient(ip net.IP, allowCIDRs []string) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() {
		return true
	}
	if len(allowCIDRs) == 0 {
		return true
	}
	for _, cidr := range allowCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
