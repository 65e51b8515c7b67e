// Package config loads fpsync settings from a config file (YAML, TOML or
// JSON), FPSYNC_* environment variables and a .env file, in increasing
// order of precedence for the environment.
//
// Example fpsync.yaml:
//
//	server:
//	  addr: ":8787"
//	  capabilities: [reqRes, stream]
//	store:
//	  driver: sqlite
//	  path: .fpsync/meta.db
//	sign:
//	  base_url: https://objects.example.com
//	  secret: change-me
//	log:
//	  debug: false
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/fpsync/fpsync/internal/logging"
	"github.com/fpsync/fpsync/internal/protocol"
)

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverLibSQL = "libsql"
)

// Config is the full settings tree.
type Config struct {
	Server ServerConfig   `mapstructure:"server"`
	Store  StoreConfig    `mapstructure:"store"`
	Auth   AuthConfig     `mapstructure:"auth"`
	Sign   SignConfig     `mapstructure:"sign"`
	Client ClientConfig   `mapstructure:"client"`
	Log    logging.Config `mapstructure:"log"`
}

// ServerConfig configures `fpsync serve`.
type ServerConfig struct {
	Addr          string        `mapstructure:"addr"`
	Capabilities  []string      `mapstructure:"capabilities"`
	Encodings     []string      `mapstructure:"encodings"`
	HTTPEndpoints []string      `mapstructure:"http_endpoints"`
	WSEndpoints   []string      `mapstructure:"ws_endpoints"`
	RateLimit     float64       `mapstructure:"rate_limit"`
	RateBurst     int           `mapstructure:"rate_burst"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

// StoreConfig selects the SQL engine behind the meta merger.
type StoreConfig struct {
	Driver       string        `mapstructure:"driver"`
	Path         string        `mapstructure:"path"`
	URL          string        `mapstructure:"url"`
	AuthToken    string        `mapstructure:"auth_token"`
	ReplicaPath  string        `mapstructure:"replica_path"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`
}

// AuthConfig holds the shared JWT secret. Servers verify with it when
// Required is set; clients mint tokens with it when it is non-empty.
type AuthConfig struct {
	Required bool          `mapstructure:"required"`
	Secret   string        `mapstructure:"secret"`
	Subject  string        `mapstructure:"subject"`
	Tenants  []string      `mapstructure:"tenants"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// SignConfig configures the reference URL signer. Without a secret the
// server answers data/WAL requests with errors.
type SignConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Secret  string `mapstructure:"secret"`
}

// ClientConfig configures the client commands.
type ClientConfig struct {
	URL            string        `mapstructure:"url"`
	ReqID          string        `mapstructure:"req_id"`
	Encodings      []string      `mapstructure:"encodings"`
	Capabilities   []string      `mapstructure:"capabilities"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          ":8787",
			Capabilities:  []string{string(protocol.CapReqRes), string(protocol.CapStream)},
			Encodings:     []string{string(protocol.EncodingJSON), string(protocol.EncodingCBOR)},
			HTTPEndpoints: []string{protocol.DefaultHTTPEndpoint},
			WSEndpoints:   []string{protocol.DefaultWSEndpoint},
			RateBurst:     50,
			WriteTimeout:  5 * time.Second,
		},
		Store: StoreConfig{
			Driver: DriverSQLite,
			Path:   ".fpsync/meta.db",
		},
		Auth: AuthConfig{
			TTL: 5 * time.Minute,
		},
		Client: ClientConfig{
			URL:            "http://localhost:8787",
			Encodings:      []string{string(protocol.EncodingJSON), string(protocol.EncodingCBOR)},
			Capabilities:   []string{string(protocol.CapReqRes), string(protocol.CapStream)},
			RequestTimeout: 10 * time.Second,
			ConnectTimeout: 5 * time.Second,
		},
		Log: logging.Config{
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

// Validate rejects settings that cannot start a server or client.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case DriverLibSQL:
		if c.Store.URL == "" {
			return fmt.Errorf("store.url is required for the libsql driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q (want %s or %s)", c.Store.Driver, DriverSQLite, DriverLibSQL)
	}
	if c.Auth.Required && c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required when auth.required is set")
	}
	if c.Sign.Secret != "" && c.Sign.BaseURL == "" {
		return fmt.Errorf("sign.base_url is required when sign.secret is set")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}
	if _, err := c.ServerGestalt(); err != nil {
		return err
	}
	if _, err := c.ClientGestalt(); err != nil {
		return err
	}
	return nil
}

// ServerGestalt builds the descriptor `fpsync serve` advertises.
func (c *Config) ServerGestalt() (protocol.Gestalt, error) {
	g := protocol.NewGestalt(protocol.GestaltParams{
		Capabilities:  capabilities(c.Server.Capabilities),
		HTTPEndpoints: c.Server.HTTPEndpoints,
		WSEndpoints:   c.Server.WSEndpoints,
		Encodings:     encodings(c.Server.Encodings),
		AuthTypes:     authTypes(c.Auth),
		RequiresAuth:  c.Auth.Required,
	})
	if err := g.Validate(); err != nil {
		return protocol.Gestalt{}, fmt.Errorf("invalid server settings: %w", err)
	}
	return g, nil
}

// ClientGestalt builds the descriptor client commands advertise.
func (c *Config) ClientGestalt() (protocol.Gestalt, error) {
	caps := capabilities(c.Client.Capabilities)
	g := protocol.NewGestalt(protocol.GestaltParams{
		Capabilities: caps,
		Encodings:    encodings(c.Client.Encodings),
		AuthTypes:    authTypes(c.Auth),
	})
	if err := g.Validate(); err != nil {
		return protocol.Gestalt{}, fmt.Errorf("invalid client settings: %w", err)
	}
	return g, nil
}

func capabilities(in []string) []protocol.Capability {
	out := make([]protocol.Capability, 0, len(in))
	for _, s := range in {
		out = append(out, protocol.Capability(s))
	}
	return out
}

func encodings(in []string) []protocol.Encoding {
	out := make([]protocol.Encoding, 0, len(in))
	for _, s := range in {
		out = append(out, protocol.Encoding(strings.ToUpper(s)))
	}
	return out
}

func authTypes(a AuthConfig) []string {
	if a.Secret == "" {
		return nil
	}
	return []string{"jwt"}
}

// Source is a viper instance bound to one config file and the environment.
type Source struct {
	v *viper.Viper
}

// NewSource reads path, or fpsync.{yaml,toml,json} from the working
// directory or ~/.config/fpsync when path is empty. A missing default file
// is not an error; a missing explicit path is.
func NewSource(path string) (*Source, error) {
	// .env is optional
	_ = godotenv.Load(".env")

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix("FPSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fpsync")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/fpsync")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return &Source{v: v}, nil
}

// File returns the config file in use, or "" when running on defaults.
func (s *Source) File() string { return s.v.ConfigFileUsed() }

// Config decodes and validates the current settings.
func (s *Source) Config() (*Config, error) {
	cfg := &Config{}
	if err := s.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Watch calls onChange with the new settings whenever the config file is
// written. Invalid edits are logged and ignored.
func (s *Source) Watch(logger *log.Logger, onChange func(*Config)) {
	if s.File() == "" {
		return
	}
	s.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := s.Config()
		if err != nil {
			logger.Printf("WARNING: Ignoring invalid config change in %s: %v", e.Name, err)
			return
		}
		logger.Printf("Reloaded config from %s", e.Name)
		onChange(cfg)
	})
	s.v.WatchConfig()
}

// Load is NewSource followed by Config.
func Load(path string) (*Config, error) {
	s, err := NewSource(path)
	if err != nil {
		return nil, err
	}
	return s.Config()
}

// setDefaults registers every key so environment overrides apply to keys
// absent from the file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.capabilities", d.Server.Capabilities)
	v.SetDefault("server.encodings", d.Server.Encodings)
	v.SetDefault("server.http_endpoints", d.Server.HTTPEndpoints)
	v.SetDefault("server.ws_endpoints", d.Server.WSEndpoints)
	v.SetDefault("server.rate_limit", d.Server.RateLimit)
	v.SetDefault("server.rate_burst", d.Server.RateBurst)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.url", d.Store.URL)
	v.SetDefault("store.auth_token", d.Store.AuthToken)
	v.SetDefault("store.replica_path", d.Store.ReplicaPath)
	v.SetDefault("store.sync_interval", d.Store.SyncInterval)

	v.SetDefault("auth.required", d.Auth.Required)
	v.SetDefault("auth.secret", d.Auth.Secret)
	v.SetDefault("auth.subject", d.Auth.Subject)
	v.SetDefault("auth.tenants", d.Auth.Tenants)
	v.SetDefault("auth.ttl", d.Auth.TTL)

	v.SetDefault("sign.base_url", d.Sign.BaseURL)
	v.SetDefault("sign.secret", d.Sign.Secret)

	v.SetDefault("client.url", d.Client.URL)
	v.SetDefault("client.req_id", d.Client.ReqID)
	v.SetDefault("client.encodings", d.Client.Encodings)
	v.SetDefault("client.capabilities", d.Client.Capabilities)
	v.SetDefault("client.request_timeout", d.Client.RequestTimeout)
	v.SetDefault("client.connect_timeout", d.Client.ConnectTimeout)

	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
	v.SetDefault("log.debug", d.Log.Debug)
}
