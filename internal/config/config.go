package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreMongo  = "mongo"
)

const (
	envPrefix      = "SESSIONTRACK"
	configFileName = "config.toml"
)

// Config holds all application configuration.
type Config struct {
	Host                  string        `toml:"host"`
	Port                  int           `toml:"port"`
	DataDir               string        `toml:"-"`
	DBPath                string        `toml:"db_path"`
	Store                 string        `toml:"store"`
	MongoURL              string        `toml:"mongo_url"`
	MongoDatabase         string        `toml:"mongo_database"`
	JWTSecret             string        `toml:"jwt_secret"`
	AllowUnverifiedTokens bool          `toml:"allow_unverified_tokens"`
	WriteTimeout          time.Duration `toml:"write_timeout"`
	StoreTimeout          time.Duration `toml:"store_timeout"`
	InboxDir              string        `toml:"inbox_dir"`
	CORSOrigins           []string      `toml:"cors_origins"`
}

// Default returns a Config with default values.
func Default() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf(
			"determining home directory: %w", err,
		)
	}
	return Config{
		Host:                  "127.0.0.1",
		Port:                  8080,
		DataDir:               filepath.Join(home, ".sessiontrack"),
		Store:                 StoreSQLite,
		MongoDatabase:         "sessiontrack",
		AllowUnverifiedTokens: true,
		WriteTimeout:          30 * time.Second,
		StoreTimeout:          5 * time.Second,
	}, nil
}

// flagKeys maps serve flags to config keys.
var flagKeys = map[string]string{
	"host":                    "host",
	"port":                    "port",
	"data-dir":                "data_dir",
	"db-path":                 "db_path",
	"store":                   "store",
	"mongo-url":               "mongo_url",
	"mongo-database":          "mongo_database",
	"allow-unverified-tokens": "allow_unverified_tokens",
	"inbox":                   "inbox_dir",
}

// Load builds a Config by layering: defaults < config file < env < flags.
// Only flags that were explicitly set override the lower layers.
// fs may be nil for commands without config flags.
func Load(fs *pflag.FlagSet) (Config, error) {
	def, err := Default()
	if err != nil {
		return def, err
	}

	v := viper.New()
	v.SetDefault("host", def.Host)
	v.SetDefault("port", def.Port)
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("db_path", "")
	v.SetDefault("store", def.Store)
	v.SetDefault("mongo_url", "")
	v.SetDefault("mongo_database", def.MongoDatabase)
	v.SetDefault("jwt_secret", "")
	v.SetDefault("allow_unverified_tokens", def.AllowUnverifiedTokens)
	v.SetDefault("write_timeout", def.WriteTimeout)
	v.SetDefault("store_timeout", def.StoreTimeout)
	v.SetDefault("inbox_dir", "")
	v.SetDefault("cors_origins", []string{})

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return def, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	// The config file lives in the data dir, so that key is
	// resolved from env and flags alone.
	dataDir := v.GetString("data_dir")
	path := filepath.Join(dataDir, configFileName)
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return def, fmt.Errorf("loading config file: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return def, fmt.Errorf("checking config file: %w", err)
	}

	cfg := Config{
		Host:                  v.GetString("host"),
		Port:                  v.GetInt("port"),
		DataDir:               dataDir,
		DBPath:                v.GetString("db_path"),
		Store:                 strings.ToLower(v.GetString("store")),
		MongoURL:              v.GetString("mongo_url"),
		MongoDatabase:         v.GetString("mongo_database"),
		JWTSecret:             v.GetString("jwt_secret"),
		AllowUnverifiedTokens: v.GetBool("allow_unverified_tokens"),
		WriteTimeout:          v.GetDuration("write_timeout"),
		StoreTimeout:          v.GetDuration("store_timeout"),
		InboxDir:              v.GetString("inbox_dir"),
		CORSOrigins:           splitList(v.GetStringSlice("cors_origins")),
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "sessions.db")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if err := cfg.ensureJWTSecret(); err != nil {
		return cfg, fmt.Errorf("ensuring jwt secret: %w", err)
	}
	return cfg, nil
}

// Validate checks field combinations that cannot work.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreSQLite:
	case StoreMongo:
		if c.MongoURL == "" {
			return errors.New("store mongo requires mongo_url")
		}
	default:
		return fmt.Errorf("unknown store %q (want sqlite or mongo)", c.Store)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be positive, got %s", c.WriteTimeout)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store_timeout must be positive, got %s", c.StoreTimeout)
	}
	return nil
}

// ConfigPath returns the location of config.toml.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.DataDir, configFileName)
}

// ensureJWTSecret generates a signing secret on first run and
// writes it into config.toml, keeping any other keys already there.
func (c *Config) ensureJWTSecret() error {
	if c.JWTSecret != "" {
		return nil
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("generating secret: %w", err)
	}
	secret := base64.StdEncoding.EncodeToString(b)

	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	existing := make(map[string]any)
	data, err := os.ReadFile(c.ConfigPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config: %w", err)
	}
	if err == nil {
		if err := toml.Unmarshal(data, &existing); err != nil {
			return fmt.Errorf("existing config invalid: %w", err)
		}
	}

	existing["jwt_secret"] = secret
	out, err := toml.Marshal(existing)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(c.ConfigPath(), out, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	c.JWTSecret = secret
	return nil
}

// RegisterServeFlags registers serve-command flags on fs.
func RegisterServeFlags(fs *pflag.FlagSet) {
	fs.String("host", "127.0.0.1", "Host to bind to")
	fs.Int("port", 8080, "Port to listen on")
	fs.String("data-dir", "", "Data directory (default ~/.sessiontrack)")
	fs.String("db-path", "", "SQLite database path (default <data-dir>/sessions.db)")
	fs.String("store", StoreSQLite, "Storage backend: sqlite or mongo")
	fs.String("mongo-url", "", "MongoDB connection string")
	fs.String("mongo-database", "sessiontrack", "MongoDB database name")
	fs.Bool(
		"allow-unverified-tokens", true,
		"Accept tokens whose signature cannot be verified",
	)
	fs.String("inbox", "", "Directory watched for event scripts")
}

// RegisterStoreFlags registers the subset of flags that select a
// store, for commands that do not serve HTTP.
func RegisterStoreFlags(fs *pflag.FlagSet) {
	fs.String("data-dir", "", "Data directory (default ~/.sessiontrack)")
	fs.String("db-path", "", "SQLite database path")
	fs.String("store", StoreSQLite, "Storage backend: sqlite or mongo")
	fs.String("mongo-url", "", "MongoDB connection string")
	fs.String("mongo-database", "sessiontrack", "MongoDB database name")
}

// splitList accepts both list values from config.toml and a single
// comma-separated value from the environment.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
