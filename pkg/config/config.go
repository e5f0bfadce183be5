package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/modechat/pkg/logging"
	"github.com/go-go-golems/modechat/pkg/modes"
	"github.com/go-go-golems/modechat/pkg/persistence/chatstore"
	"github.com/go-go-golems/modechat/pkg/redisstream"
)

const EnvPrefix = "MODECHAT"

type Timeouts struct {
	// Heavy applies to single-shot integration backends.
	Heavy time.Duration `mapstructure:"heavy"`
	// Light applies to streaming backends.
	Light time.Duration `mapstructure:"light"`
}

type Persistence struct {
	// Backend is one of memory, sqlite, redis or none.
	Backend     string `mapstructure:"backend"`
	SQLitePath  string `mapstructure:"sqlite-path"`
	RedisPrefix string `mapstructure:"redis-prefix"`
}

type Config struct {
	Addr            string               `mapstructure:"addr"`
	Logging         logging.Settings     `mapstructure:",squash"`
	ModesFile       string               `mapstructure:"modes-file"`
	Backends        map[string]string    `mapstructure:"backends"`
	Timeouts        Timeouts             `mapstructure:"timeouts"`
	Persistence     Persistence          `mapstructure:"persistence"`
	Redis           redisstream.Settings `mapstructure:"redis"`
	User            string               `mapstructure:"user"`
	SyntheticErrors bool                 `mapstructure:"synthetic-errors"`
}

// backendEnv lists the environment variables consulted for each base
// address, first match wins.
var backendEnv = map[string][]string{
	modes.GeneralID: {"MODECHAT_GENERAL_URL"},
	modes.SlackID:   {"MODECHAT_SLACK_URL", "NEXT_PUBLIC_FASTAPI_URL"},
	modes.JiraID:    {"MODECHAT_JIRA_URL"},
	modes.GithubID:  {"MODECHAT_GITHUB_URL"},
}

var defaultBackends = map[string]string{
	modes.GeneralID: modes.DefaultGeneralURL,
	modes.SlackID:   modes.DefaultSlackURL,
	modes.JiraID:    modes.DefaultJiraURL,
	modes.GithubID:  modes.DefaultGithubURL,
}

// New returns a viper instance with defaults and env bindings in place.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("addr", ":8080")
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "auto")
	v.SetDefault("persistence.backend", "memory")
	v.SetDefault("persistence.sqlite-path", defaultSQLitePath())
	v.SetDefault("persistence.redis-prefix", "modechat")
	d := redisstream.DefaultSettings()
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", d.Addr)
	v.SetDefault("redis.group", d.Group)
	v.SetDefault("redis.consumer", d.Consumer)
	v.SetDefault("timeouts.heavy", time.Duration(0))
	v.SetDefault("timeouts.light", time.Duration(0))
	v.SetDefault("synthetic-errors", false)
	for id, url := range defaultBackends {
		key := "backends." + id
		v.SetDefault(key, url)
		_ = v.BindEnv(append([]string{key}, backendEnv[id]...)...)
	}
	return v
}

// AddFlags registers the shared persistent flags on cmd and binds them to v.
func AddFlags(cmd *cobra.Command, v *viper.Viper) error {
	fs := cmd.PersistentFlags()
	fs.String("config", "", "YAML configuration file")
	fs.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	fs.String("log-format", "auto", "log format (auto, console, json)")
	fs.String("modes-file", "", "YAML file adding or overriding modes")
	fs.String("user", "", "signed-in user id; empty keeps conversations local-only")
	fs.Bool("synthetic-errors", false, "append an assistant message describing failed dispatches")
	fs.String("persistence", "memory", "conversation document store (memory, sqlite, redis, none)")
	fs.String("sqlite-path", defaultSQLitePath(), "SQLite database file for the sqlite store")
	fs.Bool("redis", false, "use Redis Streams for the event transport")
	fs.String("redis-addr", redisstream.DefaultSettings().Addr, "Redis address")

	bindings := map[string]string{
		"log-level":               "log-level",
		"log-format":              "log-format",
		"modes-file":              "modes-file",
		"user":                    "user",
		"synthetic-errors":        "synthetic-errors",
		"persistence.backend":     "persistence",
		"persistence.sqlite-path": "sqlite-path",
		"redis.enabled":           "redis",
		"redis.addr":              "redis-addr",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return errors.Wrapf(err, "bind flag %s", flag)
		}
	}
	return nil
}

// Load reads the optional config file and decodes v.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", file)
		}
		log.Debug().Str("component", "config").Str("file", v.ConfigFileUsed()).Msg("loaded config file")
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	c.Redis = c.Redis.WithDefaults()
	c.Persistence.Backend = strings.ToLower(strings.TrimSpace(c.Persistence.Backend))
	switch c.Persistence.Backend {
	case "", "memory", "sqlite", "redis", "none":
	default:
		return Config{}, errors.Errorf("unknown persistence backend %q", c.Persistence.Backend)
	}
	return c, nil
}

// Registry builds the mode catalog: built-in modes, the optional overlay
// file, then configured base addresses and timeouts.
func (c Config) Registry() (*modes.Registry, error) {
	ms := modes.DefaultModes()
	if c.ModesFile != "" {
		f, err := modes.LoadFile(c.ModesFile)
		if err != nil {
			return nil, err
		}
		ms = modes.Overlay(ms, f.Modes)
	}
	ms = modes.WithBaseURLs(ms, c.Backends)
	ms = modes.WithTimeouts(ms, c.Timeouts.Light, c.Timeouts.Heavy)
	return modes.NewRegistry(ms...)
}

// OpenDocumentStore opens the configured persistence collaborator. It returns
// nil for the none backend.
func (c Config) OpenDocumentStore(ctx context.Context) (chatstore.DocumentStore, error) {
	switch c.Persistence.Backend {
	case "none":
		return nil, nil
	case "", "memory":
		return chatstore.NewInMemoryDocumentStore(), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(c.Persistence.SQLitePath), 0o755); err != nil {
			return nil, errors.Wrap(err, "create sqlite directory")
		}
		dsn, err := chatstore.SQLiteDocumentDSNForFile(c.Persistence.SQLitePath)
		if err != nil {
			return nil, err
		}
		s, err := chatstore.NewSQLiteDocumentStore(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		s, err := chatstore.DialRedisDocumentStore(ctx, c.Redis.Addr, c.Persistence.RedisPrefix)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, errors.Errorf("unknown persistence backend %q", c.Persistence.Backend)
}

func defaultSQLitePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "modechat", "conversations.db")
}
