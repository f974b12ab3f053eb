package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config represents the persistent chatrelay configuration stored as
// config.toml in the .chatrelay/ directory. The TOML layout uses sections for
// logical grouping.
type Config struct {
	Version     int               `toml:"version" mapstructure:"version"`
	Relay       RelayConfig       `toml:"relay" mapstructure:"relay"`
	API         APIConfig         `toml:"api" mapstructure:"api"`
	Provider    ProviderConfig    `toml:"provider" mapstructure:"provider"`
	Storage     StorageConfig     `toml:"storage" mapstructure:"storage"`
	EventStream EventStreamConfig `toml:"event_stream" mapstructure:"event_stream"`
	Client      ClientConfig      `toml:"client" mapstructure:"client"`
}

// RelayConfig holds relay server settings.
type RelayConfig struct {
	Listen         string        `toml:"listen,omitempty" mapstructure:"listen"`
	AnonymousUser  string        `toml:"anonymous_user,omitempty" mapstructure:"anonymous_user"`
	DurableFlush   bool          `toml:"durable_flush,omitempty" mapstructure:"durable_flush"`
	PersistTimeout time.Duration `toml:"persist_timeout,omitempty" mapstructure:"persist_timeout"`
	AllowOrigins   string        `toml:"allow_origins,omitempty" mapstructure:"allow_origins"`
}

// APIConfig holds history API server settings.
type APIConfig struct {
	Listen string `toml:"listen,omitempty" mapstructure:"listen"`
}

// ProviderConfig selects and configures the model provider.
type ProviderConfig struct {
	Type     string `toml:"type,omitempty" mapstructure:"type"`
	Upstream string `toml:"upstream,omitempty" mapstructure:"upstream"`
	Model    string `toml:"model,omitempty" mapstructure:"model"`

	// Models lists the models a chat request may select instead of Model.
	Models []string `toml:"models,omitempty" mapstructure:"models"`

	// APIKey is usually left empty in favor of credentials.toml or the
	// provider's environment variable.
	APIKey  string `toml:"api_key,omitempty" mapstructure:"api_key"`
	Referer string `toml:"referer,omitempty" mapstructure:"referer"`
}

// StorageConfig selects the conversation store.
type StorageConfig struct {
	// Driver is one of "memory", "sqlite" or "postgres".
	Driver      string `toml:"driver,omitempty" mapstructure:"driver"`
	SQLitePath  string `toml:"sqlite_path,omitempty" mapstructure:"sqlite_path"`
	PostgresDSN string `toml:"postgres_dsn,omitempty" mapstructure:"postgres_dsn"`
}

// EventStreamConfig configures where turn events are published.
type EventStreamConfig struct {
	// Type is "none" or "kafka".
	Type    string   `toml:"type,omitempty" mapstructure:"type"`
	Brokers []string `toml:"brokers,omitempty" mapstructure:"brokers"`
	Topic   string   `toml:"topic,omitempty" mapstructure:"topic"`
}

// ClientConfig holds settings for CLI commands that connect to running
// servers (chatrelay chat). Values are full URLs (scheme + host + port).
type ClientConfig struct {
	RelayTarget string `toml:"relay_target,omitempty" mapstructure:"relay_target"`
	APITarget   string `toml:"api_target,omitempty" mapstructure:"api_target"`
	UserID      string `toml:"user_id,omitempty" mapstructure:"user_id"`
}

// configKeyInfo maps a user-facing dotted key name to a getter and setter on *Config.
type configKeyInfo struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

func stringKey(field func(c *Config) *string) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string { return *field(c) },
		set: func(c *Config, v string) error { *field(c) = v; return nil },
	}
}

func listKey(field func(c *Config) *[]string) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string { return strings.Join(*field(c), ",") },
		set: func(c *Config, v string) error {
			var items []string
			for item := range strings.SplitSeq(v, ",") {
				if item = strings.TrimSpace(item); item != "" {
					items = append(items, item)
				}
			}
			*field(c) = items
			return nil
		},
	}
}

// configKeys is the authoritative map of all supported config keys.
// Keys use dotted notation matching the TOML section structure.
var configKeys = map[string]configKeyInfo{
	"relay.listen":         stringKey(func(c *Config) *string { return &c.Relay.Listen }),
	"relay.anonymous_user": stringKey(func(c *Config) *string { return &c.Relay.AnonymousUser }),
	"relay.durable_flush": {
		get: func(c *Config) string { return strconv.FormatBool(c.Relay.DurableFlush) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid value for relay.durable_flush: %w", err)
			}
			c.Relay.DurableFlush = b
			return nil
		},
	},
	"relay.persist_timeout": {
		get: func(c *Config) string { return c.Relay.PersistTimeout.String() },
		set: func(c *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid value for relay.persist_timeout: %w", err)
			}
			c.Relay.PersistTimeout = d
			return nil
		},
	},
	"relay.allow_origins":  stringKey(func(c *Config) *string { return &c.Relay.AllowOrigins }),
	"api.listen":           stringKey(func(c *Config) *string { return &c.API.Listen }),
	"provider.type":        stringKey(func(c *Config) *string { return &c.Provider.Type }),
	"provider.upstream":    stringKey(func(c *Config) *string { return &c.Provider.Upstream }),
	"provider.model":       stringKey(func(c *Config) *string { return &c.Provider.Model }),
	"provider.models":      listKey(func(c *Config) *[]string { return &c.Provider.Models }),
	"provider.api_key":     stringKey(func(c *Config) *string { return &c.Provider.APIKey }),
	"provider.referer":     stringKey(func(c *Config) *string { return &c.Provider.Referer }),
	"storage.driver":       stringKey(func(c *Config) *string { return &c.Storage.Driver }),
	"storage.sqlite_path":  stringKey(func(c *Config) *string { return &c.Storage.SQLitePath }),
	"storage.postgres_dsn": stringKey(func(c *Config) *string { return &c.Storage.PostgresDSN }),
	"event_stream.type":    stringKey(func(c *Config) *string { return &c.EventStream.Type }),
	"event_stream.brokers": listKey(func(c *Config) *[]string { return &c.EventStream.Brokers }),
	"event_stream.topic":   stringKey(func(c *Config) *string { return &c.EventStream.Topic }),
	"client.relay_target":  stringKey(func(c *Config) *string { return &c.Client.RelayTarget }),
	"client.api_target":    stringKey(func(c *Config) *string { return &c.Client.APITarget }),
	"client.user_id":       stringKey(func(c *Config) *string { return &c.Client.UserID }),
}

// orderedKeys lists configKeys in TOML section order.
var orderedKeys = []string{
	"relay.listen",
	"relay.anonymous_user",
	"relay.durable_flush",
	"relay.persist_timeout",
	"relay.allow_origins",
	"api.listen",
	"provider.type",
	"provider.upstream",
	"provider.model",
	"provider.models",
	"provider.api_key",
	"provider.referer",
	"storage.driver",
	"storage.sqlite_path",
	"storage.postgres_dsn",
	"event_stream.type",
	"event_stream.brokers",
	"event_stream.topic",
	"client.relay_target",
	"client.api_target",
	"client.user_id",
}
