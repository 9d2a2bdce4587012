// Package config loads the bridge's settings from a YAML or JSON file and
// exposes them by dotted key with defaults, mirroring the original's
// JsonConfig::getValueByPath. Load reads the file through viper and
// overlays it on the defaults for every key the core reads.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config wraps a *viper.Viper pre-seeded with every default spec.md §6 names.
type Config struct {
	v *viper.Viper
}

// Load reads path (YAML or JSON, detected by extension) and overlays it on
// top of the documented defaults. A missing file is a load error: the host
// binary treats that as fatal per spec.md §7.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	return &Config{v: v}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mqtt.host", "127.0.0.1")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.username", "admin")
	v.SetDefault("mqtt.password", "123456")

	v.SetDefault("bluetooth.publish_interval_ms", 1000)

	v.SetDefault("bluetooth.server.channel", 0)
	v.SetDefault("bluetooth.server.socket_accpet_timeout_ms", 1000)
	v.SetDefault("bluetooth.server.socket_recv_timeout_ms", 1000)
	v.SetDefault("bluetooth.server.socket_buffer_size", 1024)

	v.SetDefault("bluetooth.client.socket_accpet_timeout_ms", 1000)
	v.SetDefault("bluetooth.client.socket_recv_timeout_ms", 1000)
	v.SetDefault("bluetooth.client.socket_buffer_size", 1024)

	v.SetDefault("bluetooth.max_repair_count", 3)
	v.SetDefault("bluetooth.max_reconnect_count", 3)
	v.SetDefault("bluetooth.timeout_pair_ms", 1000)
	v.SetDefault("bluetooth.timeout_connect_ms", 1000)
}

func (c *Config) String(key string) string   { return c.v.GetString(key) }
func (c *Config) Int(key string) int         { return c.v.GetInt(key) }
func (c *Config) Bool(key string) bool       { return c.v.GetBool(key) }
func (c *Config) Duration(key string) int    { return c.v.GetInt(key) }
func (c *Config) StringOr(key, def string) string {
	if !c.v.IsSet(key) {
		return def
	}
	return c.v.GetString(key)
}
