// Package config loads collabd and client settings from a yaml file,
// overlaying the file on top of defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	AuthToken   string `yaml:"auth_token"`
	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"`
}

type ClientConfig struct {
	ServerURL         string   `yaml:"server_url"`
	Transport         string   `yaml:"transport"` // "push" or "poll"
	PollInterval      Duration `yaml:"poll_interval"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	ReconnectDelay    Duration `yaml:"reconnect_delay"`
	RequestTimeout    Duration `yaml:"request_timeout"`
}

// Duration decodes yaml scalars like "500ms" or "2s".
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Client: ClientConfig{
			ServerURL:         "http://127.0.0.1:8080",
			Transport:         "push",
			PollInterval:      Duration(time.Second),
			HeartbeatInterval: Duration(time.Second),
			ReconnectDelay:    Duration(time.Second),
			RequestTimeout:    Duration(10 * time.Second),
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
