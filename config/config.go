/*
The config package holds every tunable of the connection core and knows how to
load them from the environment and an optional yaml file through viper.
Programs embedding the client can also just fill in a Settings struct by hand;
Validate is the only contract.
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/everstore/everstore-go/connection/wire"
)

const envPrefix = "EVERSTORE"

type Settings struct {
	// host:port of the server
	Address string

	// Bounds a single dial attempt
	ConnectionTimeout time.Duration

	// How many reconnect attempts are made after a session is lost or an
	// initial dial fails; 0 means give up on the first failure
	MaxReconnections int

	ReconnectionDelayMin time.Duration
	ReconnectionDelayMax time.Duration

	// Silence intervals: after HeartbeatInterval without traffic we probe,
	// HeartbeatTimeout later without an answer we declare the session dead
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Attached to packages that carry no explicit credentials
	DefaultCredentials *wire.Credentials

	// Buffered frames/packages between the socket and the event loop
	PipelineBufferSize int
}

func DefaultSettings() *Settings {
	return &Settings{
		Address:              "127.0.0.1:1113",
		ConnectionTimeout:    time.Second,
		MaxReconnections:     10,
		ReconnectionDelayMin: 250 * time.Millisecond,
		ReconnectionDelayMax: 10 * time.Second,
		HeartbeatInterval:    750 * time.Millisecond,
		HeartbeatTimeout:     1500 * time.Millisecond,
		PipelineBufferSize:   200,
	}
}

// Load reads settings from EVERSTORE_* environment variables and, when path
// is non-empty, a yaml file. File values lose to environment values.
func Load(path string) (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultSettings()
	v.SetDefault("address", defaults.Address)
	v.SetDefault("connection.timeout", defaults.ConnectionTimeout)
	v.SetDefault("reconnection.max", defaults.MaxReconnections)
	v.SetDefault("reconnection.delay.min", defaults.ReconnectionDelayMin)
	v.SetDefault("reconnection.delay.max", defaults.ReconnectionDelayMax)
	v.SetDefault("heartbeat.interval", defaults.HeartbeatInterval)
	v.SetDefault("heartbeat.timeout", defaults.HeartbeatTimeout)
	v.SetDefault("pipeline.buffer", defaults.PipelineBufferSize)
	v.SetDefault("credentials.login", "")
	v.SetDefault("credentials.password", "")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	settings := &Settings{
		Address:              v.GetString("address"),
		ConnectionTimeout:    v.GetDuration("connection.timeout"),
		MaxReconnections:     v.GetInt("reconnection.max"),
		ReconnectionDelayMin: v.GetDuration("reconnection.delay.min"),
		ReconnectionDelayMax: v.GetDuration("reconnection.delay.max"),
		HeartbeatInterval:    v.GetDuration("heartbeat.interval"),
		HeartbeatTimeout:     v.GetDuration("heartbeat.timeout"),
		PipelineBufferSize:   v.GetInt("pipeline.buffer"),
	}

	if login := v.GetString("credentials.login"); login != "" {
		settings.DefaultCredentials = &wire.Credentials{
			Login:    login,
			Password: v.GetString("credentials.password"),
		}
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

func (s *Settings) Validate() error {
	if s.Address == "" {
		return fmt.Errorf("address must be set")
	}
	if s.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}
	if s.MaxReconnections < 0 {
		return fmt.Errorf("max reconnections cannot be negative")
	}
	if s.ReconnectionDelayMin <= 0 || s.ReconnectionDelayMax < s.ReconnectionDelayMin {
		return fmt.Errorf("reconnection delays must satisfy 0 < min <= max")
	}
	if s.HeartbeatInterval <= 0 || s.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat interval and timeout must be positive")
	}
	if s.PipelineBufferSize <= 0 {
		return fmt.Errorf("pipeline buffer size must be positive")
	}
	return nil
}
