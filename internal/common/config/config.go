// Package config provides configuration management for the BeamCode broker.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the broker.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	RateLimit RateLimitConfig `mapstructure:"rateLimit"`
	Storage   StorageConfig   `mapstructure:"storage"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds the WebSocket/HTTP server configuration.
type ServerConfig struct {
	Host                  string   `mapstructure:"host"`
	Port                  int      `mapstructure:"port"` // 0 means pick a free port
	MaxPayloadBytes       int64    `mapstructure:"maxPayloadBytes"`
	AllowedOrigins        []string `mapstructure:"allowedOrigins"`
	AllowMissingOrigin    bool     `mapstructure:"allowMissingOrigin"`
	ConsumerHTMLMetaTag   string   `mapstructure:"consumerHtmlMetaTag"`
	ReadTimeoutSeconds    int      `mapstructure:"readTimeout"`
	WriteTimeoutSeconds   int      `mapstructure:"writeTimeout"`
	ControlBodyLimitBytes int64    `mapstructure:"controlBodyLimitBytes"`
}

// AuthConfig holds authentication configuration for the daemon control API
// and consumer sockets.
type AuthConfig struct {
	Token         string `mapstructure:"token"` // Bearer token; empty disables control-API auth
	AuthTimeoutMs int    `mapstructure:"authTimeoutMs"`
}

// SessionsConfig holds per-session behavior knobs.
type SessionsConfig struct {
	MaxSessions              int    `mapstructure:"maxSessions"`
	MaxMessageHistoryLength  int    `mapstructure:"maxMessageHistoryLength"`
	InitialReplayCount       int    `mapstructure:"initialReplayCount"`
	PendingMessageQueueMax   int    `mapstructure:"pendingMessageQueueMax"`
	IdleSessionTimeoutMs     int    `mapstructure:"idleSessionTimeoutMs"` // 0 disables the idle reaper
	ReconnectGracePeriodMs   int    `mapstructure:"reconnectGracePeriodMs"`
	InitializeTimeoutMs      int    `mapstructure:"initializeTimeoutMs"`
	KillGracePeriodMs        int    `mapstructure:"killGracePeriodMs"`
	DefaultAdapter           string `mapstructure:"defaultAdapter"`
	TeamCorrelationTTLMs     int    `mapstructure:"teamCorrelationTtlMs"`
	MaxConsumerMessageSize   int64  `mapstructure:"maxConsumerMessageSize"`
	PersistenceDebounceMs    int    `mapstructure:"persistenceDebounceMs"`
	CLIDeliveryTimeoutMs     int    `mapstructure:"cliDeliveryTimeoutMs"`
	IdleSweepIntervalMs      int    `mapstructure:"idleSweepIntervalMs"`
	RelaunchFailureThreshold int    `mapstructure:"relaunchFailureThreshold"`
	RelaunchRecoveryMs       int    `mapstructure:"relaunchRecoveryMs"`
}

// BroadcastConfig holds the per-consumer outbound queue configuration.
type BroadcastConfig struct {
	HighWaterMark int `mapstructure:"highWaterMark"`
	MaxQueueSize  int `mapstructure:"maxQueueSize"`
}

// RateLimitConfig holds the per-consumer token bucket configuration.
type RateLimitConfig struct {
	BurstSize     int     `mapstructure:"burstSize"`
	RefillPerSec  float64 `mapstructure:"refillPerSec"`
	Enabled       bool    `mapstructure:"enabled"`
	OversizeLogMs int     `mapstructure:"oversizeLogMs"`
}

// StorageConfig holds session persistence configuration.
type StorageConfig struct {
	DataDir string `mapstructure:"dataDir"`
}

// NATSConfig holds NATS event-bus configuration. An empty URL selects the
// in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// AuthTimeout returns the authenticator deadline as a time.Duration.
func (a *AuthConfig) AuthTimeout() time.Duration {
	return time.Duration(a.AuthTimeoutMs) * time.Millisecond
}

// IdleSessionTimeout returns the idle reap threshold as a time.Duration.
func (s *SessionsConfig) IdleSessionTimeout() time.Duration {
	return time.Duration(s.IdleSessionTimeoutMs) * time.Millisecond
}

// ReconnectGracePeriod returns the watchdog grace as a time.Duration.
func (s *SessionsConfig) ReconnectGracePeriod() time.Duration {
	return time.Duration(s.ReconnectGracePeriodMs) * time.Millisecond
}

// InitializeTimeout returns the capabilities handshake deadline.
func (s *SessionsConfig) InitializeTimeout() time.Duration {
	return time.Duration(s.InitializeTimeoutMs) * time.Millisecond
}

// KillGracePeriod returns the SIGTERM-to-SIGKILL grace.
func (s *SessionsConfig) KillGracePeriod() time.Duration {
	return time.Duration(s.KillGracePeriodMs) * time.Millisecond
}

// TeamCorrelationTTL returns the team tool_use/tool_result pairing window.
func (s *SessionsConfig) TeamCorrelationTTL() time.Duration {
	return time.Duration(s.TeamCorrelationTTLMs) * time.Millisecond
}

// PersistenceDebounce returns the debounced save interval.
func (s *SessionsConfig) PersistenceDebounce() time.Duration {
	return time.Duration(s.PersistenceDebounceMs) * time.Millisecond
}

// CLIDeliveryTimeout returns the inverted-connection rendezvous deadline.
func (s *SessionsConfig) CLIDeliveryTimeout() time.Duration {
	return time.Duration(s.CLIDeliveryTimeoutMs) * time.Millisecond
}

// IdleSweepInterval returns the idle reaper sweep period.
func (s *SessionsConfig) IdleSweepInterval() time.Duration {
	return time.Duration(s.IdleSweepIntervalMs) * time.Millisecond
}

// RelaunchRecovery returns the circuit-breaker recovery window for relaunches.
func (s *SessionsConfig) RelaunchRecovery() time.Duration {
	return time.Duration(s.RelaunchRecoveryMs) * time.Millisecond
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults: loopback only
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 0)
	v.SetDefault("server.maxPayloadBytes", 1024*1024)
	v.SetDefault("server.allowedOrigins", []string{})
	v.SetDefault("server.allowMissingOrigin", true)
	v.SetDefault("server.consumerHtmlMetaTag", "")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.controlBodyLimitBytes", 64*1024)

	// Auth defaults
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.authTimeoutMs", 5000)

	// Session defaults
	v.SetDefault("sessions.maxSessions", 50)
	v.SetDefault("sessions.maxMessageHistoryLength", 500)
	v.SetDefault("sessions.initialReplayCount", 20)
	v.SetDefault("sessions.pendingMessageQueueMax", 100)
	v.SetDefault("sessions.idleSessionTimeoutMs", 0)
	v.SetDefault("sessions.reconnectGracePeriodMs", 30000)
	v.SetDefault("sessions.initializeTimeoutMs", 10000)
	v.SetDefault("sessions.killGracePeriodMs", 5000)
	v.SetDefault("sessions.defaultAdapter", "claude")
	v.SetDefault("sessions.teamCorrelationTtlMs", 30000)
	v.SetDefault("sessions.maxConsumerMessageSize", 1024*1024)
	v.SetDefault("sessions.persistenceDebounceMs", 150)
	v.SetDefault("sessions.cliDeliveryTimeoutMs", 30000)
	v.SetDefault("sessions.idleSweepIntervalMs", 60000)
	v.SetDefault("sessions.relaunchFailureThreshold", 3)
	v.SetDefault("sessions.relaunchRecoveryMs", 60000)

	// Broadcast defaults
	v.SetDefault("broadcast.highWaterMark", 1000)
	v.SetDefault("broadcast.maxQueueSize", 5000)

	// Rate limit defaults
	v.SetDefault("rateLimit.enabled", true)
	v.SetDefault("rateLimit.burstSize", 10)
	v.SetDefault("rateLimit.refillPerSec", 10.0)

	// Storage defaults
	v.SetDefault("storage.dataDir", defaultDataDir())

	// NATS defaults: empty URL means in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "beamcode")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".beamcode"
	}
	return home + "/.beamcode/sessions"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix BEAMCODE_ with underscore-separated keys.
// The config file is config.yaml in the current directory or ~/.beamcode/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BEAMCODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.beamcode")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// A named file that is missing is also fine; only real parse
			// errors are fatal.
			if configPath == "" || !os.IsNotExist(err) {
				if _, statErr := os.Stat(configPath); configPath != "" && statErr == nil {
					return nil, fmt.Errorf("failed to read config file: %w", err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
