// Package config provides configuration management for the bridge daemon.
// It supports loading configuration from environment variables, an optional
// config file, and sane defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the bridge.
type Config struct {
	Server          ServerConfig          `mapstructure:"server"`
	Scratch         ScratchConfig         `mapstructure:"scratch"`
	Queue           QueueConfig           `mapstructure:"queue"`
	Agent           AgentConfig           `mapstructure:"agent"`
	Logging         LoggingConfig         `mapstructure:"logging"`
	PortArbitration PortArbitrationConfig `mapstructure:"portArbitration"`
}

// ServerConfig holds HTTP server configuration. The bridge only ever binds
// to the loopback interface (spec.md §6); Host is not configurable.
type ServerConfig struct {
	BasePort     int `mapstructure:"basePort"`
	ReadTimeout  int `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int `mapstructure:"writeTimeout"` // seconds
}

// ScratchConfig configures the temp-file manager (C2).
type ScratchConfig struct {
	Dir        string `mapstructure:"dir"`
	GCInterval int    `mapstructure:"gcIntervalMinutes"`
	MaxAge     int    `mapstructure:"maxAgeMinutes"`
}

// QueueConfig configures the job queue (C7).
type QueueConfig struct {
	MaxConcurrent int `mapstructure:"maxConcurrent"`
}

// ProviderConfig describes one configured agent CLI provider.
type ProviderConfig struct {
	Path  string `mapstructure:"path"`
	Model string `mapstructure:"model"`
}

// AgentConfig holds agent subprocess configuration.
type AgentConfig struct {
	Providers      map[string]ProviderConfig `mapstructure:"providers"`
	DefaultModel   string                    `mapstructure:"defaultModel"`
	RunTimeoutMins int                       `mapstructure:"runTimeoutMinutes"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// PortArbitrationConfig configures startup port selection (C11).
type PortArbitrationConfig struct {
	Window       int `mapstructure:"window"`
	ProbeTimeout int `mapstructure:"probeTimeoutMs"`
}

// ReadTimeoutDuration returns ReadTimeout as a time.Duration.
func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns WriteTimeout as a time.Duration.
func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GCIntervalDuration returns the scratch GC interval as a time.Duration.
func (s ScratchConfig) GCIntervalDuration() time.Duration {
	return time.Duration(s.GCInterval) * time.Minute
}

// MaxAgeDuration returns the scratch max-age as a time.Duration.
func (s ScratchConfig) MaxAgeDuration() time.Duration {
	return time.Duration(s.MaxAge) * time.Minute
}

// RunTimeout returns the agent run timeout as a time.Duration.
func (a AgentConfig) RunTimeout() time.Duration {
	return time.Duration(a.RunTimeoutMins) * time.Minute
}

// ProbeTimeoutDuration returns the port-probe timeout as a time.Duration.
func (p PortArbitrationConfig) ProbeTimeoutDuration() time.Duration {
	return time.Duration(p.ProbeTimeout) * time.Millisecond
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.basePort", 4848)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // SSE streams must not be write-timeout-capped

	v.SetDefault("scratch.dir", filepath.Join(os.TempDir(), "popmelt-bridge"))
	v.SetDefault("scratch.gcIntervalMinutes", 30)
	v.SetDefault("scratch.maxAgeMinutes", 60)

	v.SetDefault("queue.maxConcurrent", 5)

	v.SetDefault("agent.defaultModel", "")
	v.SetDefault("agent.runTimeoutMinutes", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("portArbitration.window", 20)
	v.SetDefault("portArbitration.probeTimeoutMs", 300)
}

func detectDefaultLogFormat() string {
	if env := os.Getenv("POPMELT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// Load reads configuration from (in increasing priority order) built-in
// defaults, an optional popmelt.yaml in the project directory, and
// POPMELT_-prefixed environment variables.
func Load(projectDir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("popmelt")
	v.SetConfigType("yaml")
	if projectDir != "" {
		v.AddConfigPath(projectDir)
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("POPMELT")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
