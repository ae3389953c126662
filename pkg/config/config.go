// Copyright 2025 Spotmgr Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides configuration management for the spotmgr daemon.
//
// The daemon requires configuration for:
//   - AWS credentials (static keys or an AssumeRole ARN)
//   - the Redis instance holding price, blacklist and AMI cache keys
//   - the SQLite database holding pools, instances and status entries
//   - reconciliation and statistics intervals
//
// Configuration is loaded from a YAML file with environment variable
// overrides (SPOTMGR_ prefix), using Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete daemon configuration.
type Config struct {
	// AWS holds provider credentials.
	AWS AWSConfig `yaml:"aws"`

	// RedisAddr is the host:port of the Redis instance written by the
	// price crawler. The reconciler reads price and blacklist keys from it
	// and writes blacklist and AMI cache keys.
	RedisAddr string `yaml:"redisAddr,omitempty"`

	// RedisDB is the Redis database number.
	RedisDB int `yaml:"redisDb,omitempty"`

	// DatabasePath is the SQLite file holding pools, instances and pool
	// status entries.
	DatabasePath string `yaml:"databasePath,omitempty"`

	// LockDir is the directory for per-pool lock files. Worker processes
	// on the same host must share it.
	LockDir string `yaml:"lockDir,omitempty"`

	// ReconcileInterval is how often each pool is reconciled.
	// Format: Go duration string. Default: 1m.
	ReconcileInterval string `yaml:"reconcileInterval,omitempty"`

	// StatsInterval is how often pool uptime statistics are recorded.
	// Format: Go duration string. Default: 15m.
	StatsInterval string `yaml:"statsInterval,omitempty"`

	// MetricsBindAddress is the address the metrics endpoint binds to.
	// Default: :8080
	MetricsBindAddress string `yaml:"metricsBindAddress,omitempty"`

	// HealthProbeBindAddress is the address the probe endpoint binds to.
	// Default: :8081
	HealthProbeBindAddress string `yaml:"healthProbeBindAddress,omitempty"`

	// LogLevel controls log verbosity: debug, info, warn, error.
	// Default: info.
	LogLevel string `yaml:"logLevel,omitempty"`
}

// AWSConfig holds provider credentials.
type AWSConfig struct {
	// AccessKeyID / SecretAccessKey configure static credentials. Leave
	// empty to use the SDK default credential chain.
	AccessKeyID     string `yaml:"accessKeyId,omitempty"`
	SecretAccessKey string `yaml:"secretAccessKey,omitempty"`

	// AssumeRoleARN, when set, makes all provider calls run under the
	// assumed role.
	AssumeRoleARN string `yaml:"assumeRoleArn,omitempty"`

	// DefaultRegion is used for region-independent calls (STS).
	DefaultRegion string `yaml:"defaultRegion,omitempty"`

	// EndpointURL overrides the provider endpoints, for LocalStack tests.
	EndpointURL string `yaml:"endpointUrl,omitempty"`
}

// Load loads configuration from a YAML file and validates it.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SPOTMGR_ prefix)
//  2. Configuration file values
//  3. Default values
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("redisAddr", "127.0.0.1:6379")
	v.SetDefault("redisDb", 0)
	v.SetDefault("databasePath", "/var/lib/spotmgr/spotmgr.db")
	v.SetDefault("lockDir", "/tmp")
	v.SetDefault("reconcileInterval", "1m")
	v.SetDefault("statsInterval", "15m")
	v.SetDefault("metricsBindAddress", ":8080")
	v.SetDefault("healthProbeBindAddress", ":8081")
	v.SetDefault("logLevel", "info")
	v.SetDefault("aws.defaultRegion", "us-east-1")

	v.SetEnvPrefix("SPOTMGR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for errors that would only surface at
// runtime otherwise.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("databasePath must not be empty")
	}
	if c.LockDir == "" {
		return fmt.Errorf("lockDir must not be empty")
	}
	if _, err := c.ParseReconcileInterval(); err != nil {
		return fmt.Errorf("invalid reconcileInterval %q: %w", c.ReconcileInterval, err)
	}
	if _, err := c.ParseStatsInterval(); err != nil {
		return fmt.Errorf("invalid statsInterval %q: %w", c.StatsInterval, err)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logLevel %q (want debug, info, warn or error)", c.LogLevel)
	}
	if (c.AWS.AccessKeyID == "") != (c.AWS.SecretAccessKey == "") {
		return fmt.Errorf("aws.accessKeyId and aws.secretAccessKey must be set together")
	}
	return nil
}

// ParseReconcileInterval returns the reconcile interval as a duration,
// defaulting to one minute.
func (c *Config) ParseReconcileInterval() (time.Duration, error) {
	if c.ReconcileInterval == "" {
		return time.Minute, nil
	}
	return time.ParseDuration(c.ReconcileInterval)
}

// ParseStatsInterval returns the statistics interval as a duration,
// defaulting to fifteen minutes.
func (c *Config) ParseStatsInterval() (time.Duration, error) {
	if c.StatsInterval == "" {
		return 15 * time.Minute, nil
	}
	return time.ParseDuration(c.StatsInterval)
}
