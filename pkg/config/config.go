// Copyright 2021 IBM Corp.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/sid2001/FileVault/pkg/utils/logger"
	"github.com/spf13/viper"
)

const EnvPrefix = "FILEVAULT"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	GC        GCConfig        `mapstructure:"gc"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Sharing   SharingConfig   `mapstructure:"sharing"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Log       logger.Config   `mapstructure:"log"`
}

type ServerConfig struct {
	Address        string        `mapstructure:"address"`
	HealthAddress  string        `mapstructure:"health_address"`
	MaxBodyBytes   int           `mapstructure:"max_body_bytes"`
	ShutdownPeriod time.Duration `mapstructure:"shutdown_period"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type StorageConfig struct {
	// Type is fs or memory.
	Type       string        `mapstructure:"type"`
	Root       string        `mapstructure:"root"`
	StagingDir string        `mapstructure:"staging_dir"`
	IOTimeout  time.Duration `mapstructure:"io_timeout"`
	ChunkSize  int           `mapstructure:"chunk_size"`
}

type QuotaConfig struct {
	DefaultBytes int64 `mapstructure:"default_bytes"`
}

type GCConfig struct {
	SweepCron  string        `mapstructure:"sweep_cron"`
	Grace      time.Duration `mapstructure:"grace"`
	StagingTTL time.Duration `mapstructure:"staging_ttl"`
}

type CatalogConfig struct {
	TombstoneRetention time.Duration `mapstructure:"tombstone_retention"`
	PurgeCron          string        `mapstructure:"purge_cron"`
}

type SharingConfig struct {
	DownloadLinkTTL time.Duration `mapstructure:"download_link_ttl"`
}

type RateLimitConfig struct {
	// Type is local, redis or none.
	Type         string  `mapstructure:"type"`
	RPS          float64 `mapstructure:"rps"`
	Burst        int     `mapstructure:"burst"`
	RedisAddress string  `mapstructure:"redis_address"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.health_address", ":8081")
	v.SetDefault("server.max_body_bytes", 1<<30)
	v.SetDefault("server.shutdown_period", 10*time.Second)

	v.SetDefault("database.path", "filevault.db")

	v.SetDefault("storage.type", "fs")
	v.SetDefault("storage.root", "./storage/blobs")
	v.SetDefault("storage.staging_dir", "./storage/staging")
	v.SetDefault("storage.io_timeout", 30*time.Second)
	v.SetDefault("storage.chunk_size", 32*1024)

	v.SetDefault("quota.default_bytes", int64(1)<<30)

	v.SetDefault("gc.sweep_cron", "*/10 * * * *")
	v.SetDefault("gc.grace", time.Hour)
	v.SetDefault("gc.staging_ttl", 6*time.Hour)

	v.SetDefault("catalog.tombstone_retention", 30*24*time.Hour)
	v.SetDefault("catalog.purge_cron", "0 0 * * *")

	v.SetDefault("sharing.download_link_ttl", time.Hour)

	v.SetDefault("ratelimit.type", "local")
	v.SetDefault("ratelimit.rps", 10.0)
	v.SetDefault("ratelimit.burst", 20)
	v.SetDefault("ratelimit.redis_address", "localhost:6379")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// New returns a viper instance wired to defaults and FILEVAULT_* environment variables.
// When cfgFile is set the file is read as well.
func New(cfgFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	replacer := strings.NewReplacer(
		".", "_",
	)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.WrapIfWithDetails(err, "failed to read config", "file", cfgFile)
		}
	}

	return v, nil
}

// ProvideConfig decodes v into a validated Config.
func ProvideConfig(v *viper.Viper) (*Config, error) {
	cfg := &Config{}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.WrapIf(err, "failed to decode config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "fs":
		if c.Storage.Root == "" {
			return errors.New("storage.root is required for the fs backend")
		}
	case "memory":
	default:
		return errors.Errorf("unsupported storage type: %s", c.Storage.Type)
	}

	if c.Storage.StagingDir == "" {
		return errors.New("storage.staging_dir is required")
	}

	if c.Storage.ChunkSize <= 0 {
		return errors.New("storage.chunk_size must be positive")
	}

	if c.Quota.DefaultBytes <= 0 {
		return errors.New("quota.default_bytes must be positive")
	}

	switch c.RateLimit.Type {
	case "", "none", "local", "redis":
	default:
		return errors.Errorf("unsupported ratelimit type: %s", c.RateLimit.Type)
	}

	return nil
}
