// Package config loads the Master execution core's configuration
// through viper, layering env vars, a config file, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the fully-resolved Master configuration.
type Config struct {
	Host string `mapstructure:"host"`

	Master struct {
		ExecTaskThreads  int           `mapstructure:"exec_task_threads"`
		DagEnginePool    int           `mapstructure:"dag_engine_pool"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	} `mapstructure:"master"`

	Store struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"store"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		Prefix   string `mapstructure:"prefix"`
	} `mapstructure:"redis"`

	Coordinator struct {
		ListenAddr  string        `mapstructure:"listen_addr"`
		PollTimeout time.Duration `mapstructure:"poll_timeout"`
	} `mapstructure:"coordinator"`

	Admission struct {
		MaxCPUPercent    float64 `mapstructure:"max_cpu_percent"`
		MaxMemoryPercent float64 `mapstructure:"max_memory_percent"`
	} `mapstructure:"admission"`

	Alert struct {
		SlackToken     string `mapstructure:"slack_token"`
		SlackChannel   string `mapstructure:"slack_channel"`
		DiscordToken   string `mapstructure:"discord_token"`
		DiscordChannel string `mapstructure:"discord_channel"`
	} `mapstructure:"alert"`

	Metrics struct {
		ListenAddr string `mapstructure:"listen_addr"`
	} `mapstructure:"metrics"`

	Telemetry struct {
		OTLPEndpoint string `mapstructure:"otlp_endpoint"`
		ServiceName  string `mapstructure:"service_name"`
	} `mapstructure:"telemetry"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("master.exec_task_threads", 100)
	v.SetDefault("master.dag_engine_pool", 50)
	v.SetDefault("master.heartbeat_interval", 5*time.Second)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "master.db")
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.prefix", "mxsched")
	v.SetDefault("coordinator.listen_addr", ":7890")
	v.SetDefault("coordinator.poll_timeout", 30*time.Second)
	v.SetDefault("admission.max_cpu_percent", 85.0)
	v.SetDefault("admission.max_memory_percent", 90.0)
	v.SetDefault("metrics.listen_addr", ":9090")
	v.SetDefault("telemetry.service_name", "master-core")
}

// Load reads configuration from configPath (if non-empty, else the first
// mxsched/config.yaml found on the XDG config search path), a .env file
// in the working directory, the MXSCHED_-prefixed environment, and
// defaults, in that precedence order (env overrides file, file overrides
// defaults). A nested key maps to its upper-cased, underscore-joined
// variable (master.exec_task_threads → MXSCHED_MASTER_EXEC_TASK_THREADS);
// only keys that have a default or appear in the config file are looked
// up in the environment.
func Load(configPath string) (*Config, error) {
	// godotenv.Load is a no-op (ErrNotExist, ignored) when there is no
	// .env file; it never overrides variables already set in the
	// environment.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MXSCHED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath == "" {
		if found, err := xdg.SearchConfigFile("mxsched/config.yaml"); err == nil {
			configPath = found
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}
