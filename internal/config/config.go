package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Executor ExecutorConfig
	Parallel ParallelConfig
	Metrics  MetricsConfig
	Auth     AuthConfig
	LogLevel string
}

type ServerConfig struct {
	Host          string
	Port          int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
	StatsInterval time.Duration
}

type ExecutorConfig struct {
	NamePrefix              string
	Workers                 int
	QueueCapacity           int
	MaxWorkersForBasicQueue int
	ShutdownTimeout         time.Duration
}

type ParallelConfig struct {
	Parallelism int
	MaxDepth    int
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

type AuthConfig struct {
	Enabled   bool
	JWTSecret string
	APIKeys   []string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/quillexec")

	// Set defaults
	setDefaults()

	// Environment variable binding
	viper.SetEnvPrefix("QUILLEXEC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Read config file (optional)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "127.0.0.1")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readtimeout", 30*time.Second)
	viper.SetDefault("server.writetimeout", 30*time.Second)
	viper.SetDefault("server.idletimeout", 120*time.Second)
	viper.SetDefault("server.statsinterval", 2*time.Second)

	// Executor defaults
	viper.SetDefault("executor.nameprefix", "")
	viper.SetDefault("executor.workers", 4)
	viper.SetDefault("executor.queuecapacity", 1024)
	viper.SetDefault("executor.maxworkersforbasicqueue", 4)
	viper.SetDefault("executor.shutdowntimeout", 30*time.Second)

	// Parallelizer defaults
	viper.SetDefault("parallel.parallelism", 4)
	viper.SetDefault("parallel.maxdepth", 0)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	// Auth defaults
	viper.SetDefault("auth.enabled", false)
	viper.SetDefault("auth.jwtsecret", "")
	viper.SetDefault("auth.apikeys", []string{})

	// Logging defaults
	viper.SetDefault("loglevel", "info")
}
