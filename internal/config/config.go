package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Node       NodeConfig       `mapstructure:"node"`
	Delivery   DeliveryConfig   `mapstructure:"delivery"`
	Transports TransportsConfig `mapstructure:"transports"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Retention  RetentionConfig  `mapstructure:"retention"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	JWTSecret    string        `mapstructure:"jwt_secret"`
}

type StorageConfig struct {
	Driver string       `mapstructure:"driver"` // sqlite | memory
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type NodeConfig struct {
	UserID       string        `mapstructure:"user_id"`
	PullInterval time.Duration `mapstructure:"pull_interval"`
	PullRadiusKm float64       `mapstructure:"pull_radius_km"`
}

type DeliveryConfig struct {
	MaxInFlight int           `mapstructure:"max_in_flight"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type TransportsConfig struct {
	Broadcast RadioConfig   `mapstructure:"broadcast"`
	Mesh      RadioConfig   `mapstructure:"mesh"`
	Backend   BackendConfig `mapstructure:"backend"`
}

type RadioConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Latency  time.Duration `mapstructure:"latency"`
	DropRate float64       `mapstructure:"drop_rate"`
	Seed     int64         `mapstructure:"seed"`
}

type BackendConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	URL          string        `mapstructure:"url"`
	Token        string        `mapstructure:"token"`
	SendTimeout  time.Duration `mapstructure:"send_timeout"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	ProbeTTL     time.Duration `mapstructure:"probe_ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RetentionConfig struct {
	ChatTTL   time.Duration `mapstructure:"chat_ttl"`
	MaxStored int           `mapstructure:"max_stored"`
}

func Load(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("resqlink")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/resqlink")
	}

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("RESQLINK")

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
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 4000)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)
	viper.SetDefault("server.jwt_secret", "")

	viper.SetDefault("storage.driver", "sqlite")
	viper.SetDefault("storage.sqlite.path", "./data/resqlink.db")

	viper.SetDefault("node.user_id", "")
	viper.SetDefault("node.pull_interval", 30*time.Second)
	viper.SetDefault("node.pull_radius_km", 5.0)

	viper.SetDefault("delivery.max_in_flight", 4)
	viper.SetDefault("delivery.send_timeout", 10*time.Second)
	viper.SetDefault("delivery.backoff_base", 2*time.Second)
	viper.SetDefault("delivery.backoff_max", 5*time.Minute)
	viper.SetDefault("delivery.max_attempts", 6)

	viper.SetDefault("transports.broadcast.enabled", true)
	viper.SetDefault("transports.broadcast.latency", 50*time.Millisecond)
	viper.SetDefault("transports.broadcast.drop_rate", 0.0)
	viper.SetDefault("transports.mesh.enabled", true)
	viper.SetDefault("transports.mesh.latency", 20*time.Millisecond)
	viper.SetDefault("transports.mesh.drop_rate", 0.0)
	viper.SetDefault("transports.backend.enabled", true)
	viper.SetDefault("transports.backend.url", "http://localhost:4000")
	viper.SetDefault("transports.backend.send_timeout", 10*time.Second)
	viper.SetDefault("transports.backend.probe_timeout", 5*time.Second)
	viper.SetDefault("transports.backend.probe_ttl", 15*time.Second)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("retention.chat_ttl", 7*24*time.Hour)
	viper.SetDefault("retention.max_stored", 1000)
}
