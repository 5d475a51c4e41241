package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

type ServerConfig struct {
	Port      int    `mapstructure:"port"`
	Host      string `mapstructure:"host"`
	AuthToken string `mapstructure:"auth_token"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MySQLConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type GatewayConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	StreamURL      string        `mapstructure:"stream_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RatePerSecond  int           `mapstructure:"rate_per_second"`
	RateBurst      int           `mapstructure:"rate_burst"`
}

type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

type SchedulerConfig struct {
	Tick             time.Duration `mapstructure:"tick"`
	MaxPerSecond     int           `mapstructure:"max_per_second"`
	BackoffFactor    float64       `mapstructure:"backoff_factor"`
	MaxInterval      time.Duration `mapstructure:"max_interval"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

type StreamConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
	IdleTimeout          time.Duration `mapstructure:"idle_timeout"`
}

type MonitorConfig struct {
	GracePeriod        time.Duration `mapstructure:"grace_period"`
	EndingThreshold    time.Duration `mapstructure:"ending_threshold"`
	DefaultIncrement   int64         `mapstructure:"default_increment"`
	DefaultSnipeWindow time.Duration `mapstructure:"default_snipe_window"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
}

func Load() (*Config, error) {
	// Set default values
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.auth_token", "")
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("mysql.dsn", "bidwatch_user:bidwatch_pass@tcp(localhost:3306)/bidwatch_db?parseTime=true")
	viper.SetDefault("mysql.max_open_conns", 25)
	viper.SetDefault("mysql.max_idle_conns", 10)
	viper.SetDefault("mysql.conn_max_lifetime", 5*time.Minute)
	viper.SetDefault("gateway.base_url", "https://gateway.example.com")
	viper.SetDefault("gateway.stream_url", "wss://gateway.example.com/stream")
	viper.SetDefault("gateway.api_key", "")
	viper.SetDefault("gateway.request_timeout", 10*time.Second)
	viper.SetDefault("gateway.rate_per_second", 10)
	viper.SetDefault("gateway.rate_burst", 5)
	viper.SetDefault("breaker.enabled", true)
	viper.SetDefault("breaker.failure_threshold", 5)
	viper.SetDefault("breaker.success_threshold", 2)
	viper.SetDefault("breaker.open_timeout", 30*time.Second)
	viper.SetDefault("scheduler.tick", 500*time.Millisecond)
	viper.SetDefault("scheduler.max_per_second", 8)
	viper.SetDefault("scheduler.backoff_factor", 2.0)
	viper.SetDefault("scheduler.max_interval", 5*time.Minute)
	viper.SetDefault("scheduler.failure_threshold", 5)
	viper.SetDefault("stream.enabled", true)
	viper.SetDefault("stream.max_reconnect_attempts", 5)
	viper.SetDefault("stream.backoff_base", time.Second)
	viper.SetDefault("stream.backoff_max", 30*time.Second)
	viper.SetDefault("stream.idle_timeout", 90*time.Second)
	viper.SetDefault("monitor.grace_period", 5*time.Minute)
	viper.SetDefault("monitor.ending_threshold", time.Minute)
	viper.SetDefault("monitor.default_increment", 1)
	viper.SetDefault("monitor.default_snipe_window", 30*time.Second)
	viper.SetDefault("monitor.sweep_interval", 30*time.Second)

	// Configuration file settings
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/bidwatch/")

	// Environment variable support
	viper.AutomaticEnv()

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.host", "SERVER_HOST")
	viper.BindEnv("server.auth_token", "AUTH_TOKEN")
	viper.BindEnv("redis.address", "REDIS_ADDRESS")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")
	viper.BindEnv("mysql.dsn", "MYSQL_DSN")
	viper.BindEnv("gateway.base_url", "GATEWAY_BASE_URL")
	viper.BindEnv("gateway.stream_url", "GATEWAY_STREAM_URL")
	viper.BindEnv("gateway.api_key", "GATEWAY_API_KEY")
	viper.BindEnv("breaker.enabled", "BREAKER_ENABLED")
	viper.BindEnv("stream.enabled", "STREAM_ENABLED")

	// Read configuration file (optional - will use defaults/env vars if not found)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadFromFile loads configuration from a specific file path.
func LoadFromFile(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) GetConfigString() string {
	return fmt.Sprintf(
		"Server: %s:%d, Redis: %s, MySQL: %s, Gateway: %s",
		c.Server.Host,
		c.Server.Port,
		c.Redis.Address,
		c.MySQL.DSN,
		c.Gateway.BaseURL,
	)
}
