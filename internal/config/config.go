package config

import (
	"time"

	"github.com/spf13/viper"
	pkgconfig "github.com/weiawesome/chapter-chat/pkg/config"
)

type Config struct {
	Server     ServerConfig
	WebSocket  WebSocketConfig
	Membership MembershipConfig
	Directory  DirectoryConfig
	Retention  RetentionConfig
	Store      StoreConfig
	Redis      RedisConfig
	History    HistoryConfig
	Auth       AuthConfig
	Log        LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

// MembershipConfig points at the service that lists a user's chapters.
type MembershipConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DirectoryConfig is optional; an empty BaseURL disables sender lookups.
type DirectoryConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type RetentionConfig struct {
	Window        time.Duration `mapstructure:"window"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type StoreConfig struct {
	Driver string
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

type HistoryConfig struct {
	DefaultLimit int `mapstructure:"default_limit"`
	MaxLimit     int `mapstructure:"max_limit"`
}

// AuthConfig enables token identity binding when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string
}

type LogConfig struct {
	Level  string
	Pretty bool
}

const (
	StoreDriverMemory = "memory"
	StoreDriverRedis  = "redis"
)

func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// FromViper applies defaults and environment aliases to v and decodes it.
func FromViper(v *viper.Viper) (*Config, error) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 8192)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("membership.base_url", "http://localhost:3000/api")
	v.SetDefault("membership.timeout", "5s")
	v.SetDefault("directory.base_url", "")
	v.SetDefault("directory.timeout", "3s")
	v.SetDefault("directory.cache_ttl", "5m")
	v.SetDefault("retention.window", "48h")
	v.SetDefault("retention.sweep_interval", "1h")
	v.SetDefault("store.driver", StoreDriverMemory)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "chat")
	v.SetDefault("history.default_limit", 50)
	v.SetDefault("history.max_limit", 100)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("membership.base_url", "MEMBERSHIP_BASE_URL")
	v.BindEnv("directory.base_url", "DIRECTORY_BASE_URL")
	v.BindEnv("store.driver", "STORE_DRIVER")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.WebSocket.PingInterval = pkgconfig.Duration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = pkgconfig.Duration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = pkgconfig.Duration(v, "websocket.write_wait", 10*time.Second)
	cfg.Membership.Timeout = pkgconfig.Duration(v, "membership.timeout", 5*time.Second)
	cfg.Directory.Timeout = pkgconfig.Duration(v, "directory.timeout", 3*time.Second)
	cfg.Directory.CacheTTL = pkgconfig.Duration(v, "directory.cache_ttl", 5*time.Minute)
	cfg.Retention.Window = pkgconfig.Duration(v, "retention.window", 48*time.Hour)
	cfg.Retention.SweepInterval = pkgconfig.Duration(v, "retention.sweep_interval", time.Hour)

	if cfg.WebSocket.SendBuffer <= 0 {
		cfg.WebSocket.SendBuffer = 256
	}
	if cfg.History.MaxLimit <= 0 {
		cfg.History.MaxLimit = 100
	}
	if cfg.History.DefaultLimit <= 0 || cfg.History.DefaultLimit > cfg.History.MaxLimit {
		cfg.History.DefaultLimit = min(50, cfg.History.MaxLimit)
	}

	return &cfg, nil
}
