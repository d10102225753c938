package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	ServiceName    = "market-feed-relay"
	ServiceVersion = ""
)

var (
	Env *EnvConfig
)

type EnvConfig struct {
	Env                     string                    `mapstructure:"env"`
	Log                     LogConfig                 `mapstructure:"log"`
	GracefulShutdownTimeout time.Duration             `mapstructure:"graceful_shutdown_timeout"`
	Port                    map[string]string         `mapstructure:"port"`
	Database                map[string]DatabaseConfig `mapstructure:"database"`
	Redis                   map[string]RedisConfig    `mapstructure:"redis"`
	NatsJetstream           NatsJetstreamConfig       `mapstructure:"nats_jetstream"`
	Relay                   RelayConfig               `mapstructure:"relay"`
}

// RelayConfig drives the upstream link, the reconnect supervisor and the
// downstream sessions. Zero values fall back to package defaults.
type RelayConfig struct {
	UpstreamURL          string        `mapstructure:"upstream_url"`
	AccessToken          string        `mapstructure:"access_token"`
	AccessTokenRedisKey  string        `mapstructure:"access_token_redis_key"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	ReceiveTimeout       time.Duration `mapstructure:"receive_timeout"`
	PingInterval         time.Duration `mapstructure:"ping_interval"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectFactor      float64       `mapstructure:"reconnect_factor"`
	MinBackoff           time.Duration `mapstructure:"min_backoff"`
	MaxBackoff           time.Duration `mapstructure:"max_backoff"`
	ReplayBatchSize      int           `mapstructure:"replay_batch_size"`
	SessionQueueSize     int           `mapstructure:"session_queue_size"`
	BinaryPassthrough    bool          `mapstructure:"binary_passthrough"`
	DefaultMode          string        `mapstructure:"default_mode"`
	SeedFromDatabase     bool          `mapstructure:"seed_from_database"`
	MirrorToRedis        bool          `mapstructure:"mirror_to_redis"`
	PublishToJetstream   bool          `mapstructure:"publish_to_jetstream"`
}

// Validate checks the settings the relay cannot start without.
func (c RelayConfig) Validate() error {
	if strings.TrimSpace(c.UpstreamURL) == "" {
		return errors.New("relay.upstream_url is required")
	}

	u, err := url.Parse(c.UpstreamURL)
	if err != nil {
		return fmt.Errorf("relay.upstream_url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("relay.upstream_url: unsupported scheme %q", u.Scheme)
	}

	if c.DefaultMode != "" {
		switch strings.ToLower(c.DefaultMode) {
		case "ltpc", "full", "option_greeks":
		default:
			return fmt.Errorf("relay.default_mode: unsupported mode %q", c.DefaultMode)
		}
	}

	if c.MinBackoff > 0 && c.MaxBackoff > 0 && c.MaxBackoff < c.MinBackoff {
		return errors.New("relay.max_backoff must not be lower than relay.min_backoff")
	}

	return nil
}

type NatsJetstreamConfig struct {
	URL             string                   `mapstructure:"url"`
	MaxRetries      int                      `mapstructure:"max_retries"`
	ReconnectFactor float64                  `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration            `mapstructure:"min_jitter"`
	MaxJitter       time.Duration            `mapstructure:"max_jitter"`
	PublishTimeout  time.Duration            `mapstructure:"publish_timeout"`
	TimeoutHandler  map[string]time.Duration `mapstructure:"timeout_handler"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	ReconnectFactor float64       `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration `mapstructure:"min_jitter"`
	MaxJitter       time.Duration `mapstructure:"max_jitter"`
	MaxRetry        int           `mapstructure:"max_retry"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxActiveConns  int           `mapstructure:"max_active_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type LogConfig struct {
	ShowCaller bool   `mapstructure:"show_caller"`
	LogLevel   string `mapstructure:"log_level"`
}

type RedisConfig struct {
	CacheDSN string `mapstructure:"cache_dsn"`
}

func LoadConfig(configPath string) error {
	viper.Reset()

	configPath = strings.TrimSpace(configPath)
	if configPath == "" {
		viper.SetConfigName("config")
		viper.SetConfigType("yml")
		viper.AddConfigPath(".")
	} else {
		ext := strings.ToLower(filepath.Ext(configPath))
		if ext == ".yml" || ext == ".yaml" {
			viper.SetConfigFile(configPath)
		} else {
			viper.SetConfigName(filepath.Base(configPath))
			viper.SetConfigType("yml")
			configDir := filepath.Dir(configPath)
			if configDir == "." || configDir == "" {
				viper.AddConfigPath(".")
			} else {
				viper.AddConfigPath(configDir)
			}
		}
	}

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// keys that usually come from the environment only need to be known to viper
	// so that AutomaticEnv can resolve them during Unmarshal
	viper.SetDefault("relay.access_token", "")
	viper.SetDefault("relay.upstream_url", "")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	err = viper.Unmarshal(&Env)
	if err != nil {
		return fmt.Errorf("failed to unmarshal config file: %w", err)
	}

	return nil
}
