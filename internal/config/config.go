package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	ServiceName    = "market-bridge"
	ServiceVersion = "dev"
)

var (
	Env *EnvConfig
)

type EnvConfig struct {
	Env                     string              `mapstructure:"env"`
	Log                     LogConfig           `mapstructure:"log"`
	GracefulShutdownTimeout time.Duration       `mapstructure:"graceful_shutdown_timeout"`
	Upstream                UpstreamConfig      `mapstructure:"upstream"`
	WS                      WSConfig            `mapstructure:"ws"`
	HTTP                    HTTPConfig          `mapstructure:"http"`
	Order                   OrderConfig         `mapstructure:"order"`
	NatsJetstream           NatsJetstreamConfig `mapstructure:"nats_jetstream"`
}

type LogConfig struct {
	ShowCaller bool   `mapstructure:"show_caller"`
	LogLevel   string `mapstructure:"log_level"`
}

type UpstreamConfig struct {
	Host                 string        `mapstructure:"host"`
	Port                 int           `mapstructure:"port"`
	HandshakeTimeout     time.Duration `mapstructure:"handshake_timeout"`
	IdleTimeout          time.Duration `mapstructure:"idle_timeout"`
	PongTimeout          time.Duration `mapstructure:"pong_timeout"`
	ReconnectBase        time.Duration `mapstructure:"reconnect_base"`
	ReconnectCap         time.Duration `mapstructure:"reconnect_cap"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	SendDeadline         time.Duration `mapstructure:"send_deadline"`
	SendQueueSize        int           `mapstructure:"send_queue_size"`
}

func (c UpstreamConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type WSConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ClientQueueSize int           `mapstructure:"client_queue_size"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	MaxMissedPongs  int           `mapstructure:"max_missed_pongs"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace"`
}

func (c WSConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type HTTPConfig struct {
	Addr      string `mapstructure:"addr"`
	StaticDir string `mapstructure:"static_dir"`
}

type OrderConfig struct {
	Retention  time.Duration `mapstructure:"retention"`
	GCInterval time.Duration `mapstructure:"gc_interval"`
}

type NatsJetstreamConfig struct {
	URL           string        `mapstructure:"url"`
	MaxRetries    int           `mapstructure:"max_retries"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// Enabled reports whether the optional market data tap should be wired.
func (c NatsJetstreamConfig) Enabled() bool {
	return strings.TrimSpace(c.URL) != ""
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

	setDefaults()

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

func setDefaults() {
	viper.SetDefault("env", "development")
	viper.SetDefault("log.log_level", "info")
	viper.SetDefault("graceful_shutdown_timeout", 5*time.Second)

	viper.SetDefault("upstream.host", "127.0.0.1")
	viper.SetDefault("upstream.port", 7497)
	viper.SetDefault("upstream.handshake_timeout", 10*time.Second)
	viper.SetDefault("upstream.idle_timeout", 30*time.Second)
	viper.SetDefault("upstream.pong_timeout", 10*time.Second)
	viper.SetDefault("upstream.reconnect_base", 1*time.Second)
	viper.SetDefault("upstream.reconnect_cap", 30*time.Second)
	viper.SetDefault("upstream.max_reconnect_attempts", 0)
	viper.SetDefault("upstream.send_deadline", 5*time.Second)
	viper.SetDefault("upstream.send_queue_size", 1024)

	viper.SetDefault("ws.host", "0.0.0.0")
	viper.SetDefault("ws.port", 8765)
	viper.SetDefault("ws.client_queue_size", 1024)
	viper.SetDefault("ws.max_message_size", 256*1024)
	viper.SetDefault("ws.ping_interval", 30*time.Second)
	viper.SetDefault("ws.max_missed_pongs", 3)
	viper.SetDefault("ws.shutdown_grace", 2*time.Second)

	viper.SetDefault("http.addr", ":8080")
	viper.SetDefault("http.static_dir", "web")

	viper.SetDefault("order.retention", 24*time.Hour)
	viper.SetDefault("order.gc_interval", 60*time.Second)
}
