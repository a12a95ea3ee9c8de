package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Commands   CommandsConfig   `mapstructure:"commands"`
	Devices    DevicesConfig    `mapstructure:"devices"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Automation AutomationConfig `mapstructure:"automation"`
	Events     EventsConfig     `mapstructure:"events"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig configures the Postgres history store. With Enabled=false
// history and automation settings are kept in memory only.
type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type MQTTConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	UseTLS         bool          `mapstructure:"use_tls"`
	CACertPath     string        `mapstructure:"ca_cert_path"`
	SharedSecret   string        `mapstructure:"shared_secret"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// CommandsConfig holds the acknowledgment deadline applied when a request
// does not carry its own timeout.
type CommandsConfig struct {
	AckTimeout     time.Duration `mapstructure:"ack_timeout"`
	HistoryTimeout time.Duration `mapstructure:"history_timeout"`
}

type DevicesConfig struct {
	OnlineThreshold  time.Duration `mapstructure:"online_threshold"`
	HistorySize      int           `mapstructure:"history_size"`
	ProvisioningFile string        `mapstructure:"provisioning_file"`
}

type TelemetryConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

type AutomationConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	SchedulesEnabled bool `mapstructure:"schedules_enabled"`
}

type EventsConfig struct {
	QueueSize    int           `mapstructure:"queue_size"`
	AreaFailOpen bool          `mapstructure:"area_fail_open"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// Auth Configuration. Tokens are issued by the account service; this
// process only verifies them.
type AuthConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	JWTSecretEnv string `mapstructure:"jwt_secret_env"`
	Issuer       string `mapstructure:"issuer"`
}

// ArchiveConfig points at an optional ClickHouse instance receiving raw telemetry.
type ArchiveConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Addr          string        `mapstructure:"addr"`
	Database      string        `mapstructure:"database"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads the YAML file at path (optional when empty), a local .env file
// and OFC_ prefixed environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	// .env is a convenience for local runs, a missing file is fine
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("OFC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "openfarmcore")
	v.SetDefault("database.user", "openfarmcore")
	v.SetDefault("database.password", "")
	v.SetDefault("database.max_connections", 10)

	v.SetDefault("mqtt.host", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "openfarmcore-backend")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.use_tls", false)
	v.SetDefault("mqtt.ca_cert_path", "")
	v.SetDefault("mqtt.shared_secret", "")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", "30s")
	v.SetDefault("mqtt.connect_timeout", "10s")

	v.SetDefault("commands.ack_timeout", "6s")
	v.SetDefault("commands.history_timeout", "5s")

	v.SetDefault("devices.online_threshold", "5m")
	v.SetDefault("devices.history_size", 50)
	v.SetDefault("devices.provisioning_file", "")

	v.SetDefault("telemetry.queue_size", 1024)

	v.SetDefault("automation.enabled", true)
	v.SetDefault("automation.schedules_enabled", true)

	v.SetDefault("events.queue_size", 1024)
	v.SetDefault("events.area_fail_open", true)
	v.SetDefault("events.poll_interval", "10s")

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.addr", "localhost:9000")
	v.SetDefault("archive.database", "default")
	v.SetDefault("archive.username", "default")
	v.SetDefault("archive.password", "")
	v.SetDefault("archive.batch_size", 500)
	v.SetDefault("archive.flush_interval", "2s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	if c.Commands.AckTimeout <= 0 {
		return fmt.Errorf("commands.ack_timeout must be positive")
	}
	if c.Devices.OnlineThreshold <= 0 {
		return fmt.Errorf("devices.online_threshold must be positive")
	}
	if c.Devices.HistorySize <= 0 {
		return fmt.Errorf("devices.history_size must be positive")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// BrokerURL builds the paho broker address.
func (m *MQTTConfig) BrokerURL() string {
	scheme := "tcp"
	if m.UseTLS {
		scheme = "tcps"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, m.Host, m.Port)
}

// JWT Secret aus Environment Variable laden
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		return "dev-secret-change-in-production-min-32-chars"
	}
	return secret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != "dev-secret-change-in-production-min-32-chars" && len(secret) >= 32
}
