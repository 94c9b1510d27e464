// Package config loads service configuration from file and environment via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Service     ServiceConfig     `mapstructure:"service"`
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Policy      PolicyConfig      `mapstructure:"policy"`
	Realtime    RealtimeConfig    `mapstructure:"realtime"`
	Bulk        BulkConfig        `mapstructure:"bulk"`
	SLA         SLAConfig         `mapstructure:"sla"`
	Log         LogConfig         `mapstructure:"log"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Identity    IdentityConfig    `mapstructure:"identity"`
}

type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	// PublicURL prefixes links in approver notifications.
	PublicURL string `mapstructure:"public_url"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig configures the pgx pool. An empty Host selects the in-memory store.
type DatabaseConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	Database    string        `mapstructure:"database"`
	SSLMode     string        `mapstructure:"ssl_mode"`
	MaxConns    int32         `mapstructure:"max_conns"`
	MinConns    int32         `mapstructure:"min_conns"`
	MaxConnTime time.Duration `mapstructure:"max_conn_time"`
	MaxIdleTime time.Duration `mapstructure:"max_idle_time"`
	HealthCheck time.Duration `mapstructure:"health_check"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type RedisConfig struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// PolicyConfig selects where the versioned policy document comes from.
type PolicyConfig struct {
	Source  string `mapstructure:"source"` // embedded | file | database
	Path    string `mapstructure:"path"`
	Version string `mapstructure:"version"`
}

type RealtimeConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongTimeout    time.Duration `mapstructure:"pong_timeout"`
	MaxConnections int           `mapstructure:"max_connections"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

type BulkConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	ItemTimeout time.Duration `mapstructure:"item_timeout"`
	MaxItems    int           `mapstructure:"max_items"`
}

type SLAConfig struct {
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type TracingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Output  string `mapstructure:"output"`
}

// CredentialsConfig holds TOTP secrets keyed by approver ID.
type CredentialsConfig struct {
	TOTPIssuer  string            `mapstructure:"totp_issuer"`
	TOTPSecrets map[string]string `mapstructure:"totp_secrets"`
}

// IdentityConfig locates the platform identity gRPC service. An empty
// address disables user lookups and PIN/biometric verification.
type IdentityConfig struct {
	GRPCAddr string        `mapstructure:"grpc_addr"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DSN renders the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "ap-withdrawal-approvals")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "development")
	v.SetDefault("service.public_url", "http://localhost:8086")

	v.SetDefault("server.port", 8086)
	v.SetDefault("server.grpc_port", 9086)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_time", time.Hour)
	v.SetDefault("database.max_idle_time", 30*time.Minute)
	v.SetDefault("database.health_check", time.Minute)

	v.SetDefault("nats.subject_prefix", "approvals")
	v.SetDefault("redis.ttl", 5*time.Minute)
	v.SetDefault("auth.issuer", "pesio-identity")

	v.SetDefault("policy.source", "embedded")

	v.SetDefault("realtime.ping_interval", 25*time.Second)
	v.SetDefault("realtime.pong_timeout", 60*time.Second)
	v.SetDefault("realtime.max_connections", 1000)
	v.SetDefault("realtime.send_buffer", 256)

	v.SetDefault("bulk.concurrency", 8)
	v.SetDefault("bulk.item_timeout", 10*time.Second)
	v.SetDefault("bulk.max_items", 200)

	v.SetDefault("sla.monitor_interval", time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	v.SetDefault("credentials.totp_issuer", "pesio-approvals")
	v.SetDefault("identity.timeout", 5*time.Second)
}

// Load reads configuration from the optional file and APPROVALS_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("APPROVALS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns an aggregated error describing invalid settings.
func (c *Config) Validate() error {
	var problems []string
	if c.Server.Port <= 0 {
		problems = append(problems, "server.port must be > 0")
	}
	if c.Server.GRPCPort <= 0 {
		problems = append(problems, "server.grpc_port must be > 0")
	}
	if c.Bulk.Concurrency <= 0 {
		problems = append(problems, "bulk.concurrency must be > 0")
	}
	if c.Bulk.ItemTimeout <= 0 {
		problems = append(problems, "bulk.item_timeout must be > 0")
	}
	if c.Realtime.PingInterval <= 0 || c.Realtime.PongTimeout <= c.Realtime.PingInterval {
		problems = append(problems, "realtime.pong_timeout must exceed realtime.ping_interval")
	}
	switch c.Policy.Source {
	case "embedded":
	case "file":
		if c.Policy.Path == "" {
			problems = append(problems, "policy.path is required when policy.source=file")
		}
	case "database":
		if c.Database.Host == "" {
			problems = append(problems, "database.host is required when policy.source=database")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported policy.source %q", c.Policy.Source))
	}
	if c.Service.Environment == "production" && c.Auth.JWTSecret == "" {
		problems = append(problems, "auth.jwt_secret is required in production")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
