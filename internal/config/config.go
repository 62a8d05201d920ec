package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	devDeviceSecret = "dev-device-secret"
	devAdminSecret  = "dev-admin-secret"
)

type Config struct {
	HTTPAddr string `mapstructure:"http_addr"`
	GRPCAddr string `mapstructure:"grpc_addr"` // empty disables the gRPC health listener
	Env      string `mapstructure:"env"`       // "dev" | "prod"
	LogLevel string `mapstructure:"log_level"`

	Store StoreConfig `mapstructure:"store"`

	Redis    RedisConfig    `mapstructure:"redis"`
	Session  SessionConfig  `mapstructure:"session"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Realtime RealtimeConfig `mapstructure:"realtime"`

	Credential CredentialConfig `mapstructure:"credential"`
	Device     DeviceConfig     `mapstructure:"device"`
	Admin      AdminConfig      `mapstructure:"admin"`

	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"` // "memory" | "sqlite"
	DBPath  string `mapstructure:"db_path"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"` // empty selects the in-memory revocation store
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type SessionConfig struct {
	MaxRevoked int `mapstructure:"max_revoked"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type RealtimeConfig struct {
	MaxClients int `mapstructure:"max_clients"`
}

type CredentialConfig struct {
	KeyDir        string        `mapstructure:"key_dir"`
	PrivateKeyPEM string        `mapstructure:"private_key_pem"`
	PublicKeyPEM  string        `mapstructure:"public_key_pem"`
	KeyID         string        `mapstructure:"key_id"`
	TTL           time.Duration `mapstructure:"ttl"`
}

type DeviceConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	// Secrets is the provisioning allowlist in "device_id:secret" form.
	// A secret may be a bcrypt hash.
	Secrets []string `mapstructure:"secrets"`
}

type AdminConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type HeartbeatConfig struct {
	RetentionDays      int `mapstructure:"retention_days"` // 0 = keep forever
	PruneIntervalHours int `mapstructure:"prune_interval_hours"`
}

// Load reads an optional YAML file at path and overlays PORTUNUS_* environment
// variables (nested keys use "_", e.g. PORTUNUS_STORE_BACKEND).
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PORTUNUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))
	if cfg.Env != "dev" && cfg.Env != "prod" {
		// fail-soft: treat unknown as dev
		cfg.Env = "dev"
	}
	cfg.Device.Secrets = splitCSV(cfg.Device.Secrets)
	cfg.Kafka.Brokers = splitCSV(cfg.Kafka.Brokers)

	if cfg.Env == "prod" {
		if cfg.Device.JWTSecret == devDeviceSecret || cfg.Admin.JWTSecret == devAdminSecret {
			return Config{}, errors.New("device.jwt_secret and admin.jwt_secret must be set in prod")
		}
	}
	return cfg, nil
}

// DeviceSecrets parses the provisioning allowlist into a device_id -> secret map.
// Malformed entries are skipped.
func (c Config) DeviceSecrets() map[string]string {
	out := make(map[string]string, len(c.Device.Secrets))
	for _, entry := range c.Device.Secrets {
		id, secret, ok := strings.Cut(entry, ":")
		id = strings.TrimSpace(id)
		secret = strings.TrimSpace(secret)
		if !ok || id == "" || secret == "" {
			continue
		}
		out[id] = secret
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("grpc_addr", "")
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")

	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.db_path", "./data/portunus.db")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("session.max_revoked", 10000)

	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "portunus.events")
	v.SetDefault("realtime.max_clients", 256)

	v.SetDefault("credential.key_dir", "./keys")
	v.SetDefault("credential.private_key_pem", "")
	v.SetDefault("credential.public_key_pem", "")
	v.SetDefault("credential.key_id", "")
	v.SetDefault("credential.ttl", "720h")

	v.SetDefault("device.jwt_secret", devDeviceSecret)
	v.SetDefault("device.token_ttl", "8760h")
	v.SetDefault("device.secrets", "")

	v.SetDefault("admin.jwt_secret", devAdminSecret)
	v.SetDefault("admin.token_ttl", "24h")

	v.SetDefault("heartbeat.retention_days", 30)
	v.SetDefault("heartbeat.prune_interval_hours", 6)
}

// splitCSV flattens entries that arrived as a single comma-separated env value.
func splitCSV(in []string) []string {
	var out []string
	for _, v := range in {
		for _, p := range strings.Split(v, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
