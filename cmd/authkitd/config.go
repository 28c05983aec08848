package main

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the daemon configuration, loaded from YAML with env overrides.
type Config struct {
	Env        string        `yaml:"env" env:"AUTHKITD_ENV" env-default:"local"`
	ListenAddr string        `yaml:"listen_addr" env:"AUTHKITD_LISTEN_ADDR" env-default:":8080"`
	Issuer     string        `yaml:"issuer" env:"AUTHKITD_ISSUER" env-required:"true"`
	Scopes     []string      `yaml:"scopes" env:"AUTHKITD_SCOPES" env-default:"read,write"`
	CodeTTL    time.Duration `yaml:"code_ttl" env:"AUTHKITD_CODE_TTL" env-default:"10m"`
	AccessTTL  time.Duration `yaml:"access_ttl" env:"AUTHKITD_ACCESS_TTL" env-default:"1h"`
	RefreshTTL time.Duration `yaml:"refresh_ttl" env:"AUTHKITD_REFRESH_TTL" env-default:"720h"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Security  SecurityConfig  `yaml:"security"`
	Storage   StorageConfig   `yaml:"storage"`
	Users     []UserConfig    `yaml:"users"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" env-default:"true"`
	RequestsPerSecond int  `yaml:"requests_per_second" env-default:"10"`
	Burst             int  `yaml:"burst" env-default:"20"`
}

type SecurityConfig struct {
	MaxClientsPerIP int  `yaml:"max_clients_per_ip" env-default:"20"`
	EnableAuditLog  bool `yaml:"enable_audit_log" env-default:"true"`
}

// StorageConfig selects the backend: "memory" or "valkey".
type StorageConfig struct {
	Backend string       `yaml:"backend" env:"AUTHKITD_STORAGE_BACKEND" env-default:"memory"`
	Valkey  ValkeyConfig `yaml:"valkey"`
}

type ValkeyConfig struct {
	Address   string `yaml:"address" env:"AUTHKITD_VALKEY_ADDRESS"`
	Password  string `yaml:"password" env:"AUTHKITD_VALKEY_PASSWORD"`
	DB        int    `yaml:"db" env:"AUTHKITD_VALKEY_DB"`
	KeyPrefix string `yaml:"key_prefix" env:"AUTHKITD_VALKEY_KEY_PREFIX"`
}

// UserConfig seeds the static authenticator for demo deployments.
type UserConfig struct {
	ID       string `yaml:"id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Email    string `yaml:"email"`
	Name     string `yaml:"name"`
}

// MustLoad loads the configuration or exits. Priority: flag > env > default.
func MustLoad() *Config {
	path := fetchConfigPath()
	if path == "" {
		panic("config path is empty: set -config or AUTHKITD_CONFIG")
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		panic("config path does not exist: " + path)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		panic(err)
	}

	return &cfg
}

func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("AUTHKITD_CONFIG")
	}

	return res
}
