package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses a duration for TOML and environment values.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Networks with known wallet sync characteristics.
const (
	NetworkMainnet  = "mainnet"
	NetworkTestnet  = "testnet"
	NetworkStagenet = "stagenet"
)

// Config captures runtime configuration for escrowd.
type Config struct {
	ListenAddress string          `yaml:"listen" toml:"listen"`
	Environment   string          `yaml:"environment" toml:"environment"`
	Network       string          `yaml:"network" toml:"network"`
	Database      DatabaseConfig  `yaml:"database" toml:"database"`
	Wallet        WalletConfig    `yaml:"wallet" toml:"wallet"`
	Multisig      MultisigConfig  `yaml:"multisig" toml:"multisig"`
	Fees          FeeConfig       `yaml:"fees" toml:"fees"`
	Deposit       DepositConfig   `yaml:"deposit" toml:"deposit"`
	Redis         RedisConfig     `yaml:"redis" toml:"redis"`
	Auth          AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Logging       LoggingConfig   `yaml:"logging" toml:"logging"`
	Telemetry     TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// DatabaseConfig selects the store. postgres:// DSNs use Postgres, anything
// else is treated as a SQLite DSN or file path.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" toml:"dsn"`
}

// WalletConfig points at the wallet RPC process and bounds each phase of a
// wallet session.
type WalletConfig struct {
	RPCURL         string   `yaml:"rpc_url" toml:"rpc_url"`
	DaemonURL      string   `yaml:"daemon_url" toml:"daemon_url"`
	Username       string   `yaml:"username" toml:"username"`
	Password       string   `yaml:"password" toml:"password"`
	WalletPassword string   `yaml:"wallet_password" toml:"wallet_password"`
	Prefix         string   `yaml:"prefix" toml:"prefix"`
	SyncTimeout    Duration `yaml:"sync_timeout" toml:"sync_timeout"`
	CallTimeout    Duration `yaml:"call_timeout" toml:"call_timeout"`
	CloseTimeout   Duration `yaml:"close_timeout" toml:"close_timeout"`
}

// MultisigConfig sets the session shape.
type MultisigConfig struct {
	Threshold    int   `yaml:"threshold" toml:"threshold"`
	Participants int   `yaml:"participants" toml:"participants"`
	Reanchor     *bool `yaml:"reanchor" toml:"reanchor"`
}

// ReanchorEnabled reports whether ready sessions are rebuilt at their creation height.
func (m MultisigConfig) ReanchorEnabled() bool {
	return m.Reanchor == nil || *m.Reanchor
}

// FeeConfig holds the platform fee rate as a decimal string.
type FeeConfig struct {
	Rate string `yaml:"rate" toml:"rate"`
}

// DepositConfig tunes the background sweep.
type DepositConfig struct {
	PollInterval Duration `yaml:"poll_interval" toml:"poll_interval"`
	Concurrency  int      `yaml:"concurrency" toml:"concurrency"`
	BatchSize    int      `yaml:"batch_size" toml:"batch_size"`
}

// RedisConfig enables the distributed session lock when Addr is set.
type RedisConfig struct {
	Addr     string   `yaml:"addr" toml:"addr"`
	Password string   `yaml:"password" toml:"password"`
	DB       int      `yaml:"db" toml:"db"`
	LeaseTTL Duration `yaml:"lease_ttl" toml:"lease_ttl"`
	Prefix   string   `yaml:"prefix" toml:"prefix"`
}

// AuthConfig controls bearer token verification.
type AuthConfig struct {
	JWTSecret string   `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer    string   `yaml:"issuer" toml:"issuer"`
	Audience  string   `yaml:"audience" toml:"audience"`
	MaxSkew   Duration `yaml:"max_skew" toml:"max_skew"`
}

// RateLimitConfig bounds wallet-touching endpoints per client.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"rps" toml:"rps"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// LoggingConfig selects the level and an optional rotating file.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	Insecure bool   `yaml:"insecure" toml:"insecure"`
	Headers  string `yaml:"headers" toml:"headers"`
	Traces   bool   `yaml:"traces" toml:"traces"`
	Metrics  bool   `yaml:"metrics" toml:"metrics"`

	// SampleRatio keeps this fraction of root spans; zero keeps all.
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// Load reads configuration from path, applies ESCROWD_* environment overrides
// and defaults, then validates the result. Files ending in .toml are decoded
// as TOML, everything else as YAML. An empty path loads from the environment
// only.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.ListenAddress, "ESCROWD_LISTEN")
	setString(&cfg.Environment, "ESCROWD_ENV")
	setString(&cfg.Network, "ESCROWD_NETWORK")
	setString(&cfg.Database.DSN, "ESCROWD_DATABASE_DSN")
	setString(&cfg.Wallet.RPCURL, "ESCROWD_WALLET_RPC_URL")
	setString(&cfg.Wallet.DaemonURL, "ESCROWD_DAEMON_URL")
	setString(&cfg.Wallet.Username, "ESCROWD_WALLET_RPC_USER")
	setString(&cfg.Wallet.Password, "ESCROWD_WALLET_RPC_PASSWORD")
	setString(&cfg.Wallet.WalletPassword, "ESCROWD_WALLET_PASSWORD")
	setString(&cfg.Fees.Rate, "ESCROWD_FEE_RATE")
	setString(&cfg.Redis.Addr, "ESCROWD_REDIS_ADDR")
	setString(&cfg.Redis.Password, "ESCROWD_REDIS_PASSWORD")
	setString(&cfg.Auth.JWTSecret, "ESCROWD_JWT_SECRET")
	setString(&cfg.Logging.Level, "ESCROWD_LOG_LEVEL")
	setString(&cfg.Logging.File, "ESCROWD_LOG_FILE")
	setString(&cfg.Telemetry.Endpoint, "ESCROWD_OTLP_ENDPOINT")
	setString(&cfg.Telemetry.Headers, "ESCROWD_OTLP_HEADERS")

	if err := setDuration(&cfg.Wallet.SyncTimeout, "ESCROWD_WALLET_SYNC_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Deposit.PollInterval, "ESCROWD_DEPOSIT_POLL_INTERVAL"); err != nil {
		return err
	}
	if err := setInt(&cfg.Multisig.Threshold, "ESCROWD_MULTISIG_THRESHOLD"); err != nil {
		return err
	}
	if err := setInt(&cfg.Redis.DB, "ESCROWD_REDIS_DB"); err != nil {
		return err
	}
	if value := strings.TrimSpace(os.Getenv("ESCROWD_REANCHOR")); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("ESCROWD_REANCHOR: %w", err)
		}
		cfg.Multisig.Reanchor = &parsed
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8088"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	cfg.Network = strings.ToLower(strings.TrimSpace(cfg.Network))
	if cfg.Network == "" {
		cfg.Network = NetworkStagenet
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "escrowd.sqlite"
	}
	if cfg.Wallet.Prefix == "" {
		cfg.Wallet.Prefix = "escrow-"
	}
	if cfg.Wallet.SyncTimeout.Duration == 0 {
		cfg.Wallet.SyncTimeout.Duration = 30 * time.Second
		if cfg.Network == NetworkMainnet {
			cfg.Wallet.SyncTimeout.Duration = 3 * time.Minute
		}
	}
	if cfg.Wallet.CallTimeout.Duration == 0 {
		cfg.Wallet.CallTimeout.Duration = 30 * time.Second
	}
	if cfg.Wallet.CloseTimeout.Duration == 0 {
		cfg.Wallet.CloseTimeout.Duration = 15 * time.Second
	}
	if cfg.Multisig.Threshold == 0 {
		cfg.Multisig.Threshold = 2
	}
	if cfg.Multisig.Participants == 0 {
		cfg.Multisig.Participants = 3
	}
	if cfg.Fees.Rate == "" {
		cfg.Fees.Rate = "0.005"
	}
	if cfg.Deposit.PollInterval.Duration == 0 {
		cfg.Deposit.PollInterval.Duration = time.Minute
	}
	if cfg.Deposit.Concurrency <= 0 {
		cfg.Deposit.Concurrency = 4
	}
	if cfg.Deposit.BatchSize <= 0 {
		cfg.Deposit.BatchSize = 100
	}
	if cfg.Redis.LeaseTTL.Duration == 0 {
		cfg.Redis.LeaseTTL.Duration = 30 * time.Second
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "escrowd:lock:"
	}
	if cfg.Auth.MaxSkew.Duration == 0 {
		cfg.Auth.MaxSkew.Duration = time.Minute
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 1
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 5
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func validate(cfg Config) error {
	switch cfg.Network {
	case NetworkMainnet, NetworkTestnet, NetworkStagenet:
	default:
		return fmt.Errorf("network must be mainnet, testnet or stagenet, got %q", cfg.Network)
	}
	if strings.TrimSpace(cfg.Wallet.RPCURL) == "" {
		return fmt.Errorf("wallet.rpc_url is required")
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if cfg.Multisig.Participants != 3 {
		return fmt.Errorf("multisig.participants must be 3, got %d", cfg.Multisig.Participants)
	}
	if cfg.Multisig.Threshold < 2 || cfg.Multisig.Threshold > cfg.Multisig.Participants {
		return fmt.Errorf("multisig.threshold must be within [2,%d], got %d", cfg.Multisig.Participants, cfg.Multisig.Threshold)
	}
	if _, err := cfg.FeeRate(); err != nil {
		return err
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1], got %v", cfg.Telemetry.SampleRatio)
	}
	if cfg.RateLimit.RequestsPerSecond < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	return nil
}

// FeeRate parses the configured platform fee rate.
func (c Config) FeeRate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(c.Fees.Rate))
	if err != nil {
		return decimal.Zero, fmt.Errorf("fees.rate %q: %w", c.Fees.Rate, err)
	}
	if !rate.IsPositive() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("fees.rate %s outside (0,1)", rate)
	}
	return rate, nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func setDuration(dst *Duration, key string) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	if err := dst.UnmarshalText([]byte(value)); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}
