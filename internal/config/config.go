package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"github.com/simaogato/mixflow-backend/internal/domain"
	"github.com/simaogato/mixflow-backend/internal/logging"
	"github.com/simaogato/mixflow-backend/internal/usecase/mixer"
)

const defaultAPIToken = "dev-token"

// Config is the runtime configuration of the server
type Config struct {
	GRPCAddr string
	APIToken string
	Log      logging.Config
	Database DatabaseConfig
	Redis    RedisConfig
	NATS     NATSConfig
	Dev      DevConfig
	Mix      mixer.Options
}

// DatabaseConfig holds Postgres settings. Run reports are only stored when
// Enabled.
type DatabaseConfig struct {
	Enabled      bool
	ConnStr      string
	Host         string
	Port         string
	User         string
	Password     string
	Name         string
	EnsureSchema bool
}

// ConnectionString returns ConnStr or builds one from the individual fields
func (c DatabaseConfig) ConnectionString() string {
	if c.ConnStr != "" {
		return c.ConnStr
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.Name)
}

// RedisConfig holds the settings of the cross-process account lock.
// An empty Addr selects the in-process lock.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	LockPrefix string
	LockExpiry time.Duration
	RetryDelay time.Duration
}

// NATSConfig holds event publishing settings. An empty URL disables events.
type NATSConfig struct {
	URL            string
	Name           string
	SubjectPrefix  string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// DevAccount is an account opened on the in-memory ledger at startup
type DevAccount struct {
	Address string
	Balance decimal.Decimal
}

// DevConfig seeds the in-memory ledger
type DevConfig struct {
	Fee      decimal.Decimal
	Accounts []DevAccount
}

// Default returns the configuration used when nothing is set
func Default() Config {
	return Config{
		GRPCAddr: ":8080",
		APIToken: defaultAPIToken,
		Log:      logging.Config{Level: "info", Encoding: "json"},
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         "5432",
			User:         "postgres",
			Password:     "postgres",
			Name:         "mixflow",
			EnsureSchema: true,
		},
		Redis: RedisConfig{
			LockPrefix: "mixflow:lock:",
			LockExpiry: 2 * time.Minute,
			RetryDelay: 100 * time.Millisecond,
		},
		NATS: NATSConfig{
			Name:           "mixflow",
			SubjectPrefix:  "mixflow",
			ReconnectWait:  2 * time.Second,
			MaxReconnects:  60,
			ConnectTimeout: 5 * time.Second,
		},
		Dev: DevConfig{
			Fee: decimal.RequireFromString("0.0001"),
		},
		Mix: mixer.DefaultOptions(),
	}
}

// fileConfig is the TOML layout of the config file
type fileConfig struct {
	GRPCAddr string `toml:"grpc_addr"`
	APIToken string `toml:"api_token"`

	Log struct {
		Level       string `toml:"level"`
		Development bool   `toml:"development"`
		Encoding    string `toml:"encoding"`
	} `toml:"log"`

	Database struct {
		Enabled      bool   `toml:"enabled"`
		ConnStr      string `toml:"conn_str"`
		Host         string `toml:"host"`
		Port         string `toml:"port"`
		User         string `toml:"user"`
		Password     string `toml:"password"`
		Name         string `toml:"name"`
		EnsureSchema bool   `toml:"ensure_schema"`
	} `toml:"database"`

	Redis struct {
		Addr       string `toml:"addr"`
		Password   string `toml:"password"`
		DB         int    `toml:"db"`
		LockPrefix string `toml:"lock_prefix"`
		LockExpiry string `toml:"lock_expiry"`
		RetryDelay string `toml:"retry_delay"`
	} `toml:"redis"`

	NATS struct {
		URL            string `toml:"url"`
		Name           string `toml:"name"`
		SubjectPrefix  string `toml:"subject_prefix"`
		ReconnectWait  string `toml:"reconnect_wait"`
		MaxReconnects  int    `toml:"max_reconnects"`
		ConnectTimeout string `toml:"connect_timeout"`
	} `toml:"nats"`

	Mix struct {
		Strategy              string   `toml:"strategy"`
		Priority              string   `toml:"priority"`
		FeeMode               string   `toml:"fee_mode"`
		InterHopDelay         string   `toml:"inter_hop_delay"`
		ConfirmationWait      string   `toml:"confirmation_wait"`
		BranchStagger         string   `toml:"branch_stagger"`
		MaxParallel           int      `toml:"max_parallel"`
		ShuffleIntermediaries bool     `toml:"shuffle_intermediaries"`
		FeeFloor              string   `toml:"fee_floor"`
		Precision             int32    `toml:"precision"`
		SplitWeights          []string `toml:"split_weights"`

		Retry struct {
			MaxAttempts       int     `toml:"max_attempts"`
			BaseDelay         string  `toml:"base_delay"`
			BackoffMultiplier float64 `toml:"backoff_multiplier"`
			MaxDelay          string  `toml:"max_delay"`
			Jitter            bool    `toml:"jitter"`
		} `toml:"retry"`
	} `toml:"mix"`

	Dev struct {
		Fee      string `toml:"fee"`
		Accounts []struct {
			Address string `toml:"address"`
			Balance string `toml:"balance"`
		} `toml:"accounts"`
	} `toml:"dev"`
}

// Load reads the TOML file at path over the defaults, then applies
// environment overrides. An empty path falls back to $MIXFLOW_CONFIG; with
// neither set only defaults and environment are used.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("MIXFLOW_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate ensures the configuration can start a server
func (c Config) Validate() error {
	if strings.TrimSpace(c.GRPCAddr) == "" {
		return errors.New("grpc address is required")
	}
	if c.APIToken == "" {
		return errors.New("api token is required")
	}
	if err := c.Mix.Validate(); err != nil {
		return fmt.Errorf("invalid mix config: %w", err)
	}
	if c.Dev.Fee.IsNegative() {
		return errors.New("dev fee cannot be negative")
	}
	seen := make(map[string]bool, len(c.Dev.Accounts))
	for _, account := range c.Dev.Accounts {
		if account.Address == "" {
			return errors.New("dev account address is required")
		}
		if seen[account.Address] {
			return fmt.Errorf("dev account %s is defined twice", account.Address)
		}
		if account.Balance.IsNegative() {
			return fmt.Errorf("dev account %s has a negative balance", account.Address)
		}
		seen[account.Address] = true
	}
	return nil
}

func (c *Config) loadFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	var errs []error
	duration := func(target *time.Duration, raw string, key ...string) {
		if !meta.IsDefined(key...) {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", strings.Join(key, "."), err))
			return
		}
		*target = d
	}
	amount := func(target *decimal.Decimal, raw string, key ...string) {
		if !meta.IsDefined(key...) {
			return
		}
		d, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", strings.Join(key, "."), err))
			return
		}
		*target = d
	}

	if meta.IsDefined("grpc_addr") {
		c.GRPCAddr = strings.TrimSpace(raw.GRPCAddr)
	}
	if meta.IsDefined("api_token") {
		c.APIToken = raw.APIToken
	}

	// [log]
	if meta.IsDefined("log", "level") {
		c.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "development") {
		c.Log.Development = raw.Log.Development
	}
	if meta.IsDefined("log", "encoding") {
		c.Log.Encoding = strings.TrimSpace(raw.Log.Encoding)
	}

	// [database]
	if meta.IsDefined("database") {
		c.Database.Enabled = true
	}
	if meta.IsDefined("database", "enabled") {
		c.Database.Enabled = raw.Database.Enabled
	}
	if meta.IsDefined("database", "conn_str") {
		c.Database.ConnStr = strings.TrimSpace(raw.Database.ConnStr)
	}
	if meta.IsDefined("database", "host") {
		c.Database.Host = strings.TrimSpace(raw.Database.Host)
	}
	if meta.IsDefined("database", "port") {
		c.Database.Port = strings.TrimSpace(raw.Database.Port)
	}
	if meta.IsDefined("database", "user") {
		c.Database.User = strings.TrimSpace(raw.Database.User)
	}
	if meta.IsDefined("database", "password") {
		c.Database.Password = raw.Database.Password
	}
	if meta.IsDefined("database", "name") {
		c.Database.Name = strings.TrimSpace(raw.Database.Name)
	}
	if meta.IsDefined("database", "ensure_schema") {
		c.Database.EnsureSchema = raw.Database.EnsureSchema
	}

	// [redis]
	if meta.IsDefined("redis", "addr") {
		c.Redis.Addr = strings.TrimSpace(raw.Redis.Addr)
	}
	if meta.IsDefined("redis", "password") {
		c.Redis.Password = raw.Redis.Password
	}
	if meta.IsDefined("redis", "db") {
		c.Redis.DB = raw.Redis.DB
	}
	if meta.IsDefined("redis", "lock_prefix") {
		c.Redis.LockPrefix = raw.Redis.LockPrefix
	}
	duration(&c.Redis.LockExpiry, raw.Redis.LockExpiry, "redis", "lock_expiry")
	duration(&c.Redis.RetryDelay, raw.Redis.RetryDelay, "redis", "retry_delay")

	// [nats]
	if meta.IsDefined("nats", "url") {
		c.NATS.URL = strings.TrimSpace(raw.NATS.URL)
	}
	if meta.IsDefined("nats", "name") {
		c.NATS.Name = strings.TrimSpace(raw.NATS.Name)
	}
	if meta.IsDefined("nats", "subject_prefix") {
		c.NATS.SubjectPrefix = strings.TrimSpace(raw.NATS.SubjectPrefix)
	}
	if meta.IsDefined("nats", "max_reconnects") {
		c.NATS.MaxReconnects = raw.NATS.MaxReconnects
	}
	duration(&c.NATS.ReconnectWait, raw.NATS.ReconnectWait, "nats", "reconnect_wait")
	duration(&c.NATS.ConnectTimeout, raw.NATS.ConnectTimeout, "nats", "connect_timeout")

	// [mix]
	if meta.IsDefined("mix", "strategy") {
		strategy, err := domain.ParseStrategy(raw.Mix.Strategy)
		if err != nil {
			errs = append(errs, fmt.Errorf("mix.strategy: %w", err))
		}
		c.Mix.Strategy = strategy
	}
	if meta.IsDefined("mix", "priority") {
		priority, err := domain.ParsePriority(raw.Mix.Priority)
		if err != nil {
			errs = append(errs, fmt.Errorf("mix.priority: %w", err))
		}
		c.Mix.Priority = priority
	}
	if meta.IsDefined("mix", "fee_mode") {
		feeMode, ok := domain.ParseFeeMode(raw.Mix.FeeMode)
		if !ok {
			errs = append(errs, fmt.Errorf("mix.fee_mode: unknown fee mode %q", raw.Mix.FeeMode))
		}
		c.Mix.FeeMode = feeMode
	}
	duration(&c.Mix.InterHopDelay, raw.Mix.InterHopDelay, "mix", "inter_hop_delay")
	duration(&c.Mix.ConfirmationWait, raw.Mix.ConfirmationWait, "mix", "confirmation_wait")
	duration(&c.Mix.BranchStagger, raw.Mix.BranchStagger, "mix", "branch_stagger")
	if meta.IsDefined("mix", "max_parallel") {
		c.Mix.MaxParallel = raw.Mix.MaxParallel
	}
	if meta.IsDefined("mix", "shuffle_intermediaries") {
		c.Mix.ShuffleIntermediaries = raw.Mix.ShuffleIntermediaries
	}
	amount(&c.Mix.FeeFloor, raw.Mix.FeeFloor, "mix", "fee_floor")
	if meta.IsDefined("mix", "precision") {
		c.Mix.Precision = raw.Mix.Precision
	}
	if meta.IsDefined("mix", "split_weights") {
		c.Mix.SplitWeights = nil
		for _, w := range raw.Mix.SplitWeights {
			weight, err := decimal.NewFromString(strings.TrimSpace(w))
			if err != nil {
				errs = append(errs, fmt.Errorf("mix.split_weights: %w", err))
				continue
			}
			c.Mix.SplitWeights = append(c.Mix.SplitWeights, weight)
		}
	}

	// [mix.retry]
	if meta.IsDefined("mix", "retry", "max_attempts") {
		c.Mix.Retry.MaxAttempts = raw.Mix.Retry.MaxAttempts
	}
	duration(&c.Mix.Retry.BaseDelay, raw.Mix.Retry.BaseDelay, "mix", "retry", "base_delay")
	if meta.IsDefined("mix", "retry", "backoff_multiplier") {
		c.Mix.Retry.BackoffMultiplier = raw.Mix.Retry.BackoffMultiplier
	}
	duration(&c.Mix.Retry.MaxDelay, raw.Mix.Retry.MaxDelay, "mix", "retry", "max_delay")
	if meta.IsDefined("mix", "retry", "jitter") {
		c.Mix.Retry.Jitter = raw.Mix.Retry.Jitter
	}

	// [dev]
	amount(&c.Dev.Fee, raw.Dev.Fee, "dev", "fee")
	for _, account := range raw.Dev.Accounts {
		balance, err := decimal.NewFromString(strings.TrimSpace(account.Balance))
		if err != nil {
			errs = append(errs, fmt.Errorf("dev.accounts %s: %w", account.Address, err))
			continue
		}
		c.Dev.Accounts = append(c.Dev.Accounts, DevAccount{
			Address: strings.TrimSpace(account.Address),
			Balance: balance,
		})
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides file values with environment variables
func (c *Config) applyEnv() error {
	setString := func(target *string, key string) bool {
		if value := os.Getenv(key); value != "" {
			*target = value
			return true
		}
		return false
	}

	if setString(&c.Database.ConnStr, "DB_CONN_STR") {
		c.Database.Enabled = true
	}
	if setString(&c.Database.Host, "DB_HOST") {
		c.Database.Enabled = true
	}
	setString(&c.Database.Port, "DB_PORT")
	setString(&c.Database.User, "DB_USER")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.Database.Name, "DB_NAME")

	setString(&c.APIToken, "API_TOKEN")
	setString(&c.GRPCAddr, "MIXFLOW_GRPC_ADDR")
	setString(&c.Log.Level, "MIXFLOW_LOG_LEVEL")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.NATS.URL, "NATS_URL")

	if raw := os.Getenv("MIXFLOW_LOG_DEVELOPMENT"); raw != "" {
		development, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("MIXFLOW_LOG_DEVELOPMENT: %w", err)
		}
		c.Log.Development = development
	}
	return nil
}
