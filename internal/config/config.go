// Package config builds the service configuration once at startup from an
// optional YAML file and environment overrides. The resulting Config is
// passed explicitly to every component constructor.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/bitmor/loan-engine/internal/deribit"
)

// Ledger backends.
const (
	BackendMemory   = "memory"
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
)

// Config captures the runtime settings of the loan engine.
type Config struct {
	Service   string          `yaml:"service"`
	Env       string          `yaml:"env"`
	LogLevel  string          `yaml:"log_level"`
	Port      string          `yaml:"port"`
	Store     StoreConfig     `yaml:"store"`
	Chain     ChainConfig     `yaml:"chain"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Deribit   DeribitConfig   `yaml:"deribit"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// StoreConfig selects and connects the ledger store.
type StoreConfig struct {
	Backend        string        `yaml:"backend"`
	MongoURI       string        `yaml:"mongo_uri"`
	MongoDatabase  string        `yaml:"mongo_database"`
	PostgresURL    string        `yaml:"postgres_url"`
	RedisURL       string        `yaml:"redis_url"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// ChainConfig describes the RPC endpoints, contracts and log polling.
type ChainConfig struct {
	RPCURL               string        `yaml:"rpc_url"`
	MainnetRPCURL        string        `yaml:"mainnet_rpc_url"`
	ChainID              int64         `yaml:"chain_id"`
	LoanAddress          string        `yaml:"loan_address"`
	LendingPoolAddress   string        `yaml:"lending_pool_address"`
	AutoRepaymentAddress string        `yaml:"auto_repayment_address"`
	PriceFeedAddress     string        `yaml:"price_feed_address"`
	EventSchema          int           `yaml:"event_schema"`
	ExecutorKey          string        `yaml:"executor_key"`
	Confirmations        uint64        `yaml:"confirmations"`
	StartBlock           uint64        `yaml:"start_block"`
	MaxBlocks            uint64        `yaml:"max_blocks"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	RatePerSec           float64       `yaml:"rate_per_sec"`
	ReceiptPoll          time.Duration `yaml:"receipt_poll"`
	HandlerRetries       int           `yaml:"handler_retries"`
}

// ProtocolConfig holds the protocol parameters applied to estimates.
// Rates are percentages.
type ProtocolConfig struct {
	MaxInterestRate Percent `yaml:"max_interest_rate"`
	FlashLoanFee    Percent `yaml:"flash_loan_fee"`
	ProtocolFee     Percent `yaml:"protocol_fee"`
	InsuranceRate   Percent `yaml:"insurance_rate"`
	QuoteDecimals   int32   `yaml:"quote_decimals"`
}

// DeribitConfig configures the options venue client.
type DeribitConfig struct {
	BaseURL      string  `yaml:"base_url"`
	ClientID     string  `yaml:"client_id"`
	ClientSecret string  `yaml:"client_secret"`
	Currency     string  `yaml:"currency"`
	RatePerSec   float64 `yaml:"rate_per_sec"`
}

// SchedulerConfig configures the auto-repayment scheduler.
type SchedulerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Spec           string        `yaml:"spec"`
	ReceiptTimeout time.Duration `yaml:"receipt_timeout"`
	Workers        int           `yaml:"workers"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
}

// Percent is a decimal percentage written as a plain number, e.g. 3.35.
type Percent struct {
	decimal.Decimal
}

// UnmarshalYAML parses the scalar exactly, without a float round trip.
func (p *Percent) UnmarshalYAML(node *yaml.Node) error {
	d, err := decimal.NewFromString(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("line %d: invalid percentage %q", node.Line, node.Value)
	}
	p.Decimal = d
	return nil
}

func pct(s string) Percent {
	return Percent{decimal.RequireFromString(s)}
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Service:  "loan-engine",
		Env:      "development",
		LogLevel: "info",
		Port:     "8080",
		Store: StoreConfig{
			Backend:        BackendMemory,
			MongoDatabase:  "loans",
			CacheTTL:       30 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
		Chain: ChainConfig{
			ChainID:        8453,
			EventSchema:    2,
			Confirmations:  2,
			MaxBlocks:      2000,
			PollInterval:   5 * time.Second,
			ReceiptPoll:    2 * time.Second,
			HandlerRetries: 3,
		},
		Protocol: ProtocolConfig{
			MaxInterestRate: pct("12"),
			FlashLoanFee:    pct("0.09"),
			ProtocolFee:     pct("0.5"),
			InsuranceRate:   pct("3.35"),
			QuoteDecimals:   6,
		},
		Deribit: DeribitConfig{
			BaseURL:    deribit.DefaultBaseURL,
			Currency:   "BTC",
			RatePerSec: 5,
		},
		Scheduler: SchedulerConfig{
			Enabled:        true,
			Spec:           "0 */6 * * *",
			ReceiptTimeout: 3 * time.Minute,
			Workers:        4,
			LockTTL:        time.Hour,
		},
	}
}

// Load reads CONFIG_FILE (if set), applies environment overrides and
// validates the result.
func Load() (Config, error) {
	return load(os.Getenv("CONFIG_FILE"), os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envReader collects parse failures so every bad variable is reported at once.
type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := r.lookup(key); ok {
		*dst = v
	}
}

func (r *envReader) integer(key string, dst *int) {
	if v, ok := r.lookup(key); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: must be an integer, got %q", key, v))
			return
		}
		*dst = n
	}
}

func (r *envReader) integer64(key string, dst *int64) {
	if v, ok := r.lookup(key); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: must be an integer, got %q", key, v))
			return
		}
		*dst = n
	}
}

func (r *envReader) unsigned(key string, dst *uint64) {
	if v, ok := r.lookup(key); ok {
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: must be a non-negative integer, got %q", key, v))
			return
		}
		*dst = n
	}
}

func (r *envReader) float(key string, dst *float64) {
	if v, ok := r.lookup(key); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: must be a number, got %q", key, v))
			return
		}
		*dst = f
	}
}

func (r *envReader) boolean(key string, dst *bool) {
	if v, ok := r.lookup(key); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: must be a boolean, got %q", key, v))
			return
		}
		*dst = b
	}
}

func (r *envReader) duration(key string, dst *time.Duration) {
	if v, ok := r.lookup(key); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: must be a duration, got %q", key, v))
			return
		}
		*dst = d
	}
}

func (r *envReader) percent(key string, dst *Percent) {
	if v, ok := r.lookup(key); ok {
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: must be a decimal, got %q", key, v))
			return
		}
		dst.Decimal = d
	}
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	r := &envReader{lookup: lookup}

	r.str("SERVICE_NAME", &cfg.Service)
	r.str("ENV", &cfg.Env)
	r.str("LOG_LEVEL", &cfg.LogLevel)
	r.str("PORT", &cfg.Port)

	r.str("LEDGER_BACKEND", &cfg.Store.Backend)
	r.str("DATABASE_URI", &cfg.Store.MongoURI)
	r.str("DATABASE_NAME", &cfg.Store.MongoDatabase)
	r.str("DATABASE_URL", &cfg.Store.PostgresURL)
	r.str("REDIS_URL", &cfg.Store.RedisURL)
	r.duration("CACHE_TTL", &cfg.Store.CacheTTL)

	r.str("RPC_URL", &cfg.Chain.RPCURL)
	r.str("RPC_URL_MAINNET", &cfg.Chain.MainnetRPCURL)
	r.integer64("CHAIN_ID", &cfg.Chain.ChainID)
	r.str("ADDR_LOAN", &cfg.Chain.LoanAddress)
	r.str("ADDR_LENDING_POOL", &cfg.Chain.LendingPoolAddress)
	r.str("ADDR_AUTO_REPAYMENT", &cfg.Chain.AutoRepaymentAddress)
	r.str("ADDR_PRICE_FEED", &cfg.Chain.PriceFeedAddress)
	r.integer("EVENT_SCHEMA_VERSION", &cfg.Chain.EventSchema)
	r.str("EXECUTOR_PRIVATE_KEY", &cfg.Chain.ExecutorKey)
	r.unsigned("CONFIRMATIONS", &cfg.Chain.Confirmations)
	r.unsigned("START_BLOCK", &cfg.Chain.StartBlock)
	r.duration("POLL_INTERVAL", &cfg.Chain.PollInterval)

	r.percent("MAX_INTEREST_RATE", &cfg.Protocol.MaxInterestRate)
	r.percent("FLASH_LOAN_FEE", &cfg.Protocol.FlashLoanFee)
	r.percent("PROTOCOL_LOAN_INIT_FEE", &cfg.Protocol.ProtocolFee)
	r.percent("INSURANCE_RATE", &cfg.Protocol.InsuranceRate)

	r.str("DERIBIT_BASE_URL", &cfg.Deribit.BaseURL)
	r.str("DERIBIT_CLIENT_ID", &cfg.Deribit.ClientID)
	r.str("DERIBIT_CLIENT_SECRET", &cfg.Deribit.ClientSecret)
	r.float("DERIBIT_RATE_PER_SEC", &cfg.Deribit.RatePerSec)

	r.boolean("AUTO_REPAYMENT_ENABLED", &cfg.Scheduler.Enabled)
	r.str("AUTO_REPAYMENT_CRON", &cfg.Scheduler.Spec)
	r.duration("RECEIPT_TIMEOUT", &cfg.Scheduler.ReceiptTimeout)
	r.integer("SCHEDULER_WORKERS", &cfg.Scheduler.Workers)

	return errors.Join(r.errs...)
}

func (cfg *Config) normalize() {
	cfg.Service = strings.TrimSpace(cfg.Service)
	cfg.Env = strings.TrimSpace(cfg.Env)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.Port = strings.TrimPrefix(strings.TrimSpace(cfg.Port), ":")
	if cfg.Port == "" {
		cfg.Port = "8080"
	}

	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendMemory
	}
	cfg.Store.MongoURI = strings.TrimSpace(cfg.Store.MongoURI)
	cfg.Store.PostgresURL = strings.TrimSpace(cfg.Store.PostgresURL)
	cfg.Store.RedisURL = strings.TrimSpace(cfg.Store.RedisURL)

	cfg.Chain.RPCURL = strings.TrimSpace(cfg.Chain.RPCURL)
	cfg.Chain.MainnetRPCURL = strings.TrimSpace(cfg.Chain.MainnetRPCURL)
	cfg.Chain.LoanAddress = strings.TrimSpace(cfg.Chain.LoanAddress)
	cfg.Chain.LendingPoolAddress = strings.TrimSpace(cfg.Chain.LendingPoolAddress)
	cfg.Chain.AutoRepaymentAddress = strings.TrimSpace(cfg.Chain.AutoRepaymentAddress)
	cfg.Chain.PriceFeedAddress = strings.TrimSpace(cfg.Chain.PriceFeedAddress)
	cfg.Chain.ExecutorKey = strings.TrimPrefix(strings.TrimSpace(cfg.Chain.ExecutorKey), "0x")

	cfg.Deribit.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Deribit.BaseURL), "/")
	cfg.Scheduler.Spec = strings.TrimSpace(cfg.Scheduler.Spec)
}

func (cfg *Config) validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level: unknown level %q", cfg.LogLevel)
	}
	if p, err := strconv.Atoi(cfg.Port); err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("port: invalid port %q", cfg.Port)
	}
	if err := cfg.Store.validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := cfg.Chain.validate(); err != nil {
		return fmt.Errorf("chain: %w", err)
	}
	if err := cfg.Protocol.validate(); err != nil {
		return fmt.Errorf("protocol: %w", err)
	}
	if cfg.Scheduler.Enabled && cfg.Chain.ExecutorKey == "" {
		return fmt.Errorf("scheduler: executor_key is required when auto-repayment is enabled")
	}
	return nil
}

func (s StoreConfig) validate() error {
	switch s.Backend {
	case BackendMemory:
	case BackendMongo:
		if s.MongoURI == "" {
			return fmt.Errorf("mongo_uri is required for the mongo backend")
		}
		if s.MongoDatabase == "" {
			return fmt.Errorf("mongo_database is required for the mongo backend")
		}
	case BackendPostgres:
		if s.PostgresURL == "" {
			return fmt.Errorf("postgres_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", s.Backend)
	}
	return nil
}

func (c ChainConfig) validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("rpc_url is required")
	}
	for name, addr := range map[string]string{
		"loan_address":           c.LoanAddress,
		"lending_pool_address":   c.LendingPoolAddress,
		"auto_repayment_address": c.AutoRepaymentAddress,
		"price_feed_address":     c.PriceFeedAddress,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%s: invalid address %q", name, addr)
		}
	}
	if c.EventSchema <= 0 {
		return fmt.Errorf("event_schema must be positive")
	}
	if c.MaxBlocks == 0 {
		return fmt.Errorf("max_blocks must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	return nil
}

func (p ProtocolConfig) validate() error {
	for name, v := range map[string]Percent{
		"max_interest_rate": p.MaxInterestRate,
		"flash_loan_fee":    p.FlashLoanFee,
		"protocol_fee":      p.ProtocolFee,
		"insurance_rate":    p.InsuranceRate,
	} {
		if v.IsNegative() {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if p.QuoteDecimals < 0 || p.QuoteDecimals > 18 {
		return fmt.Errorf("quote_decimals out of range: %d", p.QuoteDecimals)
	}
	return nil
}
