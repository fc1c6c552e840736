package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the settlement engine configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Chain      ChainConfig      `yaml:"chain"`
	Custody    CustodyConfig    `yaml:"custody"`
	Swap       SwapConfig       `yaml:"swap"`
	Payout     PayoutConfig     `yaml:"payout"`
	Rates      RatesConfig      `yaml:"rates"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Processor  ProcessorConfig  `yaml:"processor"`
	Settlement SettlementConfig `yaml:"settlement"`
	Admin      AdminConfig      `yaml:"admin"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	Shutdown   ShutdownConfig   `yaml:"shutdown"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host              string        `yaml:"host" default:"0.0.0.0"`
	Port              int           `yaml:"port" default:"8080" validate:"min=1,max=65535"`
	ReadTimeout       time.Duration `yaml:"read_timeout" default:"15s"`
	WriteTimeout      time.Duration `yaml:"write_timeout" default:"60s"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" default:"60s"`
	MiddlewareTimeout time.Duration `yaml:"middleware_timeout" default:"60s"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	Host     string `yaml:"host" default:"localhost" validate:"required"`
	Port     int    `yaml:"port" default:"5432" validate:"min=1,max=65535"`
	User     string `yaml:"user" validate:"required"`
	Password string `yaml:"password"`
	Database string `yaml:"database" validate:"required"`
	SSLMode  string `yaml:"ssl_mode" default:"disable" validate:"oneof=disable require verify-ca verify-full"`

	MaxOpenConns    int           `yaml:"max_open_conns" default:"20" validate:"min=1"`
	MaxIdleConns    int           `yaml:"max_idle_conns" default:"5" validate:"min=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" default:"30m"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" default:"5s"`
}

// TokenConfig describes an ERC-20 token accepted as a deposit
type TokenConfig struct {
	Symbol   string `yaml:"symbol" validate:"required"`
	Address  string `yaml:"address" validate:"required,eth_addr"`
	Decimals int    `yaml:"decimals" default:"18" validate:"min=0,max=36"`
	// MinAmount is the minimum deposit in base units
	MinAmount string `yaml:"min_amount" default:"1" validate:"numeric"`
}

// ChainConfig contains EVM chain client settings
type ChainConfig struct {
	RPCURL        string        `yaml:"rpc_url" validate:"required,url"`
	ChainID       int64         `yaml:"chain_id" validate:"required,gt=0"`
	Confirmations uint64        `yaml:"confirmations" default:"1" validate:"min=1"`
	RPCTimeout    time.Duration `yaml:"rpc_timeout" default:"10s"`
	// RequestsPerSecond throttles outbound RPC calls; zero disables throttling
	RequestsPerSecond float64 `yaml:"requests_per_second" default:"20"`
	Burst             int     `yaml:"burst" default:"10"`
	// LookbackBlocks is how far behind the head the first deposit scan starts
	LookbackBlocks uint64 `yaml:"lookback_blocks" default:"100"`
	// MaxBlockRange bounds a single log query window
	MaxBlockRange uint64 `yaml:"max_block_range" default:"2000" validate:"min=1"`
	MaxGasPrice   string `yaml:"max_gas_price" validate:"omitempty,numeric"`

	DepositTokens     []TokenConfig `yaml:"deposit_tokens" validate:"required,min=1,dive"`
	SettlementToken   TokenConfig   `yaml:"settlement_token"`
	PoolWalletAddress string        `yaml:"pool_wallet_address" validate:"required,eth_addr"`
	FunderPrivateKey  string        `yaml:"funder_private_key" validate:"required"`
}

// CustodyConfig contains the deposit key derivation settings
type CustodyConfig struct {
	// MasterSecret is the hex encoded root secret. Use ${ENV_VAR} to keep it out of the file.
	MasterSecret string `yaml:"master_secret" validate:"required"`
}

// SwapConfig contains swap venue settings
type SwapConfig struct {
	FactoryAddress string `yaml:"factory_address" validate:"required,eth_addr"`
	RouterAddress  string `yaml:"router_address" validate:"required,eth_addr"`
	// Intermediates are the canonical assets tried for a two-hop route, in order
	Intermediates  []string      `yaml:"intermediates" validate:"max=2,dive,eth_addr"`
	SlippageBps    int64         `yaml:"slippage_bps" default:"100" validate:"min=0,max=5000"`
	Deadline       time.Duration `yaml:"deadline" default:"10m"`
	ApproveGas     uint64        `yaml:"approve_gas" default:"80000"`
	SwapGas        uint64        `yaml:"swap_gas" default:"350000"`
	SweepGas       uint64        `yaml:"sweep_gas" default:"80000"`
	GasBufferPct   int64         `yaml:"gas_buffer_pct" default:"20" validate:"min=0,max=500"`
	ReceiptTimeout time.Duration `yaml:"receipt_timeout" default:"2m"`
	ReceiptPoll    time.Duration `yaml:"receipt_poll" default:"3s"`
}

// PayoutConfig contains fiat payout gateway settings
type PayoutConfig struct {
	BaseURL string        `yaml:"base_url" validate:"required,url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout" default:"30s"`
	// ConfirmationTimeout bounds how long a payout may stay unconfirmed before the request fails
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout" default:"24h"`
	RequestsPerSecond   float64       `yaml:"requests_per_second" default:"5"`
}

// RatesConfig contains exchange rate settings
type RatesConfig struct {
	URL            string        `yaml:"url" validate:"omitempty,url"`
	FiatCurrency   string        `yaml:"fiat_currency" default:"NGN" validate:"len=3"`
	FallbackRate   string        `yaml:"fallback_rate" validate:"omitempty,numeric"`
	CacheTTL       time.Duration `yaml:"cache_ttl" default:"1m"`
	Timeout        time.Duration `yaml:"timeout" default:"10s"`
	PayoutDecimals int32         `yaml:"payout_decimals" default:"2"`
}

// RedisConfig contains Redis settings for the exchange rate cache
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr" default:"localhost:6379"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KafkaConfig contains status event publishing settings
type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic" default:"offramp.status"`
	ClientID string   `yaml:"client_id" default:"offramp-settlement"`
}

// ProcessorConfig contains batch processor settings
type ProcessorConfig struct {
	Enabled bool `yaml:"enabled" default:"true"`
	// Schedule is a cron spec with a seconds field
	Schedule      string        `yaml:"schedule" default:"*/30 * * * * *"`
	Workers       int           `yaml:"workers" default:"8" validate:"min=1,max=256"`
	BatchLimit    int           `yaml:"batch_limit" default:"200" validate:"min=1"`
	StepTimeout   time.Duration `yaml:"step_timeout" default:"5m"`
	TriggerSecret string        `yaml:"trigger_secret"`
}

// SettlementConfig contains state machine settings
type SettlementConfig struct {
	MaxAttempts int `yaml:"max_attempts" default:"10" validate:"min=1"`
	// MaxFiatAmount caps the fiat amount a single intake may request; empty disables the cap
	MaxFiatAmount string `yaml:"max_fiat_amount" validate:"omitempty,numeric"`
}

// AdminConfig contains administrative API settings
type AdminConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer" default:"offramp-admin"`
}

// MonitoringConfig contains monitoring and metrics settings
type MonitoringConfig struct {
	Enabled bool `yaml:"enabled" default:"true"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `yaml:"level" default:"info"`
	Format     string `yaml:"format" default:"json" validate:"oneof=json console"`
	OutputPath string `yaml:"output_path" default:"stdout"`
}

// ShutdownConfig contains graceful shutdown settings
type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout" default:"30s"`
}

var envRef = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

// Load loads configuration from a YAML file, applies defaults, expands ${ENV} secret
// references and validates the result.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from YAML bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// Slice elements are only defaulted after they exist.
	for i := range cfg.Chain.DepositTokens {
		if err := defaults.Set(&cfg.Chain.DepositTokens[i]); err != nil {
			return nil, fmt.Errorf("failed to apply token defaults: %w", err)
		}
	}

	if err := expandSecrets(&cfg); err != nil {
		return nil, err
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func expandSecrets(cfg *Config) error {
	for _, field := range []*string{
		&cfg.Custody.MasterSecret,
		&cfg.Chain.FunderPrivateKey,
		&cfg.Chain.RPCURL,
		&cfg.Database.Password,
		&cfg.Payout.APIKey,
		&cfg.Redis.Password,
		&cfg.Admin.JWTSecret,
		&cfg.Processor.TriggerSecret,
	} {
		m := envRef.FindStringSubmatch(strings.TrimSpace(*field))
		if m == nil {
			continue
		}
		v, ok := os.LookupEnv(m[1])
		if !ok {
			return fmt.Errorf("environment variable %s is not set", m[1])
		}
		*field = v
	}
	return nil
}

func validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}

	settlement := strings.ToLower(cfg.Chain.SettlementToken.Address)
	for _, t := range cfg.Chain.DepositTokens {
		if strings.ToLower(t.Address) == settlement {
			return fmt.Errorf("deposit token %s must not be the settlement token", t.Symbol)
		}
	}
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	if cfg.Rates.URL == "" && cfg.Rates.FallbackRate == "" {
		return fmt.Errorf("rates.url or rates.fallback_rate is required")
	}
	return nil
}
