package config

import (
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
)

// Config holds all configuration for recurpay
type Config struct {
	// Network selection
	Network    string `env:"NETWORK" envDefault:"hardhatMainnet"`
	RPC        string `env:"RPC_URL"`
	PrivateKey string `env:"PRIVATE_KEY"`

	// Per-network endpoints and keys
	LocalRPC        string `env:"LOCAL_RPC_URL" envDefault:"http://127.0.0.1:8545"`
	SepoliaRPC      string `env:"SEPOLIA_RPC_URL"`
	SepoliaKey      string `env:"SEPOLIA_PRIVATE_KEY"`
	ConfluxRPC      string `env:"CONFLUX_RPC_URL"`
	ConfluxKey      string `env:"CONFLUX_PRIVATE_KEY"`
	ConfluxScanKey  string `env:"CONFLUXSCAN_API_KEY" envDefault:"confluxscan-placeholder-key"`
	EtherscanAPIKey string `env:"ETHERSCAN_API_KEY"`

	// Deployment
	Workspace     string        `env:"WORKSPACE" envDefault:"."`
	ArtifactsDir  string        `env:"ARTIFACTS_DIR" envDefault:"artifacts"`
	Confirmations uint64        `env:"CONFIRMATIONS" envDefault:"5"`
	Timeout       time.Duration `env:"CONTRACT_TIMEOUT" envDefault:"5m"`

	// Recurring payment interaction
	CompanyAddress string `env:"COMPANY_ADDRESS"`
	DepositAmount  string `env:"DEPOSIT_AMOUNT" envDefault:"5.0"`
	WithdrawAmount string `env:"WITHDRAW_AMOUNT"`

	// Upkeep
	LedgerDSN string `env:"LEDGER_DSN" envDefault:"recurpay.db"`
	Schedule  string `env:"UPKEEP_SCHEDULE" envDefault:"* * * * *"`

	// Logging and testing
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	Verbose    bool   `env:"VERBOSE"`
	Antithesis bool   `env:"ANTITHESIS"`
}

// Load reads .env files when present, then the process environment.
func Load(envFiles ...string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load(envFiles...)

	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}
	return &c, nil
}

// Level is the effective log level.
func (c *Config) Level() string {
	if c.Verbose {
		return "debug"
	}
	return c.LogLevel
}
