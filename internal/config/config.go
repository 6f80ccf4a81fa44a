package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"EscrowLedger/internal/escrow"
)

// Config holds all application configuration.
type Config struct {
	Ledger struct {
		Multisig         string        `yaml:"multisig"`
		Custody          string        `yaml:"custody"`
		Sink             string        `yaml:"sink"`
		Token            string        `yaml:"token"`
		DepositLimit     string        `yaml:"deposit_limit"`
		InitialDeposit   string        `yaml:"initial_deposit"`
		ReleaseTimestamp int64         `yaml:"release_timestamp"`
		Cliff            time.Duration `yaml:"cliff"`
		Duration         time.Duration `yaml:"duration"`
		StateFile        string        `yaml:"state_file"`
	} `yaml:"ledger"`
	Token struct {
		Symbol  string            `yaml:"symbol"`
		DevMint bool              `yaml:"dev_mint"`
		Genesis map[string]string `yaml:"genesis"`
	} `yaml:"token"`
	Telegram struct {
		BotToken string `yaml:"bot_token"`
		ChatID   string `yaml:"chat_id"`
	} `yaml:"telegram"`
	Schedule struct {
		AuditCron   string `yaml:"audit_cron"`
		ReleaseCron string `yaml:"release_cron"`
	} `yaml:"schedule"`
	Database struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`
	API struct {
		Listen    string  `yaml:"listen"`
		JWTSecret string  `yaml:"jwt_secret"`
		JWTIssuer string  `yaml:"jwt_issuer"`
		RateLimit float64 `yaml:"rate_limit"`
		Burst     int     `yaml:"burst"`
	} `yaml:"api"`
	Log struct {
		File string `yaml:"file"`
		Env  string `yaml:"env"`
	} `yaml:"log"`
	Proxy string `yaml:"proxy"`
}

// Load reads config from a YAML file, then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv("HTTPS_PROXY"); v != "" {
		cfg.Proxy = v
	}
	if v := os.Getenv("ESCROW_MULTISIG"); v != "" {
		cfg.Ledger.Multisig = v
	}
	if v := os.Getenv("ESCROW_DEPOSIT_LIMIT"); v != "" {
		cfg.Ledger.DepositLimit = v
	}
	if v := os.Getenv("ESCROW_RELEASE_TIMESTAMP"); v != "" {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Ledger.ReleaseTimestamp = ts
		}
	}
	if v := os.Getenv("ESCROW_STATE_FILE"); v != "" {
		cfg.Ledger.StateFile = v
	}
	if v := os.Getenv("CRON_AUDIT"); v != "" {
		cfg.Schedule.AuditCron = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Database.SQLitePath = v
	}
	if v := os.Getenv("API_LISTEN"); v != "" {
		cfg.API.Listen = v
	}
	if v := os.Getenv("API_JWT_SECRET"); v != "" {
		cfg.API.JWTSecret = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.Log.Env = v
	}

	// Defaults
	if cfg.Token.Symbol == "" {
		cfg.Token.Symbol = "ESC"
	}
	if cfg.Ledger.DepositLimit == "" {
		cfg.Ledger.DepositLimit = "75000000"
	}
	if cfg.Ledger.InitialDeposit == "" {
		cfg.Ledger.InitialDeposit = "0"
	}
	if cfg.Ledger.StateFile == "" {
		cfg.Ledger.StateFile = "data/ledger_state.json"
	}
	if cfg.Schedule.AuditCron == "" {
		cfg.Schedule.AuditCron = "0 */15 * * * *"
	}
	if cfg.Schedule.ReleaseCron == "" {
		cfg.Schedule.ReleaseCron = "0 * * * * *"
	}
	if cfg.Database.SQLitePath == "" {
		cfg.Database.SQLitePath = "data/escrow_ledger.db"
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = ":8080"
	}
	if cfg.API.RateLimit == 0 {
		cfg.API.RateLimit = 5
	}
	if cfg.API.Burst == 0 {
		cfg.API.Burst = 10
	}
	if cfg.Log.Env == "" {
		cfg.Log.Env = "development"
	}

	return cfg, nil
}

// Validate checks that all required fields are set.
func (c *Config) Validate() error {
	for name, v := range map[string]string{
		"ledger.multisig": c.Ledger.Multisig,
		"ledger.custody":  c.Ledger.Custody,
		"ledger.sink":     c.Ledger.Sink,
		"ledger.token":    c.Ledger.Token,
	} {
		if _, err := parseAddress(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if _, err := c.LedgerParams(); err != nil {
		return err
	}
	if _, err := c.GenesisBalances(); err != nil {
		return err
	}
	if c.Ledger.Cliff < 0 || c.Ledger.Duration < 0 {
		return fmt.Errorf("ledger.cliff and ledger.duration must not be negative")
	}
	if c.Telegram.BotToken != "" && c.Telegram.ChatID == "" {
		return fmt.Errorf("telegram.chat_id is required when telegram.bot_token is set")
	}
	if c.API.JWTSecret == "" {
		return fmt.Errorf("api.jwt_secret is required")
	}
	if c.API.RateLimit < 0 || c.API.Burst < 0 {
		return fmt.Errorf("api.rate_limit and api.burst must not be negative")
	}
	return nil
}

// TelegramEnabled reports whether chat notifications are configured.
func (c *Config) TelegramEnabled() bool {
	return c.Telegram.BotToken != "" && c.Telegram.ChatID != ""
}

// LedgerParams converts the ledger section into construction parameters.
func (c *Config) LedgerParams() (escrow.Params, error) {
	var (
		p   escrow.Params
		err error
	)
	if p.Authority, err = parseAddress(c.Ledger.Multisig); err != nil {
		return p, fmt.Errorf("ledger.multisig: %w", err)
	}
	if p.Custody, err = parseAddress(c.Ledger.Custody); err != nil {
		return p, fmt.Errorf("ledger.custody: %w", err)
	}
	if p.Sink, err = parseAddress(c.Ledger.Sink); err != nil {
		return p, fmt.Errorf("ledger.sink: %w", err)
	}
	if p.Token, err = parseAddress(c.Ledger.Token); err != nil {
		return p, fmt.Errorf("ledger.token: %w", err)
	}
	if p.DepositLimit, err = ParseAmount(c.Ledger.DepositLimit); err != nil {
		return p, fmt.Errorf("ledger.deposit_limit: %w", err)
	}
	if p.InitialDeposited, err = ParseAmount(c.Ledger.InitialDeposit); err != nil {
		return p, fmt.Errorf("ledger.initial_deposit: %w", err)
	}
	if p.InitialDeposited.Gt(p.DepositLimit) {
		return p, fmt.Errorf("ledger.initial_deposit %s exceeds ledger.deposit_limit %s", p.InitialDeposited, p.DepositLimit)
	}
	p.ReleaseTimestamp = c.Ledger.ReleaseTimestamp
	p.Cliff = c.Ledger.Cliff
	p.Duration = c.Ledger.Duration
	return p, nil
}

// GenesisBalances parses the token.genesis map of address to amount.
func (c *Config) GenesisBalances() (map[common.Address]*uint256.Int, error) {
	out := make(map[common.Address]*uint256.Int, len(c.Token.Genesis))
	for k, v := range c.Token.Genesis {
		addr, err := parseAddress(k)
		if err != nil {
			return nil, fmt.Errorf("token.genesis: %w", err)
		}
		amt, err := ParseAmount(v)
		if err != nil {
			return nil, fmt.Errorf("token.genesis[%s]: %w", k, err)
		}
		out[addr] = amt
	}
	return out, nil
}

// ParseAmount parses a base-10 token amount.
func ParseAmount(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("zero address not allowed")
	}
	return addr, nil
}
