package nftbridged

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"nftbridge/crypto"
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

// UnmarshalText parses durations for TOML documents.
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

// Config captures the runtime configuration for nftbridged.
type Config struct {
	Environment string           `yaml:"env" toml:"env"`
	Chain       ChainConfig      `yaml:"chain" toml:"chain"`
	Queue       QueueConfig      `yaml:"queue" toml:"queue"`
	Store       StoreConfig      `yaml:"store" toml:"store"`
	Snapshot    SnapshotConfig   `yaml:"snapshot" toml:"snapshot"`
	Ledger      LedgerConfig     `yaml:"ledger" toml:"ledger"`
	Moderation  ModerationConfig `yaml:"moderation" toml:"moderation"`
	Social      SocialConfig     `yaml:"social" toml:"social"`
	Logging     LoggingConfig    `yaml:"logging" toml:"logging"`
	Ops         OpsConfig        `yaml:"ops" toml:"ops"`
}

// ChainConfig configures the contract connection and the custodial signer.
type ChainConfig struct {
	RPCURL         string   `yaml:"rpc_url" toml:"rpc_url"`
	Contract       string   `yaml:"contract" toml:"contract"`
	SignerKey      string   `yaml:"signer_key" toml:"signer_key"`
	SignerKeyFile  string   `yaml:"signer_key_file" toml:"signer_key_file"`
	SignerKeyEnv   string   `yaml:"signer_key_env" toml:"signer_key_env"`
	Keystore       string   `yaml:"keystore" toml:"keystore"`
	PassphraseEnv  string   `yaml:"keystore_passphrase_env" toml:"keystore_passphrase_env"`
	GasMargin      uint64   `yaml:"gas_margin_percent" toml:"gas_margin_percent"`
	LogBuffer      int      `yaml:"log_buffer" toml:"log_buffer"`
	HandlerTimeout Duration `yaml:"handler_timeout" toml:"handler_timeout"`
	DialTimeout    Duration `yaml:"dial_timeout" toml:"dial_timeout"`
}

// QueueConfig bounds the action queue.
type QueueConfig struct {
	Capacity      int      `yaml:"capacity" toml:"capacity"`
	ActionTimeout Duration `yaml:"action_timeout" toml:"action_timeout"`
}

// StoreConfig selects the state store backend.
type StoreConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	Path    string `yaml:"path" toml:"path"`
}

// SnapshotConfig controls snapshot persistence. An empty path disables it.
type SnapshotConfig struct {
	Path     string   `yaml:"path" toml:"path"`
	Interval Duration `yaml:"interval" toml:"interval"`
}

// LedgerConfig points at the relational ledger. An empty DSN disables ledger updates.
type LedgerConfig struct {
	DSN    string `yaml:"dsn" toml:"dsn"`
	DSNEnv string `yaml:"dsn_env" toml:"dsn_env"`
}

// ModerationConfig configures the moderation model.
type ModerationConfig struct {
	APIKey     string   `yaml:"api_key" toml:"api_key"`
	APIKeyEnv  string   `yaml:"api_key_env" toml:"api_key_env"`
	BaseURL    string   `yaml:"base_url" toml:"base_url"`
	Model      string   `yaml:"model" toml:"model"`
	Timeout    Duration `yaml:"timeout" toml:"timeout"`
	MaxRetries int      `yaml:"max_retries" toml:"max_retries"`
}

// SocialConfig carries the application credentials for posting.
type SocialConfig struct {
	ConsumerKey       string  `yaml:"consumer_key" toml:"consumer_key"`
	ConsumerKeyEnv    string  `yaml:"consumer_key_env" toml:"consumer_key_env"`
	ConsumerSecret    string  `yaml:"consumer_secret" toml:"consumer_secret"`
	ConsumerSecretEnv string  `yaml:"consumer_secret_env" toml:"consumer_secret_env"`
	APIBase           string  `yaml:"api_base" toml:"api_base"`
	UploadBase        string  `yaml:"upload_base" toml:"upload_base"`
	RatePerSecond     float64 `yaml:"rate_per_second" toml:"rate_per_second"`
	Burst             int     `yaml:"burst" toml:"burst"`
	MaxMediaBytes     int64   `yaml:"max_media_bytes" toml:"max_media_bytes"`
}

// LoggingConfig tunes the structured logger.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// OpsConfig configures the health and metrics listener.
type OpsConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
}

// LoadConfig reads configuration from the supplied path. Files ending in .toml are decoded
// as TOML, everything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.NewDecoder(file).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else {
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := cfg.Chain.normalise(); err != nil {
		return cfg, fmt.Errorf("chain signer: %w", err)
	}
	cfg.Ledger.DSN = fromEnv(cfg.Ledger.DSN, cfg.Ledger.DSNEnv)
	cfg.Moderation.APIKey = fromEnv(cfg.Moderation.APIKey, cfg.Moderation.APIKeyEnv)
	cfg.Social.ConsumerKey = fromEnv(cfg.Social.ConsumerKey, cfg.Social.ConsumerKeyEnv)
	cfg.Social.ConsumerSecret = fromEnv(cfg.Social.ConsumerSecret, cfg.Social.ConsumerSecretEnv)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Chain.GasMargin == 0 {
		cfg.Chain.GasMargin = 20
	}
	if cfg.Chain.LogBuffer <= 0 {
		cfg.Chain.LogBuffer = 128
	}
	if cfg.Chain.HandlerTimeout.Duration == 0 {
		cfg.Chain.HandlerTimeout.Duration = 5 * time.Minute
	}
	if cfg.Chain.DialTimeout.Duration == 0 {
		cfg.Chain.DialTimeout.Duration = 10 * time.Second
	}
	if cfg.Queue.Capacity <= 0 {
		cfg.Queue.Capacity = 64
	}
	if cfg.Queue.ActionTimeout.Duration == 0 {
		cfg.Queue.ActionTimeout.Duration = 2 * time.Minute
	}
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Snapshot.Interval.Duration == 0 {
		cfg.Snapshot.Interval.Duration = time.Minute
	}
	if cfg.Moderation.Timeout.Duration == 0 {
		cfg.Moderation.Timeout.Duration = 30 * time.Second
	}
	if cfg.Social.RatePerSecond == 0 {
		cfg.Social.RatePerSecond = 1
	}
	if cfg.Social.Burst <= 0 {
		cfg.Social.Burst = 5
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Ops.Listen == "" {
		cfg.Ops.Listen = ":9102"
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
		return fmt.Errorf("chain rpc_url must be configured")
	}
	if !common.IsHexAddress(cfg.Chain.Contract) {
		return fmt.Errorf("chain contract %q is not a valid address", cfg.Chain.Contract)
	}
	if cfg.Chain.GasMargin > 100 {
		return fmt.Errorf("chain gas_margin_percent must be at most 100")
	}
	switch cfg.Store.Backend {
	case "memory":
	case "bolt", "sqlite":
		if strings.TrimSpace(cfg.Store.Path) == "" {
			return fmt.Errorf("store path must be configured for the %s backend", cfg.Store.Backend)
		}
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	if strings.TrimSpace(cfg.Moderation.APIKey) == "" {
		return fmt.Errorf("moderation api_key must be configured")
	}
	if cfg.Social.ConsumerKey == "" || cfg.Social.ConsumerSecret == "" {
		return fmt.Errorf("social consumer_key and consumer_secret must be configured")
	}
	return nil
}

func (c *ChainConfig) normalise() error {
	if c == nil {
		return fmt.Errorf("chain configuration missing")
	}
	c.SignerKey = strings.TrimSpace(c.SignerKey)
	c.SignerKeyEnv = strings.TrimSpace(c.SignerKeyEnv)
	c.SignerKeyFile = strings.TrimSpace(c.SignerKeyFile)
	c.Keystore = strings.TrimSpace(c.Keystore)
	if c.SignerKey != "" {
		return nil
	}
	switch {
	case c.SignerKeyEnv != "":
		value := strings.TrimSpace(os.Getenv(c.SignerKeyEnv))
		if value == "" {
			return fmt.Errorf("signer_key_env %s is empty", c.SignerKeyEnv)
		}
		c.SignerKey = value
	case c.SignerKeyFile != "":
		contents, err := os.ReadFile(c.SignerKeyFile)
		if err != nil {
			return fmt.Errorf("read signer_key_file: %w", err)
		}
		c.SignerKey = strings.TrimSpace(string(contents))
	case c.Keystore != "":
		// decrypted at startup so the passphrase prompt happens after logging is configured
	default:
		return fmt.Errorf("signer_key or keystore is required")
	}
	return nil
}

// LoadSigner resolves the configured custodial key.
func (c ChainConfig) LoadSigner() (*crypto.PrivateKey, error) {
	if c.SignerKey != "" {
		return crypto.PrivateKeyFromHex(c.SignerKey)
	}
	return crypto.LoadSigner(c.Keystore, crypto.NewPassphraseSource(c.PassphraseEnv))
}

func fromEnv(value, envVar string) string {
	value = strings.TrimSpace(value)
	if value != "" {
		return value
	}
	if envVar = strings.TrimSpace(envVar); envVar != "" {
		return strings.TrimSpace(os.Getenv(envVar))
	}
	return ""
}
