package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"deedescrow/crypto"
)

// AuthorityPassphraseEnv names the environment variable holding the authority
// keystore passphrase. An unset variable means an empty passphrase.
const AuthorityPassphraseEnv = "DEEDESCROW_AUTHORITY_PASSPHRASE"

type Config struct {
	ListenAddress         string          `toml:"ListenAddress"`
	DataDir               string          `toml:"DataDir"`
	StateBackend          string          `toml:"StateBackend"`
	AuditDBPath           string          `toml:"AuditDBPath"`
	Environment           string          `toml:"Environment"`
	AuthorityKeystorePath string          `toml:"AuthorityKeystorePath"`
	Authority             AuthorityConfig `toml:"Authority"`
	RPC                   RPCConfig       `toml:"RPC"`
	Events                EventsConfig    `toml:"Events"`
	Telemetry             TelemetryConfig `toml:"Telemetry"`
	Genesis               GenesisConfig   `toml:"Genesis"`
}

// AuthorityConfig fixes the escrow roles. Addresses accept bech32 or hex.
type AuthorityConfig struct {
	Address   string `toml:"Address"`
	Seller    string `toml:"Seller"`
	Inspector string `toml:"Inspector"`
	Lender    string `toml:"Lender"`
}

type RPCConfig struct {
	RequestsPerMinute        int `toml:"RequestsPerMinute"`
	Burst                    int `toml:"Burst"`
	TimestampSkewSeconds     int `toml:"TimestampSkewSeconds"`
	NonceTTLSeconds          int `toml:"NonceTTLSeconds"`
	ReadHeaderTimeoutSeconds int `toml:"ReadHeaderTimeoutSeconds"`
}

type EventsConfig struct {
	HistorySize int `toml:"HistorySize"`
	TTLSeconds  int `toml:"TTLSeconds"`
}

type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers"`
	Metrics  bool   `toml:"Metrics"`
	Traces   bool   `toml:"Traces"`
}

// GenesisConfig seeds an empty database: ledger balances and deeds minted to
// their first owners.
type GenesisConfig struct {
	Accounts []GenesisAccount `toml:"Accounts"`
	Deeds    []GenesisDeed    `toml:"Deeds"`
}

type GenesisAccount struct {
	Address string `toml:"Address"`
	Balance string `toml:"Balance"`
}

type GenesisDeed struct {
	Owner string `toml:"Owner"`
	URI   string `toml:"URI"`
	// ApproveAuthority pre-approves the escrow authority to take custody.
	ApproveAuthority bool `toml:"ApproveAuthority"`
}

func (c RPCConfig) TimestampSkew() time.Duration {
	return time.Duration(c.TimestampSkewSeconds) * time.Second
}

func (c RPCConfig) NonceTTL() time.Duration {
	return time.Duration(c.NonceTTLSeconds) * time.Second
}

func (c RPCConfig) ReadHeaderTimeout() time.Duration {
	return time.Duration(c.ReadHeaderTimeoutSeconds) * time.Second
}

func (c EventsConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// Load loads the configuration from the given path. A missing file is
// replaced by defaults with a freshly generated authority key.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if err := ensureAuthority(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8547"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./escrow-data"
	}
	if strings.TrimSpace(cfg.StateBackend) == "" {
		cfg.StateBackend = "leveldb"
	}
	if strings.TrimSpace(cfg.AuditDBPath) == "" {
		cfg.AuditDBPath = filepath.Join(cfg.DataDir, "audit.db")
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "dev"
	}
	if cfg.RPC.RequestsPerMinute == 0 {
		cfg.RPC.RequestsPerMinute = 120
	}
	if cfg.RPC.Burst == 0 {
		cfg.RPC.Burst = 20
	}
	if cfg.RPC.TimestampSkewSeconds == 0 {
		cfg.RPC.TimestampSkewSeconds = 120
	}
	if cfg.RPC.NonceTTLSeconds == 0 {
		cfg.RPC.NonceTTLSeconds = 600
	}
	if cfg.RPC.ReadHeaderTimeoutSeconds == 0 {
		cfg.RPC.ReadHeaderTimeoutSeconds = 5
	}
	if cfg.Events.HistorySize == 0 {
		cfg.Events.HistorySize = 256
	}
	if cfg.Events.TTLSeconds == 0 {
		cfg.Events.TTLSeconds = 900
	}
}

// ensureAuthority makes sure the authority keystore exists and the authority
// address matches it, persisting the derived address when it was empty.
func ensureAuthority(configPath string, cfg *Config) error {
	keystorePath := cfg.AuthorityKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}
	passphrase := os.Getenv(AuthorityPassphraseEnv)

	var key *crypto.PrivateKey
	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, err = crypto.GeneratePrivateKey()
		if err != nil {
			return err
		}
		strength := crypto.StandardScrypt
		if strings.EqualFold(cfg.Environment, "dev") {
			strength = crypto.LightScrypt
		}
		if err := crypto.SaveToKeystoreWithStrength(keystorePath, key, passphrase, strength); err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else {
		key, err = crypto.LoadFromKeystore(keystorePath, passphrase)
		if err != nil {
			return fmt.Errorf("config: load authority keystore: %w", err)
		}
	}

	derived := key.PubKey().Address().String()
	changed := cfg.AuthorityKeystorePath != keystorePath
	switch strings.TrimSpace(cfg.Authority.Address) {
	case "":
		cfg.Authority.Address = derived
		changed = true
	default:
		configured, err := crypto.ParseAddress(cfg.Authority.Address)
		if err != nil {
			return fmt.Errorf("config: authority address: %w", err)
		}
		if configured != key.PubKey().Address().Bytes() {
			return fmt.Errorf("config: authority address %s does not match keystore %s", cfg.Authority.Address, derived)
		}
	}
	cfg.AuthorityKeystorePath = keystorePath
	if changed {
		return persist(configPath, cfg)
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := ensureAuthority(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "authority.keystore")
}
