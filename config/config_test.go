package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"deedescrow/crypto"
)

func newAddress(t *testing.T) string {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key.PubKey().Address().String()
}

func TestLoadCreatesDefaultWithAuthorityKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "escrowd.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8547", cfg.ListenAddress)
	require.Equal(t, filepath.Join(dir, "authority.keystore"), cfg.AuthorityKeystorePath)
	require.FileExists(t, path)

	key, err := crypto.LoadFromKeystore(cfg.AuthorityKeystorePath, "")
	require.NoError(t, err)
	require.Equal(t, key.PubKey().Address().String(), cfg.Authority.Address)

	// A second load reads the persisted file and keeps the same authority.
	again, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Authority.Address, again.Authority.Address)

	// Roles other than the authority are left for the operator.
	require.ErrorContains(t, Validate(again), "seller address required")
}

func TestLoadParsesSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "escrowd.toml")
	seller, inspector, lender := newAddress(t), newAddress(t), newAddress(t)
	contents := fmt.Sprintf(`ListenAddress = "127.0.0.1:9000"
DataDir = "%s"
Environment = "staging"

[Authority]
Seller = "%s"
Inspector = "%s"
Lender = "%s"

[RPC]
RequestsPerMinute = 30
Burst = 5
TimestampSkewSeconds = 60
NonceTTLSeconds = 300

[Events]
HistorySize = 64

[[Genesis.Accounts]]
Address = "%s"
Balance = "1000"

[[Genesis.Deeds]]
Owner = "%s"
URI = "ipfs://deed/1.json"
ApproveAuthority = true
`, filepath.ToSlash(filepath.Join(dir, "data")), seller, inspector, lender, lender, seller)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))
	require.Equal(t, "staging", cfg.Environment)
	require.Equal(t, 30, cfg.RPC.RequestsPerMinute)
	require.Equal(t, 64, cfg.Events.HistorySize)
	require.Equal(t, 900, cfg.Events.TTLSeconds, "unset values fall back to defaults")
	require.Equal(t, filepath.Join(cfg.DataDir, "audit.db"), cfg.AuditDBPath)
	require.Len(t, cfg.Genesis.Deeds, 1)
	require.True(t, cfg.Genesis.Deeds[0].ApproveAuthority)

	roles, err := cfg.Roles()
	require.NoError(t, err)
	want, err := crypto.ParseAddress(seller)
	require.NoError(t, err)
	require.Equal(t, want, roles.Seller)
}

func TestLoadRejectsMismatchedAuthority(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "escrowd.toml")
	_, err := Load(path)
	require.NoError(t, err)

	contents := fmt.Sprintf("[Authority]\nAddress = %q\n", newAddress(t))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	_, err = Load(path)
	require.ErrorContains(t, err, "does not match keystore")
}

func TestValidateRejectsDuplicateRoles(t *testing.T) {
	shared := newAddress(t)
	cfg := &Config{Authority: AuthorityConfig{
		Address:   newAddress(t),
		Seller:    shared,
		Inspector: newAddress(t),
		Lender:    shared,
	}}
	applyDefaults(cfg)
	require.ErrorContains(t, Validate(cfg), "share an address")
}

func TestValidateGenesis(t *testing.T) {
	cfg := &Config{Authority: AuthorityConfig{
		Address:   newAddress(t),
		Seller:    newAddress(t),
		Inspector: newAddress(t),
		Lender:    newAddress(t),
	}}
	applyDefaults(cfg)
	cfg.Genesis.Accounts = []GenesisAccount{{Address: cfg.Authority.Lender, Balance: "-5"}}
	require.Error(t, Validate(cfg))

	cfg.Genesis.Accounts[0].Balance = "25"
	cfg.Genesis.Deeds = []GenesisDeed{{Owner: "not-an-address"}}
	require.Error(t, Validate(cfg))

	cfg.Genesis.Deeds[0].Owner = cfg.Authority.Seller
	require.NoError(t, Validate(cfg))
}

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount(" 42 ")
	require.NoError(t, err)
	require.Equal(t, int64(42), v.Int64())
	_, err = ParseAmount("0")
	require.Error(t, err)
	_, err = ParseAmount("1.5")
	require.Error(t, err)
}

func TestValidateStateBackend(t *testing.T) {
	cfg := &Config{Authority: AuthorityConfig{
		Address:   newAddress(t),
		Seller:    newAddress(t),
		Inspector: newAddress(t),
		Lender:    newAddress(t),
	}}
	applyDefaults(cfg)
	require.Equal(t, "leveldb", cfg.StateBackend)
	require.NoError(t, Validate(cfg))

	cfg.StateBackend = "Bolt"
	require.NoError(t, Validate(cfg))

	cfg.StateBackend = "rocksdb"
	require.ErrorContains(t, Validate(cfg), "unknown state backend")
}
