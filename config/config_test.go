package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unsetEnv(t *testing.T, keys ...string) {
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok {
			os.Unsetenv(k)
			t.Cleanup(func() { os.Setenv(k, v) })
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	unsetEnv(t, "NETWORK", "DEPOSIT_AMOUNT", "CONFIRMATIONS", "CONTRACT_TIMEOUT", "UPKEEP_SCHEDULE")
	c, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "hardhatMainnet", c.Network)
	assert.Equal(t, "5.0", c.DepositAmount)
	assert.Equal(t, uint64(5), c.Confirmations)
	assert.Equal(t, 5*time.Minute, c.Timeout)
	assert.Equal(t, "* * * * *", c.Schedule)
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("CONFLUX_RPC_URL=https://evmtestnet.confluxrpc.com\nRECURPAY_TEST_ONLY=1\n"), 0o600))
	unsetEnv(t, "CONFLUX_RPC_URL", "CONFLUXSCAN_API_KEY")
	t.Cleanup(func() {
		os.Unsetenv("CONFLUX_RPC_URL")
		os.Unsetenv("RECURPAY_TEST_ONLY")
	})
	t.Setenv("NETWORK", "confluxESpace")

	c, err := Load(path)
	require.NoError(t, err)

	n, err := c.ResolveNetwork()
	require.NoError(t, err)
	assert.Equal(t, uint64(71), n.ChainID)
	assert.False(t, n.Local)
	assert.Equal(t, "https://evmtestnet.confluxrpc.com", n.RPC)
	require.NotNil(t, n.Explorer)
	assert.Equal(t, "https://evmapi-testnet.confluxscan.net/api/", n.Explorer.APIURL)
	assert.Equal(t, "confluxscan-placeholder-key", n.Explorer.APIKey)
}

func TestResolveNetwork(t *testing.T) {
	c := &Config{Network: "hardhatOp", LocalRPC: "http://127.0.0.1:8545"}
	n, err := c.ResolveNetwork()
	require.NoError(t, err)
	assert.True(t, n.Local)
	assert.Len(t, n.Keys, 2)
	assert.Equal(t, localDeployerKey, n.DeployerKey())

	c.PrivateKey = "0x01"
	c.RPC = "http://node:8545"
	n, err = c.ResolveNetwork()
	require.NoError(t, err)
	assert.Equal(t, "0x01", n.DeployerKey())
	assert.Equal(t, "http://node:8545", n.RPC)

	c.Network = "mainnet"
	_, err = c.ResolveNetwork()
	assert.ErrorContains(t, err, "unknown network")

	c = &Config{Network: "sepolia"}
	_, err = c.ResolveNetwork()
	assert.ErrorContains(t, err, "no RPC URL")
}

func TestNewLogger(t *testing.T) {
	log, err := NewLogger("debug")
	require.NoError(t, err)
	assert.NotNil(t, log)

	_, err = NewLogger("loud")
	assert.Error(t, err)

	assert.Equal(t, "debug", (&Config{LogLevel: "info", Verbose: true}).Level())
	assert.Equal(t, "warn", (&Config{LogLevel: "warn"}).Level())
}

func TestNetworks_KeysParse(t *testing.T) {
	c := &Config{SepoliaKey: localDeployerKey, ConfluxKey: localTenantKey}
	for name, n := range c.Networks() {
		for i, k := range n.Keys {
			_, err := crypto.HexToECDSA(strings.TrimPrefix(k, "0x"))
			assert.NoError(t, err, "%s key %d", name, i)
		}
	}

	hardhat := c.Networks()["hardhat"]
	require.Len(t, hardhat.Keys, 2)
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hardhat.Keys[1], "0x"))
	require.NoError(t, err)
	assert.Equal(t, "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", crypto.PubkeyToAddress(key.PublicKey).Hex())
}
