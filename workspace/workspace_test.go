package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAccounts(t *testing.T) {
	ws, err := Open(filepath.Join(t.TempDir(), "ws"))
	require.NoError(t, err)

	created, err := ws.CreateAccounts("deployer", "tenant")
	require.NoError(t, err)
	assert.Equal(t, []string{"deployer", "tenant"}, created)

	created, err = ws.CreateAccounts("tenant", "company")
	require.NoError(t, err)
	assert.Equal(t, []string{"company"}, created)

	accounts, err := ws.Accounts()
	require.NoError(t, err)
	assert.Len(t, accounts, 3)

	tenant, err := ws.Account("tenant")
	require.NoError(t, err)
	key, err := tenant.Key()
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(tenant.Address), crypto.PubkeyToAddress(key.PublicKey))

	role, _, err := ws.FindAccount(common.HexToAddress(tenant.Address))
	require.NoError(t, err)
	assert.Equal(t, "tenant", role)

	_, err = ws.Account("auditor")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestImportAccount(t *testing.T) {
	ws, err := Open(t.TempDir())
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	a, err := ws.ImportAccount("deployer", key)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), a.Address)

	stored, err := ws.Account("deployer")
	require.NoError(t, err)
	assert.Equal(t, a, stored)
}

func TestDeployments(t *testing.T) {
	ws, err := Open(t.TempDir())
	require.NoError(t, err)

	empty, err := ws.Deployments()
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, ws.SaveDeployment(Deployment{Name: "FundMe", Address: "0x01", Network: "hardhatMainnet"}))
	require.NoError(t, ws.SaveDeployment(Deployment{Name: "FundMe", Address: "0x02", Network: "sepolia"}))
	require.NoError(t, ws.SaveDeployment(Deployment{Name: "FundMe", Address: "0x03", Network: "hardhatMainnet"}))

	all, err := ws.Deployments()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "0x03", all[0].Address)

	latest, err := ws.Deployment("FundMe")
	require.NoError(t, err)
	assert.Equal(t, "0x02", latest.Address)

	_, err = ws.Deployment("RedPacket")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DeploymentsFile), []byte("{"), 0o600))
	ws, err := Open(dir)
	require.NoError(t, err)

	_, err = ws.Deployments()
	assert.ErrorContains(t, err, "parse deployments.json")
}
