// Package workspace keeps the JSON files a deployment session shares
// between commands: accounts by role and deployed contracts.
package workspace

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-faster/errors"
)

const (
	AccountsFile    = "accounts.json"
	DeploymentsFile = "deployments.json"
)

var ErrNotFound = errors.New("not found in workspace")

type Account struct {
	Address    string `json:"address"`
	PrivateKey string `json:"privateKey"`
}

// Key parses the stored private key.
func (a Account) Key() (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(trimHex(a.PrivateKey))
	if err != nil {
		return nil, errors.Wrap(err, "parse account key")
	}
	return key, nil
}

type accountsFile struct {
	Accounts map[string]Account `json:"accounts"`
}

// Deployment records one deployed contract.
type Deployment struct {
	Name            string    `json:"name"`
	Contract        string    `json:"contract"`
	Address         string    `json:"address"`
	TxHash          string    `json:"txhash"`
	Deployer        string    `json:"deployer"`
	BlockNumber     uint64    `json:"blockNumber"`
	ConstructorArgs []string  `json:"constructorArgs,omitempty"`
	Network         string    `json:"network"`
	ChainID         string    `json:"chainId"`
	DeployedAt      time.Time `json:"deployedAt"`
	Verified        bool      `json:"verified"`
}

// Workspace is a directory holding accounts.json and deployments.json.
type Workspace struct {
	dir string
	mu  sync.Mutex
}

// Open creates dir if needed.
func Open(dir string) (*Workspace, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create workspace %s", dir)
	}
	return &Workspace{dir: dir}, nil
}

func (w *Workspace) Dir() string {
	return w.dir
}

func (w *Workspace) path(name string) string {
	return filepath.Join(w.dir, name)
}

// Accounts returns every account by role.
func (w *Workspace) Accounts() (map[string]Account, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := w.readAccounts()
	if err != nil {
		return nil, err
	}
	return f.Accounts, nil
}

// Account returns the account for role.
func (w *Workspace) Account(role string) (Account, error) {
	accounts, err := w.Accounts()
	if err != nil {
		return Account{}, err
	}
	a, ok := accounts[role]
	if !ok {
		return Account{}, errors.Wrapf(ErrNotFound, "account %q", role)
	}
	return a, nil
}

// FindAccount returns the role and account whose address is addr.
func (w *Workspace) FindAccount(addr common.Address) (string, Account, error) {
	accounts, err := w.Accounts()
	if err != nil {
		return "", Account{}, err
	}
	roles := make([]string, 0, len(accounts))
	for role := range accounts {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		if common.HexToAddress(accounts[role].Address) == addr {
			return role, accounts[role], nil
		}
	}
	return "", Account{}, errors.Wrapf(ErrNotFound, "account %s", addr.Hex())
}

// CreateAccounts generates a key for every role that has none yet and
// returns the roles that were created.
func (w *Workspace) CreateAccounts(roles ...string) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := w.readAccounts()
	if err != nil {
		return nil, err
	}

	var created []string
	for _, role := range roles {
		if _, exists := f.Accounts[role]; exists {
			continue
		}
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, errors.Wrapf(err, "generate key for %s", role)
		}
		f.Accounts[role] = Account{
			Address:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
			PrivateKey: fmt.Sprintf("0x%x", crypto.FromECDSA(key)),
		}
		created = append(created, role)
	}

	if err := w.writeJSON(AccountsFile, f); err != nil {
		return nil, err
	}
	return created, nil
}

// ImportAccount stores an existing key under role, replacing any previous one.
func (w *Workspace) ImportAccount(role string, key *ecdsa.PrivateKey) (Account, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := w.readAccounts()
	if err != nil {
		return Account{}, err
	}
	a := Account{
		Address:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		PrivateKey: fmt.Sprintf("0x%x", crypto.FromECDSA(key)),
	}
	f.Accounts[role] = a
	return a, w.writeJSON(AccountsFile, f)
}

func (w *Workspace) readAccounts() (*accountsFile, error) {
	f := &accountsFile{Accounts: make(map[string]Account)}
	if err := w.readJSON(AccountsFile, f); err != nil {
		return nil, err
	}
	if f.Accounts == nil {
		f.Accounts = make(map[string]Account)
	}
	return f, nil
}

// Deployments returns every recorded deployment in the order they were saved.
func (w *Workspace) Deployments() ([]Deployment, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.readDeployments()
}

// Deployment returns the latest deployment named name.
func (w *Workspace) Deployment(name string) (Deployment, error) {
	deployments, err := w.Deployments()
	if err != nil {
		return Deployment{}, err
	}
	for i := len(deployments) - 1; i >= 0; i-- {
		if deployments[i].Name == name {
			return deployments[i], nil
		}
	}
	return Deployment{}, errors.Wrapf(ErrNotFound, "deployment %q", name)
}

// SaveDeployment replaces the record with the same name and network, or
// appends a new one.
func (w *Workspace) SaveDeployment(d Deployment) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	deployments, err := w.readDeployments()
	if err != nil {
		return err
	}
	replaced := false
	for i := range deployments {
		if deployments[i].Name == d.Name && deployments[i].Network == d.Network {
			deployments[i] = d
			replaced = true
			break
		}
	}
	if !replaced {
		deployments = append(deployments, d)
	}
	return w.writeJSON(DeploymentsFile, deployments)
}

func (w *Workspace) readDeployments() ([]Deployment, error) {
	deployments := []Deployment{}
	if err := w.readJSON(DeploymentsFile, &deployments); err != nil {
		return nil, err
	}
	return deployments, nil
}

// readJSON leaves v untouched when the file does not exist.
func (w *Workspace) readJSON(name string, v interface{}) error {
	data, err := os.ReadFile(w.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "read %s", name)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "parse %s", name)
	}
	return nil
}

func (w *Workspace) writeJSON(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encode %s", name)
	}
	tmp := w.path(name + ".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrapf(err, "write %s", name)
	}
	return os.Rename(tmp, w.path(name))
}

func trimHex(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}
