package config

import (
	"sort"

	"github.com/go-faster/errors"
)

// Well-known development accounts of a local hardhat node. The deployer is
// account 0 and the tenant account 1.
const (
	localDeployerKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcac784d7bf4f2ff80"
	localTenantKey   = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

// Solidity compiler settings used for verification requests.
var Solidity = Compiler{
	Version:          "v0.8.20+commit.a1b79de6",
	OptimizerEnabled: true,
	OptimizerRuns:    200,
}

type Compiler struct {
	Version          string
	OptimizerEnabled bool
	OptimizerRuns    int
}

// Explorer is an etherscan-compatible block explorer.
type Explorer struct {
	Name   string
	URL    string
	APIURL string
	APIKey string
}

type Network struct {
	Name     string
	ChainID  uint64
	Local    bool
	RPC      string
	Keys     []string
	Explorer *Explorer
}

// DeployerKey is the first configured key, or empty.
func (n Network) DeployerKey() string {
	if len(n.Keys) == 0 {
		return ""
	}
	return n.Keys[0]
}

// Networks returns the known networks with endpoints and keys filled in from c.
func (c *Config) Networks() map[string]Network {
	local := func(name string) Network {
		return Network{
			Name:    name,
			ChainID: 31337,
			Local:   true,
			RPC:     c.LocalRPC,
			Keys:    []string{localDeployerKey, localTenantKey},
		}
	}
	keys := func(k string) []string {
		if k == "" {
			return nil
		}
		return []string{k}
	}

	return map[string]Network{
		"hardhat":        local("hardhat"),
		"hardhatMainnet": local("hardhatMainnet"),
		"hardhatOp":      local("hardhatOp"),
		"sepolia": {
			Name:    "sepolia",
			ChainID: 11155111,
			RPC:     c.SepoliaRPC,
			Keys:    keys(c.SepoliaKey),
			Explorer: &Explorer{
				Name:   "Etherscan",
				URL:    "https://sepolia.etherscan.io/",
				APIURL: "https://api-sepolia.etherscan.io/api",
				APIKey: c.EtherscanAPIKey,
			},
		},
		"confluxESpace": {
			Name:    "confluxESpace",
			ChainID: 71,
			RPC:     c.ConfluxRPC,
			Keys:    keys(c.ConfluxKey),
			Explorer: &Explorer{
				Name:   "ConfluxScan",
				URL:    "https://evmtestnet.confluxscan.net/",
				APIURL: "https://evmapi-testnet.confluxscan.net/api/",
				APIKey: c.ConfluxScanKey,
			},
		},
	}
}

// ResolveNetwork looks up c.Network and applies the RPC_URL and PRIVATE_KEY
// overrides.
func (c *Config) ResolveNetwork() (Network, error) {
	networks := c.Networks()
	n, ok := networks[c.Network]
	if !ok {
		names := make([]string, 0, len(networks))
		for name := range networks {
			names = append(names, name)
		}
		sort.Strings(names)
		return Network{}, errors.Errorf("unknown network %q (known: %v)", c.Network, names)
	}
	if c.RPC != "" {
		n.RPC = c.RPC
	}
	if c.PrivateKey != "" {
		n.Keys = append([]string{c.PrivateKey}, n.Keys...)
	}
	if n.RPC == "" {
		return Network{}, errors.Errorf("no RPC URL configured for network %s", n.Name)
	}
	return n, nil
}
