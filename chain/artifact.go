package chain

import (
	"bytes"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-faster/errors"
)

// Artifact is a compiled contract in Hardhat's artifact format.
type Artifact struct {
	ContractName string          `json:"contractName"`
	SourceName   string          `json:"sourceName"`
	RawABI       json.RawMessage `json:"abi"`
	Bytecode     string          `json:"bytecode"`

	ABI abi.ABI `json:"-"`
}

// Code returns the creation bytecode.
func (a *Artifact) Code() ([]byte, error) {
	if a.Bytecode == "" || a.Bytecode == "0x" {
		return nil, errors.Errorf("artifact %s has no bytecode (abstract contract or interface?)", a.ContractName)
	}
	code, err := hexutil.Decode(a.Bytecode)
	if err != nil {
		return nil, errors.Wrapf(err, "decode bytecode of %s", a.ContractName)
	}
	return code, nil
}

// ParseArtifact decodes a Hardhat artifact.
func ParseArtifact(data []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, errors.Wrap(err, "decode artifact")
	}
	parsed, err := abi.JSON(bytes.NewReader(a.RawABI))
	if err != nil {
		return nil, errors.Wrapf(err, "parse abi of %s", a.ContractName)
	}
	a.ABI = parsed
	return &a, nil
}

// LoadArtifact reads an artifact file.
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read artifact %s", path)
	}
	return ParseArtifact(data)
}

// FindArtifact locates <name>.json below dir, the layout Hardhat writes to
// artifacts/contracts/<Source>.sol/<Name>.json. Debug files are skipped.
func FindArtifact(dir, name string) (*Artifact, error) {
	var found string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "build-info" {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == name+".json" && !strings.HasSuffix(path, ".dbg.json") {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "search artifacts in %s", dir)
	}
	if found == "" {
		return nil, errors.Errorf("artifact for %s not found in %s (run `npx hardhat compile`)", name, dir)
	}
	return LoadArtifact(found)
}
