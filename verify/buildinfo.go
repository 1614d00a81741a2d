package verify

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/go-faster/errors"
)

// BuildInfo is the part of a Hardhat build-info file verification needs.
type BuildInfo struct {
	SolcLongVersion string          `json:"solcLongVersion"`
	Input           json.RawMessage `json:"input"`
}

type compilerInput struct {
	Sources map[string]json.RawMessage `json:"sources"`
}

// FindBuildInfo returns the build-info below artifactsDir/build-info whose
// compiler input contains sourceName.
func FindBuildInfo(artifactsDir, sourceName string) (*BuildInfo, error) {
	paths, err := filepath.Glob(filepath.Join(artifactsDir, "build-info", "*.json"))
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", path)
		}
		var info BuildInfo
		if err := json.Unmarshal(data, &info); err != nil {
			continue
		}
		var input compilerInput
		if err := json.Unmarshal(info.Input, &input); err != nil {
			continue
		}
		if _, ok := input.Sources[sourceName]; ok {
			return &info, nil
		}
	}
	return nil, errors.Errorf("no build-info in %s contains %s", artifactsDir, sourceName)
}

// CompilerVersion is the explorer's version string, "v0.8.20+commit.a1b79de6".
func (b *BuildInfo) CompilerVersion() string {
	if b.SolcLongVersion == "" {
		return ""
	}
	return "v" + b.SolcLongVersion
}
