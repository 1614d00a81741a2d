package orchestrator

import (
	"context"
	"embed"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"gopkg.in/yaml.v3"
)

type Task struct {
	Name       string                 `yaml:"name" json:",omitempty"`
	Type       string                 `yaml:"type" json:",omitempty"`
	Params     map[string]interface{} `yaml:"params,omitempty" json:",omitempty"`
	DependsOn  []string               `yaml:"dependsOn,omitempty" json:",omitempty"`
	RetryCount int                    `yaml:"retryCount,omitempty" json:",omitempty"`
	Timeout    time.Duration          `yaml:"timeout,omitempty" json:",omitempty"`
}

type Scenario struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	Tasks       []Task            `yaml:"tasks"`
	Variables   map[string]string `yaml:"variables,omitempty"`
}

type TaskResult struct {
	TaskName string
	Output   map[string]interface{}
	Error    error
	Duration time.Duration
	Attempts int
}

type TaskHandler interface {
	Execute(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error)
}

// TaskHandlerFunc adapts a function to TaskHandler.
type TaskHandlerFunc func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error)

func (f TaskHandlerFunc) Execute(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, params)
}

//go:embed scenarios/*.yaml
var builtin embed.FS

// ParseScenario decodes a YAML scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, errors.Wrap(err, "parse scenario")
	}
	if sc.Name == "" {
		return nil, errors.New("scenario has no name")
	}
	if len(sc.Tasks) == 0 {
		return nil, errors.Errorf("scenario %s has no tasks", sc.Name)
	}
	return &sc, nil
}

// LoadScenario reads a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read scenario %s", path)
	}
	return ParseScenario(data)
}

// BuiltinScenario returns one of the embedded scenarios by name.
func BuiltinScenario(name string) (*Scenario, error) {
	data, err := builtin.ReadFile("scenarios/" + name + ".yaml")
	if err != nil {
		return nil, errors.Errorf("unknown scenario %q (known: %s)", name, strings.Join(BuiltinScenarios(), ", "))
	}
	return ParseScenario(data)
}

// BuiltinScenarios lists the embedded scenario names.
func BuiltinScenarios() []string {
	entries, err := builtin.ReadDir("scenarios")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names
}
