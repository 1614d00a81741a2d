package orchestrator

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/go-faster/errors"
)

var placeholder = regexp.MustCompile(`\$\{([^}]+)\}`)

// resolver expands ${var}, ${task.output} and ${env:NAME}. An environment
// reference may carry a default, ${env:NAME:-value}.
type resolver struct {
	vars    map[string]string
	outputs map[string]map[string]interface{}
}

func (r *resolver) lookup(key string) (string, error) {
	if name, ok := strings.CutPrefix(key, "env:"); ok {
		name, def, hasDefault := strings.Cut(name, ":-")
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v, nil
		}
		if hasDefault {
			return def, nil
		}
		return "", errors.Errorf("environment variable %s is not set", name)
	}
	if task, field, ok := strings.Cut(key, "."); ok {
		if out, ok := r.outputs[task]; ok {
			v, ok := out[field]
			if !ok {
				return "", errors.Errorf("task %s has no output %q", task, field)
			}
			return fmt.Sprint(v), nil
		}
	}
	if v, ok := r.vars[key]; ok {
		return v, nil
	}
	return "", errors.Errorf("unresolved reference ${%s}", key)
}

func (r *resolver) expand(s string) (string, error) {
	var firstErr error
	out := placeholder.ReplaceAllStringFunc(s, func(m string) string {
		v, err := r.lookup(m[2 : len(m)-1])
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return v
	})
	return out, firstErr
}

// resolve expands every string inside v.
func (r *resolver) resolve(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case string:
		return r.expand(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			resolved, err := r.resolve(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case []string:
		out := make([]string, len(t))
		for i, item := range t {
			resolved, err := r.expand(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			resolved, err := r.resolve(item)
			if err != nil {
				return nil, errors.Wrapf(err, "param %s", k)
			}
			out[k] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// references returns the task names a value refers to through
// ${task.output} placeholders.
func references(v interface{}, tasks map[string]bool) []string {
	var refs []string
	var walk func(interface{})
	walk = func(v interface{}) {
		switch t := v.(type) {
		case string:
			for _, m := range placeholder.FindAllStringSubmatch(t, -1) {
				if task, _, ok := strings.Cut(m[1], "."); ok && tasks[task] {
					refs = append(refs, task)
				}
			}
		case []interface{}:
			for _, item := range t {
				walk(item)
			}
		case []string:
			for _, item := range t {
				walk(item)
			}
		case map[string]interface{}:
			for _, item := range t {
				walk(item)
			}
		}
	}
	walk(v)
	return refs
}
