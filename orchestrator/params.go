package orchestrator

import (
	"fmt"
	"strconv"

	"github.com/go-faster/errors"
)

func stringParam(params map[string]interface{}, key string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return "", errors.Errorf("missing param %q", key)
	}
	s := fmt.Sprint(v)
	if s == "" {
		return "", errors.Errorf("param %q is empty", key)
	}
	return s, nil
}

func optionalString(params map[string]interface{}, key, fallback string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return fallback
	}
	return fmt.Sprint(v)
}

func stringsParam(params map[string]interface{}, key string) ([]string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case []string:
		return t, nil
	case []interface{}:
		out := make([]string, len(t))
		for i, item := range t {
			out[i] = fmt.Sprint(item)
		}
		return out, nil
	default:
		return nil, errors.Errorf("param %q must be a list", key)
	}
}

func boolParam(params map[string]interface{}, key string, fallback bool) (bool, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return fallback, nil
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return false, errors.Wrapf(err, "param %q", key)
		}
		return b, nil
	default:
		return false, errors.Errorf("param %q must be a boolean", key)
	}
}
