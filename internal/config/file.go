package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// ReadFile reads a flat key/value config file (YAML or JSON) into an Env.
//
// Nested maps are flattened with "_" so both of these set SCHEDULER_TICK_MS:
//
//	SCHEDULER_TICK_MS: 30000
//	scheduler: { tick_ms: 30000 }
func ReadFile(path string) (Env, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseFile(path, b)
}

func parseFile(path string, data []byte) (Env, error) {
	var v any
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("%w: yaml unmarshal: %v", ErrInvalid, err)
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("%w: json unmarshal: %v", ErrInvalid, err)
		}
	}

	out := Env{}
	if v == nil {
		return out, nil
	}
	if err := flatten("", v, out); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(prefix string, in any, out Env) error {
	switch x := in.(type) {
	case map[string]any:
		for k, v := range x {
			if err := flatten(joinKey(prefix, k), v, out); err != nil {
				return err
			}
		}
	case map[any]any:
		for k, v := range x {
			if err := flatten(joinKey(prefix, fmt.Sprint(k)), v, out); err != nil {
				return err
			}
		}
	case []any:
		return fmt.Errorf("%w: %s: lists are not supported", ErrInvalid, prefix)
	case nil:
		out[prefix] = ""
	default:
		out[prefix] = fmt.Sprint(x)
	}
	return nil
}

func joinKey(prefix, k string) string {
	k = strings.ToUpper(strings.TrimSpace(k))
	if prefix == "" {
		return k
	}
	return prefix + "_" + k
}

// Merge returns base overlaid with every key from over.
func Merge(base, over Env) Env {
	out := make(Env, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}
