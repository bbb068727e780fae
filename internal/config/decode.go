package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// decode reads a JSON or YAML document into Config. YAML is converted to
// JSON first so both formats reject unknown fields the same way.
func decode(path string, raw []byte) (*Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("yaml: %w", err)
		}
		b, err := json.Marshal(stringKeys(doc))
		if err != nil {
			return nil, fmt.Errorf("yaml to json: %w", err)
		}
		raw = b
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("invalid config: trailing data")
	}
	return &cfg, nil
}

// stringKeys rewrites map[any]any nodes, which JSON cannot encode.
func stringKeys(node any) any {
	switch n := node.(type) {
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			out[fmt.Sprint(k)] = stringKeys(v)
		}
		return out
	case map[string]any:
		for k, v := range n {
			n[k] = stringKeys(v)
		}
	case []any:
		for i, v := range n {
			n[i] = stringKeys(v)
		}
	}
	return node
}

// fingerprint is the canonical JSON form used to skip no-op reloads.
func fingerprint(cfg *Config) []byte {
	if cfg == nil {
		return nil
	}
	b, _ := json.Marshal(cfg)
	return b
}
