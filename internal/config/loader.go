package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const includeKey = "include"

// envPattern matches ${NAME} and ${NAME:-fallback}.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// LoadRaw reads a YAML or JSON5 file into a raw map. Environment references
// are expanded before parsing and "include" entries are merged underneath
// the including file.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	return loadFile(path, map[string]bool{})
}

func loadFile(path string, visiting map[string]bool) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if visiting[absPath] {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	visiting[absPath] = true
	defer delete(visiting, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	raw, err := parse(expandEnv(data), filepath.Ext(absPath))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", absPath, err)
	}

	includes, err := popIncludes(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	merged := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(absPath), inc)
		}
		child, err := loadFile(inc, visiting)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, child)
	}
	return mergeMaps(merged, raw), nil
}

// expandEnv substitutes environment references. Unset variables without a
// fallback expand to the empty string.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		parts := envPattern.FindSubmatch(match)
		if value, ok := os.LookupEnv(string(parts[1])); ok && value != "" {
			return []byte(value)
		}
		return parts[3]
	})
}

func parse(data []byte, ext string) (map[string]any, error) {
	var raw map[string]any
	switch strings.ToLower(ext) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, errors.New("expected a single YAML document")
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func popIncludes(raw map[string]any) ([]string, error) {
	value, ok := raw[includeKey]
	if !ok {
		return nil, nil
	}
	delete(raw, includeKey)

	switch typed := value.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{typed}, nil
	case []any:
		paths := make([]string, 0, len(typed))
		for _, entry := range typed {
			path, ok := entry.(string)
			if !ok || strings.TrimSpace(path) == "" {
				return nil, errors.New("include entries must be non-empty strings")
			}
			paths = append(paths, path)
		}
		return paths, nil
	default:
		return nil, errors.New("include must be a string or list of strings")
	}
}

func mergeMaps(dst, src map[string]any) map[string]any {
	for key, value := range src {
		if child, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				dst[key] = mergeMaps(existing, child)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

// decodeRawConfig round-trips the merged map through YAML so unknown keys
// are rejected and durations parse from strings like "30s".
func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
