package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Format identifies the on-disk encoding of a config file.
type Format int

const (
	FormatYAML Format = iota
	FormatJSON
)

// DefaultCandidates is the search order used by LoadDefault.
var DefaultCandidates = []string{"perfx.yaml", "perfx.yml", "perfx.jsonc", "perfx.json"}

// FormatForPath picks the decoder from the file extension. Anything that is not
// .json or .jsonc is treated as YAML.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		return FormatJSON
	default:
		return FormatYAML
	}
}

// Load reads and parses a configuration file. ${VAR} references in any string
// value are expanded from the process environment after parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, FormatForPath(path))
}

// Parse decodes raw config bytes in the given format.
func Parse(data []byte, format Format) (*Config, error) {
	var cfg Config
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config JSON: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config YAML: %w", err)
		}
	}

	ExpandEnv(&cfg, os.LookupEnv)
	return &cfg, nil
}

// LoadDefault searches the working directory for a config file and loads the
// first one found.
func LoadDefault() (*Config, string, error) {
	for _, path := range DefaultCandidates {
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			return cfg, path, err
		}
	}
	return nil, "", fmt.Errorf("no perfx config found (searched: %v)", DefaultCandidates)
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv rewrites every string reachable from v (struct fields, slice
// elements, map values) replacing ${VAR} with lookup(VAR). Unknown variables are
// left verbatim.
func ExpandEnv(v any, lookup func(string) (string, bool)) {
	expandValue(reflect.ValueOf(v), lookup)
}

func expandString(s string, lookup func(string) (string, bool)) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		name := m[2 : len(m)-1]
		if val, ok := lookup(name); ok {
			return val
		}
		return m
	})
}

func expandValue(v reflect.Value, lookup func(string) (string, bool)) {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if !v.IsNil() {
			expandValue(v.Elem(), lookup)
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if v.Type().Field(i).IsExported() {
				expandValue(v.Field(i), lookup)
			}
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i), lookup)
		}
	case reflect.Map:
		if v.Type().Elem().Kind() != reflect.String {
			return
		}
		for _, k := range v.MapKeys() {
			old := v.MapIndex(k).String()
			v.SetMapIndex(k, reflect.ValueOf(expandString(old, lookup)).Convert(v.Type().Elem()))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(expandString(v.String(), lookup))
		}
	}
}
