package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML file, expands environment references, and unmarshals
// it over Default(). An empty path returns the defaults unchanged. The
// result is validated; callers treat an error as fatal.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		expanded := ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnv substitutes ${VAR} and ${VAR:-default} references. An unset
// variable without a default expands to the empty string, matching shell
// semantics.
func ExpandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		groups := envRef.FindStringSubmatch(ref)
		name, def := groups[1], groups[3]
		if val, ok := os.LookupEnv(name); ok && val != "" {
			return val
		}
		if strings.Contains(ref, ":-") {
			return def
		}
		return os.Getenv(name)
	})
}
