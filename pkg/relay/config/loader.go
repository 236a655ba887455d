// Package config – loader.go reads the YAML configuration file, loading .env
// files first and expanding environment variable references before parsing.
package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default} and ${VAR:?message}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}`)

// LoadFile reads and parses a YAML configuration file. .env files are loaded
// first (missing files are ignored) so credentials never need to live in the
// YAML itself.
func LoadFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse parses YAML bytes into a Config, overlaying DefaultConfig.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// loadEnvFiles loads .env and configs/.env if present.
func loadEnvFiles() {
	for _, p := range []string{".env", "configs/.env"} {
		_ = godotenv.Load(p)
	}
}

// expandEnvVars replaces ${VAR} references in the raw YAML. ${VAR:-default}
// substitutes the default when VAR is unset or empty; ${VAR:?message} fails
// with the message when VAR is unset or empty.
func expandEnvVars(s string) (string, error) {
	var expandErr error
	out := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, modifier, arg := groups[1], groups[2], groups[3]
		value := os.Getenv(name)
		if value != "" {
			return value
		}
		switch modifier {
		case "-":
			return arg
		case "?":
			if expandErr == nil {
				msg := arg
				if msg == "" {
					msg = "required but not set"
				}
				expandErr = fmt.Errorf("environment variable %s: %s", name, msg)
			}
		}
		return ""
	})
	return out, expandErr
}
