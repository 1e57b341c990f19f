package config

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sethvargo/go-envconfig"
)

// ProcessEnv holds process-level settings read from the environment.
type ProcessEnv struct {
	LogLevel   string `env:"TRIBUNAL_LOG_LEVEL, default=info"`
	ConfigPath string `env:"TRIBUNAL_CONFIG"`
	CacheDir   string `env:"TRIBUNAL_CACHE_DIR"`
	EnvFile    string `env:"TRIBUNAL_ENV_FILE"`
}

// LoadProcessEnv reads TRIBUNAL_* settings from the environment.
func LoadProcessEnv(ctx context.Context) (*ProcessEnv, error) {
	var env ProcessEnv
	if err := envconfig.Process(ctx, &env); err != nil {
		return nil, fmt.Errorf("reading process environment: %w", err)
	}
	return &env, nil
}

// LoadEnvFile reads KEY=VALUE lines from path into the process
// environment without overriding variables that are already set.
// Blank lines and # comments are skipped; an optional "export " prefix
// and surrounding quotes on values are stripped.
func LoadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening env file %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, found := strings.Cut(line, "=")
		if !found {
			return fmt.Errorf("env file %s line %d: expected KEY=VALUE", path, lineNo)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if key == "" {
			return fmt.Errorf("env file %s line %d: empty key", path, lineNo)
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("setting %s from env file: %w", key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading env file %s: %w", path, err)
	}
	return nil
}
