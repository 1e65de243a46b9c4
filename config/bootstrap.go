package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Bootstrap is the static process configuration read once at startup from
// server.yaml in the data directory. Everything routable lives in the
// dynamic Snapshot instead; this only covers what must exist before the
// snapshot can be loaded.
type Bootstrap struct {
	// Listen is the HTTP edge address.
	Listen string `yaml:"listen"`
	// LogLevel selects the zap level: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// CORSOrigins lists allowed browser origins for the admin API.
	CORSOrigins []string `yaml:"cors_origins"`
}

// DefaultBootstrap returns the stock process settings.
func DefaultBootstrap() *Bootstrap {
	return &Bootstrap{
		Listen:      ":6688",
		LogLevel:    "info",
		CORSOrigins: []string{"*"},
	}
}

// LoadBootstrap reads server.yaml from dataDir, layering the file over the
// defaults. A missing file is not an error.
func LoadBootstrap(dataDir string) (*Bootstrap, error) {
	b := DefaultBootstrap()

	path := filepath.Join(dataDir, "server.yaml")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading server.yaml: %w", err)
	}
	if err := yaml.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("parsing server.yaml: %w", err)
	}
	if b.Listen == "" {
		b.Listen = DefaultBootstrap().Listen
	}
	return b, nil
}
