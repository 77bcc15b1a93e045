package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the default flow file name.
const DefaultConfigFile = ".harvest.yaml"

// ErrConfigNotFound is returned when the flow file does not exist.
var ErrConfigNotFound = errors.New("configuration file not found")

// LoadConfigFile loads flows from a YAML file.
// If the file does not exist, it returns ErrConfigNotFound.
// Unknown keys are rejected so that a typo does not silently fall back to a
// default.
func LoadConfigFile(path string) (*File, error) {
	f, err := os.Open(path) //nolint:gosec // User-provided config path is intentional
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, err
	}
	defer f.Close()

	var cf File
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cf); err != nil {
		if errors.Is(err, io.EOF) {
			return &File{Flows: make(map[string]FlowConfig)}, nil
		}
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if cf.Flows == nil {
		cf.Flows = make(map[string]FlowConfig)
	}

	return &cf, nil
}

// FindConfigFile searches for the flow file in the following order:
// 1. If configPath is specified, use it directly
// 2. Look for .harvest.yaml in the current directory
// 3. Look for .harvest.yaml in the user's home directory
// 4. Look for .harvest.yaml in the XDG config directory
//
// Returns the path to the flow file if found, or empty string if not found.
func FindConfigFile(configPath string) string {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		return ""
	}

	candidates := make([]string, 0, 3)
	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(cwd, DefaultConfigFile))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, DefaultConfigFile))
	}
	candidates = append(candidates, filepath.Join(XDGConfigDir(), DefaultConfigFile))

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
