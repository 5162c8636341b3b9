package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - ICB_CONFIG_PATH: config file location (default: ~/.config/icb.toml)
//   - ICB_HOME: base directory for icb data (default: ~/.local/share/icb)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	dataDir, err := getDataDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"data_dir":    dataDir,
		"log_dir":     filepath.Join(dataDir, "log"),
	}, nil
}

// getConfigPath returns the config file path, checking ICB_CONFIG_PATH env var first,
// then falling back to the default ~/.config/icb.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("ICB_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "icb.toml"), nil
}

// getDataDir returns the library data directory, checking ICB_HOME env var first,
// then falling back to the XDG default ~/.local/share/icb.
func getDataDir() (string, error) {
	if path := os.Getenv("ICB_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "icb"), nil
}
