package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfigDir overrides config discovery.
const EnvConfigDir = "RUNLANE_CONFIG_DIR"

// DiscoverConfigDir finds the config location by checking standard places in
// order: $RUNLANE_CONFIG_DIR, ~/.config/runlane, /etc/runlane, ./config.yaml.
func DiscoverConfigDir() (string, error) {
	return discoverConfigDir(os.Getenv(EnvConfigDir), os.UserHomeDir, "/etc/runlane")
}

func discoverConfigDir(envDir string, home func() (string, error), systemDir string) (string, error) {
	if envDir != "" {
		if _, err := os.Stat(envDir); err == nil {
			return envDir, nil
		}
	}

	if homeDir, err := home(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "runlane")
		if dirExists(userConfigDir) {
			return userConfigDir, nil
		}
	}

	if dirExists(systemDir) {
		return systemDir, nil
	}

	if fileExists("./config.yaml") {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/runlane, %s, ./config.yaml)", EnvConfigDir, systemDir)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
