package config

import (
	"os"
	"path/filepath"
)

// HomeEnv overrides the directory holding the rl config.
const HomeEnv = "DEVBOX_HOME"

func DefaultConfigDir() string {
	if v := os.Getenv(HomeEnv); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".devbox")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config")
}
