package config

import (
	"os"
	"path/filepath"
	"strings"
)

const appDirName = ".nodectl"

// DataDir returns the base data directory for nodectl.
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, appDirName), nil
}

// ConfigPath returns the TOML configuration file path. NODECTL_CONFIG overrides it.
func ConfigPath() (string, error) {
	if override := strings.TrimSpace(os.Getenv("NODECTL_CONFIG")); override != "" {
		return override, nil
	}
	return dataPath("config.toml")
}

// TokenPath returns the path to the backend bearer token file.
func TokenPath() (string, error) {
	return dataPath("token")
}

// CheckpointDBPath returns the default bbolt checkpoint database.
func CheckpointDBPath() (string, error) {
	return dataPath("checkpoints.db")
}

// CheckpointSQLitePath returns the default sqlite checkpoint database.
func CheckpointSQLitePath() (string, error) {
	return dataPath("checkpoints.sqlite")
}

// CheckpointDir returns the directory used by the file checkpoint backend.
func CheckpointDir() (string, error) {
	return dataPath("checkpoints")
}

// DotEnvPath returns the optional .env overlay inside the data directory.
func DotEnvPath() (string, error) {
	return dataPath(".env")
}

func dataPath(name string) (string, error) {
	dataDir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, name), nil
}
