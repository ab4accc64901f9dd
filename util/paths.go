package util

import (
	"os"
	"path/filepath"
)

// DataDirEnv overrides the data directory.
const DataDirEnv = "BATTERY_SERVER_DIR"

// GetDataDir returns the data directory path
func GetDataDir() string {
	if envDir := os.Getenv(DataDirEnv); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "ble-battery-server")
	}
	return filepath.Join(home, ".ble-battery-server")
}

// GetTraceDir returns the packet trace directory for one server instance.
func GetTraceDir(dataDir, deviceID string) string {
	return filepath.Join(dataDir, "trace", deviceID)
}

// GetFirmwareDir returns where firmware images are staged.
func GetFirmwareDir(dataDir string) string {
	return filepath.Join(dataDir, "ota")
}

// GetSocketDir returns the directory where Unix domain sockets and
// advertisements live, creating it if needed.
func GetSocketDir(dataDir string) (string, error) {
	socketDir := filepath.Join(dataDir, "sockets")
	if err := os.MkdirAll(socketDir, 0755); err != nil {
		return "", err
	}
	return socketDir, nil
}
