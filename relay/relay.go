// Package relay holds application-wide defaults shared by the toolrelay packages.
package relay

import (
	"os"
	"path/filepath"
)

const (
	DefaultAppName       = "toolrelay"
	DefaultConfigPath    = "/etc/toolrelay"
	DefaultDatabaseType  = "libsql"
	DefaultDatabaseName  = "toolrelay.db"
	DefaultDescriptorYML = "servers.yaml"
)

var (
	DefaultDataDir       = filepath.Join(userDir(), ".local", "share", DefaultAppName)
	DefaultUserConfigDir = filepath.Join(userDir(), ".config", DefaultAppName)
	DefaultDatabaseDSN   = filepath.Join(DefaultDataDir, DefaultDatabaseName)
	DefaultRuntimeDir    = filepath.Join(DefaultDataDir, "runtime")
	DefaultModelsDir     = filepath.Join(DefaultDataDir, "models")
)

func userDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return os.TempDir()
}
