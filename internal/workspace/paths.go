// Package workspace lays out the on-disk data directory. Each account gets
// its own directory holding the local store, the persisted session, the
// daemon socket and logs.
package workspace

import (
	"os"
	"path/filepath"
)

// HomeEnv overrides the base data directory.
const HomeEnv = "LCSYNC_HOME"

// BaseDir returns $LCSYNC_HOME, or ~/.lcsync.
func BaseDir() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".lcsync")
}

// AccountDir returns the account-specific directory.
func AccountDir(account string) string {
	return filepath.Join(BaseDir(), "accounts", account)
}

// SocketPath returns the daemon's Unix socket path.
func SocketPath(account string) string {
	return filepath.Join(AccountDir(account), "daemon.sock")
}

// DBPath returns the local store file.
func DBPath(account string) string {
	return filepath.Join(AccountDir(account), "lcchat.db")
}

// SessionPath returns the persisted session file.
func SessionPath(account string) string {
	return filepath.Join(AccountDir(account), "session.json")
}

func LogDir(account string) string {
	return filepath.Join(AccountDir(account), "logs")
}

func LogPath(account string) string {
	return filepath.Join(LogDir(account), "lcsyncd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the account directory tree with owner-only permissions.
func EnsureDir(account string) error {
	for _, d := range []string{AccountDir(account), LogDir(account)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
