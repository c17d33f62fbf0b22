package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.mercury.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mercury")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// LockPath returns the lock file path for a profile.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// DBPath returns the primary mirror database path (conversations, messages).
func DBPath(name string) string {
	return filepath.Join(Dir(name), "mercury.db")
}

// TaskDBPath returns the durable job bookkeeping database path.
func TaskDBPath(name string) string {
	return filepath.Join(Dir(name), "task.db")
}

// AttachmentsDir returns where downloaded media files live.
func AttachmentsDir(name string) string {
	return filepath.Join(Dir(name), "attachments")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "mercuryd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
		AttachmentsDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
