// Package sqlitepath finds the SQLite database chatrelay should open when
// the storage driver is "sqlite" and no path was configured.
package sqlitepath

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// DefaultFile is the database file name created inside a .chatrelay/ directory.
const DefaultFile = "chatrelay.db"

// ErrNotFound is returned when no candidate database exists.
var ErrNotFound = errors.New("could not find chatrelay SQLite database; pass --sqlite")

func ResolveSQLitePath(override string) (string, error) {
	if override != "" {
		return override, nil
	}

	if envPath := strings.TrimSpace(os.Getenv("CHATRELAY_SQLITE")); envPath != "" {
		return envPath, nil
	}

	for _, candidate := range sqliteCandidates() {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", ErrNotFound
}

func sqliteCandidates() []string {
	candidates := []string{
		DefaultFile,
		filepath.Join(".chatrelay", DefaultFile),
	}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append([]string{
			filepath.Join(home, ".chatrelay", DefaultFile),
		}, candidates...)
	}

	if xdgHome := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); xdgHome != "" {
		candidates = append([]string{
			filepath.Join(xdgHome, "chatrelay", DefaultFile),
		}, candidates...)
	}

	return candidates
}
