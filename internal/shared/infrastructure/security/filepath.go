// Package security validates operator-supplied file paths.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// forbiddenChars are shell metacharacters that never appear in a
// legitimate database path.
var forbiddenChars = []string{";", "&", "|", "$", "`", "(", ")", "{", "}", "<", ">", "!", "\n", "\r"}

// ValidateDatabasePath cleans a SQLite file path, makes it absolute and
// resolves symlinks of an existing file. A path that names a directory is
// rejected.
func ValidateDatabasePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("database path cannot be empty")
	}
	for _, char := range forbiddenChars {
		if strings.Contains(path, char) {
			return "", fmt.Errorf("database path contains forbidden character %q: %s", char, path)
		}
	}

	cleanPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("failed to resolve database path: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(cleanPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cleanPath, nil
		}
		return "", fmt.Errorf("failed to resolve database path: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("failed to stat database path: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("database path %s is a directory", resolved)
	}
	return resolved, nil
}
