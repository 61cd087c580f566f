package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateFilePath validates that a file path is safe and doesn't contain directory traversal attempts
func ValidateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("file path cannot be empty")
	}

	// Clean the path to resolve any .. or . components
	cleanPath := filepath.Clean(path)

	// Check for directory traversal attempts
	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("path contains directory traversal: %s", path)
	}

	// Check for absolute paths that might escape intended directories
	if filepath.IsAbs(cleanPath) {
		return fmt.Errorf("absolute paths not allowed: %s", path)
	}

	return nil
}

// ValidateStoragePath validates an operator-supplied storage location. Unlike
// ValidateFilePath it accepts absolute paths, since data directories usually
// live outside the working directory.
func ValidateStoragePath(path string) error {
	if path == "" {
		return fmt.Errorf("storage path cannot be empty")
	}
	if strings.ContainsRune(path, '\x00') {
		return fmt.Errorf("storage path contains NUL byte")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("path contains directory traversal: %s", path)
		}
	}
	return nil
}

// JoinWithinBase joins name onto baseDir and ensures the result stays inside it
func JoinWithinBase(baseDir, name string) (string, error) {
	if err := ValidateFilePath(name); err != nil {
		return "", err
	}

	cleanBase := filepath.Clean(baseDir)
	cleanPath := filepath.Clean(filepath.Join(cleanBase, name))

	rel, err := filepath.Rel(cleanBase, cleanPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path escapes base directory: %s", name)
	}

	return cleanPath, nil
}
