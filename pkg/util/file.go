package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadFile loads the contents from the specified path.
// If the path is empty or the file cannot be read, it returns an error.
func LoadFile(path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("file path is empty")
	}
	p, err := ExpandPath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand path: %w", err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// LoadFileAllowMissing loads the contents from the specified path.
// If the path is empty, it returns an empty byte slice and no error.
// If the file does not exist, it returns an empty byte slice and no error.
// If the file does exist but cannot be read, it returns an error.
func LoadFileAllowMissing(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	p, err := ExpandPath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand path: %w", err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// Exists reports whether something exists at path.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// SaveFileAtomic writes data to a temporary file in the same directory and renames it
// over path, so readers never observe a partially written file.
func SaveFileAtomic(path string, data []byte, perm os.FileMode) error {
	p, err := ExpandPath(path)
	if err != nil {
		return fmt.Errorf("failed to expand path: %w", err)
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p)+".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	// cleanup is a no-op once the rename succeeded
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		return fmt.Errorf("failed to replace %s: %w", p, err)
	}
	return nil
}

// ExpandPath ensure that a leading ~ is expanded to the user home directory
// and the result is absolute.
func ExpandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = strings.Replace(path, "~", home, 1)
	}
	return filepath.Abs(path)
}
