package util

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathTraversal indicates a path traversal attempt was detected
var ErrPathTraversal = errors.New("path traversal attempt detected")

// maxPathLength bounds accepted input paths
const maxPathLength = 2048

// CleanInputPath validates a user-supplied file path and returns it absolute. Traversal
// sequences are checked before cleaning, since filepath.Clean would hide them.
func CleanInputPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("file path cannot be empty")
	}
	if len(path) > maxPathLength {
		return "", fmt.Errorf("file path too long: %d characters (max %d)", len(path), maxPathLength)
	}
	if strings.Contains(path, "..") {
		return "", ErrPathTraversal
	}
	if strings.Contains(path, "\x00") {
		return "", fmt.Errorf("null bytes not allowed in path")
	}

	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("failed to resolve file path: %w", err)
	}
	return absPath, nil
}
