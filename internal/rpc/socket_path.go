//go:build !windows

package rpc

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
)

// MaxUnixSocketPath is the maximum length for Unix socket paths.
// macOS has a 104-byte limit (including null terminator), Linux has 108.
// We use 103 to be safe across platforms.
const MaxUnixSocketPath = 103

// tmpDir is always /tmp: $TMPDIR on macOS is far too long for the
// socket path limit.
const tmpDir = "/tmp"

// ShortSocketPath returns the socket path for a project directory.
// The natural location is <project>/.formqueue/fq.sock; when that would
// exceed Unix socket limits the path moves to /tmp/formqueue-{hash}/
// keyed by a hash of the project path, so each project gets a stable,
// distinct socket.
func ShortSocketPath(projectDir string) string {
	naturalPath := filepath.Join(projectDir, "fq.sock")
	if len(naturalPath) <= MaxUnixSocketPath {
		return naturalPath
	}

	hash := sha256.Sum256([]byte(filepath.Clean(projectDir)))
	hashStr := hex.EncodeToString(hash[:4])
	return filepath.Join(tmpDir, "formqueue-"+hashStr, "fq.sock")
}

// EnsureSocketDir creates the socket directory if it doesn't exist.
// Only /tmp/formqueue-* directories are created; the project dot
// directory must already exist.
func EnsureSocketDir(socketPath string) (string, error) {
	dir := filepath.Dir(socketPath)
	if strings.HasPrefix(dir, filepath.Join(tmpDir, "formqueue-")) {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", err
		}
	}
	return socketPath, nil
}

// CleanupSocketDir removes the socket file, and the directory too when
// it lives under /tmp/formqueue-*.
func CleanupSocketDir(socketPath string) error {
	dir := filepath.Dir(socketPath)
	if strings.HasPrefix(dir, filepath.Join(tmpDir, "formqueue-")) {
		_ = os.Remove(socketPath)
		return os.Remove(dir)
	}
	return os.Remove(socketPath)
}
