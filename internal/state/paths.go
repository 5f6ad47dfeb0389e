// Package state centralizes filesystem locations for chatbridge runtime
// artifacts: the operation store snapshot, structured logs, and the
// relay's PID file.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// StateDirEnv overrides the default runtime state root.
	StateDirEnv = "CHATBRIDGE_STATE_DIR"

	xdgStateHomeEnv = "XDG_STATE_HOME"
	appName         = "chatbridge"
)

// RootDir returns the runtime state root for chatbridge.
// Resolution order:
//  1. CHATBRIDGE_STATE_DIR (if set)
//  2. XDG_STATE_HOME/chatbridge (if XDG_STATE_HOME is set)
//  3. os.UserConfigDir()/chatbridge (cross-platform fallback)
func RootDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv(StateDirEnv)); override != "" {
		return normalizePath(override)
	}

	if xdg := strings.TrimSpace(os.Getenv(xdgStateHomeEnv)); xdg != "" {
		root, err := normalizePath(xdg)
		if err != nil {
			return "", err
		}
		return filepath.Join(root, appName), nil
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user config directory: %w", err)
	}
	root, err := normalizePath(configDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, appName), nil
}

// LogsDir returns the logs directory under RootDir.
func LogsDir() (string, error) {
	return InRoot("logs")
}

// DefaultLogFile returns the default structured log file path.
func DefaultLogFile() (string, error) {
	return InRoot("logs", "relay.jsonl")
}

// CrashLogFile returns the panic crash log file path.
func CrashLogFile() (string, error) {
	return InRoot("logs", "crash.log")
}

// PIDFile returns the PID file path for the relay listening on the given port.
func PIDFile(port int) (string, error) {
	return InRoot("run", "relay-"+strconv.Itoa(port)+".pid")
}

// OperationStoreFile returns the default operation store path, used unless
// config overrides operation_store_path explicitly.
func OperationStoreFile() (string, error) {
	return InRoot("operations", "operations.json")
}

// InRoot returns a path rooted under RootDir with additional path elements.
func InRoot(parts ...string) (string, error) {
	root, err := RootDir()
	if err != nil {
		return "", err
	}
	all := make([]string, 0, len(parts)+1)
	all = append(all, root)
	all = append(all, parts...)
	return filepath.Join(all...), nil
}

func normalizePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("cannot resolve path %q: %w", path, err)
	}
	return filepath.Clean(absPath), nil
}
