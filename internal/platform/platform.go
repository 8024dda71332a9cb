// Package platform describes the machine the updater runs on: operating
// system, architecture, binary naming and the per-OS application data
// directory. It is resolved once at startup and passed by value.
package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// HomeEnv overrides the application data directory when set.
const HomeEnv = "AIRDB_HOME"

// Platform describes the current system platform
type Platform struct {
	OS   string // Operating system (darwin, linux, windows)
	Arch string // Architecture (amd64, arm64)
}

// Detect returns the current platform (OS and architecture)
func Detect() Platform {
	return Platform{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}
}

// ManifestKey returns the key used for this platform in the artifacts map of
// an update manifest ("windows", "linux" or "macos"), or "" if unsupported.
func (p Platform) ManifestKey() string {
	switch p.OS {
	case "windows":
		return "windows"
	case "linux":
		return "linux"
	case "darwin":
		return "macos"
	default:
		return ""
	}
}

// Ext returns the executable extension for this platform.
func (p Platform) Ext() string {
	if p.OS == "windows" {
		return ".exe"
	}
	return ""
}

// BinaryName returns the application binary name inside a version directory
// e.g., "airdb-desktop" or "airdb.exe"
func (p Platform) BinaryName() string {
	if p.OS == "windows" {
		return "airdb.exe"
	}
	return "airdb-desktop"
}

// UsesSymlinks reports whether the "current" pointer is a symlink. Windows
// uses a marker directory instead.
func (p Platform) UsesSymlinks() bool {
	return p.OS != "windows"
}

// IsSupported returns true if this platform is supported
func (p Platform) IsSupported() bool {
	supportedPlatforms := map[string][]string{
		"darwin":  {"amd64", "arm64"},
		"linux":   {"amd64", "arm64"},
		"windows": {"amd64", "arm64"},
	}

	archs, ok := supportedPlatforms[p.OS]
	if !ok {
		return false
	}

	for _, arch := range archs {
		if p.Arch == arch {
			return true
		}
	}

	return false
}

// String returns "os/arch".
func (p Platform) String() string {
	return p.OS + "/" + p.Arch
}

// BaseDir returns the application data directory following OS conventions:
// $AIRDB_HOME, else $XDG_DATA_HOME/airdb or ~/.local/share/airdb on Linux,
// %LOCALAPPDATA%\AirDB on Windows and ~/Library/Application Support/AirDB
// on macOS.
func (p Platform) BaseDir() (string, error) {
	return p.baseDir(os.Getenv, os.UserHomeDir)
}

func (p Platform) baseDir(getenv func(string) string, home func() (string, error)) (string, error) {
	if dir := getenv(HomeEnv); dir != "" {
		return dir, nil
	}

	switch p.OS {
	case "windows":
		if local := getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, "AirDB"), nil
		}
		h, err := home()
		if err != nil {
			return "", fmt.Errorf("failed to determine home directory: %w", err)
		}
		return filepath.Join(h, "AppData", "Local", "AirDB"), nil
	case "darwin":
		h, err := home()
		if err != nil {
			return "", fmt.Errorf("failed to determine home directory: %w", err)
		}
		return filepath.Join(h, "Library", "Application Support", "AirDB"), nil
	default:
		if xdg := getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "airdb"), nil
		}
		h, err := home()
		if err != nil {
			return "", fmt.Errorf("failed to determine home directory: %w", err)
		}
		return filepath.Join(h, ".local", "share", "airdb"), nil
	}
}
