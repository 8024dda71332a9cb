package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/adamancini/airdb/internal/atomicfile"
)

// MarkerName is the boot confirmation file inside a version directory.
const MarkerName = ".boot_success"

// MarkerPath returns the marker location for versionDir.
func MarkerPath(versionDir string) string {
	return filepath.Join(versionDir, MarkerName)
}

// Mark records that the version in versionDir booted successfully.
func Mark(versionDir string) error {
	if err := atomicfile.Write(MarkerPath(versionDir), []byte("1"), 0644); err != nil {
		return fmt.Errorf("failed to write boot marker: %w", err)
	}
	return nil
}

// Exists reports whether the last boot of the version in versionDir was
// confirmed.
func Exists(versionDir string) bool {
	_, err := os.Stat(MarkerPath(versionDir))
	return err == nil
}

// Clear removes the marker. It is called before launching a version so a
// missing marker after launch means the boot was not confirmed.
func Clear(versionDir string) error {
	err := os.Remove(MarkerPath(versionDir))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear boot marker: %w", err)
	}
	return nil
}

// Wait blocks until the marker appears in versionDir or ctx is done.
func Wait(ctx context.Context, versionDir string) error {
	if Exists(versionDir) {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			log.Warnf("failed to close watcher: %v", err)
		}
	}()

	if err := watcher.Add(versionDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", versionDir, err)
	}

	// The marker may have been written between the first check and Add.
	if Exists(versionDir) {
		return nil
	}

	target := MarkerPath(versionDir)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher closed unexpectedly")
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				if Exists(versionDir) {
					log.WithField("dir", versionDir).Debug("Boot marker observed")
					return nil
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher closed unexpectedly")
			}
			return fmt.Errorf("watcher error: %w", err)
		}
	}
}
