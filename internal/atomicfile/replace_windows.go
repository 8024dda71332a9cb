//go:build windows

package atomicfile

import (
	"golang.org/x/sys/windows"
)

// Replace atomically moves from over to. The write-through flag makes the
// call return only after the move is flushed to disk.
func Replace(from, to string) error {
	src, err := windows.UTF16PtrFromString(from)
	if err != nil {
		return err
	}
	dst, err := windows.UTF16PtrFromString(to)
	if err != nil {
		return err
	}
	return windows.MoveFileEx(src, dst, windows.MOVEFILE_REPLACE_EXISTING|windows.MOVEFILE_WRITE_THROUGH)
}
