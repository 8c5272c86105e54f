//go:build windows

package blockstore

import "os"

// fdatasync falls back to a full Sync on platforms without a data-only
// sync syscall.
func fdatasync(f *os.File) error {
	return f.Sync()
}
