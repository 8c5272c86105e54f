//go:build !windows

package blockstore

import (
	"os"

	"golang.org/x/sys/unix"
)

// fdatasync durably flushes a file's data (but not its metadata, which the
// spec's fsync scheduler has no use for) using Fdatasync where the
// platform provides it.
func fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
