// Package blockstore implements the single-block file format described in
// spec.md §3/§4.B: an append-only Mutable store and a read-only
// deflate-packed Compressed store, both satisfying the Store interface.
package blockstore

import (
	"time"

	"github.com/gholt/mckoiblock/blockid"
	"github.com/gholt/mckoiblock/nodeset"
)

// HeaderEntries is the fixed number of slots in a mutable block file's
// header; a block can never address more than this many data ids.
const HeaderEntries = blockid.MaxDataID

// HeaderEntrySize is the on-disk size, in bytes, of one header slot:
// i32 offset followed by i16 length.
const HeaderEntrySize = 6

// HeaderSize is the fixed size, in bytes, of a mutable block file's header.
const HeaderSize = HeaderEntries * HeaderEntrySize

// MaxGroupFrameBytes bounds how large one compressed group's DEFLATE frame
// may grow before the compactor must close the group and start another.
const MaxGroupFrameBytes = 4096

// Store is the common interface both block file variants satisfy.
type Store interface {
	// Open opens (creating if absent, for a Mutable store) the backing
	// file and reports whether a new file was created.
	Open() (created bool, err error)
	Close() error
	// LastModified is the time of the most recent successful mutation,
	// zero if the store has never been written to.
	LastModified() time.Time
	PutData(dataID uint32, buf []byte) error
	GetData(dataID uint32) (*nodeset.NodeSet, error)
	RemoveData(dataID uint32) (bool, error)
	// MaxDataID returns the highest data id ever written, or -1 if none.
	MaxDataID() (int32, error)
	Checksum() (int64, error)
	Fsync() error
	Path() string
	IsCompressed() bool
}

func dataIDInRange(dataID uint32) bool {
	return dataID < blockid.MaxDataID
}
