// Package container implements BlockContainer, the reference-counted
// runtime handle around a blockstore.Store: open/close bookkeeping,
// last-write tracking, and the atomic Mutable-to-Compressed swap the
// background compressor performs.
package container

import (
	"fmt"
	"sync"
	"time"

	"github.com/gholt/brimtext"

	"github.com/gholt/mckoiblock/blockid"
	"github.com/gholt/mckoiblock/blockstore"
)

// Opener constructs the on-disk Store for a block the first time a
// Container needs one. blockservice supplies an implementation that picks
// Mutable or Compressed based on which file exists.
type Opener func(block blockid.BlockID) (blockstore.Store, error)

// Container is the runtime handle to one block's backing store. The zero
// value is not usable; construct with New.
type Container struct {
	block  blockid.BlockID
	opener Opener

	mu           sync.Mutex
	store        blockstore.Store
	lockCount    int
	isCompressed bool
	lastWrite    time.Time
}

// New returns a Container for block. The underlying store is not opened
// until the first Open call.
func New(block blockid.BlockID, opener Opener) *Container {
	return &Container{block: block, opener: opener}
}

// BlockID returns the block this container handles.
func (c *Container) BlockID() blockid.BlockID { return c.block }

// Compare gives Containers a total order by block id, per spec.md §4.D.
func (c *Container) Compare(other *Container) int {
	return c.block.Compare(other.block)
}

// Open increments the open-lock count, opening the underlying store the
// first time the count rises from zero. It reports whether a fresh store
// was created on disk by this call (blockstore.Store.Open's own
// created return), not whether this call itself did the opening.
func (c *Container) Open() (created bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lockCount == 0 {
		if c.store == nil {
			c.store, err = c.opener(c.block)
			if err != nil {
				return false, err
			}
		}
		created, err = c.store.Open()
		if err != nil {
			return false, err
		}
		c.isCompressed = c.store.IsCompressed()
	}
	c.lockCount++
	return created, nil
}

// Close decrements the open-lock count, closing the underlying store when
// it reaches zero.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lockCount == 0 {
		return nil
	}
	c.lockCount--
	if c.lockCount == 0 && c.store != nil {
		return c.store.Close()
	}
	return nil
}

// IsOpen reports whether the open-lock count is above zero.
func (c *Container) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lockCount > 0
}

// Store returns the current backing store. Callers must hold an open
// reference (via Open) for the duration of any use.
func (c *Container) Store() blockstore.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store
}

// IsCompressed reports whether the current store is the Compressed
// variant.
func (c *Container) IsCompressed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isCompressed
}

// LastWrite returns the timestamp of the most recent TouchLastWrite call.
func (c *Container) LastWrite() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastWrite
}

// TouchLastWrite records now as the container's last-write time; called
// on every mutating operation, and by the compressor's staticness check
// to amortize its own polling.
func (c *Container) TouchLastWrite() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastWrite = time.Now()
}

// ChangeStore swaps in newStore under the same open-lock count, closing
// the old store first if the container is currently open. Only the
// compressor and the preserve-rewrite task call this; it is the sole way
// a container's store variant ever changes.
func (c *Container) ChangeStore(newStore blockstore.Store) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lockCount > 0 && c.store != nil {
		if err := c.store.Close(); err != nil {
			return err
		}
		if _, err := newStore.Open(); err != nil {
			return err
		}
	}
	c.store = newStore
	c.isCompressed = newStore.IsCompressed()
	return nil
}

// Stats renders a short human-readable summary; debug expands it with
// brimtext tabular formatting of the internal counters.
func (c *Container) Stats(debug bool) fmt.Stringer {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &stats{
		block:        c.block.String(),
		lockCount:    c.lockCount,
		isCompressed: c.isCompressed,
		lastWrite:    c.lastWrite,
		debug:        debug,
	}
	return s
}

type stats struct {
	block        string
	lockCount    int
	isCompressed bool
	lastWrite    time.Time
	debug        bool
}

func (s *stats) String() string {
	if !s.debug {
		return fmt.Sprintf("container %s: open=%d compressed=%v", s.block, s.lockCount, s.isCompressed)
	}
	rows := [][]string{
		{"block", s.block},
		{"open-lock count", fmt.Sprintf("%d", s.lockCount)},
		{"compressed", fmt.Sprintf("%v", s.isCompressed)},
		{"last write", s.lastWrite.String()},
	}
	return brimtext.Align(rows, nil)
}
