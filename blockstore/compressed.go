package blockstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gholt/mckoiblock/blockid"
	"github.com/gholt/mckoiblock/nodeset"
	"github.com/gholt/mckoiblock/rpcerr"
)

type compressedSlot struct {
	Position int32
	Length   int16
}

func (s compressedSlot) isBackPointer() bool { return s.Position < 0 }

func decodeCompressedSlot(b []byte) compressedSlot {
	return compressedSlot{
		Position: int32(binary.BigEndian.Uint32(b[0:4])),
		Length:   int16(binary.BigEndian.Uint16(b[4:6])),
	}
}

func (s compressedSlot) encode(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], uint32(s.Position))
	binary.BigEndian.PutUint16(b[4:6], uint16(s.Length))
}

// CompressedStore is the read-only, deflate-packed block file variant
// produced by the background compressor. See spec.md §4.B.
type CompressedStore struct {
	block blockid.BlockID
	path  string

	mu          sync.Mutex
	file        *os.File
	header      []compressedSlot // index 0..lastUsed
	lastUsed    int32
	payloadBase int64
}

// NewCompressedStore constructs a CompressedStore for block at path; Open
// must be called before use.
func NewCompressedStore(block blockid.BlockID, path string) *CompressedStore {
	return &CompressedStore{block: block, path: path, lastUsed: -1}
}

func (c *CompressedStore) Path() string            { return c.path }
func (c *CompressedStore) IsCompressed() bool       { return true }
func (c *CompressedStore) LastModified() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return time.Time{}
	}
	info, err := c.file.Stat()
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// Open opens the (already fully-written, immutable) compressed file and
// scans its variable-length header into memory.
func (c *CompressedStore) Open() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file != nil {
		return false, nil
	}
	f, err := os.Open(c.path)
	if err != nil {
		return false, rpcerr.New(rpcerr.KindIO, "open", c.block, err)
	}
	c.file = f
	if err := c.loadHeader(); err != nil {
		f.Close()
		c.file = nil
		return false, err
	}
	return false, nil
}

func (c *CompressedStore) loadHeader() error {
	var slots []compressedSlot
	buf := make([]byte, HeaderEntrySize)
	for offset := int64(0); ; offset += HeaderEntrySize {
		if _, err := io.ReadFull(c.file, buf); err != nil {
			return rpcerr.New(rpcerr.KindCorrupt, "open:header", c.block, fmt.Errorf("truncated header, no terminator: %w", err))
		}
		s := decodeCompressedSlot(buf)
		if s.Position == 0 && s.Length == 0 {
			break
		}
		slots = append(slots, s)
	}
	c.header = slots
	c.lastUsed = int32(len(slots)) - 1
	c.payloadBase = int64(len(slots)+1) * HeaderEntrySize
	return nil
}

func (c *CompressedStore) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}

func (c *CompressedStore) PutData(uint32, []byte) error {
	return rpcerr.New(rpcerr.KindNotSupported, "put", c.block, fmt.Errorf("compressed store is read-only"))
}

func (c *CompressedStore) RemoveData(uint32) (bool, error) {
	return false, rpcerr.New(rpcerr.KindNotSupported, "remove", c.block, fmt.Errorf("compressed store is read-only"))
}

func (c *CompressedStore) MaxDataID() (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed, nil
}

// groupMembers returns the indices belonging to the group leader at
// groupIdx, in ascending data-id order, by walking forward over the
// back-pointer slots that follow it.
func (c *CompressedStore) groupMembers(groupIdx int32) []int32 {
	members := []int32{groupIdx}
	expect := -(groupIdx + 1)
	for j := groupIdx + 1; j <= c.lastUsed; j++ {
		if c.header[j].Position != expect {
			break
		}
		members = append(members, j)
	}
	return members
}

func (c *CompressedStore) readFrame(leader compressedSlot) ([]byte, error) {
	buf := make([]byte, leader.Length)
	if _, err := c.file.ReadAt(buf, c.payloadBase+int64(leader.Position)); err != nil {
		return nil, rpcerr.New(rpcerr.KindIO, "get:frame", c.block, err)
	}
	return buf, nil
}

// GetData returns the NodeSet for the group containing dataID: per
// spec.md §6, this may carry sibling nodes the caller didn't ask for.
func (c *CompressedStore) GetData(dataID uint32) (*nodeset.NodeSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !dataIDInRange(dataID) || int32(dataID) > c.lastUsed {
		return nil, rpcerr.NewData(rpcerr.KindDataIdNotPresent, "get", blockid.DataAddress{Block: c.block, DataID: dataID}, nil)
	}
	slot := c.header[dataID]
	groupIdx := int32(dataID)
	if slot.isBackPointer() {
		groupIdx = -(slot.Position + 1)
		if groupIdx < 0 || groupIdx > c.lastUsed {
			return nil, rpcerr.NewData(rpcerr.KindCorrupt, "get", blockid.DataAddress{Block: c.block, DataID: dataID}, fmt.Errorf("back-pointer out of range"))
		}
		slot = c.header[groupIdx]
	}
	members := c.groupMembers(groupIdx)
	frame, err := c.readFrame(slot)
	if err != nil {
		return nil, err
	}
	refs := make([]blockid.NodeReference, len(members))
	for i, m := range members {
		refs[i] = (blockid.DataAddress{Block: c.block, DataID: uint32(m)}).Ref()
	}
	ns := nodeset.CompressedGroup(refs, frame)

	// Confirm the specifically requested data id wasn't tombstoned/absent
	// in the source mutable file before handing the group back: a caller
	// asking for an absent node should see DataIdNotPresent, not a group
	// that silently omits it.
	present, err := groupMemberPresent(ns, int(dataID)-int(groupIdx))
	if err != nil {
		return nil, rpcerr.New(rpcerr.KindCorrupt, "get:decode", c.block, err)
	}
	if !present {
		return nil, rpcerr.NewData(rpcerr.KindDataIdNotPresent, "get", blockid.DataAddress{Block: c.block, DataID: dataID}, nil)
	}
	return ns, nil
}

func groupMemberPresent(ns *nodeset.NodeSet, index int) (bool, error) {
	it := ns.Iter()
	defer it.Close()
	for i := 0; ; i++ {
		item, ok, err := it.Next()
		if err != nil {
			return false, err
		}
		if !ok {
			return false, fmt.Errorf("group member index %d out of range", index)
		}
		if i == index {
			return item.Present, nil
		}
	}
}

// Checksum decompresses every group and folds the active payloads, in
// slot order, the same way MutableStore.Checksum does, so a block's
// checksum is unchanged by compression.
func (c *CompressedStore) Checksum() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rc := newRollingChecksum()
	for i := int32(0); i <= c.lastUsed; {
		slot := c.header[i]
		if slot.isBackPointer() {
			i++
			continue
		}
		members := c.groupMembers(i)
		frame, err := c.readFrame(slot)
		if err != nil {
			return 0, err
		}
		refs := make([]blockid.NodeReference, len(members))
		ns := nodeset.CompressedGroup(refs, frame)
		items, err := ns.Materialize()
		if err != nil {
			return 0, rpcerr.New(rpcerr.KindCorrupt, "checksum:decode", c.block, err)
		}
		for _, item := range items {
			if !item.Present {
				continue
			}
			buf, err := io.ReadAll(item.Data)
			if err != nil {
				return 0, err
			}
			rc.add(buf)
		}
		i += int32(len(members))
	}
	return rc.sum(), nil
}

// Fsync is a no-op: a compressed file is immutable and already fsynced by
// the compactor before it is installed.
func (c *CompressedStore) Fsync() error { return nil }
