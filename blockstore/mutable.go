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

type headerSlot struct {
	Offset int32
	Length int16
}

func (s headerSlot) unused() bool    { return s.Offset == 0 && s.Length == 0 }
func (s headerSlot) tombstoned() bool { return s.Offset < 0 }

func decodeHeaderSlot(b []byte) headerSlot {
	return headerSlot{
		Offset: int32(binary.BigEndian.Uint32(b[0:4])),
		Length: int16(binary.BigEndian.Uint16(b[4:6])),
	}
}

func (s headerSlot) encode(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], uint32(s.Offset))
	binary.BigEndian.PutUint16(b[4:6], uint16(s.Length))
}

// MutableStore is the append-only block file variant: the only variant
// that accepts writes and tombstones. See spec.md §4.B.
type MutableStore struct {
	block blockid.BlockID
	path  string

	mu           sync.Mutex
	file         *os.File
	header       [HeaderEntries]headerSlot
	fileLen      int64
	maxUsed      int32 // -1 means no data id has ever been written
	lastModified time.Time
}

// NewMutableStore constructs a MutableStore for block at path; Open must
// be called before use.
func NewMutableStore(block blockid.BlockID, path string) *MutableStore {
	return &MutableStore{block: block, path: path, maxUsed: -1}
}

func (m *MutableStore) Path() string        { return m.path }
func (m *MutableStore) IsCompressed() bool  { return false }
func (m *MutableStore) LastModified() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastModified
}

// Open opens the file, creating and initializing a fresh header if it does
// not already exist, and reports whether it created a new file.
func (m *MutableStore) Open() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file != nil {
		return false, nil
	}
	_, statErr := os.Stat(m.path)
	created := os.IsNotExist(statErr)
	f, err := os.OpenFile(m.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return false, rpcerr.New(rpcerr.KindIO, "open", m.block, err)
	}
	m.file = f
	if created {
		zero := make([]byte, HeaderSize)
		if _, err := f.WriteAt(zero, 0); err != nil {
			f.Close()
			m.file = nil
			return false, rpcerr.New(rpcerr.KindIO, "open:init-header", m.block, err)
		}
		m.fileLen = HeaderSize
		m.maxUsed = -1
		return true, nil
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		m.file = nil
		return false, rpcerr.New(rpcerr.KindIO, "open:stat", m.block, err)
	}
	m.fileLen = info.Size()
	if err := m.loadHeader(); err != nil {
		f.Close()
		m.file = nil
		return false, err
	}
	return false, nil
}

func (m *MutableStore) loadHeader() error {
	buf := make([]byte, HeaderSize)
	if _, err := m.file.ReadAt(buf, 0); err != nil && err != io.EOF {
		return rpcerr.New(rpcerr.KindIO, "open:read-header", m.block, err)
	}
	m.maxUsed = -1
	for i := 0; i < HeaderEntries; i++ {
		s := decodeHeaderSlot(buf[i*HeaderEntrySize:])
		m.header[i] = s
		if !s.unused() {
			m.maxUsed = int32(i)
		}
	}
	return nil
}

func (m *MutableStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}

func (m *MutableStore) writeHeaderSlot(dataID uint32) error {
	buf := make([]byte, HeaderEntrySize)
	m.header[dataID].encode(buf)
	_, err := m.file.WriteAt(buf, int64(dataID)*HeaderEntrySize)
	return err
}

// PutData appends buf as the payload for dataID. A second write to the
// same dataID in the same mutable file fails: invariant 1 in spec.md §8.
func (m *MutableStore) PutData(dataID uint32, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !dataIDInRange(dataID) {
		return rpcerr.NewData(rpcerr.KindOutOfRange, "put", blockid.DataAddress{Block: m.block, DataID: dataID}, nil)
	}
	if m.file == nil {
		return rpcerr.New(rpcerr.KindIO, "put", m.block, fmt.Errorf("store not open"))
	}
	if !m.header[dataID].unused() {
		return rpcerr.NewData(rpcerr.KindCorrupt, "put:duplicate", blockid.DataAddress{Block: m.block, DataID: dataID}, fmt.Errorf("data id already written"))
	}
	offset := m.fileLen
	if _, err := m.file.WriteAt(buf, offset); err != nil {
		return rpcerr.NewData(rpcerr.KindIO, "put", blockid.DataAddress{Block: m.block, DataID: dataID}, err)
	}
	m.fileLen += int64(len(buf))
	m.header[dataID] = headerSlot{Offset: int32(offset), Length: int16(len(buf))}
	if err := m.writeHeaderSlot(dataID); err != nil {
		return rpcerr.NewData(rpcerr.KindIO, "put:header", blockid.DataAddress{Block: m.block, DataID: dataID}, err)
	}
	if int32(dataID) > m.maxUsed {
		m.maxUsed = int32(dataID)
	}
	m.lastModified = time.Now()
	return nil
}

// RemoveData tombstones dataID's header slot by negating its offset.
// Removing an unused slot is a no-op that reports false, not an error;
// removing an already-tombstoned slot is idempotent.
func (m *MutableStore) RemoveData(dataID uint32) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !dataIDInRange(dataID) {
		return false, rpcerr.NewData(rpcerr.KindOutOfRange, "remove", blockid.DataAddress{Block: m.block, DataID: dataID}, nil)
	}
	if m.file == nil {
		return false, rpcerr.New(rpcerr.KindIO, "remove", m.block, fmt.Errorf("store not open"))
	}
	slot := m.header[dataID]
	if slot.unused() {
		return false, nil
	}
	if slot.tombstoned() {
		return true, nil
	}
	m.header[dataID] = headerSlot{Offset: -slot.Offset, Length: 0}
	if err := m.writeHeaderSlot(dataID); err != nil {
		return false, rpcerr.NewData(rpcerr.KindIO, "remove:header", blockid.DataAddress{Block: m.block, DataID: dataID}, err)
	}
	m.lastModified = time.Now()
	return true, nil
}

// GetData returns the single-uncompressed NodeSet for dataID.
func (m *MutableStore) GetData(dataID uint32) (*nodeset.NodeSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !dataIDInRange(dataID) {
		return nil, rpcerr.NewData(rpcerr.KindOutOfRange, "get", blockid.DataAddress{Block: m.block, DataID: dataID}, nil)
	}
	if m.file == nil {
		return nil, rpcerr.New(rpcerr.KindIO, "get", m.block, fmt.Errorf("store not open"))
	}
	slot := m.header[dataID]
	if slot.unused() || slot.tombstoned() {
		return nil, rpcerr.NewData(rpcerr.KindDataIdNotPresent, "get", blockid.DataAddress{Block: m.block, DataID: dataID}, nil)
	}
	buf := make([]byte, slot.Length)
	if _, err := m.file.ReadAt(buf, int64(slot.Offset)); err != nil {
		return nil, rpcerr.NewData(rpcerr.KindIO, "get", blockid.DataAddress{Block: m.block, DataID: dataID}, err)
	}
	addr := blockid.DataAddress{Block: m.block, DataID: dataID}
	return nodeset.Single(addr.Ref(), buf), nil
}

// MaxDataID returns the highest data id ever written (tombstoned or not),
// or -1 if the block is empty.
func (m *MutableStore) MaxDataID() (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxUsed, nil
}

// Checksum folds every active payload, in slot order, into the block's
// rolling checksum; tombstoned and unused slots contribute nothing.
func (m *MutableStore) Checksum() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return 0, rpcerr.New(rpcerr.KindIO, "checksum", m.block, fmt.Errorf("store not open"))
	}
	rc := newRollingChecksum()
	for i := int32(0); i <= m.maxUsed; i++ {
		slot := m.header[i]
		if slot.unused() || slot.tombstoned() {
			continue
		}
		buf := make([]byte, slot.Length)
		if _, err := m.file.ReadAt(buf, int64(slot.Offset)); err != nil {
			return 0, rpcerr.New(rpcerr.KindIO, "checksum", m.block, err)
		}
		rc.add(buf)
	}
	return rc.sum(), nil
}

// Fsync durably flushes pending writes.
func (m *MutableStore) Fsync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	if err := fdatasync(m.file); err != nil {
		return rpcerr.New(rpcerr.KindIO, "fsync", m.block, err)
	}
	return nil
}

// activePayloads returns the payload bytes of every data id in
// [0, maxUsed], with tombstoned/unused slots represented as nil, in the
// order the compactor needs to build compressed groups.
func (m *MutableStore) activePayloads() ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil, fmt.Errorf("store not open")
	}
	if m.maxUsed < 0 {
		return nil, nil
	}
	out := make([][]byte, m.maxUsed+1)
	for i := int32(0); i <= m.maxUsed; i++ {
		slot := m.header[i]
		if slot.unused() || slot.tombstoned() {
			continue
		}
		buf := make([]byte, slot.Length)
		if _, err := m.file.ReadAt(buf, int64(slot.Offset)); err != nil {
			return nil, err
		}
		out[i] = buf
	}
	return out, nil
}
