// Package blockid implements the 128 bit identifiers that address blocks
// and nodes across the block-server network: BlockID, DataAddress, and
// NodeReference.
package blockid

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// MaxDataID is the exclusive upper bound on a DataAddress's DataID: each
// block file has a fixed 16384 entry header.
const MaxDataID = 16384

// BlockID is a 128 bit, totally ordered block identifier: a high and low
// uint64 treated as one unsigned 128 bit integer.
type BlockID struct {
	High uint64
	Low  uint64
}

// Compare returns -1, 0, or 1 as b is less than, equal to, or greater than
// o, ordering lexicographically on (High, Low).
func (b BlockID) Compare(o BlockID) int {
	if b.High != o.High {
		if b.High < o.High {
			return -1
		}
		return 1
	}
	if b.Low != o.Low {
		if b.Low < o.Low {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether b orders before o; convenient for sort.Slice.
func (b BlockID) Less(o BlockID) bool {
	return b.Compare(o) < 0
}

// Add returns b treated as an unsigned 128 bit integer plus n, carrying
// from the low word into the high word on overflow.
func (b BlockID) Add(n uint32) BlockID {
	low := b.Low + uint64(n)
	high := b.High
	if low < b.Low {
		high++
	}
	return BlockID{High: high, Low: low}
}

// ManagerKey returns the low 8 bits of the block id, identifying which
// manager allocated this block's chain.
func (b BlockID) ManagerKey() byte {
	return byte(b.Low & 0xFF)
}

// String formats the block id using the on-disk filename convention: the
// high 64 bits as unpadded hex, the literal separator "X", then the low 64
// bits zero-padded to 16 hex digits.
func (b BlockID) String() string {
	return fmt.Sprintf("%xX%016x", b.High, b.Low)
}

// Parse is the inverse of String.
func Parse(s string) (BlockID, error) {
	parts := strings.SplitN(s, "X", 2)
	if len(parts) != 2 {
		return BlockID{}, fmt.Errorf("blockid: malformed id %q: missing separator", s)
	}
	high, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return BlockID{}, fmt.Errorf("blockid: malformed high word in %q: %w", s, err)
	}
	low, err := strconv.ParseUint(parts[1], 16, 64)
	if err != nil {
		return BlockID{}, fmt.Errorf("blockid: malformed low word in %q: %w", s, err)
	}
	return BlockID{High: high, Low: low}, nil
}

// MarshalBinary encodes the id as two big-endian int64s, the wire
// representation named in the protocol's argument encoding.
func (b BlockID) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], b.High)
	binary.BigEndian.PutUint64(buf[8:16], b.Low)
	return buf, nil
}

// UnmarshalBinary decodes the wire form produced by MarshalBinary.
func (b *BlockID) UnmarshalBinary(data []byte) error {
	if len(data) != 16 {
		return fmt.Errorf("blockid: want 16 bytes, got %d", len(data))
	}
	b.High = binary.BigEndian.Uint64(data[0:8])
	b.Low = binary.BigEndian.Uint64(data[8:16])
	return nil
}

// DataAddress names exactly one node within exactly one block.
type DataAddress struct {
	Block  BlockID
	DataID uint32
}

// NewDataAddress validates dataID against [0, MaxDataID) before
// constructing a DataAddress.
func NewDataAddress(block BlockID, dataID uint32) (DataAddress, error) {
	if dataID >= MaxDataID {
		return DataAddress{}, fmt.Errorf("blockid: data id %d out of range [0,%d)", dataID, MaxDataID)
	}
	return DataAddress{Block: block, DataID: dataID}, nil
}

func (d DataAddress) String() string {
	return fmt.Sprintf("%s/%d", d.Block, d.DataID)
}

// MarshalBinary encodes the address as a big-endian int32 data id followed
// by the block id's two int64s, per the protocol's argument encoding.
func (d DataAddress) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4+16)
	binary.BigEndian.PutUint32(buf[0:4], d.DataID)
	blk, _ := d.Block.MarshalBinary()
	copy(buf[4:], blk)
	return buf, nil
}

// UnmarshalBinary decodes the wire form produced by MarshalBinary.
func (d *DataAddress) UnmarshalBinary(data []byte) error {
	if len(data) != 4+16 {
		return fmt.Errorf("blockid: want 20 bytes, got %d", len(data))
	}
	d.DataID = binary.BigEndian.Uint32(data[0:4])
	return d.Block.UnmarshalBinary(data[4:])
}

// NodeReference is the 128 bit node identity derived from a DataAddress: the
// block id shifted left 16 bits with the data id filling the low bits, so
// every node in the network has a globally unique, totally ordered
// identity in the same value space as a BlockID.
type NodeReference struct {
	High uint64
	Low  uint64
}

// Ref derives the NodeReference for this address.
func (d DataAddress) Ref() NodeReference {
	return NodeReference{
		High: d.Block.High<<16 | d.Block.Low>>48,
		Low:  d.Block.Low<<16 | uint64(d.DataID),
	}
}

// Compare orders NodeReferences the same way BlockID.Compare does.
func (r NodeReference) Compare(o NodeReference) int {
	if r.High != o.High {
		if r.High < o.High {
			return -1
		}
		return 1
	}
	if r.Low != o.Low {
		if r.Low < o.Low {
			return -1
		}
		return 1
	}
	return 0
}

func (r NodeReference) String() string {
	return fmt.Sprintf("%xX%016x", r.High, r.Low)
}
