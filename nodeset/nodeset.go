// Package nodeset implements the NodeSet wire type: a lazy sequence of node
// binaries for one block, carried as either a single uncompressed payload
// or a shared-stream compressed group (spec.md §4.C).
package nodeset

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/gholt/mckoiblock/blockid"
)

// Variant tags the interpretation of a NodeSet's encoded buffer.
type Variant byte

const (
	// VariantSingle carries exactly one node's raw bytes.
	VariantSingle Variant = 1
	// VariantCompressedGroup carries a DEFLATE stream framing 1..24 nodes.
	VariantCompressedGroup Variant = 2
)

// MaxGroupSize is the largest number of nodes a compressed group may hold.
const MaxGroupSize = 24

// NodeSet is the wire-level grouping of nodes read from one block: one or
// more NodeReferences and an encoded buffer whose interpretation follows
// Variant.
type NodeSet struct {
	Variant Variant
	NodeIDs []blockid.NodeReference
	Encoded []byte
}

// Single builds the single-uncompressed variant for exactly one node.
func Single(ref blockid.NodeReference, payload []byte) *NodeSet {
	return &NodeSet{
		Variant: VariantSingle,
		NodeIDs: []blockid.NodeReference{ref},
		Encoded: payload,
	}
}

// CompressedGroup builds the compressed-group variant. frame must be the
// raw DEFLATE stream produced by EncodeGroup / the compactor, framing each
// entry of payloads (in the same order as refs) as `u16 length` + bytes,
// with a zero length standing in for an absent/tombstoned node.
func CompressedGroup(refs []blockid.NodeReference, frame []byte) *NodeSet {
	return &NodeSet{
		Variant: VariantCompressedGroup,
		NodeIDs: refs,
		Encoded: frame,
	}
}

// EncodeGroup DEFLATE-compresses a list of node payloads (nil meaning
// absent/tombstoned) into the shared-stream frame used by
// VariantCompressedGroup, per spec.md's "u16 length; length bytes"
// per-node framing with a `u16 0` standing in for an absent node.
func EncodeGroup(payloads [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	lenBuf := make([]byte, 2)
	for _, p := range payloads {
		binary.BigEndian.PutUint16(lenBuf, uint16(len(p)))
		if _, err := fw.Write(lenBuf); err != nil {
			return nil, err
		}
		if len(p) > 0 {
			if _, err := fw.Write(p); err != nil {
				return nil, err
			}
		}
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode writes the wire frame: u8 variant; u32 n; n x (i64 high, i64 low);
// u32 encoded_len; encoded_len bytes.
func (ns *NodeSet) Encode(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, byte(ns.Variant)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(ns.NodeIDs))); err != nil {
		return err
	}
	for _, id := range ns.NodeIDs {
		if err := binary.Write(w, binary.BigEndian, id.High); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, id.Low); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(ns.Encoded))); err != nil {
		return err
	}
	_, err := w.Write(ns.Encoded)
	return err
}

// Decode reads the wire frame produced by Encode.
func Decode(r io.Reader) (*NodeSet, error) {
	var variant byte
	if err := binary.Read(r, binary.BigEndian, &variant); err != nil {
		return nil, err
	}
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	ids := make([]blockid.NodeReference, n)
	for i := range ids {
		if err := binary.Read(r, binary.BigEndian, &ids[i].High); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &ids[i].Low); err != nil {
			return nil, err
		}
	}
	var encLen uint32
	if err := binary.Read(r, binary.BigEndian, &encLen); err != nil {
		return nil, err
	}
	encoded := make([]byte, encLen)
	if _, err := io.ReadFull(r, encoded); err != nil {
		return nil, err
	}
	return &NodeSet{Variant: Variant(variant), NodeIDs: ids, Encoded: encoded}, nil
}

// Item is one node produced while iterating a NodeSet.
type Item struct {
	Ref     blockid.NodeReference
	Present bool
	Data    io.Reader
}

// Iterator yields a NodeSet's items in order. For VariantCompressedGroup
// the items share one DEFLATE stream: it must be read to completion, in
// order, or subsequent items will decode garbage or error. This is the
// spec's "lazy-group" latency optimization: the caller only pays for
// decompressing the nodes it actually consumes.
type Iterator struct {
	ns     *NodeSet
	idx    int
	single bool
	fr     io.ReadCloser
	err    error
}

// Iter returns an Iterator over ns.
func (ns *NodeSet) Iter() *Iterator {
	it := &Iterator{ns: ns}
	if ns.Variant == VariantCompressedGroup {
		it.fr = flate.NewReader(bytes.NewReader(ns.Encoded))
	} else {
		it.single = true
	}
	return it
}

// Next returns the next item, or ok==false once the set is exhausted.
func (it *Iterator) Next() (Item, bool, error) {
	if it.err != nil {
		return Item{}, false, it.err
	}
	if it.idx >= len(it.ns.NodeIDs) {
		return Item{}, false, nil
	}
	ref := it.ns.NodeIDs[it.idx]
	it.idx++
	if it.single {
		return Item{Ref: ref, Present: true, Data: bytes.NewReader(it.ns.Encoded)}, true, nil
	}
	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(it.fr, lenBuf); err != nil {
		it.err = fmt.Errorf("nodeset: reading group member length: %w", err)
		return Item{}, false, it.err
	}
	n := binary.BigEndian.Uint16(lenBuf)
	if n == 0 {
		return Item{Ref: ref, Present: false}, true, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(it.fr, payload); err != nil {
		it.err = fmt.Errorf("nodeset: reading group member payload: %w", err)
		return Item{}, false, it.err
	}
	return Item{Ref: ref, Present: true, Data: bytes.NewReader(payload)}, true, nil
}

// Close releases the decompressor, if any.
func (it *Iterator) Close() error {
	if it.fr != nil {
		return it.fr.Close()
	}
	return nil
}

// Materialize eagerly decodes every item into memory, trading memory for
// the simpler error semantics spec.md's design notes call out as the
// alternative to holding the container open for the stream's lifetime.
func (ns *NodeSet) Materialize() ([]Item, error) {
	it := ns.Iter()
	defer it.Close()
	var out []Item
	for {
		item, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if item.Present {
			buf, err := io.ReadAll(item.Data)
			if err != nil {
				return nil, err
			}
			item.Data = bytes.NewReader(buf)
		}
		out = append(out, item)
	}
	return out, nil
}
