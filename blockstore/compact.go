package blockstore

import (
	"bytes"

	"github.com/google/renameio"

	"github.com/gholt/mckoiblock/blockid"
	"github.com/gholt/mckoiblock/nodeset"
	"github.com/gholt/mckoiblock/rpcerr"
)

type compressedGroup struct {
	start int
	count int
	frame []byte
}

// planGroups implements the compactor's streaming greedy grouping: a
// group grows by one node at a time while its re-encoded DEFLATE frame
// stays within MaxGroupFrameBytes and its member count stays within
// nodeset.MaxGroupSize, per spec.md §4.E.
func planGroups(payloads [][]byte) ([]compressedGroup, error) {
	var groups []compressedGroup
	n := len(payloads)
	for i := 0; i < n; {
		members := payloads[i : i+1]
		frame, err := nodeset.EncodeGroup(members)
		if err != nil {
			return nil, err
		}
		j := i + 1
		for j < n && len(members) < nodeset.MaxGroupSize {
			trial := payloads[i : j+1]
			trialFrame, err := nodeset.EncodeGroup(trial)
			if err != nil {
				return nil, err
			}
			if len(trialFrame) > MaxGroupFrameBytes {
				break
			}
			members = trial
			frame = trialFrame
			j++
		}
		groups = append(groups, compressedGroup{start: i, count: len(members), frame: frame})
		i = j
	}
	return groups, nil
}

// Compress rewrites src's active payloads into the compressed file format
// at destPath, installing it atomically (fsync-then-rename) so a reader
// never observes a partially-written compressed file. src must already be
// open; Compress does not close it.
func Compress(block blockid.BlockID, src *MutableStore, destPath string) error {
	payloads, err := src.activePayloads()
	if err != nil {
		return rpcerr.New(rpcerr.KindIO, "compress:read", block, err)
	}
	groups, err := planGroups(payloads)
	if err != nil {
		return rpcerr.New(rpcerr.KindIO, "compress:encode", block, err)
	}

	headerSlots := len(payloads) + 1 // +1 terminator
	headerBytes := int64(headerSlots) * HeaderEntrySize

	var header bytes.Buffer
	var body bytes.Buffer
	slotBuf := make([]byte, HeaderEntrySize)
	offset := int64(0)
	for _, g := range groups {
		compressedSlot{Position: int32(offset), Length: int16(len(g.frame))}.encode(slotBuf)
		header.Write(slotBuf)
		for k := 1; k < g.count; k++ {
			compressedSlot{Position: -(int32(g.start) + 1), Length: 0}.encode(slotBuf)
			header.Write(slotBuf)
		}
		body.Write(g.frame)
		offset += int64(len(g.frame))
	}
	compressedSlot{}.encode(slotBuf) // terminator (0,0)
	header.Write(slotBuf)

	if int64(header.Len()) != headerBytes {
		return rpcerr.New(rpcerr.KindCorrupt, "compress:header-size", block, nil)
	}

	t, err := renameio.TempFile("", destPath)
	if err != nil {
		return rpcerr.New(rpcerr.KindIO, "compress:stage", block, err)
	}
	defer t.Cleanup()
	if _, err := t.Write(header.Bytes()); err != nil {
		return rpcerr.New(rpcerr.KindIO, "compress:write-header", block, err)
	}
	if _, err := t.Write(body.Bytes()); err != nil {
		return rpcerr.New(rpcerr.KindIO, "compress:write-body", block, err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return rpcerr.New(rpcerr.KindIO, "compress:install", block, err)
	}
	return nil
}
