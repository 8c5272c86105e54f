package blockservice

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/gholt/mckoiblock/blockid"
	"github.com/gholt/mckoiblock/blockstore"
	"github.com/gholt/mckoiblock/rpcerr"
)

// PreserveNodesInBlock schedules a background GC rewrite that keeps only
// the node bytes named by preserve and, if enough was reclaimed, installs
// the result as the block's new Mutable store. It returns a process id.
func (s *Service) PreserveNodesInBlock(preserve []blockid.DataAddress) (int64, error) {
	if err := s.checkStopState(); err != nil {
		return 0, err
	}
	if len(preserve) == 0 {
		return 0, rpcerr.New(rpcerr.KindBadFrame, "preserveNodesInBlock", blockid.BlockID{}, fmt.Errorf("empty address list"))
	}
	block := preserve[0].Block
	for _, addr := range preserve {
		if addr.Block != block {
			return 0, rpcerr.New(rpcerr.KindBadFrame, "preserveNodesInBlock", block, fmt.Errorf("addresses span more than one block"))
		}
	}
	ids := make([]uint32, len(preserve))
	for i, addr := range preserve {
		ids[i] = addr.DataID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i := 1; i < len(ids); i++ {
		if ids[i] == ids[i-1] {
			return 0, rpcerr.New(rpcerr.KindBadFrame, "preserveNodesInBlock", block, fmt.Errorf("duplicate data id %d", ids[i]))
		}
	}

	pid := s.nextProcessID()
	time.AfterFunc(preserveDelay, func() {
		s.runPreserve(pid, block, ids)
	})
	return pid, nil
}

func (s *Service) runPreserve(pid int64, block blockid.BlockID, preserveIDs []uint32) {
	s.pathMu.Lock()
	c, ok := s.containerMap[block]
	s.pathMu.Unlock()
	if !ok {
		s.cfg.logError("preserveNodesInBlock[%d] %s: no such block\n", pid, block)
		return
	}
	if _, err := c.Open(); err != nil {
		s.cfg.logError("preserveNodesInBlock[%d] %s: %s\n", pid, block, err)
		return
	}
	defer c.Close()

	compressed, ok := c.Store().(*blockstore.CompressedStore)
	if !ok {
		s.cfg.logError("preserveNodesInBlock[%d] %s: source is not compressed\n", pid, block)
		return
	}
	lastWrite := c.LastWrite()
	if lastWrite.IsZero() || time.Since(lastWrite) < s.cfg.preserveMinAge {
		s.cfg.logError("preserveNodesInBlock[%d] %s: block is younger than the preserve-rewrite age floor\n", pid, block)
		return
	}

	stagePath := s.preserveStagePath(block)
	staging := blockstore.NewMutableStore(block, stagePath)
	created, err := staging.Open()
	if err != nil {
		s.cfg.logError("preserveNodesInBlock[%d] %s: stage open: %s\n", pid, block, err)
		return
	}
	if !created {
		s.cfg.logError("preserveNodesInBlock[%d] %s: staging file already exists\n", pid, block)
		staging.Close()
		return
	}

	preserveSet := make(map[uint32]bool, len(preserveIDs))
	for _, id := range preserveIDs {
		preserveSet[id] = true
	}

	maxID, err := compressed.MaxDataID()
	if err != nil {
		s.cfg.logError("preserveNodesInBlock[%d] %s: %s\n", pid, block, err)
		staging.Close()
		os.Remove(stagePath)
		return
	}

	var disposedBytes, preservedBytes int64
	for id := int32(0); id <= maxID; id++ {
		ns, err := compressed.GetData(uint32(id))
		if err != nil {
			continue
		}
		items, err := ns.Materialize()
		if err != nil {
			s.cfg.logError("preserveNodesInBlock[%d] %s: decode data id %d: %s\n", pid, block, id, err)
			continue
		}
		var payload []byte
		for _, it := range items {
			buf, _ := io.ReadAll(it.Data)
			if it.Ref == (blockid.DataAddress{Block: block, DataID: uint32(id)}).Ref() {
				payload = buf
			}
		}
		if preserveSet[uint32(id)] {
			if err := staging.PutData(uint32(id), payload); err != nil {
				s.cfg.logError("preserveNodesInBlock[%d] %s: write data id %d: %s\n", pid, block, id, err)
			} else {
				preservedBytes += int64(len(payload))
			}
		} else {
			disposedBytes += int64(len(payload))
		}
	}
	if err := staging.Fsync(); err != nil {
		s.cfg.logError("preserveNodesInBlock[%d] %s: stage fsync: %s\n", pid, block, err)
		staging.Close()
		os.Remove(stagePath)
		return
	}
	staging.Close()

	if disposedBytes < s.cfg.preserveMinBytes {
		os.Remove(stagePath)
		s.cfg.logDebug("preserveNodesInBlock[%d] %s: disposed %d bytes, below threshold, discarding rewrite\n", pid, block, disposedBytes)
		return
	}

	// Atomic install: fsync the staged mutable file, move the current
	// compressed file aside as a backup, move the staging file into its
	// place, and only then remove the backup. If the rename to canonical
	// succeeds but the backup cleanup doesn't run, the backup is simply
	// orphaned for a human to clean up rather than losing data, which
	// resolves Open Question 1 in spec.md §9.
	canonicalPath := s.compressedPath(block)
	backupPath := canonicalPath + ".bak"
	newMutablePath := s.mutablePath(block)

	if err := os.Rename(canonicalPath, backupPath); err != nil {
		s.cfg.logError("preserveNodesInBlock[%d] %s: backup rename: %s\n", pid, block, err)
		os.Remove(stagePath)
		return
	}
	if err := os.Rename(stagePath, newMutablePath); err != nil {
		s.cfg.logError("preserveNodesInBlock[%d] %s: install rename: %s\n", pid, block, err)
		os.Rename(backupPath, canonicalPath)
		return
	}
	newStore := blockstore.NewMutableStore(block, newMutablePath)
	if err := c.ChangeStore(newStore); err != nil {
		s.cfg.logError("preserveNodesInBlock[%d] %s: change store: %s\n", pid, block, err)
		return
	}
	os.Remove(backupPath)

	s.stats.mu.Lock()
	s.stats.bytesPreserved += preservedBytes
	s.stats.mu.Unlock()
	s.cfg.logDebug("preserveNodesInBlock[%d] %s: disposed %d bytes, now mutable\n", pid, block, disposedBytes)
}
