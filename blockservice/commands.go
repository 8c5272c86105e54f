package blockservice

import (
	"fmt"

	"github.com/gholt/mckoiblock/blockid"
	"github.com/gholt/mckoiblock/blockstore"
	"github.com/gholt/mckoiblock/container"
	"github.com/gholt/mckoiblock/nodeset"
	"github.com/gholt/mckoiblock/rpcerr"
)

// WriteToBlock appends buf as addr's payload and schedules a fsync.
// The target block must currently be backed by a Mutable store.
func (s *Service) WriteToBlock(addr blockid.DataAddress, buf []byte) error {
	if err := s.checkStopState(); err != nil {
		return err
	}
	c, err := s.fetch(addr.Block)
	if err != nil {
		return err
	}
	defer c.Close()

	mutable, ok := c.Store().(*blockstore.MutableStore)
	if !ok {
		return rpcerr.NewData(rpcerr.KindNotSupported, "writeToBlock", addr, fmt.Errorf("block is compressed"))
	}
	if err := mutable.PutData(addr.DataID, buf); err != nil {
		return err
	}
	c.TouchLastWrite()
	s.scheduleFsync(addr.Block, c)
	s.stats.mu.Lock()
	s.stats.writes++
	s.stats.mu.Unlock()
	return nil
}

// ReadFromBlock returns the NodeSet for addr. On a compressed store the
// result may carry sibling nodes from the same deflate group; the caller
// is expected to cache them and suppress duplicate reads within a batch
// (see BatchReader).
func (s *Service) ReadFromBlock(addr blockid.DataAddress) (*nodeset.NodeSet, error) {
	if err := s.checkStopState(); err != nil {
		return nil, err
	}
	c, err := s.fetch(addr.Block)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	ns, err := c.Store().GetData(addr.DataID)
	if err != nil {
		return nil, err
	}
	s.stats.mu.Lock()
	s.stats.reads++
	s.stats.mu.Unlock()
	return ns, nil
}

// BatchReader suppresses duplicate readFromBlock requests for node ids
// already returned within the same request batch, per spec.md's
// readFromBlock semantics (scenario S6).
type BatchReader struct {
	svc  *Service
	seen map[blockid.NodeReference]bool
}

// NewBatchReader starts a new duplicate-suppressing read batch.
func (s *Service) NewBatchReader() *BatchReader {
	return &BatchReader{svc: s, seen: make(map[blockid.NodeReference]bool)}
}

// Read returns addr's NodeSet, or (nil, nil) if every node it would
// return was already served earlier in this batch.
func (b *BatchReader) Read(addr blockid.DataAddress) (*nodeset.NodeSet, error) {
	ref := addr.Ref()
	if b.seen[ref] {
		return nil, nil
	}
	ns, err := b.svc.ReadFromBlock(addr)
	if err != nil {
		return nil, err
	}
	for _, id := range ns.NodeIDs {
		b.seen[id] = true
	}
	return ns, nil
}

// RollbackNodes tombstones each address and schedules a fsync per
// affected block.
func (s *Service) RollbackNodes(addrs []blockid.DataAddress) error {
	if err := s.checkStopState(); err != nil {
		return err
	}
	touched := make(map[blockid.BlockID]*container.Container)
	defer func() {
		for _, c := range touched {
			c.Close()
		}
	}()
	for _, addr := range addrs {
		c, ok := touched[addr.Block]
		if !ok {
			var err error
			c, err = s.fetch(addr.Block)
			if err != nil {
				return err
			}
			touched[addr.Block] = c
		}
		mutable, ok := c.Store().(*blockstore.MutableStore)
		if !ok {
			return rpcerr.NewData(rpcerr.KindNotSupported, "rollbackNodes", addr, fmt.Errorf("block is compressed"))
		}
		if _, err := mutable.RemoveData(addr.DataID); err != nil {
			return err
		}
		c.TouchLastWrite()
	}
	for block, c := range touched {
		s.scheduleFsync(block, c)
	}
	s.stats.mu.Lock()
	s.stats.removes += int64(len(addrs))
	s.stats.mu.Unlock()
	return nil
}

// DeleteBlock is deferred per spec.md §4.F; it is accepted and ignored.
func (s *Service) DeleteBlock(blockid.BlockID) error {
	return s.checkStopState()
}

// BlockChecksum delegates to the block's backing store.
func (s *Service) BlockChecksum(block blockid.BlockID) (int64, error) {
	if err := s.checkStopState(); err != nil {
		return 0, err
	}
	c, err := s.fetch(block)
	if err != nil {
		return 0, err
	}
	defer c.Close()
	return c.Store().Checksum()
}
