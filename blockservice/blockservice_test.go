package blockservice

import (
	"bytes"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/gholt/mckoiblock/blockid"
	"github.com/gholt/mckoiblock/blockstore"
	"github.com/gholt/mckoiblock/rpcerr"
)

func newTestService(t *testing.T, opts ...func(*config)) *Service {
	t.Helper()
	dir := t.TempDir()
	s := New(Config{NodeDirectory: dir}, nil, opts...)
	if err := s.Startup(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Shutdown)
	return s
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newTestService(t)
	addr := blockid.DataAddress{Block: blockid.BlockID{High: 0, Low: 7}, DataID: 3}
	want := []byte{0xAA, 0xBB, 0xCC}
	if err := s.WriteToBlock(addr, want); err != nil {
		t.Fatal(err)
	}
	ns, err := s.ReadFromBlock(addr)
	if err != nil {
		t.Fatal(err)
	}
	items, err := ns.Materialize()
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one item, got %d", len(items))
	}
	got, _ := io.ReadAll(items[0].Data)
	if !bytes.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestServerGUIDPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	s1 := New(Config{NodeDirectory: dir}, nil)
	if err := s1.Startup(); err != nil {
		t.Fatal(err)
	}
	guid1, err := s1.ServerGUID()
	if err != nil {
		t.Fatal(err)
	}
	s1.Shutdown()

	s2 := New(Config{NodeDirectory: dir}, nil)
	if err := s2.Startup(); err != nil {
		t.Fatal(err)
	}
	defer s2.Shutdown()
	guid2, err := s2.ServerGUID()
	if err != nil {
		t.Fatal(err)
	}
	if guid1 != guid2 {
		t.Fatalf("guid changed across restart: %d != %d", guid1, guid2)
	}
}

func TestRollbackNodesTombstones(t *testing.T) {
	s := newTestService(t)
	addr := blockid.DataAddress{Block: blockid.BlockID{High: 0, Low: 2}, DataID: 0}
	if err := s.WriteToBlock(addr, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := s.RollbackNodes([]blockid.DataAddress{addr}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReadFromBlock(addr); !errors.Is(err, &rpcerr.BlockError{Kind: rpcerr.KindDataIdNotPresent}) {
		t.Fatalf("expected DataIdNotPresent after rollback, got %v", err)
	}
}

func TestNotifyCurrentBlockIdTracksHighWaterMark(t *testing.T) {
	s := newTestService(t)
	block := blockid.BlockID{High: 1, Low: 10}
	if err := s.NotifyCurrentBlockId(block); err != nil {
		t.Fatal(err)
	}
	got, ok := s.MaxKnownBlockID(block.ManagerKey())
	if !ok || got != block {
		t.Fatalf("got %v, %v; want %v, true", got, ok, block)
	}
	lower := blockid.BlockID{High: 0, Low: 10}
	if err := s.NotifyCurrentBlockId(lower); err != nil {
		t.Fatal(err)
	}
	got, _ = s.MaxKnownBlockID(block.ManagerKey())
	if got != block {
		t.Fatalf("high water mark regressed: got %v, want %v", got, block)
	}
}

func TestCreateAvailabilityMapForBlocks(t *testing.T) {
	s := newTestService(t)
	present := blockid.DataAddress{Block: blockid.BlockID{High: 0, Low: 1}, DataID: 0}
	if err := s.WriteToBlock(present, []byte("x")); err != nil {
		t.Fatal(err)
	}
	absent := blockid.BlockID{High: 0, Low: 99}
	out, err := s.CreateAvailabilityMapForBlocks([]blockid.BlockID{present.Block, absent})
	if err != nil {
		t.Fatal(err)
	}
	if out[0] != 1 || out[1] != 0 {
		t.Fatalf("got %v, want [1 0]", out)
	}
}

func TestBlockSetReportSnapshotsDirectory(t *testing.T) {
	s := newTestService(t)
	addr := blockid.DataAddress{Block: blockid.BlockID{High: 0, Low: 4}, DataID: 0}
	if err := s.WriteToBlock(addr, []byte("x")); err != nil {
		t.Fatal(err)
	}
	guid, ids, err := s.BlockSetReport()
	if err != nil {
		t.Fatal(err)
	}
	if guid != s.serverGUID {
		t.Fatalf("got guid %d, want %d", guid, s.serverGUID)
	}
	found := false
	for _, id := range ids {
		if id == addr.Block {
			found = true
		}
	}
	if !found {
		t.Fatalf("blockSetReport did not include %v: %v", addr.Block, ids)
	}
}

func TestBatchReaderSuppressesDuplicateReads(t *testing.T) {
	s := newTestService(t)
	block := blockid.BlockID{High: 0, Low: 1}
	for i := uint32(1); i <= 10; i++ {
		addr := blockid.DataAddress{Block: block, DataID: i}
		if err := s.WriteToBlock(addr, bytes.Repeat([]byte{byte(i)}, 50)); err != nil {
			t.Fatal(err)
		}
	}

	batch := s.NewBatchReader()
	ns1, err := batch.Read(blockid.DataAddress{Block: block, DataID: 3})
	if err != nil {
		t.Fatal(err)
	}
	if ns1 == nil {
		t.Fatal("first read of data id 3 should not be suppressed")
	}
	ns2, err := batch.Read(blockid.DataAddress{Block: block, DataID: 3})
	if err != nil {
		t.Fatal(err)
	}
	if ns2 != nil {
		t.Fatal("repeated read of data id 3 in the same batch must be suppressed")
	}
}

func TestSendBlockPartAndCompleteProtocol(t *testing.T) {
	s := newTestService(t)
	block := blockid.BlockID{High: 0, Low: 20}
	part1 := []byte("hello ")
	part2 := []byte("world")

	if err := s.SendBlockPart(block, 0, 1, part1); err != nil {
		t.Fatal(err)
	}
	if err := s.SendBlockPart(block, int64(len(part1)), 1, part2); err != nil {
		t.Fatal(err)
	}
	if err := s.SendBlockPart(block, 0, 1, part1); !errors.Is(err, &rpcerr.BlockError{Kind: rpcerr.KindBadFrame}) {
		t.Fatalf("pos=0 with an in-progress upload must fail BadFrame, got %v", err)
	}

	if err := s.SendBlockComplete(block, 1); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(s.mutablePath(block))
	if err != nil {
		t.Fatal(err)
	}
	want := append(append([]byte{}, part1...), part2...)
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}

	if err := s.SendBlockComplete(block, 1); !errors.Is(err, &rpcerr.BlockError{Kind: rpcerr.KindBadFrame}) {
		t.Fatalf("expected BadFrame for a second complete with no staging upload, got %v", err)
	}
}

func TestSendBlockPartRejectsOutOfOrder(t *testing.T) {
	s := newTestService(t)
	block := blockid.BlockID{High: 0, Low: 21}
	if err := s.SendBlockPart(block, 5, 1, []byte("x")); !errors.Is(err, &rpcerr.BlockError{Kind: rpcerr.KindOutOfOrderPart}) {
		t.Fatalf("expected OutOfOrderPart starting at a nonzero pos, got %v", err)
	}
	if err := s.SendBlockPart(block, 0, 1, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	if err := s.SendBlockPart(block, 1, 1, []byte("x")); !errors.Is(err, &rpcerr.BlockError{Kind: rpcerr.KindOutOfOrderPart}) {
		t.Fatalf("expected OutOfOrderPart at a mismatched pos, got %v", err)
	}
}

// TestPreserveNodesInBlock models scenario S5: a preserve rewrite over a
// compressed block that disposes enough bytes to trigger the install
// flips the block back to Mutable and keeps only the requested node
// bytes. The age floor is relaxed via OptPreserveMinAge so the test
// doesn't need to wait real days.
func TestPreserveNodesInBlock(t *testing.T) {
	s := newTestService(t, OptPreserveMinAge(-time.Hour), OptPreserveMinBytes(1000))
	block := blockid.BlockID{High: 0, Low: 3}
	const n = 100
	const payloadSize = 600 // disposing 50 of these clears the 1000-byte test floor
	for i := uint32(0); i < n; i++ {
		addr := blockid.DataAddress{Block: block, DataID: i}
		if err := s.WriteToBlock(addr, bytes.Repeat([]byte{byte(i)}, payloadSize)); err != nil {
			t.Fatal(err)
		}
	}

	s.pathMu.Lock()
	c := s.containerMap[block]
	s.pathMu.Unlock()
	if _, err := c.Open(); err != nil {
		t.Fatal(err)
	}
	mutable := c.Store().(*blockstore.MutableStore)
	tempPath := s.tempCompressedPath(block)
	if err := blockstore.Compress(block, mutable, tempPath); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tempPath, s.compressedPath(block)); err != nil {
		t.Fatal(err)
	}
	compressedStore := blockstore.NewCompressedStore(block, s.compressedPath(block))
	if err := c.ChangeStore(compressedStore); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(s.mutablePath(block)); err != nil {
		t.Fatal(err)
	}
	c.TouchLastWrite()
	c.Close()

	ids := make([]uint32, 50)
	for i := range ids {
		ids[i] = uint32(i)
	}
	s.runPreserve(1, block, ids)

	if c.IsCompressed() {
		t.Fatal("expected the block to become mutable after the preserve rewrite")
	}
	for i := uint32(0); i < 50; i++ {
		ns, err := s.ReadFromBlock(blockid.DataAddress{Block: block, DataID: i})
		if err != nil {
			t.Fatalf("data id %d should survive: %v", i, err)
		}
		items, _ := ns.Materialize()
		got, _ := io.ReadAll(items[0].Data)
		if !bytes.Equal(got, bytes.Repeat([]byte{byte(i)}, payloadSize)) {
			t.Fatalf("data id %d: bytes changed after preserve rewrite", i)
		}
	}
	for i := uint32(50); i < n; i++ {
		if _, err := s.ReadFromBlock(blockid.DataAddress{Block: block, DataID: i}); err == nil {
			t.Fatalf("data id %d should have been disposed", i)
		}
	}
}

// TestAccessListCapsAtThirtyTwoContainers exercises the 32-container LRU
// cap: once more distinct blocks than that have been touched, the oldest
// drop off the access list and their stores are closed, while the
// container itself stays in the map so a later request can reopen it.
func TestAccessListCapsAtThirtyTwoContainers(t *testing.T) {
	s := newTestService(t)
	const total = accessListMax + 8

	blocks := make([]blockid.BlockID, total)
	for i := 0; i < total; i++ {
		blocks[i] = blockid.BlockID{High: 0, Low: uint64(i + 1)}
		addr := blockid.DataAddress{Block: blocks[i], DataID: 0}
		if err := s.WriteToBlock(addr, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}

	s.pathMu.Lock()
	listLen := len(s.accessList)
	mapLen := len(s.containerMap)
	s.pathMu.Unlock()
	if listLen != accessListMax {
		t.Fatalf("access list length = %d, want %d", listLen, accessListMax)
	}
	if mapLen != total {
		t.Fatalf("container map length = %d, want %d; eviction must not forget the block", mapLen, total)
	}

	for i, block := range blocks {
		s.pathMu.Lock()
		c := s.containerMap[block]
		onList := false
		for _, b := range s.accessList {
			if b == block {
				onList = true
				break
			}
		}
		s.pathMu.Unlock()
		wantEvicted := i < total-accessListMax
		if wantEvicted {
			if onList {
				t.Fatalf("block %d should have been evicted from the access list", i)
			}
			if c.IsOpen() {
				t.Fatalf("block %d's container should have been closed on eviction", i)
			}
		} else if !onList {
			t.Fatalf("block %d should still be on the access list", i)
		}
	}

	// A request for an evicted block must still succeed by reopening it.
	evictedAddr := blockid.DataAddress{Block: blocks[0], DataID: 0}
	if _, err := s.ReadFromBlock(evictedAddr); err != nil {
		t.Fatalf("reading an evicted block should reopen it: %v", err)
	}
}

// TestSendBlockToStreamsToDestination models scenario S4: sendBlockTo
// streams a block's bytes to another server and, once complete, the
// destination's own blockSetReport and checksum match the source.
func TestSendBlockToStreamsToDestination(t *testing.T) {
	src := newTestService(t)
	dest := newTestService(t)

	block := blockid.BlockID{High: 0, Low: 30}
	const n = 20
	for i := uint32(0); i < n; i++ {
		addr := blockid.DataAddress{Block: block, DataID: i}
		if err := src.WriteToBlock(addr, bytes.Repeat([]byte{byte(i + 1)}, 37)); err != nil {
			t.Fatal(err)
		}
	}

	destGUID, err := dest.ServerGUID()
	if err != nil {
		t.Fatal(err)
	}
	src.RegisterPeer(destGUID, dest)

	pid, err := src.SendBlockTo(block, dest, destGUID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if pid <= 0 {
		t.Fatalf("expected a positive process id, got %d", pid)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(dest.mutablePath(block)); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for sendBlockTo to install the destination file")
		}
		time.Sleep(10 * time.Millisecond)
	}

	srcSum, err := src.BlockChecksum(block)
	if err != nil {
		t.Fatal(err)
	}
	destSum, err := dest.BlockChecksum(block)
	if err != nil {
		t.Fatal(err)
	}
	if srcSum != destSum {
		t.Fatalf("checksum mismatch after sendBlockTo: src=%d dest=%d", srcSum, destSum)
	}

	_, ids, err := dest.BlockSetReport()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, id := range ids {
		if id == block {
			found = true
		}
	}
	if !found {
		t.Fatalf("destination's blockSetReport did not include %v: %v", block, ids)
	}
}
