package compactor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gholt/mckoiblock/blockid"
	"github.com/gholt/mckoiblock/blockstore"
	"github.com/gholt/mckoiblock/container"
)

type fakeMaxIDs struct {
	m map[byte]blockid.BlockID
}

func (f *fakeMaxIDs) MaxKnownBlockID(managerKey byte) (blockid.BlockID, bool) {
	id, ok := f.m[managerKey]
	return id, ok
}

type fakePaths struct {
	dir string
}

func (p *fakePaths) MutablePath(b blockid.BlockID) string     { return filepath.Join(p.dir, b.String()) }
func (p *fakePaths) CompressedPath(b blockid.BlockID) string  { return filepath.Join(p.dir, b.String()+".mcd") }
func (p *fakePaths) TempCompressedPath(b blockid.BlockID) string {
	return filepath.Join(p.dir, b.String()+".tempc")
}

func openerFor(dir string) container.Opener {
	return func(block blockid.BlockID) (blockstore.Store, error) {
		path := filepath.Join(dir, block.String())
		if _, err := os.Stat(path + ".mcd"); err == nil {
			return blockstore.NewCompressedStore(block, path+".mcd"), nil
		}
		return blockstore.NewMutableStore(block, path), nil
	}
}

func TestEvaluateSkipsFreshWrite(t *testing.T) {
	dir := t.TempDir()
	block := blockid.BlockID{High: 0, Low: 1}
	c := container.New(block, openerFor(dir))
	if _, err := c.Open(); err != nil {
		t.Fatal(err)
	}
	store := c.Store().(*blockstore.MutableStore)
	if err := store.PutData(0, []byte("x")); err != nil {
		t.Fatal(err)
	}
	c.TouchLastWrite()
	defer c.Close()

	comp := New(&fakeMaxIDs{m: map[byte]blockid.BlockID{block.ManagerKey(): {High: 0, Low: 0x101}}}, &fakePaths{dir: dir})
	if err := comp.evaluate(Entry{Block: block, Container: c}); err != nil {
		t.Fatal(err)
	}
	if c.IsCompressed() {
		t.Fatal("a recently-written block must not be compressed")
	}
}

func TestEvaluateSkipsBlockAboveHighWaterMark(t *testing.T) {
	dir := t.TempDir()
	block := blockid.BlockID{High: 1, Low: 9}
	c := container.New(block, openerFor(dir))
	if _, err := c.Open(); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	comp := New(&fakeMaxIDs{m: map[byte]blockid.BlockID{block.ManagerKey(): {High: 0, Low: 9}}}, &fakePaths{dir: dir})
	if err := comp.evaluate(Entry{Block: block, Container: c}); err != nil {
		t.Fatal(err)
	}
	if c.IsCompressed() {
		t.Fatal("a block at or above the manager high-water mark must not be compressed")
	}
}

// TestEvaluateCompressesStaticBlock writes through an open container and
// then closes it, the way a request handler's defer c.Close() leaves
// things once the request completes, before handing it to evaluate. A
// compress() that forgets to reopen the container itself would see
// activePayloads return "store not open" here.
func TestEvaluateCompressesStaticBlock(t *testing.T) {
	dir := t.TempDir()
	block := blockid.BlockID{High: 0, Low: 1}
	c := container.New(block, openerFor(dir))
	if _, err := c.Open(); err != nil {
		t.Fatal(err)
	}
	store := c.Store().(*blockstore.MutableStore)
	for i := uint32(0); i < 5; i++ {
		if err := store.PutData(i, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	comp := New(&fakeMaxIDs{m: map[byte]blockid.BlockID{block.ManagerKey(): {High: 0, Low: 0x101}}}, &fakePaths{dir: dir},
		OptStaticAge(-time.Second))
	if err := comp.evaluate(Entry{Block: block, Container: c}); err != nil {
		t.Fatal(err)
	}
	if !c.IsCompressed() {
		t.Fatal("expected the container to have switched to a compressed store")
	}
	if c.IsOpen() {
		t.Fatal("compress must leave the container in the closed state it found it in")
	}
	if _, err := os.Stat(filepath.Join(dir, block.String()+".mcd")); err != nil {
		t.Fatalf("compressed file was not installed: %v", err)
	}
}

func TestDrainDedupsAndSorts(t *testing.T) {
	dir := t.TempDir()
	b1 := blockid.BlockID{High: 0, Low: 2}
	b2 := blockid.BlockID{High: 0, Low: 1}
	c1 := container.New(b1, openerFor(dir))
	c2 := container.New(b2, openerFor(dir))

	comp := New(&fakeMaxIDs{m: map[byte]blockid.BlockID{}}, &fakePaths{dir: dir})
	comp.Add(Entry{Block: b1, Container: c1})
	comp.Add(Entry{Block: b2, Container: c2})
	comp.Add(Entry{Block: b1, Container: c1})

	drained := comp.drain()
	if len(drained) != 2 {
		t.Fatalf("expected 2 deduped entries, got %d", len(drained))
	}
	if drained[0].Block != b2 || drained[1].Block != b1 {
		t.Fatalf("expected sorted order b2, b1; got %v, %v", drained[0].Block, drained[1].Block)
	}
}
