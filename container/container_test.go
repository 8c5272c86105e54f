package container

import (
	"errors"
	"testing"
	"time"

	"github.com/gholt/mckoiblock/blockid"
	"github.com/gholt/mckoiblock/blockstore"
	"github.com/gholt/mckoiblock/nodeset"
)

type fakeStore struct {
	opens, closes int
	compressed    bool
	openErr       error
}

func (f *fakeStore) Open() (bool, error) {
	f.opens++
	if f.openErr != nil {
		return false, f.openErr
	}
	return f.opens == 1, nil
}
func (f *fakeStore) Close() error                              { f.closes++; return nil }
func (f *fakeStore) LastModified() time.Time                   { return time.Time{} }
func (f *fakeStore) PutData(uint32, []byte) error               { return nil }
func (f *fakeStore) GetData(uint32) (*nodeset.NodeSet, error)    { return nil, nil }
func (f *fakeStore) RemoveData(uint32) (bool, error)             { return false, nil }
func (f *fakeStore) MaxDataID() (int32, error)                   { return -1, nil }
func (f *fakeStore) Checksum() (int64, error)                    { return 0, nil }
func (f *fakeStore) Fsync() error                                { return nil }
func (f *fakeStore) Path() string                                { return "fake" }
func (f *fakeStore) IsCompressed() bool                          { return f.compressed }

func blockID(n uint64) blockid.BlockID { return blockid.BlockID{High: 0, Low: n} }

func TestOpenCloseRefcounts(t *testing.T) {
	fs := &fakeStore{}
	c := New(blockID(1), func(blockid.BlockID) (blockstore.Store, error) { return fs, nil })

	created, err := c.Open()
	if err != nil || !created {
		t.Fatalf("first open: created=%v err=%v", created, err)
	}
	if _, err := c.Open(); err != nil {
		t.Fatal(err)
	}
	if !c.IsOpen() {
		t.Fatal("expected open after two Opens")
	}
	if fs.opens != 1 {
		t.Fatalf("underlying store opened %d times, want 1", fs.opens)
	}

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if !c.IsOpen() {
		t.Fatal("container should still be open after one of two closes")
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if c.IsOpen() {
		t.Fatal("container should be closed after matching closes")
	}
	if fs.closes != 1 {
		t.Fatalf("underlying store closed %d times, want 1", fs.closes)
	}
}

func TestOpenPropagatesOpenerError(t *testing.T) {
	wantErr := errors.New("boom")
	c := New(blockID(2), func(blockid.BlockID) (blockstore.Store, error) { return nil, wantErr })
	if _, err := c.Open(); err != wantErr {
		t.Fatalf("got %v, want %v", err, wantErr)
	}
	if c.IsOpen() {
		t.Fatal("a failed open must not count as open")
	}
}

func TestChangeStoreClosesOldAndOpensNewUnderSameLockCount(t *testing.T) {
	oldStore := &fakeStore{}
	c := New(blockID(3), func(blockid.BlockID) (blockstore.Store, error) { return oldStore, nil })
	if _, err := c.Open(); err != nil {
		t.Fatal(err)
	}

	newStore := &fakeStore{compressed: true}
	if err := c.ChangeStore(newStore); err != nil {
		t.Fatal(err)
	}
	if oldStore.closes != 1 {
		t.Fatalf("old store closed %d times, want 1", oldStore.closes)
	}
	if newStore.opens != 1 {
		t.Fatalf("new store opened %d times, want 1", newStore.opens)
	}
	if !c.IsCompressed() {
		t.Fatal("expected IsCompressed to reflect the new store")
	}
	if !c.IsOpen() {
		t.Fatal("ChangeStore must preserve the open-lock count")
	}

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if newStore.closes != 1 {
		t.Fatalf("new store closed %d times, want 1", newStore.closes)
	}
}

func TestChangeStoreWhileClosedDoesNotOpenNewStore(t *testing.T) {
	c := New(blockID(4), func(blockid.BlockID) (blockstore.Store, error) { return &fakeStore{}, nil })
	newStore := &fakeStore{}
	if err := c.ChangeStore(newStore); err != nil {
		t.Fatal(err)
	}
	if newStore.opens != 0 {
		t.Fatal("a container with no open references must not open the replacement store")
	}
}

func TestTouchLastWriteAdvances(t *testing.T) {
	c := New(blockID(5), func(blockid.BlockID) (blockstore.Store, error) { return &fakeStore{}, nil })
	if !c.LastWrite().IsZero() {
		t.Fatal("expected zero last-write before any touch")
	}
	c.TouchLastWrite()
	first := c.LastWrite()
	if first.IsZero() {
		t.Fatal("expected non-zero last-write after touch")
	}
}

func TestCompareOrdersByBlockID(t *testing.T) {
	a := New(blockID(1), nil)
	b := New(blockID(2), nil)
	if a.Compare(b) >= 0 {
		t.Fatal("expected a < b")
	}
	if b.Compare(a) <= 0 {
		t.Fatal("expected b > a")
	}
	if a.Compare(a) != 0 {
		t.Fatal("expected a == a")
	}
}
