package nodeset

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gholt/mckoiblock/blockid"
)

func ref(low uint64) blockid.NodeReference {
	return blockid.NodeReference{High: 0, Low: low}
}

func TestSingleEncodeDecodeRoundTrip(t *testing.T) {
	ns := Single(ref(1), []byte{0xAA, 0xBB, 0xCC})
	var buf bytes.Buffer
	if err := ns.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(ns, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSingleIterYieldsWholeBuffer(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	ns := Single(ref(9), payload)
	it := ns.Iter()
	defer it.Close()
	item, ok, err := it.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	got, _ := io.ReadAll(item.Data)
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %v, want %v", got, payload)
	}
	if _, ok, _ := it.Next(); ok {
		t.Fatal("expected exhausted iterator")
	}
}

func TestCompressedGroupRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte("alpha"),
		nil, // tombstoned / never written
		[]byte("gamma-is-a-bit-longer"),
	}
	frame, err := EncodeGroup(payloads)
	if err != nil {
		t.Fatal(err)
	}
	refs := []blockid.NodeReference{ref(0), ref(1), ref(2)}
	ns := CompressedGroup(refs, frame)

	var buf bytes.Buffer
	if err := ns.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}

	items, err := decoded.Materialize()
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != len(payloads) {
		t.Fatalf("got %d items, want %d", len(items), len(payloads))
	}
	for i, want := range payloads {
		if want == nil {
			if items[i].Present {
				t.Fatalf("item %d: expected absent", i)
			}
			continue
		}
		if !items[i].Present {
			t.Fatalf("item %d: expected present", i)
		}
		got, _ := io.ReadAll(items[i].Data)
		if !bytes.Equal(got, want) {
			t.Fatalf("item %d: got %q, want %q", i, got, want)
		}
	}
}

func TestCompressedGroupMustBeReadInOrder(t *testing.T) {
	payloads := [][]byte{[]byte("one"), []byte("two")}
	frame, err := EncodeGroup(payloads)
	if err != nil {
		t.Fatal(err)
	}
	ns := CompressedGroup([]blockid.NodeReference{ref(0), ref(1)}, frame)
	it := ns.Iter()
	defer it.Close()
	first, ok, err := it.Next()
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	got, _ := io.ReadAll(first.Data)
	if string(got) != "one" {
		t.Fatalf("got %q", got)
	}
	second, ok, err := it.Next()
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	got, _ = io.ReadAll(second.Data)
	if string(got) != "two" {
		t.Fatalf("got %q", got)
	}
}
