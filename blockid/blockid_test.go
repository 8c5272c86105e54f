package blockid

import "testing"

func TestCompare(t *testing.T) {
	a := BlockID{High: 0, Low: 1}
	b := BlockID{High: 0, Low: 2}
	c := BlockID{High: 1, Low: 0}
	if a.Compare(b) >= 0 {
		t.Fatalf("expected a < b")
	}
	if b.Compare(c) >= 0 {
		t.Fatalf("expected b < c")
	}
	if a.Compare(a) != 0 {
		t.Fatalf("expected a == a")
	}
}

func TestAddCarries(t *testing.T) {
	b := BlockID{High: 0, Low: ^uint64(0)}
	got := b.Add(1)
	want := BlockID{High: 1, Low: 0}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestAddNoCarry(t *testing.T) {
	b := BlockID{High: 5, Low: 10}
	got := b.Add(7)
	want := BlockID{High: 5, Low: 17}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestManagerKey(t *testing.T) {
	b := BlockID{High: 0, Low: 0x1FF}
	if got := b.ManagerKey(); got != 0xFF {
		t.Fatalf("got %x, want %x", got, 0xFF)
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	cases := []BlockID{
		{High: 0, Low: 7},
		{High: 0xdead, Low: 0xbeef},
		{High: 0, Low: 0},
		{High: ^uint64(0), Low: ^uint64(0)},
	}
	for _, b := range cases {
		s := b.String()
		got, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if got != b {
			t.Fatalf("round trip %+v -> %q -> %+v", b, s, got)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{"", "nodelimiter", "zzzXalsobad", "1X"}
	for _, s := range cases {
		if _, err := Parse(s); err == nil {
			t.Fatalf("Parse(%q): expected error", s)
		}
	}
}

func TestNewDataAddressRejectsOutOfRange(t *testing.T) {
	block := BlockID{High: 0, Low: 1}
	if _, err := NewDataAddress(block, MaxDataID); err == nil {
		t.Fatalf("expected error for data id == MaxDataID")
	}
	if _, err := NewDataAddress(block, MaxDataID-1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBlockIDMarshalRoundTrip(t *testing.T) {
	b := BlockID{High: 0x1122334455667788, Low: 0x99aabbccddeeff00}
	buf, err := b.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var got BlockID
	if err := got.UnmarshalBinary(buf); err != nil {
		t.Fatal(err)
	}
	if got != b {
		t.Fatalf("got %+v, want %+v", got, b)
	}
}

func TestDataAddressMarshalRoundTrip(t *testing.T) {
	addr, err := NewDataAddress(BlockID{High: 1, Low: 2}, 42)
	if err != nil {
		t.Fatal(err)
	}
	buf, err := addr.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var got DataAddress
	if err := got.UnmarshalBinary(buf); err != nil {
		t.Fatal(err)
	}
	if got != addr {
		t.Fatalf("got %+v, want %+v", got, addr)
	}
}

func TestNodeReferenceOrdering(t *testing.T) {
	block := BlockID{High: 0, Low: 1}
	a, _ := NewDataAddress(block, 3)
	b, _ := NewDataAddress(block, 4)
	if a.Ref().Compare(b.Ref()) >= 0 {
		t.Fatalf("expected ref(a) < ref(b)")
	}
}
