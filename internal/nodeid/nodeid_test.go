package nodeid

import "testing"

func mustID(t *testing.T, hexPrefix byte) NodeID {
	t.Helper()
	var id NodeID
	id[0] = hexPrefix
	return id
}

func TestDepthIncreasesWithSharedPrefix(t *testing.T) {
	root := NodeID{} // 0x00...00

	a := mustID(t, 0x80) // depth 0
	b := mustID(t, 0x40) // depth 1
	c := mustID(t, 0x20) // depth 2

	if d := Depth(root, a); d != 0 {
		t.Fatalf("depth(root, 0x80...) = %d, want 0", d)
	}
	if d := Depth(root, b); d != 1 {
		t.Fatalf("depth(root, 0x40...) = %d, want 1", d)
	}
	if d := Depth(root, c); d != 2 {
		t.Fatalf("depth(root, 0x20...) = %d, want 2", d)
	}
}

func TestDepthIdentical(t *testing.T) {
	var a NodeID
	a[5] = 0xAB
	if d := Depth(a, a); d != Bits {
		t.Fatalf("depth of identical ids = %d, want %d", d, Bits)
	}
}

func TestParseRoundTrip(t *testing.T) {
	var id NodeID
	id[0] = 0xde
	id[31] = 0xef
	s := id.String()
	got, err := Parse(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != id {
		t.Fatalf("round trip mismatch: %x != %x", got, id)
	}
}

func TestParseInvalidLength(t *testing.T) {
	if _, err := Parse("abcd"); err == nil {
		t.Fatal("expected error for short input")
	}
}

func TestXorSelfIsZero(t *testing.T) {
	id := FromPublicKey([]byte("some-public-key-bytes"))
	if z := Xor(id, id); !z.IsZero() {
		t.Fatalf("xor of id with itself should be zero, got %x", z)
	}
}
