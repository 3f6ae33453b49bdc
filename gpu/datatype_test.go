package gpu

import (
	"math"
	"sort"
	"testing"
)

// TestDatatypeLookup verifies name resolution
func TestDatatypeLookup(t *testing.T) {
	for _, name := range []string{"u32", "i32", "f32", "u64"} {
		dt, err := DatatypeByName(name)
		if err != nil {
			t.Fatalf("DatatypeByName(%q): %v", name, err)
		}
		if dt.Name != name {
			t.Errorf("Expected name %q, got %q", name, dt.Name)
		}
	}
	if _, err := DatatypeByName("f16"); err == nil {
		t.Error("Expected error for unknown datatype")
	}
}

// TestKeyMappingRoundTrip verifies uint_to_key(key_to_uint(x)) == x
func TestKeyMappingRoundTrip(t *testing.T) {
	samples := []uint32{
		0, 1, 0x7fffffff, 0x80000000, 0xffffffff,
		BitsFromFloat(0), BitsFromFloat(-0.5), BitsFromFloat(1024),
		BitsFromFloat(float32(math.Inf(-1))), BitsFromFloat(float32(math.Inf(1))),
	}
	for _, dt := range []*Datatype{U32, I32, F32} {
		for _, bits := range samples {
			got := dt.UintToKey(dt.KeyToUint(bits))
			if got != bits {
				t.Errorf("%s: round trip of %#x gave %#x", dt.Name, bits, got)
			}
		}
	}
}

// TestKeyMappingOrder verifies the mapping is order-preserving for each
// datatype's native comparison
func TestKeyMappingOrder(t *testing.T) {
	type cmp func(a, b uint32) bool
	cases := []struct {
		dt   *Datatype
		vals []uint32
		less cmp
	}{
		{U32, []uint32{0, 1, 100, 0x7fffffff, 0x80000000, 0xffffffff},
			func(a, b uint32) bool { return a < b }},
		{I32, []uint32{i32Bits(-2147483648), i32Bits(-1024), i32Bits(-1), 0, 1, 2147483647},
			func(a, b uint32) bool { return int32(a) < int32(b) }},
		{F32, []uint32{
			BitsFromFloat(float32(math.Inf(-1))), BitsFromFloat(-1024.5), BitsFromFloat(-1),
			BitsFromFloat(-0.001), BitsFromFloat(0), BitsFromFloat(0.001),
			BitsFromFloat(1), BitsFromFloat(1024.5), BitsFromFloat(float32(math.Inf(1)))},
			func(a, b uint32) bool { return FloatFromBits(a) < FloatFromBits(b) }},
	}
	for _, c := range cases {
		if !sort.SliceIsSorted(c.vals, func(i, j int) bool { return c.less(c.vals[i], c.vals[j]) }) {
			t.Fatalf("%s: test vector not sorted natively", c.dt.Name)
		}
		for i := 1; i < len(c.vals); i++ {
			a := c.dt.KeyToUint(c.vals[i-1])
			b := c.dt.KeyToUint(c.vals[i])
			if a >= b {
				t.Errorf("%s: mapping not order-preserving at %d: %#x >= %#x", c.dt.Name, i, a, b)
			}
		}
	}
}
