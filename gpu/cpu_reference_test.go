package gpu

import "testing"

// TestInclusiveScan verifies O[i] = binop(A[0..i]) for each op
func TestInclusiveScan(t *testing.T) {
	in := []uint32{3, 1, 4, 1, 5, 9, 2, 6}

	add, _ := BinaryOpFor("add", U32)
	got := CPUInclusiveScan(in, add)
	want := []uint32{3, 4, 8, 9, 14, 23, 25, 31}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("add scan[%d]: expected %d, got %d", i, want[i], got[i])
		}
	}

	max, _ := BinaryOpFor("max", U32)
	got = CPUInclusiveScan(in, max)
	want = []uint32{3, 3, 4, 4, 5, 9, 9, 9}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("max scan[%d]: expected %d, got %d", i, want[i], got[i])
		}
	}
}

// TestExclusiveScan verifies O[0] = identity and O[i] = binop(O[i-1], A[i-1])
func TestExclusiveScan(t *testing.T) {
	in := []uint32{3, 1, 4, 1}
	add, _ := BinaryOpFor("add", U32)
	got := CPUExclusiveScan(in, add, add.IdentityBits)
	want := []uint32{0, 3, 4, 8}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("exclusive scan[%d]: expected %d, got %d", i, want[i], got[i])
		}
	}

	min, _ := BinaryOpFor("min", U32)
	got = CPUExclusiveScan(in, min, min.IdentityBits)
	if got[0] != 0xffffffff {
		t.Errorf("min exclusive scan seed: expected identity, got %#x", got[0])
	}
	if got[3] != 1 {
		t.Errorf("min exclusive scan[3]: expected 1, got %d", got[3])
	}
}

// TestTiledReduce verifies per-tile totals including a partial tail tile
func TestTiledReduce(t *testing.T) {
	in := []uint32{1, 2, 3, 4, 5, 6, 7}
	add, _ := BinaryOpFor("add", U32)
	got := CPUTiledReduce(in, 3, add, add.IdentityBits)
	want := []uint32{6, 15, 7}
	if len(got) != len(want) {
		t.Fatalf("Expected %d tiles, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tile %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

// TestStableSortByKey verifies ordering and that ties keep input order
func TestStableSortByKey(t *testing.T) {
	keys := []uint32{5, 3, 5, 1, 3}
	vals := []uint32{0, 1, 2, 3, 4}
	CPUStableSortByKey(keys, vals, U32)

	wantKeys := []uint32{1, 3, 3, 5, 5}
	wantVals := []uint32{3, 1, 4, 0, 2}
	for i := range wantKeys {
		if keys[i] != wantKeys[i] || vals[i] != wantVals[i] {
			t.Errorf("index %d: expected (%d,%d), got (%d,%d)",
				i, wantKeys[i], wantVals[i], keys[i], vals[i])
		}
	}
}

// TestStableSortNegativeFloats verifies the mapped ordering sorts negatives first
func TestStableSortNegativeFloats(t *testing.T) {
	keys := []uint32{BitsFromFloat(1), BitsFromFloat(-2), BitsFromFloat(0.5), BitsFromFloat(-1000)}
	CPUStableSortByKey(keys, nil, F32)
	want := []float32{-1000, -2, 0.5, 1}
	for i, w := range want {
		if FloatFromBits(keys[i]) != w {
			t.Errorf("index %d: expected %g, got %g", i, w, FloatFromBits(keys[i]))
		}
	}
}

// TestCheckSorted verifies defect detection
func TestCheckSorted(t *testing.T) {
	in := []uint32{3, 1, 2}
	if msg := CheckSorted(in, []uint32{1, 2, 3}, U32); msg != "" {
		t.Errorf("Expected pass, got %q", msg)
	}
	if msg := CheckSorted(in, []uint32{2, 1, 3}, U32); msg == "" {
		t.Error("Expected out-of-order detection")
	}
	if msg := CheckSorted(in, []uint32{1, 2, 2}, U32); msg == "" {
		t.Error("Expected permutation violation detection")
	}
	// i32: sorted under the signed order, unsorted as raw bits
	neg := []uint32{i32Bits(-5), 2}
	if msg := CheckSorted(neg, neg, I32); msg != "" {
		t.Errorf("Expected signed order pass, got %q", msg)
	}
}

// TestCompareArrays verifies exact and epsilon comparison paths
func TestCompareArrays(t *testing.T) {
	if msg := CompareArrays([]uint32{1, 2}, []uint32{1, 2}, U32); msg != "" {
		t.Errorf("Expected exact match, got %q", msg)
	}
	if msg := CompareArrays([]uint32{1, 2}, []uint32{1, 3}, U32); msg == "" {
		t.Error("Expected exact mismatch detection")
	}
	// f32 tolerates small relative error from reassociation
	a := []uint32{BitsFromFloat(1000000)}
	b := []uint32{BitsFromFloat(1000001)}
	if msg := CompareArrays(a, b, F32); msg != "" {
		t.Errorf("Expected epsilon pass, got %q", msg)
	}
	c := []uint32{BitsFromFloat(1.5)}
	if msg := CompareArrays(a, c, F32); msg == "" {
		t.Error("Expected epsilon mismatch detection")
	}
}
