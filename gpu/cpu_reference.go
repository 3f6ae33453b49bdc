package gpu

import (
	"fmt"
	"math"
	"sort"
)

// CPU references mirror the kernels on host arrays of raw 32-bit element
// patterns. They are the ground truth for Validate.

// CPUInclusiveScan computes out[i] = op(in[0], ..., in[i]).
func CPUInclusiveScan(in []uint32, op *BinaryOp) []uint32 {
	out := make([]uint32, len(in))
	var run uint32
	for i, v := range in {
		if i == 0 {
			run = v
		} else {
			run = op.Combine(run, v)
		}
		out[i] = run
	}
	return out
}

// CPUExclusiveScan computes out[0] = identity, out[i] = op(out[i-1], in[i-1]).
func CPUExclusiveScan(in []uint32, op *BinaryOp, identity uint32) []uint32 {
	out := make([]uint32, len(in))
	run := identity
	for i, v := range in {
		out[i] = run
		run = op.Combine(run, v)
	}
	return out
}

// CPUReduce folds the whole input with op.
func CPUReduce(in []uint32, op *BinaryOp, identity uint32) uint32 {
	run := identity
	for _, v := range in {
		run = op.Combine(run, v)
	}
	return run
}

// CPUTiledReduce reduces each consecutive tile of tileSize elements.
func CPUTiledReduce(in []uint32, tileSize int, op *BinaryOp, identity uint32) []uint32 {
	tiles := DivRoundUp(len(in), tileSize)
	out := make([]uint32, tiles)
	for t := 0; t < tiles; t++ {
		lo := t * tileSize
		hi := lo + tileSize
		if hi > len(in) {
			hi = len(in)
		}
		out[t] = CPUReduce(in[lo:hi], op, identity)
	}
	return out
}

// CPUStableSortByKey stable-sorts keys (and values, when non-nil) by the
// datatype's radix mapping, which matches the native ordering.
func CPUStableSortByKey(keys []uint32, values []uint32, dt *Datatype) {
	idx := Range(len(keys))
	sort.SliceStable(idx, func(a, b int) bool {
		return dt.KeyToUint(keys[idx[a]]) < dt.KeyToUint(keys[idx[b]])
	})
	sortedKeys := make([]uint32, len(keys))
	for i, j := range idx {
		sortedKeys[i] = keys[j]
	}
	copy(keys, sortedKeys)
	if values != nil {
		sortedVals := make([]uint32, len(values))
		for i, j := range idx {
			sortedVals[i] = values[j]
		}
		copy(values, sortedVals)
	}
}

// CheckSorted verifies out is non-decreasing under the mapped ordering and
// a permutation of in. Returns "" or a description of the first defect.
func CheckSorted(in, out []uint32, dt *Datatype) string {
	if len(in) != len(out) {
		return fmt.Sprintf("length changed: %d -> %d", len(in), len(out))
	}
	for i := 1; i < len(out); i++ {
		if dt.KeyToUint(out[i-1]) > dt.KeyToUint(out[i]) {
			return fmt.Sprintf("out of order at %d: %#x > %#x", i, out[i-1], out[i])
		}
	}
	counts := make(map[uint32]int, len(in))
	for _, v := range in {
		counts[v]++
	}
	for _, v := range out {
		counts[v]--
		if counts[v] < 0 {
			return fmt.Sprintf("not a permutation: %#x appears too often in output", v)
		}
	}
	return ""
}

// CompareArrays compares expected and got element-wise: exact for integer
// datatypes, relative epsilon for f32 (GPU float addition reassociates).
// Returns "" or a description of the first mismatch.
func CompareArrays(expected, got []uint32, dt *Datatype) string {
	if len(expected) != len(got) {
		return fmt.Sprintf("length mismatch: want %d, got %d", len(expected), len(got))
	}
	const relEps = 2e-5
	for i := range expected {
		if dt.Name == "f32" {
			e, g := FloatFromBits(expected[i]), FloatFromBits(got[i])
			diff := math.Abs(float64(e - g))
			scale := math.Max(math.Abs(float64(e)), 1)
			if diff/scale > relEps {
				return fmt.Sprintf("element %d: want %g, got %g (rel err %.3g)", i, e, g, diff/scale)
			}
			continue
		}
		if expected[i] != got[i] {
			return fmt.Sprintf("element %d: want %#x, got %#x", i, expected[i], got[i])
		}
	}
	return ""
}
