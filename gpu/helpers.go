package gpu

// DivRoundUp returns ceil(a / b).
func DivRoundUp(a, b int) int {
	return (a + b - 1) / b
}

// Range returns [0, 1, ..., n-1].
func Range(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// ClampDispatch fits a 1-D workgroup count into the device's per-dimension
// limit by repeatedly halving x and doubling y. The kernel recovers the
// linear workgroup id from (x, y, num_workgroups).
func ClampDispatch(groups uint32, maxPerDim uint32) (x, y uint32) {
	x, y = groups, 1
	for x > maxPerDim {
		x = (x + 1) / 2
		y *= 2
	}
	return x, y
}
