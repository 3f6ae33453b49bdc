package gpu

import (
	"testing"

	"github.com/openfluke/webgpu/wgpu"
)

// requireDevice skips the test on machines without a usable adapter.
func requireDevice(t *testing.T) *Context {
	t.Helper()
	if !Available() {
		t.Skip("no usable GPU adapter")
	}
	c, err := GetContext()
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	return c
}

// requireSubgroups additionally skips when the device lacks subgroup ops.
func requireSubgroups(t *testing.T) *Context {
	t.Helper()
	c := requireDevice(t)
	if !c.Caps.HasSubgroups {
		t.Skip("device has no subgroup support")
	}
	return c
}

// provision creates and registers the primitive's declared buffers, the
// way the suite does before a run.
func provision(t *testing.T, c *Context, p Primitive) {
	t.Helper()
	for _, spec := range p.BufferSpecs() {
		buf, err := NewBuffer(c, spec)
		if err != nil {
			t.Fatalf("buffer %q: %v", spec.Label, err)
		}
		p.Exec().RegisterBuffer(buf)
	}
	t.Cleanup(func() {
		p.Exec().Cleanup()
		for _, label := range p.Exec().KnownBuffers() {
			if b := p.Exec().Buffer(label); b != nil {
				b.Destroy()
			}
		}
	})
}

// runAndValidate executes one untimed pass and checks the CPU reference.
func runAndValidate(t *testing.T, c *Context, p Primitive) {
	t.Helper()
	provision(t, c, p)
	if err := p.Exec().Execute(p, ExecOptions{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if msg := p.Validate(); msg != "" {
		t.Errorf("Validation failed: %s", msg)
	}
}

// TestSubgroupSizeProbe verifies the context reports measured subgroup
// widths rather than zeros or an inverted range
func TestSubgroupSizeProbe(t *testing.T) {
	c := requireSubgroups(t)
	min, max := c.Caps.SubgroupMinSize, c.Caps.SubgroupMaxSize
	if min == 0 || min > 128 || max < min {
		t.Errorf("Implausible subgroup sizes %d..%d", min, max)
	}
}

// TestMemBWEndToEnd verifies the copy kernel reproduces its input
func TestMemBWEndToEnd(t *testing.T) {
	c := requireDevice(t)
	p, err := NewMemBW(c, F32, 1<<20, 256, 4)
	if err != nil {
		t.Fatalf("NewMemBW: %v", err)
	}
	runAndValidate(t, c, p)
}

// TestMaddEndToEnd verifies the fma chain against the CPU replay
func TestMaddEndToEnd(t *testing.T) {
	c := requireDevice(t)
	p := NewMadd(c, 1<<18, 256, 256)
	runAndValidate(t, c, p)
}

// TestReduceEndToEnd verifies per-workgroup reductions for each op
func TestReduceEndToEnd(t *testing.T) {
	c := requireSubgroups(t)
	for _, opName := range []string{"add", "max", "min"} {
		for _, dt := range []*Datatype{U32, I32, F32} {
			op, err := BinaryOpFor(opName, dt)
			if err != nil {
				t.Fatal(err)
			}
			p, err := NewReducePerWG(c, op, 1<<18, 256)
			if err != nil {
				t.Fatalf("%s/%s: %v", opName, dt.Name, err)
			}
			runAndValidate(t, c, p)
		}
	}
}

// TestHierScanEndToEnd covers both variants on a non-tile-multiple length
func TestHierScanEndToEnd(t *testing.T) {
	c := requireSubgroups(t)
	add, _ := BinaryOpFor("add", U32)
	for _, exclusive := range []bool{false, true} {
		p, err := NewHierScan(c, add, 1<<20+3, exclusive)
		if err != nil {
			t.Fatalf("NewHierScan: %v", err)
		}
		runAndValidate(t, c, p)
	}
}

// TestDLDFScanTileBoundary crosses exactly one tile boundary, so the
// second workgroup must walk the lookback chain
func TestDLDFScanTileBoundary(t *testing.T) {
	c := requireSubgroups(t)
	if c.Caps.SubgroupMaxSize > 32 {
		t.Skip("device subgroups wider than 32")
	}
	add, _ := BinaryOpFor("add", U32)
	p, err := NewDLDFScan(c, add, 4097, false)
	if err != nil {
		t.Fatalf("NewDLDFScan: %v", err)
	}
	if p.workTiles != 2 {
		t.Fatalf("Expected 2 work tiles for 4097 elements, got %d", p.workTiles)
	}
	runAndValidate(t, c, p)
}

// TestDLDFScanEndToEnd sweeps ops and datatypes through the single-pass scan
func TestDLDFScanEndToEnd(t *testing.T) {
	c := requireSubgroups(t)
	if c.Caps.SubgroupMaxSize > 32 {
		t.Skip("device subgroups wider than 32")
	}
	for _, opName := range []string{"add", "max", "min"} {
		for _, dt := range []*Datatype{U32, I32, F32} {
			op, err := BinaryOpFor(opName, dt)
			if err != nil {
				t.Fatal(err)
			}
			p, err := NewDLDFScan(c, op, 1<<20+7, false)
			if err != nil {
				t.Fatalf("%s/%s: %v", opName, dt.Name, err)
			}
			runAndValidate(t, c, p)
		}
	}
}

// TestDLDFScanFallbackContention scans a uniform input with max across
// many tiles: every lookback target carries the same value, which is the
// shape that keeps workgroups spinning into the fallback re-reduction
// and its atomicMax publish
func TestDLDFScanFallbackContention(t *testing.T) {
	c := requireSubgroups(t)
	if c.Caps.SubgroupMaxSize > 32 {
		t.Skip("device subgroups wider than 32")
	}
	maxOp, _ := BinaryOpFor("max", U32)
	p, err := NewDLDFScan(c, maxOp, 1<<20, false)
	if err != nil {
		t.Fatalf("NewDLDFScan: %v", err)
	}
	p.InputInit = InitCustom
	p.InputFill = func(int) uint32 { return 1 }
	runAndValidate(t, c, p)
}

// TestDLDFScanExclusive verifies the exclusive variant seeds with the identity
func TestDLDFScanExclusive(t *testing.T) {
	c := requireSubgroups(t)
	if c.Caps.SubgroupMaxSize > 32 {
		t.Skip("device subgroups wider than 32")
	}
	add, _ := BinaryOpFor("add", I32)
	p, err := NewDLDFScan(c, add, 1<<16+1, true)
	if err != nil {
		t.Fatalf("NewDLDFScan: %v", err)
	}
	runAndValidate(t, c, p)
}

// TestSortRoundTrip sorts 2^20 f32 keys and compares with the host sort
func TestSortRoundTrip(t *testing.T) {
	c := requireSubgroups(t)
	if c.Caps.SubgroupMaxSize > 32 || c.Caps.SubgroupMinSize < sortMinLanes {
		t.Skip("device subgroup sizes outside the sort's supported range")
	}
	p, err := NewOneSweepSort(c, F32, 1<<20, false)
	if err != nil {
		t.Fatalf("NewOneSweepSort: %v", err)
	}
	provision(t, c, p)
	if err := p.Exec().Execute(p, ExecOptions{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if msg := p.Validate(); msg != "" {
		t.Fatalf("Validation failed: %s", msg)
	}

	// Cross-check against an explicit host-side stable sort.
	keys := p.Buffer("keysInOut")
	want := append([]uint32(nil), wgpu.FromBytes[uint32](keys.Backup)[:p.Length]...)
	CPUStableSortByKey(want, nil, F32)
	got := keys.Words()[:p.Length]
	for i := range want {
		if F32.KeyToUint(want[i]) != F32.KeyToUint(got[i]) {
			t.Fatalf("sorted[%d]: expected bits %#x, got %#x", i, want[i], got[i])
		}
	}
}

// TestSortKeyValue verifies the payload follows its key and ties stay stable
func TestSortKeyValue(t *testing.T) {
	c := requireSubgroups(t)
	if c.Caps.SubgroupMaxSize > 32 || c.Caps.SubgroupMinSize < sortMinLanes {
		t.Skip("device subgroup sizes outside the sort's supported range")
	}
	p, err := NewOneSweepSort(c, U32, 1<<18, true)
	if err != nil {
		t.Fatalf("NewOneSweepSort: %v", err)
	}
	runAndValidate(t, c, p)
}

// TestSortInPlaceRestore runs timed trials and checks the host backup
// invariant afterwards
func TestSortInPlaceRestore(t *testing.T) {
	c := requireSubgroups(t)
	if c.Caps.SubgroupMaxSize > 32 || c.Caps.SubgroupMinSize < sortMinLanes {
		t.Skip("device subgroup sizes outside the sort's supported range")
	}
	p, err := NewOneSweepSort(c, I32, 1<<16, false)
	if err != nil {
		t.Fatalf("NewOneSweepSort: %v", err)
	}
	provision(t, c, p)

	if err := p.Exec().Execute(p, ExecOptions{Trials: 10, EnableCPUTiming: true}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	keys := p.Buffer("keysInOut")
	if !keys.HostEqualsBackup() {
		t.Error("Host input should match its backup after timed trials")
	}
	if msg := p.Validate(); msg != "" {
		t.Errorf("Device output not sorted after trials: %s", msg)
	}
	if p.Exec().Timing.CPUPerTrial() <= 0 {
		t.Error("Expected a positive CPU time per trial")
	}
}

// TestGPUTiming verifies timestamp-query timings when the device has them
func TestGPUTiming(t *testing.T) {
	c := requireDevice(t)
	if !c.Caps.HasTimestampQuery {
		t.Skip("device has no timestamp queries")
	}
	p, err := NewMemBW(c, U32, 1<<20, 256, 4)
	if err != nil {
		t.Fatalf("NewMemBW: %v", err)
	}
	provision(t, c, p)
	if err := p.Exec().Execute(p, ExecOptions{Trials: 5, EnableGPUTiming: true, EnableCPUTiming: true}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	timing := p.Exec().Timing
	if timing.GPUNs <= 0 {
		t.Error("Expected positive GPU time")
	}
	if timing.GPUPerTrial() > timing.CPUPerTrial() {
		t.Error("GPU pass time should not exceed the wall clock around the trials")
	}
}

// TestPipelineCacheSharing verifies identical primitives share one pipeline
func TestPipelineCacheSharing(t *testing.T) {
	c := requireSubgroups(t)
	EnablePipelineCache()
	t.Cleanup(EnablePipelineCache)

	add, _ := BinaryOpFor("add", U32)
	for i := 0; i < 2; i++ {
		p, err := NewHierScan(c, add, 1<<16, false)
		if err != nil {
			t.Fatalf("NewHierScan: %v", err)
		}
		runAndValidate(t, c, p)
	}
	stats := ActiveCacheStats()
	if stats.Misses != 3 {
		t.Errorf("Expected 3 misses (one per distinct kernel), got %d", stats.Misses)
	}
	if stats.Hits < 3 {
		t.Errorf("Expected the second run to hit all kernels, got %d hits", stats.Hits)
	}
}
