package gpu

import "fmt"

// HierScan is the three-kernel scan: a per-tile reduction, a
// single-workgroup exclusive scan over the tile reductions (the spine),
// and a downsweep that rebuilds each tile's local scan and adds its spine
// offset. It is the baseline the single-pass DLDF scan is measured
// against.
type HierScan struct {
	Executor

	Datatype  *Datatype
	Binop     *BinaryOp
	Length    int
	Exclusive bool

	WorkgroupSize   int
	ElemsPerThread  int

	tiles uint32
}

func NewHierScan(c *Context, op *BinaryOp, length int, exclusive bool) (*HierScan, error) {
	if op.Datatype.Is64Bit {
		return nil, fmt.Errorf("%w: scan is 32-bit only", ErrUnsupportedDevice)
	}
	if !c.Caps.HasSubgroups {
		return nil, fmt.Errorf("%w: scan kernels need subgroups", ErrUnsupportedDevice)
	}
	p := &HierScan{
		Executor:       NewExecutor(c, "hier_scan", "scan"),
		Datatype:       op.Datatype,
		Binop:          op,
		Length:         length,
		Exclusive:      exclusive,
		WorkgroupSize:  256,
		ElemsPerThread: 8,
	}
	p.tiles = uint32(DivRoundUp(length, p.TileSize()))
	return p, nil
}

// TileSize is the number of elements one workgroup owns.
func (p *HierScan) TileSize() int { return p.WorkgroupSize * p.ElemsPerThread }

// scanPrelude is shared by all three kernels: types, identity, and the
// workgroup-scan building blocks.
func (p *HierScan) scanPrelude() string {
	return fmt.Sprintf(`enable subgroups;

const WG_SIZE = %[2]du;
const SPT = %[3]du;
const TILE = WG_SIZE * SPT;
const IDENT: %[1]s = %[4]s;

var<workgroup> wg_partials: array<%[1]s, WG_SIZE>;
var<workgroup> wg_total: %[1]s;
`, p.Datatype.WGSL, p.WorkgroupSize, p.ElemsPerThread, p.Binop.Identity)
}

// wgScanBody emits the statements turning `incl` (the subgroup inclusive
// scan of local value `v`) into `prefix`, the workgroup-exclusive prefix
// of v, and wg_total, the workgroup reduction. Thread 0 rakes the
// per-subgroup totals serially so any subgroup width works.
func (p *HierScan) wgScanBody() string {
	op := p.Binop
	return fmt.Sprintf(`    if (lane == lane_count - 1u) {
        wg_partials[sid] = incl;
    }
    workgroupBarrier();
    if (lid.x == 0u) {
        let nsub = (WG_SIZE + lane_count - 1u) / lane_count;
        var acc = IDENT;
        for (var s = 0u; s < nsub; s++) {
            let t = wg_partials[s];
            wg_partials[s] = acc;
            acc = %[1]s;
        }
        wg_total = acc;
    }
    workgroupBarrier();
    let lane_excl = select(subgroupShuffleUp(incl, 1u), IDENT, lane == 0u);
    let prefix = %[2]s;
`, op.Expr("acc", "t"), op.Expr("wg_partials[sid]", "lane_excl"))
}

func (p *HierScan) reduceSource() string {
	op := p.Binop
	return p.scanPrelude() + fmt.Sprintf(`
@group(0) @binding(0) var<storage, read> scan_in: array<%[1]s>;
@group(0) @binding(1) var<storage, read_write> spine: array<%[1]s>;

@compute @workgroup_size(%[2]d)
fn main(@builtin(workgroup_id) wgid: vec3<u32>,
        @builtin(num_workgroups) nwg: vec3<u32>,
        @builtin(local_invocation_id) lid: vec3<u32>,
        @builtin(subgroup_size) lane_count: u32,
        @builtin(subgroup_invocation_id) lane: u32) {
    let tile = wgid.x + wgid.y * nwg.x;
    if (tile * TILE >= arrayLength(&scan_in)) {
        return;
    }
    let sid = lid.x / lane_count;

    var v = IDENT;
    for (var s = 0u; s < SPT; s++) {
        let i = tile * TILE + lid.x * SPT + s;
        if (i < arrayLength(&scan_in)) {
            v = %[3]s;
        }
    }
    let incl = %[4]s(v);
%[5]s
    if (lid.x == 0u) {
        spine[tile] = wg_total;
    }
}
`, p.Datatype.WGSL, p.WorkgroupSize, op.Expr("v", "scan_in[i]"), op.SubgroupInclusiveScan, p.wgScanBody())
}

// spineSource scans the tile reductions exclusively with one workgroup,
// walking the spine in WG_SIZE chunks with a running offset.
func (p *HierScan) spineSource() string {
	op := p.Binop
	return p.scanPrelude() + fmt.Sprintf(`
@group(0) @binding(0) var<storage, read_write> spine: array<%[1]s>;

var<workgroup> wg_running: %[1]s;

@compute @workgroup_size(%[2]d)
fn main(@builtin(local_invocation_id) lid: vec3<u32>,
        @builtin(subgroup_size) lane_count: u32,
        @builtin(subgroup_invocation_id) lane: u32) {
    let sid = lid.x / lane_count;
    if (lid.x == 0u) {
        wg_running = IDENT;
    }
    workgroupBarrier();

    let n = arrayLength(&spine);
    for (var base = 0u; base < n; base += WG_SIZE) {
        let i = base + lid.x;
        var v = IDENT;
        if (i < n) {
            v = spine[i];
        }
        let incl = %[3]s(v);
%[4]s
        let running = workgroupUniformLoad(&wg_running);
        if (i < n) {
            spine[i] = %[5]s;
        }
        workgroupBarrier();
        if (lid.x == 0u) {
            wg_running = %[6]s;
        }
        workgroupBarrier();
    }
}
`, p.Datatype.WGSL, p.WorkgroupSize, op.SubgroupInclusiveScan, p.wgScanBody(),
		op.Expr("running", "prefix"), op.Expr("running", "wg_total"))
}

func (p *HierScan) downsweepSource() string {
	op := p.Binop
	final := op.Expr("tile_prefix", "run")
	if p.Exclusive {
		final = op.Expr("tile_prefix", "run_excl")
	}
	return p.scanPrelude() + fmt.Sprintf(`
@group(0) @binding(0) var<storage, read> scan_in: array<%[1]s>;
@group(0) @binding(1) var<storage, read> spine: array<%[1]s>;
@group(0) @binding(2) var<storage, read_write> scan_out: array<%[1]s>;

@compute @workgroup_size(%[2]d)
fn main(@builtin(workgroup_id) wgid: vec3<u32>,
        @builtin(num_workgroups) nwg: vec3<u32>,
        @builtin(local_invocation_id) lid: vec3<u32>,
        @builtin(subgroup_size) lane_count: u32,
        @builtin(subgroup_invocation_id) lane: u32) {
    let tile = wgid.x + wgid.y * nwg.x;
    if (tile * TILE >= arrayLength(&scan_in)) {
        return;
    }
    let sid = lid.x / lane_count;

    // Serial in-register pass over this thread's strided elements.
    var elems: array<%[1]s, SPT>;
    var v = IDENT;
    for (var s = 0u; s < SPT; s++) {
        let i = tile * TILE + lid.x * SPT + s;
        elems[s] = IDENT;
        if (i < arrayLength(&scan_in)) {
            elems[s] = scan_in[i];
        }
        v = %[3]s;
    }
    let incl = %[4]s(v);
%[5]s
    let tile_prefix = %[6]s;

    var run = IDENT;
    var run_excl = IDENT;
    for (var s = 0u; s < SPT; s++) {
        let i = tile * TILE + lid.x * SPT + s;
        run_excl = run;
        run = %[7]s;
        if (i < arrayLength(&scan_out)) {
            scan_out[i] = %[8]s;
        }
    }
}
`, p.Datatype.WGSL, p.WorkgroupSize, op.Expr("v", "elems[s]"), op.SubgroupInclusiveScan,
		p.wgScanBody(), op.Expr("spine[tile]", "prefix"), op.Expr("run", "elems[s]"), final)
}

func (p *HierScan) Compute() []Action {
	dispatchTiles := func() (uint32, uint32, uint32) {
		x, y := ClampDispatch(p.tiles, p.Ctx.Caps.MaxComputeWorkgroupsPerDimension)
		return x, y, 1
	}
	return []Action{
		Kernel{
			Label:    "hier_reduce",
			Source:   p.reduceSource,
			Layout:   []BindingType{BindReadOnlyStorage, BindStorage},
			Bindings: []string{"scanIn", "scanSpine"},
			Dispatch: dispatchTiles,
		},
		Kernel{
			Label:    "hier_spine",
			Source:   p.spineSource,
			Layout:   []BindingType{BindStorage},
			Bindings: []string{"scanSpine"},
			Dispatch: func() (uint32, uint32, uint32) { return 1, 1, 1 },
		},
		Kernel{
			Label:    "hier_downsweep",
			Source:   p.downsweepSource,
			Layout:   []BindingType{BindReadOnlyStorage, BindReadOnlyStorage, BindStorage},
			Bindings: []string{"scanIn", "scanSpine", "scanOut"},
			Dispatch: dispatchTiles,
		},
	}
}

func (p *HierScan) InputLabel() string { return "scanIn" }

func (p *HierScan) BufferSpecs() []BufferOptions {
	return []BufferOptions{
		{
			Label: "scanIn", Datatype: p.Datatype, Length: p.Length,
			CreateHost: true, CreateDevice: true, InitializeDevice: true,
			InitializeHost: InitSequential,
		},
		{
			Label: "scanSpine", Datatype: p.Datatype, Length: int(p.tiles),
			CreateDevice: true,
		},
		{
			Label: "scanOut", Datatype: p.Datatype, Length: p.Length,
			CreateHost: true, CreateDevice: true, CreateMappable: true,
		},
	}
}

func (p *HierScan) Validate() string {
	out := p.Buffer("scanOut")
	if err := out.CopyDeviceToHost(); err != nil {
		return err.Error()
	}
	in := p.Buffer("scanIn").Words()[:p.Length]
	var want []uint32
	if p.Exclusive {
		want = CPUExclusiveScan(in, p.Binop, p.Binop.IdentityBits)
	} else {
		want = CPUInclusiveScan(in, p.Binop)
	}
	return CompareArrays(want, out.Words()[:p.Length], p.Datatype)
}

func (p *HierScan) Describe() map[string]any {
	return map[string]any{
		"datatype":       p.Datatype.Name,
		"binop":          p.Binop.Name,
		"exclusive":      p.Exclusive,
		"workgroupSize":  p.WorkgroupSize,
		"elemsPerThread": p.ElemsPerThread,
		"workTiles":      p.tiles,
	}
}

func (p *HierScan) InputLength() int   { return p.Length }
func (p *HierScan) InputBytes() uint64 { return uint64(p.Length) * uint64(p.Datatype.Bytes) }

// BytesTransferred: the input is read twice (reduce + downsweep) and the
// output written once; spine traffic is negligible.
func (p *HierScan) BytesTransferred() uint64 { return 3 * p.InputBytes() }

func (p *HierScan) Flops() float64 { return 0 }
