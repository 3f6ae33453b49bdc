package gpu

import "fmt"

// ReducePerWG reduces one tile of the input per workgroup: subgroup
// reductions feed a shared-memory rake, and lane 0 writes the workgroup
// total. Output length equals the tile count.
type ReducePerWG struct {
	Executor

	Datatype      *Datatype
	Binop         *BinaryOp
	Length        int
	WorkgroupSize int

	tiles uint32
}

func NewReducePerWG(c *Context, op *BinaryOp, length, workgroupSize int) (*ReducePerWG, error) {
	if op.Datatype.Is64Bit {
		return nil, fmt.Errorf("%w: reduce is 32-bit only", ErrUnsupportedDevice)
	}
	if !c.Caps.HasSubgroups {
		return nil, fmt.Errorf("%w: reduce kernel needs subgroups", ErrUnsupportedDevice)
	}
	if workgroupSize <= 0 {
		workgroupSize = 256
	}
	p := &ReducePerWG{
		Executor:      NewExecutor(c, "reduce_per_wg", "reduction"),
		Datatype:      op.Datatype,
		Binop:         op,
		Length:        length,
		WorkgroupSize: workgroupSize,
	}
	p.tiles = uint32(DivRoundUp(length, workgroupSize))
	return p, nil
}

func (p *ReducePerWG) source() string {
	return fmt.Sprintf(`enable subgroups;

@group(0) @binding(0) var<storage, read> reduce_in: array<%[1]s>;
@group(0) @binding(1) var<storage, read_write> reduce_out: array<%[1]s>;

const WG_SIZE = %[2]du;
const IDENT: %[1]s = %[3]s;

var<workgroup> wg_partials: array<%[1]s, WG_SIZE>;

fn combine(a: %[1]s, b: %[1]s) -> %[1]s {
    return %[5]s;
}

@compute @workgroup_size(%[2]d)
fn main(@builtin(workgroup_id) wgid: vec3<u32>,
        @builtin(num_workgroups) nwg: vec3<u32>,
        @builtin(local_invocation_id) lid: vec3<u32>,
        @builtin(subgroup_size) lane_count: u32,
        @builtin(subgroup_invocation_id) lane: u32) {
    let tile = wgid.x + wgid.y * nwg.x;
    let base = tile * WG_SIZE;
    let i = base + lid.x;

    var v = IDENT;
    if (i < arrayLength(&reduce_in)) {
        v = reduce_in[i];
    }
    let sred = %[4]s(v);

    let sid = lid.x / lane_count;
    if (lane == lane_count - 1u) {
        wg_partials[sid] = sred;
    }
    workgroupBarrier();

    // Rake the per-subgroup partials with the first subgroup, chunk by
    // chunk when there are more partials than lanes.
    let subgroups = WG_SIZE / lane_count;
    if (sid == 0u) {
        var total = IDENT;
        for (var base = 0u; base < subgroups; base += lane_count) {
            var s = IDENT;
            if (base + lane < subgroups) {
                s = wg_partials[base + lane];
            }
            total = combine(total, %[4]s(s));
        }
        if (lane == 0u) {
            reduce_out[tile] = total;
        }
    }
}
`, p.Datatype.WGSL, p.WorkgroupSize, p.Binop.Identity, p.Binop.SubgroupReduce,
		p.Binop.Expr("a", "b"))
}

func (p *ReducePerWG) Compute() []Action {
	return []Action{
		Kernel{
			Label:    "reduce_per_wg",
			Source:   p.source,
			Layout:   []BindingType{BindReadOnlyStorage, BindStorage},
			Bindings: []string{"reduceIn", "reduceOut"},
			Dispatch: func() (uint32, uint32, uint32) {
				x, y := ClampDispatch(p.tiles, p.Ctx.Caps.MaxComputeWorkgroupsPerDimension)
				return x, y, 1
			},
		},
	}
}

func (p *ReducePerWG) InputLabel() string { return "reduceIn" }

func (p *ReducePerWG) BufferSpecs() []BufferOptions {
	return []BufferOptions{
		{
			Label: "reduceIn", Datatype: p.Datatype, Length: p.Length,
			CreateHost: true, CreateDevice: true, InitializeDevice: true,
			InitializeHost: InitSequential,
		},
		{
			Label: "reduceOut", Datatype: p.Datatype, Length: int(p.tiles),
			CreateHost: true, CreateDevice: true, CreateMappable: true,
		},
	}
}

func (p *ReducePerWG) Validate() string {
	out := p.Buffer("reduceOut")
	if err := out.CopyDeviceToHost(); err != nil {
		return err.Error()
	}
	in := p.Buffer("reduceIn")
	want := CPUTiledReduce(in.Words()[:p.Length], p.WorkgroupSize, p.Binop, p.Binop.IdentityBits)
	return CompareArrays(want, out.Words()[:len(want)], p.Datatype)
}

func (p *ReducePerWG) Describe() map[string]any {
	return map[string]any{
		"datatype":      p.Datatype.Name,
		"binop":         p.Binop.Name,
		"workgroupSize": p.WorkgroupSize,
		"tiles":         p.tiles,
	}
}

func (p *ReducePerWG) InputLength() int   { return p.Length }
func (p *ReducePerWG) InputBytes() uint64 { return uint64(p.Length) * uint64(p.Datatype.Bytes) }

func (p *ReducePerWG) BytesTransferred() uint64 {
	return p.InputBytes() + uint64(p.tiles)*uint64(p.Datatype.Bytes)
}

func (p *ReducePerWG) Flops() float64 { return 0 }
