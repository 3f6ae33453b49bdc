package gpu

import "fmt"

// MemBW measures achievable global-memory bandwidth with a vec4 copy
// kernel: each thread moves VecsPerThread vec4 elements from the input to
// the output buffer.
type MemBW struct {
	Executor

	Datatype      *Datatype
	Length        int // element count, padded internally to a vec4 multiple
	WorkgroupSize int
	VecsPerThread int

	workgroups uint32
}

// NewMemBW builds the bandwidth probe for length elements of dt.
func NewMemBW(c *Context, dt *Datatype, length, workgroupSize, vecsPerThread int) (*MemBW, error) {
	if dt.Is64Bit {
		return nil, fmt.Errorf("%w: membw is 32-bit only", ErrUnsupportedDevice)
	}
	if workgroupSize <= 0 {
		workgroupSize = 256
	}
	if vecsPerThread <= 0 {
		vecsPerThread = 4
	}
	p := &MemBW{
		Executor:      NewExecutor(c, "membw", "bandwidth"),
		Datatype:      dt,
		Length:        length,
		WorkgroupSize: workgroupSize,
		VecsPerThread: vecsPerThread,
	}
	vecCount := DivRoundUp(length, 4)
	p.workgroups = uint32(DivRoundUp(vecCount, workgroupSize*vecsPerThread))
	return p, nil
}

func (p *MemBW) source() string {
	return fmt.Sprintf(`@group(0) @binding(0) var<storage, read> src: array<vec4<%[1]s>>;
@group(0) @binding(1) var<storage, read_write> dst: array<vec4<%[1]s>>;

const WG_SIZE = %[2]du;
const VECS_PER_THREAD = %[3]du;

@compute @workgroup_size(%[2]d)
fn main(@builtin(global_invocation_id) gid: vec3<u32>,
        @builtin(num_workgroups) nwg: vec3<u32>) {
    let stride = nwg.x * WG_SIZE;
    var i = gid.x;
    for (var v = 0u; v < VECS_PER_THREAD; v++) {
        if (i < arrayLength(&dst)) {
            dst[i] = src[i];
        }
        i += stride;
    }
}
`, p.Datatype.WGSL, p.WorkgroupSize, p.VecsPerThread)
}

func (p *MemBW) Compute() []Action {
	return []Action{
		Kernel{
			Label:    "membw_copy",
			Source:   p.source,
			Layout:   []BindingType{BindReadOnlyStorage, BindStorage},
			Bindings: []string{"memSrc", "memDest"},
			Dispatch: func() (uint32, uint32, uint32) {
				x, y := ClampDispatch(p.workgroups, p.Ctx.Caps.MaxComputeWorkgroupsPerDimension)
				return x, y, 1
			},
		},
	}
}

// paddedLength rounds the element count up to a vec4 boundary so the
// storage binding is a whole array<vec4<T>>.
func (p *MemBW) paddedLength() int { return DivRoundUp(p.Length, 4) * 4 }

func (p *MemBW) InputLabel() string { return "memSrc" }

func (p *MemBW) BufferSpecs() []BufferOptions {
	return []BufferOptions{
		{
			Label: "memSrc", Datatype: p.Datatype, Length: p.paddedLength(),
			CreateHost: true, CreateDevice: true, InitializeDevice: true,
			InitializeHost: InitSequential,
		},
		{
			Label: "memDest", Datatype: p.Datatype, Length: p.paddedLength(),
			CreateHost: true, CreateDevice: true, CreateMappable: true,
		},
	}
}

func (p *MemBW) Validate() string {
	src, dst := p.Buffer("memSrc"), p.Buffer("memDest")
	if err := dst.CopyDeviceToHost(); err != nil {
		return err.Error()
	}
	return CompareArrays(src.Words()[:p.Length], dst.Words()[:p.Length], p.Datatype)
}

func (p *MemBW) Describe() map[string]any {
	return map[string]any{
		"datatype":      p.Datatype.Name,
		"workgroupSize": p.WorkgroupSize,
		"vecsPerThread": p.VecsPerThread,
		"workgroups":    p.workgroups,
	}
}

func (p *MemBW) InputLength() int { return p.Length }

func (p *MemBW) InputBytes() uint64 {
	return uint64(p.Length) * uint64(p.Datatype.Bytes)
}

// BytesTransferred counts one read and one write per element.
func (p *MemBW) BytesTransferred() uint64 { return 2 * p.InputBytes() }

func (p *MemBW) Flops() float64 { return 0 }
