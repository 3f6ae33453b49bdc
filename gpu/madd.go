package gpu

import (
	"fmt"
	"math"
)

// Madd saturates the multiply-add units: every thread chains Iterations
// fused a*x+b steps in registers and writes the final value, so the
// kernel is bound by arithmetic rather than memory traffic. Reported
// GFLOPS counts 2 flops per iteration.
type Madd struct {
	Executor

	Length        int // output elements, one per thread
	Iterations    int
	WorkgroupSize int

	workgroups uint32
}

func NewMadd(c *Context, length, iterations, workgroupSize int) *Madd {
	if workgroupSize <= 0 {
		workgroupSize = 256
	}
	if iterations <= 0 {
		iterations = 1024
	}
	p := &Madd{
		Executor:      NewExecutor(c, "madd", "throughput"),
		Length:        length,
		Iterations:    iterations,
		WorkgroupSize: workgroupSize,
	}
	p.workgroups = uint32(DivRoundUp(length, workgroupSize))
	return p
}

func (p *Madd) source() string {
	return fmt.Sprintf(`@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read_write> dst: array<f32>;

const ITERS = %du;

@compute @workgroup_size(%d)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.x;
    if (i >= arrayLength(&dst)) {
        return;
    }
    var x = src[i];
    // Coefficients chosen so x stays near 1 and the loop cannot be
    // constant-folded.
    let a = 1.000001f;
    let b = -0.000001f;
    for (var it = 0u; it < ITERS; it++) {
        x = fma(a, x, b);
    }
    dst[i] = x;
}
`, p.Iterations, p.WorkgroupSize)
}

func (p *Madd) Compute() []Action {
	return []Action{
		Kernel{
			Label:    "madd",
			Source:   p.source,
			Layout:   []BindingType{BindReadOnlyStorage, BindStorage},
			Bindings: []string{"maddSrc", "maddDest"},
			Dispatch: func() (uint32, uint32, uint32) {
				x, y := ClampDispatch(p.workgroups, p.Ctx.Caps.MaxComputeWorkgroupsPerDimension)
				return x, y, 1
			},
		},
	}
}

func (p *Madd) InputLabel() string { return "maddSrc" }

func (p *Madd) BufferSpecs() []BufferOptions {
	return []BufferOptions{
		{
			Label: "maddSrc", Datatype: F32, Length: p.Length,
			CreateHost: true, CreateDevice: true, InitializeDevice: true,
			InitializeHost: InitIdentityPerLane, Identity: BitsFromFloat(1),
		},
		{
			Label: "maddDest", Datatype: F32, Length: p.Length,
			CreateHost: true, CreateDevice: true, CreateMappable: true,
		},
	}
}

// Validate replays the fma chain on the CPU for a sample of lanes.
func (p *Madd) Validate() string {
	dst := p.Buffer("maddDest")
	if err := dst.CopyDeviceToHost(); err != nil {
		return err.Error()
	}
	src := p.Buffer("maddSrc")
	step := p.Length / 64
	if step == 0 {
		step = 1
	}
	for i := 0; i < p.Length; i += step {
		x := FloatFromBits(src.Word(i))
		for it := 0; it < p.Iterations; it++ {
			x = float32(math.FMA(1.000001, float64(x), -0.000001))
		}
		if msg := CompareArrays([]uint32{BitsFromFloat(x)}, []uint32{dst.Word(i)}, F32); msg != "" {
			return fmt.Sprintf("lane %d: %s", i, msg)
		}
	}
	return ""
}

func (p *Madd) Describe() map[string]any {
	return map[string]any{
		"datatype":      "f32",
		"iterations":    p.Iterations,
		"workgroupSize": p.WorkgroupSize,
		"workgroups":    p.workgroups,
	}
}

func (p *Madd) InputLength() int   { return p.Length }
func (p *Madd) InputBytes() uint64 { return uint64(p.Length) * 4 }

func (p *Madd) BytesTransferred() uint64 { return 2 * p.InputBytes() }

// Flops: one multiply and one add per iteration per lane.
func (p *Madd) Flops() float64 { return 2 * float64(p.Iterations) * float64(p.Length) }
