package suite

import (
	"time"

	"github.com/jowens/webgpu-benchmarking-sub001/gpu"
)

// Timing tags which clock a row reports.
type Timing string

const (
	TimingGPU Timing = "GPU"
	TimingCPU Timing = "CPU"
)

// Row is one result record: one per run per timing tag. Parameter fields
// reflected from the primitive land in Params and are flattened by the
// sinks.
type Row struct {
	TestSuite string `json:"testSuite"`
	Category  string `json:"category"`
	Timing    Timing `json:"timing"`
	Date      string `json:"date"`

	GPUInfo map[string]any `json:"gpuinfo"`

	InputLength      int    `json:"inputLength"`
	InputBytes       uint64 `json:"inputBytes"`
	BytesTransferred uint64 `json:"bytesTransferred"`

	// Per-trial times in nanoseconds.
	GPUTimeNs     float64 `json:"gputime"`
	CPUTimeNs     float64 `json:"cputime"`
	CPUGPUDeltaNs float64 `json:"cpugpuDelta"`

	// Bytes per nanosecond, which is the same number as GB/s.
	Bandwidth             float64 `json:"bandwidth"`
	InputItemsPerSecondE9 float64 `json:"inputItemsPerSecondE9"`
	GFlops                float64 `json:"gflops,omitempty"`

	Params map[string]any `json:"params"`
}

// RowsForRun derives the GPU-tagged and CPU-tagged rows for one completed
// run of p. The GPU row's rates use the timestamp-query time; the CPU
// row's use the wall clock around the trials. A zero time leaves the
// rates zero rather than infinite.
func RowsForRun(label string, p gpu.Primitive, caps *gpu.Capabilities) []Row {
	timing := p.Exec().Timing
	base := Row{
		TestSuite:        label,
		Category:         p.Category(),
		Date:             time.Now().Format(time.RFC3339),
		GPUInfo:          caps.Describe(),
		InputLength:      p.InputLength(),
		InputBytes:       p.InputBytes(),
		BytesTransferred: p.BytesTransferred(),
		GPUTimeNs:        timing.GPUPerTrial(),
		CPUTimeNs:        timing.CPUPerTrial(),
		Params:           p.Describe(),
	}
	base.CPUGPUDeltaNs = base.CPUTimeNs - base.GPUTimeNs

	gpuRow := base
	gpuRow.Timing = TimingGPU
	fillRates(&gpuRow, p, base.GPUTimeNs)

	cpuRow := base
	cpuRow.Timing = TimingCPU
	fillRates(&cpuRow, p, base.CPUTimeNs)

	return []Row{gpuRow, cpuRow}
}

func fillRates(r *Row, p gpu.Primitive, ns float64) {
	if ns <= 0 {
		return
	}
	r.Bandwidth = float64(p.BytesTransferred()) / ns
	r.InputItemsPerSecondE9 = float64(p.InputLength()) / ns
	if f := p.Flops(); f > 0 {
		r.GFlops = f / ns
	}
}
