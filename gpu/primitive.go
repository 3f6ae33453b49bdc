package gpu

import (
	"fmt"
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

// Primitive is a reusable parallel building block: it declares an action
// pipeline, optionally validates against a CPU reference, and reports how
// much data a run moves for bandwidth accounting.
type Primitive interface {
	Label() string
	Category() string

	// Compute returns the action list. Called once per instance; the
	// result is cached by the executor.
	Compute() []Action

	// Validate runs the CPU reference against the host buffers and
	// returns "" on success or a human-readable mismatch description.
	Validate() string

	// Describe returns the primitive's flat scalar parameters for the
	// result row.
	Describe() map[string]any

	// BufferSpecs declares the buffers the suite must create and register
	// before execution. The suite overrides the host initialization policy
	// of the buffer named by InputLabel with the configured one.
	BufferSpecs() []BufferOptions
	InputLabel() string

	InputLength() int
	InputBytes() uint64
	BytesTransferred() uint64

	// Flops per trial; zero when GFLOPS is not meaningful for this
	// primitive.
	Flops() float64

	Exec() *Executor
}

// TimingResult accumulates measured time across the trials of one run.
type TimingResult struct {
	Trials   int
	GPUNs    float64 // sum over trials of per-kernel GPU durations
	CPUNs    float64 // wall clock around submit..completion of all trials
	KernelNs []float64
}

func (t *TimingResult) GPUPerTrial() float64 {
	if t.Trials == 0 {
		return 0
	}
	return t.GPUNs / float64(t.Trials)
}

func (t *TimingResult) CPUPerTrial() float64 {
	if t.Trials == 0 {
		return 0
	}
	return t.CPUNs / float64(t.Trials)
}

// ExecOptions configures one Execute call.
type ExecOptions struct {
	Trials          int
	EnableGPUTiming bool
	EnableCPUTiming bool
}

// Executor is the embeddable primitive base: it owns the label→buffer
// map, the cached action list, the scratch allocations, and the timing
// accumulator. Concrete primitives embed it and implement Compute and
// Validate.
type Executor struct {
	Name string
	Cat  string

	Ctx *Context

	buffers     map[string]*Buffer
	known       []string
	scratch     map[string]*wgpu.Buffer
	scratchSize map[string]uint64

	actions []Action
	Timing  TimingResult
}

// NewExecutor initializes the executor state for one primitive instance.
func NewExecutor(c *Context, name, category string) Executor {
	return Executor{
		Name:        name,
		Cat:         category,
		Ctx:         c,
		buffers:     make(map[string]*Buffer),
		scratch:     make(map[string]*wgpu.Buffer),
		scratchSize: make(map[string]uint64),
	}
}

func (e *Executor) Label() string    { return e.Name }
func (e *Executor) Category() string { return e.Cat }
func (e *Executor) Exec() *Executor  { return e }

// RegisterBuffer stores buf under its label and appends the label to the
// known-buffer list.
func (e *Executor) RegisterBuffer(buf *Buffer) {
	if _, ok := e.buffers[buf.Label]; !ok {
		e.known = append(e.known, buf.Label)
	}
	e.buffers[buf.Label] = buf
}

// Buffer returns the registered buffer for label, or nil.
func (e *Executor) Buffer(label string) *Buffer { return e.buffers[label] }

// KnownBuffers lists registered labels in registration order.
func (e *Executor) KnownBuffers() []string { return e.known }

// deviceBuffer resolves a binding label to a device buffer: registered
// buffers first, then action-allocated scratch.
func (e *Executor) deviceBuffer(label string) (*wgpu.Buffer, error) {
	if b, ok := e.buffers[label]; ok && b.Device != nil {
		return b.Device, nil
	}
	if s, ok := e.scratch[label]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("no buffer registered under label %q", label)
}

// Execute runs the primitive's action pipeline: one untimed prepass, then
// opts.Trials timed iterations, accumulating GPU timestamps and the CPU
// wall-clock span into e.Timing.
func (e *Executor) Execute(p Primitive, opts ExecOptions) error {
	if e.actions == nil {
		e.actions = p.Compute()
	}

	kernels := make([]*Kernel, 0, len(e.actions))
	for _, a := range e.actions {
		switch act := a.(type) {
		case AllocateBuffer:
			if err := e.allocateScratch(act); err != nil {
				return err
			}
		case Kernel:
			k := act
			if err := k.validate(); err != nil {
				return err
			}
			kernels = append(kernels, &k)
		default:
			return fmt.Errorf("primitive %q: unknown action %T", e.Name, a)
		}
	}

	plans := make([]*kernelPlan, len(kernels))
	for i, k := range kernels {
		plan, err := e.planKernel(k)
		if err != nil {
			return err
		}
		plans[i] = plan
	}

	// Untimed prepass to warm caches and the driver's pipeline state.
	if err := e.runIteration(plans, nil); err != nil {
		return fmt.Errorf("primitive %q prepass: %w", e.Name, err)
	}
	e.awaitQueue()

	trials := opts.Trials
	if trials <= 0 {
		e.Timing = TimingResult{}
		return nil
	}

	var helper *TimingHelper
	if opts.EnableGPUTiming {
		var err error
		helper, err = NewTimingHelper(e.Ctx, len(kernels)*trials)
		if err != nil {
			return fmt.Errorf("primitive %q: %w", e.Name, err)
		}
		defer helper.Destroy()
	}

	start := time.Now()
	for trial := 0; trial < trials; trial++ {
		if err := e.runIteration(plans, helper); err != nil {
			return fmt.Errorf("primitive %q trial %d: %w", e.Name, trial, err)
		}
	}
	e.awaitQueue()
	cpuNs := float64(time.Since(start).Nanoseconds())

	timing := TimingResult{Trials: trials}
	if opts.EnableCPUTiming {
		timing.CPUNs = cpuNs
	}
	if helper != nil {
		durations, err := helper.Result()
		if err != nil {
			return fmt.Errorf("primitive %q: resolve timing: %w", e.Name, err)
		}
		timing.KernelNs = make([]float64, len(kernels))
		for i, d := range durations {
			timing.GPUNs += float64(d)
			timing.KernelNs[i%len(kernels)] += float64(d)
		}
	}
	e.Timing = timing
	return nil
}

// runIteration encodes and submits one full pass over the kernel list.
// helper == nil means untimed; with a helper, ending the helper's last
// declared pass queues the query resolve.
func (e *Executor) runIteration(plans []*kernelPlan, helper *TimingHelper) error {
	for _, plan := range plans {
		if err := e.resetBuffers(plan.kernel.ResetBuffers); err != nil {
			return err
		}
	}

	enc, err := e.Ctx.Device.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("create command encoder: %v", err)
	}
	for _, plan := range plans {
		x, y, z := plan.kernel.Dispatch()
		n := plan.kernel.Dispatches
		if n <= 0 {
			n = 1
		}
		var pass *wgpu.ComputePassEncoder
		if helper != nil {
			pass = helper.BeginComputePass(enc, plan.kernel.Label)
		} else {
			pass = enc.BeginComputePass(&wgpu.ComputePassDescriptor{Label: plan.kernel.Label})
		}
		pass.SetPipeline(plan.pipeline)
		pass.SetBindGroup(0, plan.bindGroup, nil)
		for d := 0; d < n; d++ {
			pass.DispatchWorkgroups(x, y, z)
		}
		if helper != nil {
			helper.EndPass(enc, pass)
		} else {
			pass.End()
		}
	}
	cmd, err := enc.Finish(nil)
	if err != nil {
		return fmt.Errorf("finish encoder: %v", err)
	}
	e.Ctx.Queue.Submit(cmd)
	return nil
}

// awaitQueue blocks until all submitted work has completed.
func (e *Executor) awaitQueue() {
	e.Ctx.Device.Poll(true, nil)
}

func (e *Executor) allocateScratch(a AllocateBuffer) error {
	if _, ok := e.buffers[a.Label]; ok {
		return nil
	}
	if _, ok := e.scratch[a.Label]; ok {
		return nil
	}
	usage := a.Usage
	if usage == 0 {
		usage = wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst
	}
	buf, err := e.Ctx.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: a.Label,
		Size:  a.Bytes,
		Usage: usage,
	})
	if err != nil {
		return fmt.Errorf("allocate scratch %q (%d bytes): %v", a.Label, a.Bytes, err)
	}
	e.scratch[a.Label] = buf
	e.scratchSize[a.Label] = a.Bytes
	return nil
}

// resetBuffers restores in-place inputs from their host backup and zeroes
// scratch control buffers (bump counters, spines) before a trial.
func (e *Executor) resetBuffers(labels []string) error {
	for _, label := range labels {
		if b, ok := e.buffers[label]; ok {
			if b.Backup != nil {
				if err := b.RestoreHostFromBackup(); err != nil {
					return err
				}
			}
			if err := b.CopyHostToDevice(); err != nil {
				return err
			}
			continue
		}
		if s, ok := e.scratch[label]; ok {
			e.Ctx.Queue.WriteBuffer(s, 0, make([]byte, e.scratchSize[label]))
			continue
		}
		return fmt.Errorf("reset of unknown buffer %q", label)
	}
	return nil
}

// kernelPlan is a kernel with its resolved pipeline and bind group.
type kernelPlan struct {
	kernel    *Kernel
	pipeline  *wgpu.ComputePipeline
	bindGroup *wgpu.BindGroup
}

// planKernel fetches or compiles the pipeline through the process-wide
// cache and builds the bind group from the registered buffers.
func (e *Executor) planKernel(k *Kernel) (*kernelPlan, error) {
	source := k.Source()
	key := PipelineKey(source, k.LayoutSignature())

	cached, ok := pipelineCache.Lookup(key)
	if !ok {
		var err error
		cached, err = e.compile(k, source)
		if err != nil {
			return nil, err
		}
		pipelineCache.Insert(key, cached)
	}

	entries := make([]wgpu.BindGroupEntry, len(k.Bindings))
	for i, label := range k.Bindings {
		buf, err := e.deviceBuffer(label)
		if err != nil {
			return nil, fmt.Errorf("kernel %q: %w", k.Label, err)
		}
		entries[i] = wgpu.BindGroupEntry{
			Binding: uint32(i),
			Buffer:  buf,
			Size:    buf.GetSize(),
		}
	}
	bindGroup, err := e.Ctx.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   k.Label + "_Bind",
		Layout:  cached.Layout,
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("kernel %q: create bind group: %v", k.Label, err)
	}
	return &kernelPlan{kernel: k, pipeline: cached.Pipeline, bindGroup: bindGroup}, nil
}

// compile builds the explicit bind-group layout and the pipeline. Auto
// layout is avoided on purpose; the explicit layout doubles as the cache
// signature.
func (e *Executor) compile(k *Kernel, source string) (CachedPipeline, error) {
	module, err := e.Ctx.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          k.Label + "_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: source},
	})
	if err != nil {
		return CachedPipeline{}, fmt.Errorf("kernel %q: shader compile: %v", k.Label, err)
	}
	defer module.Release()

	layoutEntries := make([]wgpu.BindGroupLayoutEntry, len(k.Layout))
	for i, bt := range k.Layout {
		entry := wgpu.BindGroupLayoutEntry{
			Binding:    uint32(i),
			Visibility: wgpu.ShaderStageCompute,
		}
		switch bt {
		case BindReadOnlyStorage:
			entry.Buffer = wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}
		case BindStorage:
			entry.Buffer = wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeStorage}
		case BindUniform:
			entry.Buffer = wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeUniform}
		}
		layoutEntries[i] = entry
	}
	bgl, err := e.Ctx.Device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label:   k.Label + "_BGL",
		Entries: layoutEntries,
	})
	if err != nil {
		return CachedPipeline{}, fmt.Errorf("kernel %q: create bind group layout: %v", k.Label, err)
	}
	pipelineLayout, err := e.Ctx.Device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            k.Label + "_Layout",
		BindGroupLayouts: []*wgpu.BindGroupLayout{bgl},
	})
	if err != nil {
		return CachedPipeline{}, fmt.Errorf("kernel %q: create pipeline layout: %v", k.Label, err)
	}
	pipeline, err := e.Ctx.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  k.Label + "_Pipe",
		Layout: pipelineLayout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: k.entry(),
		},
	})
	if err != nil {
		return CachedPipeline{}, fmt.Errorf("kernel %q: pipeline create: %v", k.Label, err)
	}
	return CachedPipeline{Pipeline: pipeline, Layout: bgl}, nil
}

// Cleanup releases scratch buffers. Registered buffers are owned by the
// suite and are not touched.
func (e *Executor) Cleanup() {
	for _, s := range e.scratch {
		s.Destroy()
	}
	e.scratch = make(map[string]*wgpu.Buffer)
	e.scratchSize = make(map[string]uint64)
}
