package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"
)

// timingState tracks the helper through one measurement cycle.
type timingState int

const (
	timingFree timingState = iota
	timingInProgress
	timingNeedResolve
	timingWaitForResult
)

// TimingHelper brackets each compute pass with encoder-level
// WriteTimestamp calls, one (begin, end) timestamp pair per kernel. After
// the declared number of passes has ended, the query set is resolved and
// copied into a mappable result buffer; Result maps it and returns
// per-kernel durations.
//
// On devices without timestamp-query the helper is inert: passes are
// created without timestamp writes, Result returns zeros, and the state
// never leaves free. The driver then falls back to CPU wall-clock.
type TimingHelper struct {
	ctx        *Context
	enabled    bool
	numKernels int

	querySet  *wgpu.QuerySet
	resolve   *wgpu.Buffer
	result    *wgpu.Buffer
	passIndex int
	state     timingState
}

// NewTimingHelper creates a helper for numKernels timed passes.
func NewTimingHelper(c *Context, numKernels int) (*TimingHelper, error) {
	t := &TimingHelper{
		ctx:        c,
		numKernels: numKernels,
		enabled:    c.Caps.HasTimestampQuery && numKernels > 0,
	}
	if !t.enabled {
		return t, nil
	}

	count := uint32(2 * numKernels)
	var err error
	t.querySet, err = c.Device.CreateQuerySet(&wgpu.QuerySetDescriptor{
		Label: "TimingQueries",
		Type:  wgpu.QueryTypeTimestamp,
		Count: count,
	})
	if err != nil {
		return nil, fmt.Errorf("create query set: %v", err)
	}
	t.resolve, err = c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "TimingResolve",
		Size:  uint64(count) * 8,
		Usage: wgpu.BufferUsageQueryResolve | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, fmt.Errorf("create resolve buffer: %v", err)
	}
	t.result, err = c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "TimingResult",
		Size:  uint64(count) * 8,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("create result buffer: %v", err)
	}
	return t, nil
}

// Enabled reports whether GPU timestamps are being collected.
func (t *TimingHelper) Enabled() bool { return t.enabled }

// BeginComputePass writes the begin timestamp on enc and opens the next
// timed pass. Call EndPass with the returned encoder instead of pass.End.
func (t *TimingHelper) BeginComputePass(enc *wgpu.CommandEncoder, label string) *wgpu.ComputePassEncoder {
	if !t.enabled || t.passIndex >= t.numKernels {
		// More passes than declared: record them untimed.
		return enc.BeginComputePass(&wgpu.ComputePassDescriptor{Label: label})
	}
	t.state = timingInProgress
	enc.WriteTimestamp(t.querySet, uint32(2*t.passIndex))
	return enc.BeginComputePass(&wgpu.ComputePassDescriptor{Label: label})
}

// EndPass ends a pass opened by BeginComputePass and writes its end
// timestamp. Ending the last declared pass queues the query resolve and
// the copy into the mappable result buffer onto enc.
func (t *TimingHelper) EndPass(enc *wgpu.CommandEncoder, pass *wgpu.ComputePassEncoder) {
	pass.End()
	if !t.enabled || t.state != timingInProgress {
		return
	}
	enc.WriteTimestamp(t.querySet, uint32(2*t.passIndex+1))
	t.passIndex++
	if t.passIndex < t.numKernels {
		return
	}
	t.state = timingNeedResolve
	count := uint32(2 * t.numKernels)
	enc.ResolveQuerySet(t.querySet, 0, count, t.resolve, 0)
	enc.CopyBufferToBuffer(t.resolve, 0, t.result, 0, uint64(count)*8)
	t.state = timingWaitForResult
}

// Result maps the result buffer and returns one nanosecond duration per
// kernel, in pass order. Requires all declared passes to have ended and
// their commands to have been submitted.
func (t *TimingHelper) Result() ([]uint64, error) {
	out := make([]uint64, t.numKernels)
	if !t.enabled {
		return out, nil
	}
	if t.state != timingWaitForResult {
		return nil, fmt.Errorf("timing helper not ready: %d of %d passes ended", t.passIndex, t.numKernels)
	}

	data, err := mapRead(t.ctx, t.result, uint64(2*t.numKernels)*8)
	if err != nil {
		return nil, err
	}
	stamps := make([]uint64, 2*t.numKernels)
	copy(stamps, wgpu.FromBytes[uint64](data))
	t.result.Unmap()

	for i := 0; i < t.numKernels; i++ {
		begin, end := stamps[2*i], stamps[2*i+1]
		if end > begin {
			out[i] = end - begin
		}
	}
	t.passIndex = 0
	t.state = timingFree
	return out, nil
}

// Destroy releases the query set and buffers.
func (t *TimingHelper) Destroy() {
	if t.querySet != nil {
		t.querySet.Release()
		t.querySet = nil
	}
	if t.resolve != nil {
		t.resolve.Destroy()
		t.resolve = nil
	}
	if t.result != nil {
		t.result.Destroy()
		t.result = nil
	}
}
