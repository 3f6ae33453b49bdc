package gpu

import (
	"fmt"
	"strings"

	"github.com/openfluke/webgpu/wgpu"
)

// AssumedSubgroupSize seeds the capability snapshot before the device
// probe runs, and stands in when the probe fails. Kernels that read a
// ballot as a 32-bit mask are only valid while the subgroup size is at
// most 32, so primitives check SubgroupMaxSize before compiling such
// kernels.
const AssumedSubgroupSize = uint32(32)

// Capabilities is a portable summary of the selected adapter, taken once
// at context creation and reflected into every result row.
type Capabilities struct {
	Name         string
	Vendor       string
	Architecture string
	Driver       string
	Backend      string
	AdapterType  string

	HasTimestampQuery bool
	HasSubgroups      bool
	SubgroupMinSize   uint32
	SubgroupMaxSize   uint32

	MaxBufferSize                    uint64
	MaxStorageBufferBindingSize      uint64
	MaxComputeWorkgroupStorageSize   uint32
	MaxComputeWorkgroupsPerDimension uint32
	MaxComputeInvocationsPerGroup    uint32

	// Features to pass through to RequestDevice, collected from the
	// adapter so the exact FeatureName values round-trip.
	requestedFeatures []wgpu.FeatureName
}

// probeAdapter snapshots adapter identity, limits and the optional
// features the harness can exploit.
func probeAdapter(adapter *wgpu.Adapter) Capabilities {
	info := adapter.GetInfo()
	limits := adapter.GetLimits()

	caps := Capabilities{
		Name:         strings.TrimSpace(info.Name),
		Vendor:       strings.TrimSpace(info.VendorName),
		Architecture: info.AdapterType.String(),
		Driver:       strings.TrimSpace(info.DriverDescription),
		Backend:      info.BackendType.String(),
		AdapterType:  info.AdapterType.String(),

		SubgroupMinSize: AssumedSubgroupSize,
		SubgroupMaxSize: AssumedSubgroupSize,

		MaxBufferSize:                    limits.Limits.MaxBufferSize,
		MaxStorageBufferBindingSize:      limits.Limits.MaxStorageBufferBindingSize,
		MaxComputeWorkgroupStorageSize:   limits.Limits.MaxComputeWorkgroupStorageSize,
		MaxComputeWorkgroupsPerDimension: limits.Limits.MaxComputeWorkgroupsPerDimension,
		MaxComputeInvocationsPerGroup:    limits.Limits.MaxComputeInvocationsPerWorkgroup,
	}

	for _, f := range adapter.EnumerateFeatures() {
		name := strings.ToLower(f.String())
		switch {
		case f == wgpu.FeatureNameTimestampQuery:
			caps.HasTimestampQuery = true
			caps.requestedFeatures = append(caps.requestedFeatures, f)
		case strings.Contains(name, "subgroup"):
			caps.HasSubgroups = true
			caps.requestedFeatures = append(caps.requestedFeatures, f)
		}
	}
	return caps
}

const subgroupProbeWGSL = `enable subgroups;

@group(0) @binding(0) var<storage, read_write> sizes: array<atomic<u32>, 2>;

@compute @workgroup_size(64)
fn main(@builtin(subgroup_size) lane_count: u32) {
    atomicMin(&sizes[0], lane_count);
    atomicMax(&sizes[1], lane_count);
}
`

// probeSubgroupSizes dispatches a small kernel that folds the
// subgroup_size builtin into a (min, max) pair and replaces the assumed
// sizes with what the device actually schedules. The ballot-based
// kernels gate on these, so a wave64 device must be rejected rather
// than silently mis-ranked.
func probeSubgroupSizes(c *Context) error {
	module, err := c.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "SubgroupProbe_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: subgroupProbeWGSL},
	})
	if err != nil {
		return fmt.Errorf("subgroup probe: shader compile: %v", err)
	}
	defer module.Release()

	sizes, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "SubgroupProbe_Sizes",
		Size:  8,
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("subgroup probe: %v", err)
	}
	defer sizes.Destroy()
	result, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "SubgroupProbe_Result",
		Size:  8,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("subgroup probe: %v", err)
	}
	defer result.Destroy()
	c.Queue.WriteBuffer(sizes, 0, wgpu.ToBytes([]uint32{0xffffffff, 0}))

	bgl, err := c.Device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label: "SubgroupProbe_BGL",
		Entries: []wgpu.BindGroupLayoutEntry{{
			Binding:    0,
			Visibility: wgpu.ShaderStageCompute,
			Buffer:     wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeStorage},
		}},
	})
	if err != nil {
		return fmt.Errorf("subgroup probe: %v", err)
	}
	layout, err := c.Device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            "SubgroupProbe_Layout",
		BindGroupLayouts: []*wgpu.BindGroupLayout{bgl},
	})
	if err != nil {
		return fmt.Errorf("subgroup probe: %v", err)
	}
	pipeline, err := c.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   "SubgroupProbe_Pipe",
		Layout:  layout,
		Compute: wgpu.ProgrammableStageDescriptor{Module: module, EntryPoint: "main"},
	})
	if err != nil {
		return fmt.Errorf("subgroup probe: %v", err)
	}
	bindGroup, err := c.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   "SubgroupProbe_Bind",
		Layout:  bgl,
		Entries: []wgpu.BindGroupEntry{{Binding: 0, Buffer: sizes, Size: 8}},
	})
	if err != nil {
		return fmt.Errorf("subgroup probe: %v", err)
	}

	enc, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("subgroup probe: %v", err)
	}
	pass := enc.BeginComputePass(&wgpu.ComputePassDescriptor{Label: "SubgroupProbe"})
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(16, 1, 1)
	pass.End()
	enc.CopyBufferToBuffer(sizes, 0, result, 0, 8)
	cmd, err := enc.Finish(nil)
	if err != nil {
		return fmt.Errorf("subgroup probe: %v", err)
	}
	c.Queue.Submit(cmd)

	data, err := mapRead(c, result, 8)
	if err != nil {
		return fmt.Errorf("subgroup probe: %v", err)
	}
	observed := make([]uint32, 2)
	copy(observed, wgpu.FromBytes[uint32](data))
	result.Unmap()

	if observed[0] == 0 || observed[0] == 0xffffffff || observed[1] < observed[0] {
		return fmt.Errorf("subgroup probe: implausible sizes %v", observed)
	}
	c.Caps.SubgroupMinSize = observed[0]
	c.Caps.SubgroupMaxSize = observed[1]
	return nil
}

// Describe returns the gpuinfo fields attached to result rows.
func (c *Capabilities) Describe() map[string]any {
	return map[string]any{
		"gpuArchitecture":    c.Architecture,
		"gpuVendor":          c.Vendor,
		"gpuDescription":     c.Name,
		"gpuDriver":          c.Driver,
		"gpuBackend":         c.Backend,
		"subgroupMinSize":    c.SubgroupMinSize,
		"subgroupMaxSize":    c.SubgroupMaxSize,
		"timestampQuery":     c.HasTimestampQuery,
		"subgroupsSupported": c.HasSubgroups,
	}
}
