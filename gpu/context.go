package gpu

import (
	"fmt"
	"strings"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
)

// Default limits requested at device creation. The suite config may lower
// these; the adapter may not be able to satisfy them, in which case the
// request is clamped to what the adapter reports.
const (
	DefaultMaxBufferSize           = uint64(2) << 30
	DefaultMaxStorageBindingSize   = uint64(2)<<30 - 4
	DefaultMaxWorkgroupStorageSize = uint32(32) << 10
)

// Context holds the single WebGPU context for the harness.
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue
	Caps     Capabilities

	once sync.Once
}

var ctx Context

// adapterPreference selects a specific adapter by substring match on its
// name or vendor, e.g. "NVIDIA" or "Intel". Empty means automatic.
var adapterPreference string

// SetAdapterPreference forces adapter selection by substring. Must be
// called before the first GetContext.
func SetAdapterPreference(substr string) {
	adapterPreference = substr
}

// GetContext returns the singleton GPU context, initializing it if necessary.
func GetContext() (*Context, error) {
	var initErr error
	ctx.once.Do(func() {
		ctx.Instance = wgpu.CreateInstance(nil)
		if ctx.Instance == nil {
			initErr = fmt.Errorf("failed to create WebGPU instance")
			return
		}

		// 0. Honor an explicit adapter preference via EnumerateAdapters.
		if adapterPreference != "" {
			want := strings.ToLower(adapterPreference)
			for _, a := range ctx.Instance.EnumerateAdapters(nil) {
				info := a.GetInfo()
				if strings.Contains(strings.ToLower(info.Name), want) ||
					strings.Contains(strings.ToLower(info.VendorName), want) {
					ctx.Adapter = a
					break
				}
			}
		}

		tryInit := func(opts *wgpu.RequestAdapterOptions) error {
			if ctx.Adapter != nil {
				return nil
			}
			var err error
			ctx.Adapter, err = ctx.Instance.RequestAdapter(opts)
			return err
		}

		// 1. High performance, then low power, then whatever is there.
		if ctx.Adapter == nil {
			initErr = tryInit(&wgpu.RequestAdapterOptions{
				PowerPreference: wgpu.PowerPreferenceHighPerformance,
			})
		}
		if initErr != nil && ctx.Adapter == nil {
			initErr = tryInit(&wgpu.RequestAdapterOptions{
				PowerPreference: wgpu.PowerPreferenceLowPower,
			})
		}
		if initErr != nil && ctx.Adapter == nil {
			initErr = tryInit(nil)
		}
		if ctx.Adapter == nil {
			initErr = fmt.Errorf("%w: all adapter attempts failed: %v", ErrUnsupportedDevice, initErr)
			return
		}
		initErr = nil

		caps := probeAdapter(ctx.Adapter)

		ctx.Device, initErr = requestDevice(ctx.Adapter, &caps)
		if initErr != nil {
			return
		}
		ctx.Caps = caps
		ctx.Queue = ctx.Device.GetQueue()

		// Measure the real subgroup widths; the adapter snapshot only
		// assumes them. A failed probe keeps the assumption.
		if ctx.Caps.HasSubgroups {
			_ = probeSubgroupSizes(&ctx)
		}
	})

	if initErr != nil {
		return nil, initErr
	}
	if ctx.Device == nil || ctx.Queue == nil {
		return nil, fmt.Errorf("WebGPU device or queue not initialized")
	}
	return &ctx, nil
}

// requestDevice asks for the optional timing/subgroup features the harness
// can use, plus storage limits large enough for the biggest sweeps.
func requestDevice(adapter *wgpu.Adapter, caps *Capabilities) (*wgpu.Device, error) {
	limits := adapter.GetLimits()

	req := limits.Limits
	req.MaxBufferSize = minU64(DefaultMaxBufferSize, limits.Limits.MaxBufferSize)
	req.MaxStorageBufferBindingSize = minU64(DefaultMaxStorageBindingSize, limits.Limits.MaxStorageBufferBindingSize)
	req.MaxComputeWorkgroupStorageSize = minU32(DefaultMaxWorkgroupStorageSize, limits.Limits.MaxComputeWorkgroupStorageSize)

	device, err := adapter.RequestDevice(&wgpu.DeviceDescriptor{
		Label:            "gpubench",
		RequiredFeatures: caps.requestedFeatures,
		RequiredLimits:   &wgpu.RequiredLimits{Limits: req},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: request device: %v", ErrUnsupportedDevice, err)
	}
	return device, nil
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// Available reports whether a GPU context can be created. Used by tests to
// skip device-dependent cases on machines without a usable adapter.
func Available() bool {
	_, err := GetContext()
	return err == nil
}
