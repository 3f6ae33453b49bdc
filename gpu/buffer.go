package gpu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

// InitPolicy enumerates how a host buffer is filled at creation.
type InitPolicy int

const (
	InitNone InitPolicy = iota
	InitZeros
	InitSequential
	InitRandomAbsUnder1024
	InitIdentityPerLane
	InitCustom
)

// BufferOptions configures Buffer creation.
type BufferOptions struct {
	Label    string
	Datatype *Datatype
	Length   int

	CreateHost      bool
	InitializeHost  InitPolicy
	CustomInit      func(i int) uint32 // element bit pattern, InitCustom only
	Identity        uint32             // seed for InitIdentityPerLane
	CreateDevice    bool
	InitializeDevice bool
	CreateMappable  bool
	StoreHostBackup bool
	Usage           wgpu.BufferUsage // defaults to storage | copy-src | copy-dst
}

// uniformUsage is the buffer usage for small parameter blocks bound as
// uniforms.
func uniformUsage() wgpu.BufferUsage {
	return wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst
}

// Buffer pairs a host-side array with a device buffer, plus an optional
// map-read staging buffer and an optional host backup for in-place
// primitives. The host array is stored as raw bytes and viewed through
// the datatype.
type Buffer struct {
	Label    string
	Datatype *Datatype
	Length   int

	Host    []byte
	Device  *wgpu.Buffer
	Staging *wgpu.Buffer
	Backup  []byte

	ctx *Context
}

// ByteLength is the size of the buffer contents in bytes.
func (b *Buffer) ByteLength() uint64 {
	return uint64(b.Length) * uint64(b.Datatype.Bytes)
}

// NewBuffer creates a typed buffer per opts. After creation with
// InitializeDevice set, the device buffer holds the byte image of the
// host array in element order.
func NewBuffer(c *Context, opts BufferOptions) (*Buffer, error) {
	if opts.Datatype == nil {
		return nil, fmt.Errorf("buffer %q: nil datatype", opts.Label)
	}
	b := &Buffer{
		Label:    opts.Label,
		Datatype: opts.Datatype,
		Length:   opts.Length,
		ctx:      c,
	}
	size := b.ByteLength()
	if size > c.Caps.MaxStorageBufferBindingSize {
		return nil, fmt.Errorf("%w: buffer %q needs %d bytes, binding limit is %d",
			ErrResourceLimit, opts.Label, size, c.Caps.MaxStorageBufferBindingSize)
	}

	if opts.CreateHost {
		b.Host = make([]byte, size)
		if err := b.initializeHost(opts); err != nil {
			return nil, err
		}
	}
	if opts.StoreHostBackup {
		if b.Host == nil {
			return nil, fmt.Errorf("buffer %q: backup requested without host array", opts.Label)
		}
		b.Backup = append([]byte(nil), b.Host...)
	}

	usage := opts.Usage
	if usage == 0 {
		usage = wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst
	}
	if opts.CreateDevice {
		var err error
		b.Device, err = c.Device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: opts.Label,
			Size:  size,
			Usage: usage,
		})
		if err != nil {
			return nil, fmt.Errorf("buffer %q: create device buffer: %v", opts.Label, err)
		}
		if opts.InitializeDevice {
			if err := b.CopyHostToDevice(); err != nil {
				return nil, err
			}
		}
	}
	if opts.CreateMappable {
		var err error
		b.Staging, err = c.Device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: opts.Label + "_Staging",
			Size:  size,
			Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		})
		if err != nil {
			return nil, fmt.Errorf("buffer %q: create staging buffer: %v", opts.Label, err)
		}
	}
	return b, nil
}

func (b *Buffer) initializeHost(opts BufferOptions) error {
	switch opts.InitializeHost {
	case InitNone, InitZeros:
		// make() already zeroed it
	case InitSequential:
		for i := 0; i < b.Length; i++ {
			var v uint32
			switch b.Datatype.Name {
			case "f32":
				v = BitsFromFloat(float32(i))
			default:
				v = uint32(i)
			}
			b.setWord(i, v)
		}
	case InitRandomAbsUnder1024:
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		for i := 0; i < b.Length; i++ {
			switch b.Datatype.Name {
			case "f32":
				b.setWord(i, BitsFromFloat(float32(rng.Float64()*2048-1024)))
			case "i32":
				b.setWord(i, uint32(int32(rng.Intn(2048)-1024)))
			default:
				b.setWord(i, uint32(rng.Intn(1024)))
			}
		}
	case InitIdentityPerLane:
		for i := 0; i < b.Length; i++ {
			b.setWord(i, opts.Identity)
		}
	case InitCustom:
		if opts.CustomInit == nil {
			return fmt.Errorf("buffer %q: InitCustom without CustomInit func", opts.Label)
		}
		for i := 0; i < b.Length; i++ {
			b.setWord(i, opts.CustomInit(i))
		}
	}
	return nil
}

// setWord stores the 32-bit pattern of element i. 64-bit datatypes store
// the low word; the high word stays zero (64-bit init goes through a
// custom policy).
func (b *Buffer) setWord(i int, v uint32) {
	off := i * int(b.Datatype.Bytes)
	binary.LittleEndian.PutUint32(b.Host[off:], v)
}

// Word returns the 32-bit pattern of element i of the host array.
func (b *Buffer) Word(i int) uint32 {
	off := i * int(b.Datatype.Bytes)
	return binary.LittleEndian.Uint32(b.Host[off:])
}

// Words returns the host array viewed as 32-bit patterns, one per element
// for 32-bit datatypes.
func (b *Buffer) Words() []uint32 {
	return wgpu.FromBytes[uint32](b.Host)
}

// CopyHostToDevice uploads the host byte image into the device buffer.
func (b *Buffer) CopyHostToDevice() error {
	if b.Host == nil || b.Device == nil {
		return fmt.Errorf("buffer %q: host->device copy needs both sides", b.Label)
	}
	b.ctx.Queue.WriteBuffer(b.Device, 0, b.Host)
	return nil
}

// CopyDeviceToHost reads the device buffer back into the host array via
// the staging buffer: enqueue a copy, submit, map, memcpy, unmap.
func (b *Buffer) CopyDeviceToHost() error {
	if b.Staging == nil {
		return fmt.Errorf("buffer %q: device->host copy needs a mappable staging buffer", b.Label)
	}
	size := b.ByteLength()

	encoder, err := b.ctx.Device.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("buffer %q: create command encoder: %v", b.Label, err)
	}
	encoder.CopyBufferToBuffer(b.Device, 0, b.Staging, 0, size)
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return fmt.Errorf("buffer %q: finish encoder: %v", b.Label, err)
	}
	b.ctx.Queue.Submit(cmd)

	data, err := mapRead(b.ctx, b.Staging, size)
	if err != nil {
		return fmt.Errorf("buffer %q: %w", b.Label, err)
	}
	if b.Host == nil {
		b.Host = make([]byte, size)
	}
	copy(b.Host, data)
	b.Staging.Unmap()
	return nil
}

// RestoreHostFromBackup copies the backup snapshot over the host array.
func (b *Buffer) RestoreHostFromBackup() error {
	if b.Backup == nil {
		return fmt.Errorf("buffer %q: no host backup stored", b.Label)
	}
	copy(b.Host, b.Backup)
	return nil
}

// HostEqualsBackup reports whether the host array is bit-identical to the
// stored backup.
func (b *Buffer) HostEqualsBackup() bool {
	return b.Backup != nil && bytes.Equal(b.Host, b.Backup)
}

// Destroy releases the device-side buffers. The host array stays valid.
func (b *Buffer) Destroy() {
	if b.Device != nil {
		b.Device.Destroy()
		b.Device = nil
	}
	if b.Staging != nil {
		b.Staging.Destroy()
		b.Staging = nil
	}
}

// mapRead maps a MapRead buffer and returns its contents. The caller must
// Unmap once done with the returned slice.
func mapRead(c *Context, buf *wgpu.Buffer, size uint64) ([]byte, error) {
	done := make(chan struct{})
	var mapErr error
	err := buf.MapAsync(wgpu.MapModeRead, 0, size, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = fmt.Errorf("%w: map failed: %v", ErrDeviceLost, status)
		}
		close(done)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: MapAsync: %v", ErrDeviceLost, err)
	}

	timeout := time.After(5 * time.Second)
Loop:
	for {
		c.Device.Poll(false, nil)
		select {
		case <-done:
			break Loop
		case <-timeout:
			return nil, fmt.Errorf("%w: map timed out", ErrDeviceLost)
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if mapErr != nil {
		return nil, mapErr
	}

	data := buf.GetMappedRange(0, uint(size))
	if data == nil {
		return nil, fmt.Errorf("%w: GetMappedRange returned nil", ErrDeviceLost)
	}
	return data, nil
}
