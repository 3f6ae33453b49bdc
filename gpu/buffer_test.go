package gpu

import (
	"errors"
	"testing"
)

// hostContext builds a device-less context good enough for host-side
// buffer paths.
func hostContext() *Context {
	return &Context{Caps: Capabilities{
		MaxStorageBufferBindingSize: DefaultMaxStorageBindingSize,
	}}
}

// TestBufferInitPolicies verifies the host fill policies
func TestBufferInitPolicies(t *testing.T) {
	c := hostContext()

	seq, err := NewBuffer(c, BufferOptions{
		Label: "seq", Datatype: U32, Length: 8,
		CreateHost: true, InitializeHost: InitSequential,
	})
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	for i := 0; i < 8; i++ {
		if seq.Word(i) != uint32(i) {
			t.Errorf("sequential[%d]: expected %d, got %d", i, i, seq.Word(i))
		}
	}

	seqF, _ := NewBuffer(c, BufferOptions{
		Label: "seqf", Datatype: F32, Length: 4,
		CreateHost: true, InitializeHost: InitSequential,
	})
	if FloatFromBits(seqF.Word(3)) != 3.0 {
		t.Errorf("f32 sequential[3]: expected 3.0, got %g", FloatFromBits(seqF.Word(3)))
	}

	ident, _ := NewBuffer(c, BufferOptions{
		Label: "ident", Datatype: F32, Length: 4,
		CreateHost: true, InitializeHost: InitIdentityPerLane, Identity: BitsFromFloat(1),
	})
	for i := 0; i < 4; i++ {
		if FloatFromBits(ident.Word(i)) != 1.0 {
			t.Errorf("identity[%d]: expected 1.0, got %g", i, FloatFromBits(ident.Word(i)))
		}
	}

	custom, _ := NewBuffer(c, BufferOptions{
		Label: "custom", Datatype: U32, Length: 4,
		CreateHost: true, InitializeHost: InitCustom,
		CustomInit: func(i int) uint32 { return uint32(i * i) },
	})
	if custom.Word(3) != 9 {
		t.Errorf("custom[3]: expected 9, got %d", custom.Word(3))
	}

	if _, err := NewBuffer(c, BufferOptions{
		Label: "bad", Datatype: U32, Length: 4,
		CreateHost: true, InitializeHost: InitCustom,
	}); err == nil {
		t.Error("Expected error for InitCustom without a closure")
	}
}

// TestBufferRandomRange verifies the random policy stays within |1024|
func TestBufferRandomRange(t *testing.T) {
	c := hostContext()
	buf, _ := NewBuffer(c, BufferOptions{
		Label: "rand", Datatype: F32, Length: 256,
		CreateHost: true, InitializeHost: InitRandomAbsUnder1024,
	})
	for i := 0; i < 256; i++ {
		v := FloatFromBits(buf.Word(i))
		if v < -1024 || v > 1024 {
			t.Fatalf("random[%d] = %g out of range", i, v)
		}
	}
}

// TestBufferBackupRoundTrip verifies backup snapshot and restore
func TestBufferBackupRoundTrip(t *testing.T) {
	c := hostContext()
	buf, err := NewBuffer(c, BufferOptions{
		Label: "bk", Datatype: U32, Length: 4,
		CreateHost: true, InitializeHost: InitSequential, StoreHostBackup: true,
	})
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	if !buf.HostEqualsBackup() {
		t.Error("Fresh buffer should equal its backup")
	}
	buf.Host[0] = 0xff
	if buf.HostEqualsBackup() {
		t.Error("Modified buffer should differ from backup")
	}
	if err := buf.RestoreHostFromBackup(); err != nil {
		t.Fatalf("RestoreHostFromBackup: %v", err)
	}
	if !buf.HostEqualsBackup() || buf.Word(0) != 0 {
		t.Error("Restore should bring back the initial contents")
	}
}

// TestBufferLimitCheck verifies oversized buffers fail with ErrResourceLimit
func TestBufferLimitCheck(t *testing.T) {
	c := &Context{Caps: Capabilities{MaxStorageBufferBindingSize: 1024}}
	_, err := NewBuffer(c, BufferOptions{Label: "big", Datatype: U32, Length: 1024})
	if err == nil {
		t.Fatal("Expected resource limit error")
	}
	if !errors.Is(err, ErrResourceLimit) {
		t.Errorf("Expected ErrResourceLimit, got %v", err)
	}

	if _, err := NewBuffer(c, BufferOptions{Label: "nodt", Length: 4}); err == nil {
		t.Error("Expected error for nil datatype")
	}
}
