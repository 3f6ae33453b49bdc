package suite

import (
	"testing"

	"go.uber.org/zap"

	"github.com/jowens/webgpu-benchmarking-sub001/gpu"
)

// speccedPrimitive is a fakePrimitive that declares a host-only input
// buffer, for exercising the suite's provisioning logic off-device.
type speccedPrimitive struct {
	fakePrimitive
	dt     *gpu.Datatype
	length int
}

func newSpeccedPrimitive(dt *gpu.Datatype, length int) *speccedPrimitive {
	return &speccedPrimitive{fakePrimitive: *newFakePrimitive(), dt: dt, length: length}
}

func (p *speccedPrimitive) InputLength() int { return p.length }

func (p *speccedPrimitive) BufferSpecs() []gpu.BufferOptions {
	return []gpu.BufferOptions{{
		Label: "in", Datatype: p.dt, Length: p.length,
		CreateHost: true, InitializeHost: gpu.InitSequential,
	}}
}

func hostContext() *gpu.Context {
	return &gpu.Context{Caps: gpu.Capabilities{
		MaxStorageBufferBindingSize: 1 << 30,
	}}
}

// TestFingerprint verifies the dedup key composition
func TestFingerprint(t *testing.T) {
	s := New(Config{Label: "x", UniqueRuns: []string{"variant"}}, zap.NewNop())
	key, err := s.fingerprint(newFakePrimitive())
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if key != "fake|length=1048576|variant=x" {
		t.Errorf("Unexpected fingerprint %q", key)
	}

	nodedup := New(Config{Label: "x"}, zap.NewNop())
	if k, err := nodedup.fingerprint(newFakePrimitive()); err != nil || k != "" {
		t.Errorf("Expected empty fingerprint with dedup off, got %q (%v)", k, err)
	}
}

// TestFingerprintDistinguishesSizes verifies two tuples that differ only
// in input length never share a dedup key
func TestFingerprintDistinguishesSizes(t *testing.T) {
	s := New(Config{Label: "x", UniqueRuns: []string{"variant"}}, zap.NewNop())
	small, err := s.fingerprint(newSpeccedPrimitive(gpu.U32, 64<<10))
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	large, err := s.fingerprint(newSpeccedPrimitive(gpu.U32, 4<<20))
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if small == large {
		t.Errorf("Expected distinct keys for 64K and 4M inputs, both %q", small)
	}
}

// TestFingerprintUnknownField verifies a UniqueRuns name the primitive
// does not describe is reported instead of collapsing tuples
func TestFingerprintUnknownField(t *testing.T) {
	s := New(Config{Label: "x", UniqueRuns: []string{"nosuchfield"}}, zap.NewNop())
	if _, err := s.fingerprint(newFakePrimitive()); err == nil {
		t.Error("Expected an error for an undeclared dedup field")
	}
}

// TestProvisionReuse verifies the input buffer is reused iff datatype and
// length match
func TestProvisionReuse(t *testing.T) {
	c := hostContext()
	s := New(Config{Label: "x"}, zap.NewNop())
	defer s.Close()

	first := newSpeccedPrimitive(gpu.U32, 1024)
	if err := s.provision(c, first); err != nil {
		t.Fatalf("provision: %v", err)
	}
	original := first.Exec().Buffer("in")
	if original == nil {
		t.Fatal("Input buffer was not registered")
	}

	// Same datatype and length: the buffer carries over.
	second := newSpeccedPrimitive(gpu.U32, 1024)
	if err := s.provision(c, second); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if second.Exec().Buffer("in") != original {
		t.Error("Expected the input buffer to be reused")
	}

	// Different length: a fresh buffer replaces it.
	third := newSpeccedPrimitive(gpu.U32, 2048)
	if err := s.provision(c, third); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if third.Exec().Buffer("in") == original {
		t.Error("Expected a new input buffer for a different length")
	}
	if third.Exec().Buffer("in").Length != 2048 {
		t.Errorf("Expected length 2048, got %d", third.Exec().Buffer("in").Length)
	}
}

// TestProvisionInitOverride verifies the configured fill policy is applied
func TestProvisionInitOverride(t *testing.T) {
	c := hostContext()
	s := New(Config{Label: "x", InputInit: gpu.InitZeros, HasInputInit: true}, zap.NewNop())
	defer s.Close()

	p := newSpeccedPrimitive(gpu.U32, 16)
	if err := s.provision(c, p); err != nil {
		t.Fatalf("provision: %v", err)
	}
	buf := p.Exec().Buffer("in")
	for i := 0; i < 16; i++ {
		if buf.Word(i) != 0 {
			t.Fatalf("Expected zeroed input, got %d at %d", buf.Word(i), i)
		}
	}
}
