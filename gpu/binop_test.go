package gpu

import "testing"

// i32Bits reinterprets a signed value as its storage word. A plain
// uint32(...) of a negative constant is rejected by the compiler.
func i32Bits(v int32) uint32 { return uint32(v) }

// TestBinaryOpIdentities verifies combining with the identity is a no-op
func TestBinaryOpIdentities(t *testing.T) {
	samples := map[string][]uint32{
		"u32": {0, 1, 42, 0xfffffffe},
		"i32": {i32Bits(-100), 0, 7},
		"f32": {BitsFromFloat(-3.5), BitsFromFloat(0), BitsFromFloat(999.25)},
	}
	for _, opName := range []string{"add", "max", "min"} {
		for dtName, vals := range samples {
			dt, _ := DatatypeByName(dtName)
			op, err := BinaryOpFor(opName, dt)
			if err != nil {
				t.Fatalf("BinaryOpFor(%s, %s): %v", opName, dtName, err)
			}
			for _, v := range vals {
				if got := op.Combine(op.IdentityBits, v); got != v {
					t.Errorf("%s/%s: Combine(identity, %#x) = %#x", opName, dtName, v, got)
				}
				if got := op.Combine(v, op.IdentityBits); got != v {
					t.Errorf("%s/%s: Combine(%#x, identity) = %#x", opName, dtName, v, got)
				}
			}
		}
	}
}

// TestBinaryOpSemantics spot-checks host combines against known answers
func TestBinaryOpSemantics(t *testing.T) {
	addI32, _ := BinaryOpFor("add", I32)
	if got := addI32.Combine(i32Bits(-5), 3); int32(got) != -2 {
		t.Errorf("i32 add: expected -2, got %d", int32(got))
	}
	maxI32, _ := BinaryOpFor("max", I32)
	if got := maxI32.Combine(i32Bits(-5), i32Bits(-9)); int32(got) != -5 {
		t.Errorf("i32 max: expected -5, got %d", int32(got))
	}
	minF32, _ := BinaryOpFor("min", F32)
	if got := minF32.Combine(BitsFromFloat(-1.5), BitsFromFloat(2)); FloatFromBits(got) != -1.5 {
		t.Errorf("f32 min: expected -1.5, got %g", FloatFromBits(got))
	}
}

// TestBinaryOpRejects64Bit verifies the constructor refuses u64
func TestBinaryOpRejects64Bit(t *testing.T) {
	if _, err := BinaryOpFor("add", U64); err == nil {
		t.Error("Expected error for 64-bit binary op")
	}
	if _, err := BinaryOpFor("xor", U32); err == nil {
		t.Error("Expected error for unknown operator")
	}
}

// TestBinaryOpExpr verifies the WGSL expression templates
func TestBinaryOpExpr(t *testing.T) {
	add, _ := BinaryOpFor("add", U32)
	if got := add.Expr("a", "b"); got != "(a + b)" {
		t.Errorf("add expr: got %q", got)
	}
	max, _ := BinaryOpFor("max", F32)
	if got := max.Expr("x", "y"); got != "max(x, y)" {
		t.Errorf("max expr: got %q", got)
	}
}
