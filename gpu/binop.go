package gpu

import (
	"fmt"
	"math"
)

// BinaryOp names an associative operator over one datatype: its identity
// literal, the subgroup intrinsics implementing it, an expression template
// for scalar combines, and a vec4 in-register inclusive scan fragment.
// The host-side Combine closure mirrors the shader semantics on raw 32-bit
// element patterns for CPU validation.
type BinaryOp struct {
	Name     string
	Datatype *Datatype

	// Identity is the WGSL literal; IdentityBits is its host-side 32-bit
	// pattern, used to seed CPU references.
	Identity     string
	IdentityBits uint32

	// SubgroupReduce and SubgroupInclusiveScan are WGSL intrinsic names,
	// e.g. subgroupAdd / subgroupInclusiveAdd. SubgroupExclusiveScan is
	// empty where WGSL has no exclusive intrinsic (max/min); kernels then
	// derive the exclusive form from the inclusive one with a shuffle.
	SubgroupReduce        string
	SubgroupInclusiveScan string
	SubgroupExclusiveScan string

	// Expr formats a scalar combine of two WGSL expressions.
	Expr func(a, b string) string

	// Vec4ScanWGSL is the body of vec4_inclusive_scan(v) for this op.
	Vec4ScanWGSL string

	Combine func(a, b uint32) uint32
}

func addVec4Scan() string {
	return `    v.y = v.x + v.y;
    v.z = v.y + v.z;
    v.w = v.z + v.w;
    return v;`
}

func cmpVec4Scan(fn string) string {
	return fmt.Sprintf(`    v.y = %s(v.x, v.y);
    v.z = %s(v.y, v.z);
    v.w = %s(v.z, v.w);
    return v;`, fn, fn, fn)
}

// BinaryOpFor builds the descriptor for op ("add", "max", "min") over dt.
func BinaryOpFor(op string, dt *Datatype) (*BinaryOp, error) {
	if dt.Is64Bit {
		return nil, fmt.Errorf("%w: no 64-bit binary operators", ErrUnsupportedDevice)
	}
	switch op {
	case "add":
		b := &BinaryOp{
			Name:                  "add",
			Datatype:              dt,
			SubgroupReduce:        "subgroupAdd",
			SubgroupInclusiveScan: "subgroupInclusiveAdd",
			SubgroupExclusiveScan: "subgroupExclusiveAdd",
			Expr:                  func(a, b string) string { return fmt.Sprintf("(%s + %s)", a, b) },
			Vec4ScanWGSL:          addVec4Scan(),
		}
		switch dt.Name {
		case "u32":
			b.Identity = "0u"
			b.Combine = func(x, y uint32) uint32 { return x + y }
		case "i32":
			b.Identity = "0"
			b.Combine = func(x, y uint32) uint32 { return uint32(int32(x) + int32(y)) }
		case "f32":
			b.Identity = "0.0f"
			b.Combine = func(x, y uint32) uint32 {
				return BitsFromFloat(FloatFromBits(x) + FloatFromBits(y))
			}
		}
		return b, nil
	case "max":
		b := &BinaryOp{
			Name:                  "max",
			Datatype:              dt,
			SubgroupReduce:        "subgroupMax",
			SubgroupInclusiveScan: "subgroupInclusiveMax",
			Expr:                  func(a, b string) string { return fmt.Sprintf("max(%s, %s)", a, b) },
			Vec4ScanWGSL:          cmpVec4Scan("max"),
		}
		switch dt.Name {
		case "u32":
			b.Identity = "0u"
			b.IdentityBits = 0
			b.Combine = func(x, y uint32) uint32 { return maxU32(x, y) }
		case "i32":
			b.Identity = "-2147483648"
			b.IdentityBits = 0x80000000
			b.Combine = func(x, y uint32) uint32 {
				if int32(x) > int32(y) {
					return x
				}
				return y
			}
		case "f32":
			b.Identity = "-3.402823e38f"
			b.IdentityBits = BitsFromFloat(-math.MaxFloat32)
			b.Combine = func(x, y uint32) uint32 {
				if FloatFromBits(x) > FloatFromBits(y) {
					return x
				}
				return y
			}
		}
		return b, nil
	case "min":
		b := &BinaryOp{
			Name:                  "min",
			Datatype:              dt,
			SubgroupReduce:        "subgroupMin",
			SubgroupInclusiveScan: "subgroupInclusiveMin",
			Expr:                  func(a, b string) string { return fmt.Sprintf("min(%s, %s)", a, b) },
			Vec4ScanWGSL:          cmpVec4Scan("min"),
		}
		switch dt.Name {
		case "u32":
			b.Identity = "0xffffffffu"
			b.IdentityBits = 0xffffffff
			b.Combine = func(x, y uint32) uint32 {
				if x < y {
					return x
				}
				return y
			}
		case "i32":
			b.Identity = "2147483647"
			b.IdentityBits = 0x7fffffff
			b.Combine = func(x, y uint32) uint32 {
				if int32(x) < int32(y) {
					return x
				}
				return y
			}
		case "f32":
			b.Identity = "3.402823e38f"
			b.IdentityBits = BitsFromFloat(math.MaxFloat32)
			b.Combine = func(x, y uint32) uint32 {
				if FloatFromBits(x) < FloatFromBits(y) {
					return x
				}
				return y
			}
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown binary operator %q", op)
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
