package gpu

import (
	"fmt"
	"math"
)

// Datatype describes one element type a primitive can operate on: its
// byte width, its WGSL spelling, and the shader fragments that convert a
// key of this type to/from a radix-sortable unsigned integer. Values are
// immutable; grab them with DatatypeByName.
type Datatype struct {
	Name     string
	WGSL     string
	Bytes    uint32
	Bits     uint32
	Is64Bit  bool
	MaxValue string

	// KeyToUintWGSL and UintToKeyWGSL are full WGSL function definitions
	// named key_to_uint / uint_to_key. The mapping is order-preserving:
	// a < b under the native ordering iff key_to_uint(a) < key_to_uint(b).
	KeyToUintWGSL string
	UintToKeyWGSL string

	// Host-side mirrors of the shader fragments, operating on the raw
	// 32-bit pattern of an element. Nil for 64-bit types.
	KeyToUint func(bits uint32) uint32
	UintToKey func(u uint32) uint32
}

var (
	U32 = &Datatype{
		Name:     "u32",
		WGSL:     "u32",
		Bytes:    4,
		Bits:     32,
		MaxValue: "0xffffffffu",
		KeyToUintWGSL: `fn key_to_uint(k: u32) -> u32 {
    return k;
}`,
		UintToKeyWGSL: `fn uint_to_key(u: u32) -> u32 {
    return u;
}`,
		KeyToUint: func(bits uint32) uint32 { return bits },
		UintToKey: func(u uint32) uint32 { return u },
	}

	I32 = &Datatype{
		Name:     "i32",
		WGSL:     "i32",
		Bytes:    4,
		Bits:     32,
		MaxValue: "0x7fffffff",
		KeyToUintWGSL: `fn key_to_uint(k: i32) -> u32 {
    return bitcast<u32>(k) ^ 0x80000000u;
}`,
		UintToKeyWGSL: `fn uint_to_key(u: u32) -> i32 {
    return bitcast<i32>(u ^ 0x80000000u);
}`,
		KeyToUint: func(bits uint32) uint32 { return bits ^ 0x80000000 },
		UintToKey: func(u uint32) uint32 { return u ^ 0x80000000 },
	}

	F32 = &Datatype{
		Name:     "f32",
		WGSL:     "f32",
		Bytes:    4,
		Bits:     32,
		MaxValue: "3.402823e38f",
		KeyToUintWGSL: `fn key_to_uint(k: f32) -> u32 {
    let b = bitcast<u32>(k);
    let mask = select(0x80000000u, 0xffffffffu, (b >> 31u) == 1u);
    return b ^ mask;
}`,
		UintToKeyWGSL: `fn uint_to_key(u: u32) -> f32 {
    let mask = select(0xffffffffu, 0x80000000u, (u >> 31u) == 1u);
    return bitcast<f32>(u ^ mask);
}`,
		KeyToUint: func(bits uint32) uint32 {
			if bits>>31 == 1 {
				return bits ^ 0xffffffff
			}
			return bits ^ 0x80000000
		},
		UintToKey: func(u uint32) uint32 {
			if u>>31 == 1 {
				return u ^ 0x80000000
			}
			return u ^ 0xffffffff
		},
	}

	// U64 is kept for completeness; the spine split and ballot ranking in
	// the scan and sort kernels are 32 bits wide, so those primitives
	// reject it at construction.
	U64 = &Datatype{
		Name:     "u64",
		WGSL:     "vec2<u32>",
		Bytes:    8,
		Bits:     64,
		Is64Bit:  true,
		MaxValue: "vec2<u32>(0xffffffffu, 0xffffffffu)",
		KeyToUintWGSL: `fn key_to_uint(k: vec2<u32>) -> vec2<u32> {
    return k;
}`,
		UintToKeyWGSL: `fn uint_to_key(u: vec2<u32>) -> vec2<u32> {
    return u;
}`,
	}
)

var datatypes = map[string]*Datatype{
	"u32": U32,
	"i32": I32,
	"f32": F32,
	"u64": U64,
}

// DatatypeByName resolves a datatype by its parameter-axis name.
func DatatypeByName(name string) (*Datatype, error) {
	dt, ok := datatypes[name]
	if !ok {
		return nil, fmt.Errorf("unknown datatype %q", name)
	}
	return dt, nil
}

// FloatFromBits and BitsFromFloat are conveniences for CPU references
// working on f32 bit patterns.
func FloatFromBits(b uint32) float32  { return math.Float32frombits(b) }
func BitsFromFloat(f float32) uint32  { return math.Float32bits(f) }
