package gpu

import "fmt"

// DLDFScan is the single-pass decoupled-lookback scan with a decoupled
// fallback: one kernel launch scans the whole input. Tiles are claimed
// through an atomic bump counter, each workgroup publishes its tile
// reduction into a two-word spine entry (2-bit status in the top bits,
// 16-bit payload in the bottom), assembles its exclusive prefix by
// walking earlier spine entries, and re-reduces a stalled predecessor
// tile from scratch when the walk spins out. Tile 0 always publishes
// INCLUSIVE directly, which is the invariant that breaks every lookback
// chain.
type DLDFScan struct {
	Executor

	Datatype  *Datatype
	Binop     *BinaryOp
	Length    int
	Exclusive bool

	BlockDim int // threads per workgroup
	Vec4SPT  int // vec4 loads per thread

	// InputInit selects the scanIn host fill; InputFill backs InitCustom.
	InputInit InitPolicy
	InputFill func(i int) uint32

	workTiles uint32
}

// Spine encoding constants, mirrored into the shader.
const (
	SplitMembers = 2
	MaxSpinCount = 4
)

func NewDLDFScan(c *Context, op *BinaryOp, length int, exclusive bool) (*DLDFScan, error) {
	if op.Datatype.Is64Bit {
		return nil, fmt.Errorf("%w: dldf scan is 32-bit only", ErrUnsupportedDevice)
	}
	if !c.Caps.HasSubgroups {
		return nil, fmt.Errorf("%w: dldf scan needs subgroups", ErrUnsupportedDevice)
	}
	if c.Caps.SubgroupMaxSize > 32 {
		// Ballots are read as a 32-bit mask.
		return nil, fmt.Errorf("%w: dldf scan needs subgroup size <= 32", ErrUnsupportedDevice)
	}
	p := &DLDFScan{
		Executor:  NewExecutor(c, "dldf_scan", "scan"),
		Datatype:  op.Datatype,
		Binop:     op,
		Length:    length,
		Exclusive: exclusive,
		BlockDim:  256,
		Vec4SPT:   4,
		InputInit: InitSequential,
	}
	p.workTiles = uint32(DivRoundUp(length, p.TileSize()))
	return p, nil
}

// TileSize is the element count one workgroup owns: BlockDim threads ×
// Vec4SPT vec4 loads × 4 lanes per vec4.
func (p *DLDFScan) TileSize() int { return p.BlockDim * p.Vec4SPT * 4 }

func (p *DLDFScan) source() string {
	op := p.Binop
	t := p.Datatype.WGSL

	writeback := `            let o = vec4_combine(prefix0, t_scan[k]);`
	if p.Exclusive {
		writeback = `            var o: vec4<` + t + `>;
            o.x = carry;
            o.y = combine(prefix0, t_scan[k].x);
            o.z = combine(prefix0, t_scan[k].y);
            o.w = combine(prefix0, t_scan[k].z);
            carry = combine(prefix0, t_scan[k].w);`
	}

	return fmt.Sprintf(`enable subgroups;

struct ScanParameters {
    size: u32,
    vec_size: u32,
    work_tiles: u32,
}

@group(0) @binding(0) var<uniform> params: ScanParameters;
@group(0) @binding(1) var<storage, read> scan_in: array<vec4<%[1]s>>;
@group(0) @binding(2) var<storage, read_write> scan_out: array<vec4<%[1]s>>;
@group(0) @binding(3) var<storage, read_write> scan_bump: atomic<u32>;
@group(0) @binding(4) var<storage, read_write> spine: array<atomic<u32>>;

const BLOCK_DIM = %[2]du;
const VEC4_SPT = %[3]du;
const TILE_VECS = BLOCK_DIM * VEC4_SPT;
const SPLIT_MEMBERS = %[4]du;
const MAX_SPIN_COUNT = %[5]du;

const FLAG_NOT_READY = 0u;
const FLAG_READY = 0x40000000u;
const FLAG_INCLUSIVE = 0x80000000u;
const FLAG_MASK = 0xC0000000u;
const VALUE_MASK = 0xffffu;

const LOCKED = 1u;
const UNLOCKED = 0u;
const FALLBACK = 2u;

const IDENT: %[1]s = %[6]s;

var<workgroup> wg_lock: u32;
var<workgroup> wg_broadcast_tile: u32;
var<workgroup> wg_broadcast_fb: u32;
var<workgroup> wg_broadcast_prev_red: %[1]s;
var<workgroup> wg_broadcast_fb_red: %[1]s;
var<workgroup> wg_partials: array<%[1]s, BLOCK_DIM>;
var<workgroup> wg_fallback: array<%[1]s, BLOCK_DIM>;

fn combine(a: %[1]s, b: %[1]s) -> %[1]s {
    return %[7]s;
}

fn vec4_combine(a: %[1]s, v: vec4<%[1]s>) -> vec4<%[1]s> {
    return vec4<%[1]s>(combine(a, v.x), combine(a, v.y), combine(a, v.z), combine(a, v.w));
}

fn vec4_inclusive_scan(v0: vec4<%[1]s>) -> vec4<%[1]s> {
    var v = v0;
%[8]s
}

fn to_bits(x: %[1]s) -> u32 {
    return bitcast<u32>(x);
}

fn from_bits(b: u32) -> %[1]s {
    return bitcast<%[1]s>(b);
}

// split publishes half of a value per spine word; join reassembles the
// halves held by the first SPLIT_MEMBERS lanes via a subgroup shuffle.
fn split(x: %[1]s, member: u32) -> u32 {
    return (to_bits(x) >> (member * 16u)) & VALUE_MASK;
}

fn join(payload: u32, member: u32) -> %[1]s {
    let other = subgroupShuffleXor(payload, 1u);
    let bits = (payload << (member * 16u)) | (other << ((1u - member) * 16u));
    return from_bits(bits);
}

// rake_scan turns wg_partials[0..nsub) into its inclusive scan with the
// first subgroup, chunk by chunk with a carried offset.
fn rake_scan(lane: u32, lane_count: u32) {
    let nsub = BLOCK_DIM / lane_count;
    var carry = IDENT;
    for (var base = 0u; base < nsub; base += lane_count) {
        let idx = base + lane;
        var v = IDENT;
        if (idx < nsub) {
            v = wg_partials[idx];
        }
        let s = combine(carry, %[9]s(v));
        if (idx < nsub) {
            wg_partials[idx] = s;
        }
        var last = lane_count - 1u;
        if (nsub - base < lane_count) {
            last = nsub - base - 1u;
        }
        carry = subgroupShuffle(s, last);
    }
}

@compute @workgroup_size(%[2]d)
fn main(@builtin(local_invocation_id) lid: vec3<u32>,
        @builtin(subgroup_size) lane_count: u32,
        @builtin(subgroup_invocation_id) lane: u32) {
    let sid = lid.x / lane_count;

    // Tiles are claimed dynamically so lower tile ids are started no
    // later than higher ones, whatever the hardware scheduler does with
    // workgroup launch order.
    if (lid.x == 0u) {
        wg_broadcast_tile = atomicAdd(&scan_bump, 1u);
    }
    let tile = workgroupUniformLoad(&wg_broadcast_tile);
    if (tile >= params.work_tiles) {
        return;
    }

    // Per-thread vec4 loads with an in-register inclusive scan. Each
    // thread owns VEC4_SPT consecutive vec4s.
    var t_scan: array<vec4<%[1]s>, VEC4_SPT>;
    var prev = IDENT;
    let base_vec = tile * TILE_VECS + lid.x * VEC4_SPT;
    for (var k = 0u; k < VEC4_SPT; k++) {
        let i = base_vec + k;
        var v = vec4<%[1]s>(IDENT, IDENT, IDENT, IDENT);
        if (i < params.vec_size) {
            v = scan_in[i];
        }
        v = vec4_inclusive_scan(v);
        v = vec4_combine(prev, v);
        t_scan[k] = v;
        prev = v.w;
    }

    // Subgroup scan of the per-thread totals, then a raking pass over
    // the per-subgroup tails.
    let s_incl = %[9]s(prev);
    let lane_excl = select(subgroupShuffleUp(s_incl, 1u), IDENT, lane == 0u);
    if (lane == lane_count - 1u) {
        wg_partials[sid] = s_incl;
    }
    workgroupBarrier();
    if (sid == 0u) {
        rake_scan(lane, lane_count);
    }
    workgroupBarrier();

    let nsub = BLOCK_DIM / lane_count;
    let local_red = wg_partials[nsub - 1u];

    // Publish the tile reduction. Tile 0 goes straight to INCLUSIVE,
    // which is what guarantees every lookback chain terminates.
    if (lid.x < SPLIT_MEMBERS) {
        var flag = FLAG_READY;
        if (tile == 0u) {
            flag = FLAG_INCLUSIVE;
        }
        atomicStore(&spine[tile * SPLIT_MEMBERS + lid.x], split(local_red, lid.x) | flag);
    }

    // Lookback, run by subgroup 0 while the rest of the workgroup parks
    // on the lock.
    if (tile == 0u) {
        if (lid.x == 0u) {
            wg_broadcast_prev_red = IDENT;
            wg_lock = UNLOCKED;
        }
    } else {
        if (lid.x == 0u) {
            wg_lock = LOCKED;
            wg_broadcast_fb = tile - 1u;
        }
    }

    var prev_red = IDENT;
    var lookback_id = tile - 1u;
    loop {
        let state = workgroupUniformLoad(&wg_lock);
        if (state == UNLOCKED) {
            break;
        }

        if (state == FALLBACK) {
            // The whole workgroup re-reduces the stalled tile from its
            // input, then the first SPLIT_MEMBERS lanes try to publish
            // it with an atomic max. Payload bits only ever grow, so
            // racing publishers converge on the same value and READY
            // can never displace INCLUSIVE.
            let fb = workgroupUniformLoad(&wg_broadcast_fb);
            var red = IDENT;
            let fb_base = fb * TILE_VECS + lid.x * VEC4_SPT;
            for (var k = 0u; k < VEC4_SPT; k++) {
                let i = fb_base + k;
                if (i < params.vec_size) {
                    let v = scan_in[i];
                    red = combine(red, combine(combine(v.x, v.y), combine(v.z, v.w)));
                }
            }
            let s_red = %[10]s(red);
            if (lane == lane_count - 1u) {
                wg_fallback[sid] = s_red;
            }
            workgroupBarrier();
            if (lid.x == 0u) {
                var acc = IDENT;
                for (var s = 0u; s < nsub; s++) {
                    acc = combine(acc, wg_fallback[s]);
                }
                wg_broadcast_fb_red = acc;
            }
            let f_red = workgroupUniformLoad(&wg_broadcast_fb_red);

            if (sid == 0u) {
                var member = 0u;
                if (lane < SPLIT_MEMBERS) {
                    member = atomicMax(&spine[fb * SPLIT_MEMBERS + lane],
                        split(f_red, lane) | FLAG_READY);
                }
                let incl_bal = subgroupBallot((member & FLAG_MASK) == FLAG_INCLUSIVE).x;
                if ((incl_bal & 3u) == 3u) {
                    // The owner got there first; its inclusive prefix is
                    // authoritative.
                    let full = join(member & VALUE_MASK, min(lane, SPLIT_MEMBERS - 1u));
                    prev_red = combine(full, prev_red);
                    if (lane < SPLIT_MEMBERS) {
                        atomicStore(&spine[tile * SPLIT_MEMBERS + lane],
                            split(combine(prev_red, local_red), lane) | FLAG_INCLUSIVE);
                    }
                    if (lane == 0u) {
                        wg_broadcast_prev_red = prev_red;
                        wg_lock = UNLOCKED;
                    }
                } else {
                    // Our re-computed reduction stands in for the stalled
                    // tile; keep walking backward.
                    prev_red = combine(f_red, prev_red);
                    if (lookback_id == 0u) {
                        // Nothing left to wait for. Publish our own
                        // INCLUSIVE before releasing the lock so
                        // successors never have to fall back past us.
                        if (lane < SPLIT_MEMBERS) {
                            atomicStore(&spine[tile * SPLIT_MEMBERS + lane],
                                split(combine(prev_red, local_red), lane) | FLAG_INCLUSIVE);
                        }
                        if (lane == 0u) {
                            wg_broadcast_prev_red = prev_red;
                            wg_lock = UNLOCKED;
                        }
                    } else {
                        if (lane == 0u) {
                            wg_lock = LOCKED;
                        }
                        lookback_id -= 1u;
                    }
                }
            }
            continue;
        }

        // state == LOCKED: subgroup 0 walks the spine backward with a
        // bounded spin per entry.
        if (sid == 0u) {
            var spin = 0u;
            loop {
                let word = lookback_id * SPLIT_MEMBERS + min(lane, SPLIT_MEMBERS - 1u);
                let member = atomicLoad(&spine[word]);
                let flag = member & FLAG_MASK;
                let incl_bal = subgroupBallot(flag == FLAG_INCLUSIVE).x;
                let ready_bal = subgroupBallot(flag != FLAG_NOT_READY).x;

                if ((incl_bal & 3u) == 3u) {
                    let full = join(member & VALUE_MASK, min(lane, SPLIT_MEMBERS - 1u));
                    prev_red = combine(full, prev_red);
                    if (lane < SPLIT_MEMBERS) {
                        atomicStore(&spine[tile * SPLIT_MEMBERS + lane],
                            split(combine(prev_red, local_red), lane) | FLAG_INCLUSIVE);
                    }
                    if (lane == 0u) {
                        wg_broadcast_prev_red = prev_red;
                        wg_lock = UNLOCKED;
                    }
                    break;
                }
                if ((ready_bal & 3u) == 3u && (incl_bal & 3u) == 0u) {
                    let full = join(member & VALUE_MASK, min(lane, SPLIT_MEMBERS - 1u));
                    prev_red = combine(full, prev_red);
                    if (lookback_id == 0u) {
                        // READY on tile 0 (a fallback publish racing the
                        // owner's INCLUSIVE store) is already the full
                        // tile-0 reduction; there is nothing earlier to
                        // walk to.
                        if (lane < SPLIT_MEMBERS) {
                            atomicStore(&spine[tile * SPLIT_MEMBERS + lane],
                                split(combine(prev_red, local_red), lane) | FLAG_INCLUSIVE);
                        }
                        if (lane == 0u) {
                            wg_broadcast_prev_red = prev_red;
                            wg_lock = UNLOCKED;
                        }
                        break;
                    }
                    lookback_id -= 1u;
                    spin = 0u;
                    continue;
                }

                spin += 1u;
                if (spin > MAX_SPIN_COUNT) {
                    if (lane == 0u) {
                        wg_broadcast_fb = lookback_id;
                        wg_lock = FALLBACK;
                    }
                    break;
                }
            }
        }
    }

    // Writeback: every thread folds the broadcast prefix into its
    // in-register scan. workgroupUniformLoad orders the lookback lane's
    // stores before these reads.
    let prev_bcast = workgroupUniformLoad(&wg_broadcast_prev_red);
    var sub_excl = IDENT;
    if (sid > 0u) {
        sub_excl = wg_partials[sid - 1u];
    }
    let prefix0 = combine(prev_bcast, combine(sub_excl, lane_excl));
    var carry = prefix0;
    for (var k = 0u; k < VEC4_SPT; k++) {
        let i = base_vec + k;
        if (i < params.vec_size) {
%[11]s
            scan_out[i] = o;
        }
    }
}
`,
		t,                        // 1
		p.BlockDim,               // 2
		p.Vec4SPT,                // 3
		SplitMembers,             // 4
		MaxSpinCount,             // 5
		op.Identity,              // 6
		op.Expr("a", "b"),        // 7
		op.Vec4ScanWGSL,          // 8
		op.SubgroupInclusiveScan, // 9
		op.SubgroupReduce,        // 10
		writeback,                // 11
	)
}

func (p *DLDFScan) Compute() []Action {
	spineBytes := uint64(p.workTiles) * SplitMembers * 4
	return []Action{
		AllocateBuffer{Label: "scanBump", Bytes: 4},
		AllocateBuffer{Label: "scanSpine", Bytes: spineBytes},
		Kernel{
			Label:  "dldf_scan",
			Source: p.source,
			Layout: []BindingType{
				BindUniform, BindReadOnlyStorage, BindStorage, BindStorage, BindStorage,
			},
			Bindings:     []string{"scanParameters", "scanIn", "scanOut", "scanBump", "scanSpine"},
			ResetBuffers: []string{"scanBump", "scanSpine"},
			Dispatch: func() (uint32, uint32, uint32) {
				x, y := ClampDispatch(p.workTiles, p.Ctx.Caps.MaxComputeWorkgroupsPerDimension)
				return x, y, 1
			},
		},
	}
}

func (p *DLDFScan) InputLabel() string { return "scanIn" }

// SetInputInit overrides the host fill policy for scanIn.
func (p *DLDFScan) SetInputInit(policy InitPolicy) { p.InputInit = policy }

// vecLength pads the element count to a whole number of vec4s.
func (p *DLDFScan) vecLength() int { return DivRoundUp(p.Length, 4) * 4 }

func (p *DLDFScan) BufferSpecs() []BufferOptions {
	params := []uint32{uint32(p.Length), uint32(DivRoundUp(p.Length, 4)), p.workTiles, 0}
	return []BufferOptions{
		{
			Label: "scanParameters", Datatype: U32, Length: len(params),
			CreateHost: true, CreateDevice: true, InitializeDevice: true,
			InitializeHost: InitCustom,
			CustomInit:     func(i int) uint32 { return params[i] },
			Usage:          uniformUsage(),
		},
		{
			Label: "scanIn", Datatype: p.Datatype, Length: p.vecLength(),
			CreateHost: true, CreateDevice: true, InitializeDevice: true,
			InitializeHost: p.InputInit,
			CustomInit:     p.InputFill,
		},
		{
			Label: "scanOut", Datatype: p.Datatype, Length: p.vecLength(),
			CreateHost: true, CreateDevice: true, CreateMappable: true,
		},
	}
}

func (p *DLDFScan) Validate() string {
	out := p.Buffer("scanOut")
	if err := out.CopyDeviceToHost(); err != nil {
		return err.Error()
	}
	in := p.Buffer("scanIn").Words()[:p.Length]
	var want []uint32
	if p.Exclusive {
		want = CPUExclusiveScan(in, p.Binop, p.Binop.IdentityBits)
	} else {
		want = CPUInclusiveScan(in, p.Binop)
	}
	return CompareArrays(want, out.Words()[:p.Length], p.Datatype)
}

func (p *DLDFScan) Describe() map[string]any {
	return map[string]any{
		"datatype":  p.Datatype.Name,
		"binop":     p.Binop.Name,
		"exclusive": p.Exclusive,
		"blockDim":  p.BlockDim,
		"vec4SPT":   p.Vec4SPT,
		"workTiles": p.workTiles,
	}
}

func (p *DLDFScan) InputLength() int   { return p.Length }
func (p *DLDFScan) InputBytes() uint64 { return uint64(p.Length) * uint64(p.Datatype.Bytes) }

// BytesTransferred: single pass, one read and one write per element.
func (p *DLDFScan) BytesTransferred() uint64 { return 2 * p.InputBytes() }

func (p *DLDFScan) Flops() float64 { return 0 }
