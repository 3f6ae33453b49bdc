package gpu

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/openfluke/webgpu/wgpu"
)

// OneSweepSort is a least-significant-digit radix sort over 32-bit keys
// in four 8-bit passes, with a single chained-scan ("one-sweep") lookback
// per pass instead of a separate scan dispatch per pass. Three kernel
// stages run per trial: a global histogram over all four digit places, a
// spine scan that turns the histograms into global digit offsets and
// seeds the first pass-histogram slot of every digit column, and four
// scatter passes that rank keys with subgroup-ballot multisplit and
// ping-pong between keysInOut and keysTemp. Keys travel through the
// datatype's radix mapping on the first load and back on the last store,
// so signed integers and floats sort in their native order.
type OneSweepSort struct {
	Executor

	Datatype *Datatype
	Length   int
	KeyValue bool
	Init     InitPolicy

	workTiles uint32
	padded    int
	padBits   uint32
	rng       *rand.Rand
}

const (
	sortRadix         = 256
	sortRadixPasses   = 4
	sortBlockDim      = 256
	sortKeysPerThread = 15
	sortTileKeys      = sortBlockDim * sortKeysPerThread
	// Lowest subgroup width the scatter's shared histograms are sized for.
	sortMinLanes = 16
)

func NewOneSweepSort(c *Context, dt *Datatype, length int, keyValue bool) (*OneSweepSort, error) {
	if dt.Is64Bit {
		return nil, fmt.Errorf("%w: onesweep sort keys are 32-bit only", ErrUnsupportedDevice)
	}
	if !c.Caps.HasSubgroups {
		return nil, fmt.Errorf("%w: onesweep sort needs subgroups", ErrUnsupportedDevice)
	}
	if c.Caps.SubgroupMaxSize > 32 || c.Caps.SubgroupMinSize < sortMinLanes {
		return nil, fmt.Errorf("%w: onesweep sort needs subgroup sizes in [%d,32], device reports [%d,%d]",
			ErrUnsupportedDevice, sortMinLanes, c.Caps.SubgroupMinSize, c.Caps.SubgroupMaxSize)
	}
	tiles := DivRoundUp(length, sortTileKeys)
	padded := tiles * sortTileKeys
	if padded >= 1<<30 {
		// Pass-histogram payloads carry counts in 30 bits.
		return nil, fmt.Errorf("%w: onesweep sort limited to 2^30-1 keys, got %d", ErrResourceLimit, length)
	}
	p := &OneSweepSort{
		Executor:  NewExecutor(c, "onesweep_sort", "sort"),
		Datatype:  dt,
		Length:    length,
		KeyValue:  keyValue,
		Init:      InitRandomAbsUnder1024,
		workTiles: uint32(tiles),
		padded:    padded,
		padBits:   dt.UintToKey(0xffffffff),
		rng:       rand.New(rand.NewSource(0x5157)),
	}
	return p, nil
}

// SetInputInit overrides the host fill policy for the key buffer. The
// tail padding past Length always holds the maximal key regardless of
// policy.
func (p *OneSweepSort) SetInputInit(policy InitPolicy) { p.Init = policy }

func (p *OneSweepSort) keyInit(i int) uint32 {
	if i >= p.Length {
		return p.padBits
	}
	switch p.Init {
	case InitZeros:
		return 0
	case InitSequential:
		if p.Datatype.Name == "f32" {
			return BitsFromFloat(float32(i))
		}
		return uint32(i)
	default:
		switch p.Datatype.Name {
		case "f32":
			return BitsFromFloat(float32(p.rng.Float64()*2048 - 1024))
		case "i32":
			return uint32(int32(p.rng.Intn(2048) - 1024))
		default:
			return uint32(p.rng.Intn(1024))
		}
	}
}

// sharedSource holds the declarations common to all three kernel stages.
func (p *OneSweepSort) sharedSource() string {
	return fmt.Sprintf(`struct SortParameters {
    size: u32,
    padded_size: u32,
    work_tiles: u32,
}

const BLOCK_DIM = %du;
const KEYS_PER_THREAD = %du;
const TILE_KEYS = %du;
const RADIX = %du;
const RADIX_MASK = %du;
const RADIX_PASSES = %du;
const MAX_SUBGROUPS = %du;

const FLAG_NOT_READY = 0u;
const FLAG_READY = 0x40000000u;
const FLAG_INCLUSIVE = 0x80000000u;
const FLAG_MASK = 0xC0000000u;
const PAYLOAD_MASK = 0x3fffffffu;

%s

%s

fn map_key(bits: u32) -> u32 {
    return key_to_uint(bitcast<%s>(bits));
}

fn unmap_key(mapped: u32) -> u32 {
    return bitcast<u32>(uint_to_key(mapped));
}
`,
		sortBlockDim, sortKeysPerThread, sortTileKeys, sortRadix, sortRadix-1,
		sortRadixPasses, sortBlockDim/sortMinLanes,
		p.Datatype.KeyToUintWGSL, p.Datatype.UintToKeyWGSL, p.Datatype.WGSL)
}

// histSource counts every digit place of every key in one pass over the
// input. Per-workgroup shared histograms absorb the atomic traffic; one
// flush per bin goes to the global histogram.
func (p *OneSweepSort) histSource() string {
	return p.sharedSource() + `
@group(0) @binding(0) var<uniform> params: SortParameters;
@group(0) @binding(1) var<storage, read> keys: array<u32>;
@group(0) @binding(2) var<storage, read_write> global_hist: array<atomic<u32>>;

var<workgroup> wg_hist: array<atomic<u32>, RADIX_PASSES * RADIX>;

@compute @workgroup_size(256)
fn main(@builtin(local_invocation_id) lid: vec3<u32>,
        @builtin(workgroup_id) wgid: vec3<u32>,
        @builtin(num_workgroups) nwg: vec3<u32>) {
    for (var i = lid.x; i < RADIX_PASSES * RADIX; i += BLOCK_DIM) {
        atomicStore(&wg_hist[i], 0u);
    }
    workgroupBarrier();

    let tile = wgid.x + wgid.y * nwg.x;
    if (tile < params.work_tiles) {
        let tile_end = min((tile + 1u) * TILE_KEYS, params.padded_size);
        for (var i = tile * TILE_KEYS + lid.x; i < tile_end; i += BLOCK_DIM) {
            let key = map_key(keys[i]);
            atomicAdd(&wg_hist[key & RADIX_MASK], 1u);
            atomicAdd(&wg_hist[RADIX + ((key >> 8u) & RADIX_MASK)], 1u);
            atomicAdd(&wg_hist[2u * RADIX + ((key >> 16u) & RADIX_MASK)], 1u);
            atomicAdd(&wg_hist[3u * RADIX + (key >> 24u)], 1u);
        }
    }
    workgroupBarrier();

    if (tile < params.work_tiles) {
        for (var i = lid.x; i < RADIX_PASSES * RADIX; i += BLOCK_DIM) {
            atomicAdd(&global_hist[i], atomicLoad(&wg_hist[i]));
        }
    }
}
`
}

// spineSource scans each pass's 256-bin histogram into exclusive global
// digit offsets and writes them into slot 0 of every digit column with
// the INCLUSIVE flag, which is what terminates every scatter lookback.
// One workgroup per digit place.
func (p *OneSweepSort) spineSource() string {
	return `enable subgroups;

` + p.sharedSource() + `
@group(0) @binding(0) var<uniform> params: SortParameters;
@group(0) @binding(1) var<storage, read_write> global_hist: array<atomic<u32>>;
@group(0) @binding(2) var<storage, read_write> pass_hist: array<atomic<u32>>;

var<workgroup> wg_partials: array<u32, MAX_SUBGROUPS>;

@compute @workgroup_size(256)
fn main(@builtin(local_invocation_id) lid: vec3<u32>,
        @builtin(workgroup_id) wgid: vec3<u32>,
        @builtin(subgroup_size) lane_count: u32,
        @builtin(subgroup_invocation_id) lane: u32) {
    let sid = lid.x / lane_count;
    let count = atomicLoad(&global_hist[wgid.x * RADIX + lid.x]);

    let s_incl = subgroupInclusiveAdd(count);
    if (lane == lane_count - 1u) {
        wg_partials[sid] = s_incl;
    }
    workgroupBarrier();
    if (lid.x == 0u) {
        var running = 0u;
        let nsub = BLOCK_DIM / lane_count;
        for (var s = 0u; s < nsub; s++) {
            let t = wg_partials[s];
            wg_partials[s] = running;
            running += t;
        }
    }
    workgroupBarrier();

    let excl = wg_partials[sid] + (s_incl - count);
    let column = wgid.x * RADIX * params.work_tiles + lid.x * params.work_tiles;
    atomicStore(&pass_hist[column], excl | FLAG_INCLUSIVE);
}
`
}

// scatterSource generates the scatter kernel for one digit place. Keys
// are ranked with subgroup-ballot multisplit in warp-striped order so
// that ranking order matches memory order, which is what keeps the
// scatter stable across passes.
func (p *OneSweepSort) scatterSource(pass int) string {
	first := pass == 0
	last := pass == sortRadixPasses-1

	loadExpr := "keys_in[i]"
	if first {
		loadExpr = "map_key(keys_in[i])"
	}
	storeExpr := "keys[k]"
	if last {
		storeExpr = "unmap_key(keys[k])"
	}

	var valBindings, valDecl, valLoad, valStore string
	if p.KeyValue {
		valBindings = `
@group(0) @binding(5) var<storage, read> vals_in: array<u32>;
@group(0) @binding(6) var<storage, read_write> vals_out: array<u32>;`
		valDecl = `
    var vals: array<u32, KEYS_PER_THREAD>;`
		valLoad = `
        vals[k] = vals_in[i];`
		valStore = `
        vals_out[dest] = vals[k];`
	}

	src := `enable subgroups;

` + p.sharedSource() + `
@group(0) @binding(0) var<uniform> params: SortParameters;
@group(0) @binding(1) var<storage, read> keys_in: array<u32>;
@group(0) @binding(2) var<storage, read_write> keys_out: array<u32>;
@group(0) @binding(3) var<storage, read_write> pass_hist: array<atomic<u32>>;
@group(0) @binding(4) var<storage, read_write> sort_bump: array<atomic<u32>>;` + valBindings + `

const PASS = ` + fmt.Sprint(pass) + `u;
const PASS_SHIFT = ` + fmt.Sprint(pass*8) + `u;

var<workgroup> wg_broadcast_tile: u32;
var<workgroup> wg_warp_hist: array<u32, MAX_SUBGROUPS * RADIX>;
var<workgroup> wg_digit_excl: array<u32, RADIX>;

@compute @workgroup_size(256)
fn main(@builtin(local_invocation_id) lid: vec3<u32>,
        @builtin(subgroup_size) lane_count: u32,
        @builtin(subgroup_invocation_id) lane: u32) {
    let sid = lid.x / lane_count;
    let nsub = BLOCK_DIM / lane_count;

    for (var i = lid.x; i < nsub * RADIX; i += BLOCK_DIM) {
        wg_warp_hist[i] = 0u;
    }
    if (lid.x == 0u) {
        wg_broadcast_tile = atomicAdd(&sort_bump[PASS], 1u);
    }
    let tile = workgroupUniformLoad(&wg_broadcast_tile);
    if (tile >= params.work_tiles) {
        return;
    }

    // Warp-striped loads: subgroup sid owns a contiguous block of
    // lane_count * KEYS_PER_THREAD keys, iterated lane-strided so that
    // ballot rank order (iteration, lane) equals memory order.
    var keys: array<u32, KEYS_PER_THREAD>;
    var ranks: array<u32, KEYS_PER_THREAD>;` + valDecl + `
    let sub_base = tile * TILE_KEYS + sid * lane_count * KEYS_PER_THREAD;
    for (var k = 0u; k < KEYS_PER_THREAD; k++) {
        let i = sub_base + k * lane_count + lane;
        keys[k] = ` + loadExpr + `;` + valLoad + `
    }

    // Subgroup multisplit: lanes holding the same digit find each other
    // with one ballot per digit bit, the lowest such lane bumps the
    // subgroup's histogram for all of them. peers starts as the mask of
    // live lanes; ballots report zeros above lane_count, so a full-width
    // start would count phantom peers for any digit with a zero bit.
    let lane_mask = 0xffffffffu >> (32u - lane_count);
    for (var k = 0u; k < KEYS_PER_THREAD; k++) {
        let digit = (keys[k] >> PASS_SHIFT) & RADIX_MASK;
        var peers = lane_mask;
        for (var b = 0u; b < 8u; b++) {
            let pred = ((digit >> b) & 1u) == 1u;
            let bal = subgroupBallot(pred).x;
            peers &= select(~bal, bal, pred);
        }
        let below = countOneBits(peers & ((1u << lane) - 1u));
        let leader = firstTrailingBit(peers);
        var prev = 0u;
        if (lane == leader) {
            prev = wg_warp_hist[sid * RADIX + digit];
            wg_warp_hist[sid * RADIX + digit] = prev + countOneBits(peers);
        }
        ranks[k] = subgroupShuffle(prev, leader) + below;
    }
    workgroupBarrier();

    // Column scan: thread lid.x owns digit lid.x, turns the per-subgroup
    // counts into exclusive bases and keeps the tile total.
    var reduction = 0u;
    for (var s = 0u; s < nsub; s++) {
        let t = wg_warp_hist[s * RADIX + lid.x];
        wg_warp_hist[s * RADIX + lid.x] = reduction;
        reduction += t;
    }
    let column = PASS * RADIX * params.work_tiles + lid.x * params.work_tiles;
    if (tile + 1u < params.work_tiles) {
        atomicStore(&pass_hist[column + tile + 1u], reduction | FLAG_READY);
    }

    // Chained lookback down the digit column. Slot 0 is always
    // INCLUSIVE (seeded by the spine), and the bump counter starts
    // lower tiles first, so the walk terminates.
    var prev_count = 0u;
    var slot = tile;
    loop {
        let v = atomicLoad(&pass_hist[column + slot]);
        let flag = v & FLAG_MASK;
        if (flag == FLAG_INCLUSIVE) {
            prev_count += v & PAYLOAD_MASK;
            break;
        }
        if (flag == FLAG_READY) {
            prev_count += v & PAYLOAD_MASK;
            slot -= 1u;
        }
    }
    if (tile + 1u < params.work_tiles) {
        atomicStore(&pass_hist[column + tile + 1u], (prev_count + reduction) | FLAG_INCLUSIVE);
    }
    wg_digit_excl[lid.x] = prev_count;
    workgroupBarrier();

    for (var k = 0u; k < KEYS_PER_THREAD; k++) {
        let digit = (keys[k] >> PASS_SHIFT) & RADIX_MASK;
        let dest = wg_digit_excl[digit] + wg_warp_hist[sid * RADIX + digit] + ranks[k];
        keys_out[dest] = ` + storeExpr + `;` + valStore + `
    }
}
`
	return src
}

func (p *OneSweepSort) Compute() []Action {
	tiles := uint64(p.workTiles)
	maxDim := p.Ctx.Caps.MaxComputeWorkgroupsPerDimension
	tileDispatch := func() (uint32, uint32, uint32) {
		x, y := ClampDispatch(p.workTiles, maxDim)
		return x, y, 1
	}

	actions := []Action{
		AllocateBuffer{Label: "globalHist", Bytes: sortRadixPasses * sortRadix * 4},
		AllocateBuffer{Label: "passHist", Bytes: uint64(sortRadixPasses) * sortRadix * tiles * 4},
		AllocateBuffer{Label: "sortBump", Bytes: sortRadixPasses * 4},
		Kernel{
			Label:  "sort_hist",
			Source: p.histSource,
			Layout: []BindingType{BindUniform, BindReadOnlyStorage, BindStorage},
			Bindings: []string{
				"sortParameters", "keysInOut", "globalHist",
			},
			// In-place primitive: the key buffer goes back to its host
			// snapshot before every trial, the control buffers to zero.
			ResetBuffers: []string{"keysInOut", "globalHist", "passHist", "sortBump"},
			Dispatch:     tileDispatch,
		},
		Kernel{
			Label:    "sort_spine",
			Source:   p.spineSource,
			Layout:   []BindingType{BindUniform, BindStorage, BindStorage},
			Bindings: []string{"sortParameters", "globalHist", "passHist"},
			Dispatch: func() (uint32, uint32, uint32) { return sortRadixPasses, 1, 1 },
		},
	}

	for pass := 0; pass < sortRadixPasses; pass++ {
		keysIn, keysOut := "keysInOut", "keysTemp"
		valsIn, valsOut := "valsInOut", "valsTemp"
		if pass%2 == 1 {
			keysIn, keysOut = keysOut, keysIn
			valsIn, valsOut = valsOut, valsIn
		}
		layout := []BindingType{
			BindUniform, BindReadOnlyStorage, BindStorage, BindStorage, BindStorage,
		}
		bindings := []string{"sortParameters", keysIn, keysOut, "passHist", "sortBump"}
		if p.KeyValue {
			layout = append(layout, BindReadOnlyStorage, BindStorage)
			bindings = append(bindings, valsIn, valsOut)
		}
		pass := pass
		actions = append(actions, Kernel{
			Label:    fmt.Sprintf("sort_scatter_%d", pass),
			Source:   func() string { return p.scatterSource(pass) },
			Layout:   layout,
			Bindings: bindings,
			Dispatch: tileDispatch,
		})
	}
	return actions
}

func (p *OneSweepSort) InputLabel() string { return "keysInOut" }

func (p *OneSweepSort) BufferSpecs() []BufferOptions {
	params := []uint32{uint32(p.Length), uint32(p.padded), p.workTiles, 0}
	specs := []BufferOptions{
		{
			Label: "sortParameters", Datatype: U32, Length: len(params),
			CreateHost: true, CreateDevice: true, InitializeDevice: true,
			InitializeHost: InitCustom,
			CustomInit:     func(i int) uint32 { return params[i] },
			Usage:          uniformUsage(),
		},
		{
			Label: "keysInOut", Datatype: p.Datatype, Length: p.padded,
			CreateHost: true, CreateDevice: true, InitializeDevice: true,
			CreateMappable: true, StoreHostBackup: true,
			InitializeHost: InitCustom,
			CustomInit:     p.keyInit,
		},
		{
			Label: "keysTemp", Datatype: p.Datatype, Length: p.padded,
			CreateDevice: true,
		},
	}
	if p.KeyValue {
		specs = append(specs,
			BufferOptions{
				Label: "valsInOut", Datatype: U32, Length: p.padded,
				CreateHost: true, CreateDevice: true, InitializeDevice: true,
				CreateMappable: true,
				InitializeHost: InitCustom,
				CustomInit: func(i int) uint32 {
					if i >= p.Length {
						return 0xffffffff
					}
					return uint32(i)
				},
			},
			BufferOptions{
				Label: "valsTemp", Datatype: U32, Length: p.padded,
				CreateDevice: true,
			})
	}
	return specs
}

func (p *OneSweepSort) Validate() string {
	keys := p.Buffer("keysInOut")
	if err := keys.CopyDeviceToHost(); err != nil {
		return err.Error()
	}
	in := wgpu.FromBytes[uint32](keys.Backup)[:p.Length]
	out := keys.Words()[:p.Length]
	if msg := CheckSorted(in, out, p.Datatype); msg != "" {
		return msg
	}
	if !p.KeyValue {
		return ""
	}

	vals := p.Buffer("valsInOut")
	if err := vals.CopyDeviceToHost(); err != nil {
		return err.Error()
	}
	outVals := vals.Words()[:p.Length]
	var bad []string
	prevKey := uint32(0)
	prevVal := uint32(0)
	for i, v := range outVals {
		if int(v) >= p.Length {
			bad = append(bad, fmt.Sprintf("value[%d]=%d out of range", i, v))
			break
		}
		if p.Datatype.KeyToUint(in[v]) != p.Datatype.KeyToUint(out[i]) {
			bad = append(bad, fmt.Sprintf("value[%d]=%d does not point at its key", i, v))
			break
		}
		mapped := p.Datatype.KeyToUint(out[i])
		if i > 0 && mapped == prevKey && v <= prevVal {
			bad = append(bad, fmt.Sprintf("equal keys reordered at %d (values %d then %d)", i, prevVal, v))
			break
		}
		prevKey, prevVal = mapped, v
	}
	return strings.Join(bad, "; ")
}

func (p *OneSweepSort) Describe() map[string]any {
	return map[string]any{
		"datatype":      p.Datatype.Name,
		"keyValue":      p.KeyValue,
		"blockDim":      sortBlockDim,
		"keysPerThread": sortKeysPerThread,
		"workTiles":     p.workTiles,
	}
}

func (p *OneSweepSort) InputLength() int   { return p.Length }
func (p *OneSweepSort) InputBytes() uint64 { return uint64(p.Length) * uint64(p.Datatype.Bytes) }

// BytesTransferred: the histogram reads every key once; each scatter pass
// reads and writes every key (and value, when sorting pairs).
func (p *OneSweepSort) BytesTransferred() uint64 {
	perStream := uint64(p.padded) * 4
	n := perStream * (1 + 2*sortRadixPasses)
	if p.KeyValue {
		n += perStream * 2 * sortRadixPasses
	}
	return n
}

func (p *OneSweepSort) Flops() float64 { return 0 }
