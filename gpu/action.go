package gpu

import (
	"fmt"
	"strings"

	"github.com/openfluke/webgpu/wgpu"
)

// BindingType is a shader-visible buffer binding class, in @binding order.
type BindingType int

const (
	BindReadOnlyStorage BindingType = iota
	BindStorage
	BindUniform
)

func (b BindingType) String() string {
	switch b {
	case BindReadOnlyStorage:
		return "ro"
	case BindStorage:
		return "rw"
	case BindUniform:
		return "uniform"
	}
	return "?"
}

// Action is one step of a primitive's pipeline: either a scratch-buffer
// allocation or a kernel dispatch. Actions are immutable once built.
type Action interface {
	isAction()
}

// AllocateBuffer registers a scratch device buffer under Label unless a
// buffer was pre-registered under the same label. Idempotent.
type AllocateBuffer struct {
	Label string
	Bytes uint64
	Usage wgpu.BufferUsage // defaults to storage | copy-src | copy-dst
}

func (AllocateBuffer) isAction() {}

// Kernel compiles (through the pipeline cache) and dispatches one compute
// shader. Source and Dispatch are thunks: they are evaluated at execution
// time so sizing fields resolved late still apply.
type Kernel struct {
	Label      string
	EntryPoint string // defaults to "main"
	Source     func() string
	Layout     []BindingType
	Bindings   []string // buffer labels, one per binding
	Dispatch   func() (x, y, z uint32)

	// ResetBuffers are zeroed (scratch) or restored from host backup and
	// re-uploaded (registered buffers) before every timed trial.
	ResetBuffers []string

	// Dispatches is the number of DispatchWorkgroups calls inside the
	// pass; zero means one.
	Dispatches int
}

func (Kernel) isAction() {}

// LayoutSignature is the cache-key component describing the bind-group
// layout, e.g. "uniform,ro,rw,rw".
func (k *Kernel) LayoutSignature() string {
	parts := make([]string, len(k.Layout))
	for i, b := range k.Layout {
		parts[i] = b.String()
	}
	return strings.Join(parts, ",")
}

func (k *Kernel) entry() string {
	if k.EntryPoint == "" {
		return "main"
	}
	return k.EntryPoint
}

func (k *Kernel) validate() error {
	if len(k.Layout) != len(k.Bindings) {
		return fmt.Errorf("kernel %q: %d layout entries but %d bindings",
			k.Label, len(k.Layout), len(k.Bindings))
	}
	if k.Source == nil || k.Dispatch == nil {
		return fmt.Errorf("kernel %q: missing source or dispatch thunk", k.Label)
	}
	return nil
}
