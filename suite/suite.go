package suite

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jowens/webgpu-benchmarking-sub001/gpu"
)

// Config declares one benchmark suite: the parameter axes to sweep, how
// to build a primitive for one tuple, and how many timed trials to run
// per tuple. Trials of 0 means validate only.
type Config struct {
	Label  string
	Axes   []Axis
	Trials int

	// UniqueRuns names primitive parameter fields whose joined values,
	// together with the input length, form a dedup key; tuples whose key
	// was already timed are skipped after their correctness trial. A name
	// absent from the primitive's Describe map aborts the suite.
	UniqueRuns []string

	// InputInit, when set, overrides the host fill policy of the
	// primitive's input buffer.
	InputInit    gpu.InitPolicy
	HasInputInit bool

	New func(c *gpu.Context, tuple map[string]any) (gpu.Primitive, error)
}

// Summary counts completed timed runs and validation failures.
type Summary struct {
	Done   int
	Errors int
}

// Suite sweeps one Config over a device, accumulating result rows. The
// input buffer is reused between consecutive tuples when its datatype
// and length match, so sweeps over operator or variant axes keep the
// same data.
type Suite struct {
	cfg    Config
	log    *zap.Logger
	inputs map[string]*gpu.Buffer
	rows   []Row
}

func New(cfg Config, log *zap.Logger) *Suite {
	return &Suite{
		cfg:    cfg,
		log:    log.Named(cfg.Label),
		inputs: make(map[string]*gpu.Buffer),
	}
}

// Rows returns the rows accumulated so far.
func (s *Suite) Rows() []Row { return s.rows }

// Run sweeps the cartesian product of the axes. Per-tuple failures are
// logged and counted; the returned error is non-nil only for conditions
// that abort the whole suite (missing device capability, device loss).
func (s *Suite) Run(c *gpu.Context) (Summary, error) {
	var sum Summary
	seen := make(map[string]bool)

	for _, tuple := range Combinations(s.cfg.Axes) {
		prim, err := s.cfg.New(c, tuple)
		if err != nil {
			if fatal := s.classify(err, tuple); fatal != nil {
				return sum, fatal
			}
			continue
		}
		exec := prim.Exec()

		if err := s.provision(c, prim); err != nil {
			if fatal := s.classify(err, tuple); fatal != nil {
				return sum, fatal
			}
			s.release(prim)
			continue
		}

		// Correctness trial: one untimed pass, then the CPU reference.
		if err := exec.Execute(prim, gpu.ExecOptions{}); err != nil {
			if fatal := s.classify(err, tuple); fatal != nil {
				return sum, fatal
			}
			s.release(prim)
			continue
		}
		if msg := prim.Validate(); msg != "" {
			sum.Errors++
			s.log.Warn("validation failed",
				zap.String("primitive", prim.Label()),
				zap.Any("tuple", tuple),
				zap.String("mismatch", msg))
		}

		key, err := s.fingerprint(prim)
		if err != nil {
			s.release(prim)
			return sum, err
		}
		if key != "" && seen[key] {
			s.log.Debug("duplicate run skipped", zap.String("fingerprint", key))
			s.release(prim)
			continue
		}
		seen[key] = true

		if s.cfg.Trials > 0 {
			opts := gpu.ExecOptions{
				Trials:          s.cfg.Trials,
				EnableGPUTiming: c.Caps.HasTimestampQuery,
				EnableCPUTiming: true,
			}
			if err := exec.Execute(prim, opts); err != nil {
				if fatal := s.classify(err, tuple); fatal != nil {
					return sum, fatal
				}
				s.release(prim)
				continue
			}
			s.rows = append(s.rows, RowsForRun(s.cfg.Label, prim, &c.Caps)...)
			sum.Done++
			s.log.Info("run complete",
				zap.String("primitive", prim.Label()),
				zap.Int("length", prim.InputLength()),
				zap.Float64("gpuNsPerTrial", exec.Timing.GPUPerTrial()),
				zap.Float64("cpuNsPerTrial", exec.Timing.CPUPerTrial()))
		}
		s.release(prim)
	}
	return sum, nil
}

// classify logs a per-tuple failure and returns non-nil only when the
// error must abort the suite.
func (s *Suite) classify(err error, tuple map[string]any) error {
	switch {
	case errors.Is(err, gpu.ErrUnsupportedDevice), errors.Is(err, gpu.ErrDeviceLost):
		return err
	case errors.Is(err, gpu.ErrResourceLimit):
		s.log.Warn("tuple exceeds device limits", zap.Any("tuple", tuple), zap.Error(err))
	default:
		s.log.Error("tuple failed", zap.Any("tuple", tuple), zap.Error(err))
	}
	return nil
}

// provision creates and registers the primitive's buffers, reusing the
// previous tuple's input buffer when datatype and length match.
func (s *Suite) provision(c *gpu.Context, prim gpu.Primitive) error {
	inputLabel := prim.InputLabel()
	if s.cfg.HasInputInit {
		if setter, ok := prim.(interface{ SetInputInit(gpu.InitPolicy) }); ok {
			setter.SetInputInit(s.cfg.InputInit)
		}
	}
	for _, spec := range prim.BufferSpecs() {
		if spec.Label == inputLabel {
			if old := s.inputs[spec.Label]; old != nil {
				if old.Datatype == spec.Datatype && old.Length == spec.Length {
					prim.Exec().RegisterBuffer(old)
					continue
				}
				old.Destroy()
				delete(s.inputs, spec.Label)
			}
			if s.cfg.HasInputInit && spec.InitializeHost != gpu.InitCustom {
				spec.InitializeHost = s.cfg.InputInit
			}
		}
		buf, err := gpu.NewBuffer(c, spec)
		if err != nil {
			return err
		}
		prim.Exec().RegisterBuffer(buf)
		if spec.Label == inputLabel {
			s.inputs[spec.Label] = buf
		}
	}
	return nil
}

// release tears down everything a tuple owned except the reusable input
// buffer.
func (s *Suite) release(prim gpu.Primitive) {
	exec := prim.Exec()
	exec.Cleanup()
	for _, label := range exec.KnownBuffers() {
		if label == prim.InputLabel() {
			continue
		}
		if b := exec.Buffer(label); b != nil {
			b.Destroy()
		}
	}
}

// fingerprint joins the input length and the UniqueRuns parameter values
// into a dedup key, or "" when dedup is off. Naming a field the primitive
// does not describe is a configuration bug, not a duplicate, so it errors
// instead of collapsing distinct tuples onto one key.
func (s *Suite) fingerprint(prim gpu.Primitive) (string, error) {
	if len(s.cfg.UniqueRuns) == 0 {
		return "", nil
	}
	desc := prim.Describe()
	parts := make([]string, 0, len(s.cfg.UniqueRuns)+2)
	parts = append(parts, prim.Label(), fmt.Sprintf("length=%d", prim.InputLength()))
	for _, name := range s.cfg.UniqueRuns {
		v, ok := desc[name]
		if !ok {
			return "", fmt.Errorf("suite %s: uniqueRuns field %q is not a parameter of %s",
				s.cfg.Label, name, prim.Label())
		}
		parts = append(parts, fmt.Sprintf("%s=%v", name, v))
	}
	return strings.Join(parts, "|"), nil
}

// Close destroys the cached input buffers.
func (s *Suite) Close() {
	for label, b := range s.inputs {
		b.Destroy()
		delete(s.inputs, label)
	}
}
