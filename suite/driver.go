package suite

import (
	"errors"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/jowens/webgpu-benchmarking-sub001/gpu"
)

// Driver runs a list of suites against one device, gathers their rows,
// and hands the combined set to the sinks. Suites run one after another
// on the single device queue; a missing device capability or a lost
// device aborts the remaining suites, every other failure is confined
// to its suite.
type Driver struct {
	log    *zap.Logger
	suites []*Suite
	sinks  []Sink
}

func NewDriver(log *zap.Logger) *Driver {
	return &Driver{log: log}
}

func (d *Driver) AddSuite(s *Suite) { d.suites = append(d.suites, s) }
func (d *Driver) AddSink(k Sink)    { d.sinks = append(d.sinks, k) }

// Run executes the suites in order and emits the accumulated rows. The
// returned Summary totals completed runs and validation failures across
// all suites; the error aggregates suite aborts and sink failures.
func (d *Driver) Run(c *gpu.Context) (Summary, error) {
	var total Summary
	var errs error
	var rows []Row

	for _, s := range d.suites {
		sum, err := s.Run(c)
		total.Done += sum.Done
		total.Errors += sum.Errors
		rows = append(rows, s.Rows()...)
		s.Close()
		if err != nil {
			errs = multierr.Append(errs, err)
			if errors.Is(err, gpu.ErrUnsupportedDevice) || errors.Is(err, gpu.ErrDeviceLost) {
				d.log.Error("aborting remaining suites", zap.Error(err))
				break
			}
		}
	}

	for _, sink := range d.sinks {
		errs = multierr.Append(errs, sink.Emit(rows))
	}

	stats := gpu.ActiveCacheStats()
	d.log.Info("driver finished",
		zap.Int("done", total.Done),
		zap.Int("errors", total.Errors),
		zap.Uint64("pipelineCacheHits", stats.Hits),
		zap.Uint64("pipelineCacheMisses", stats.Misses))
	return total, errs
}
