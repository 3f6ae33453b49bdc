package suite

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
)

// Sink receives the accumulated result rows once a driver run finishes.
type Sink interface {
	Emit(rows []Row) error
}

// TableSink renders rows as an aligned text table, one line per row,
// with the primitive's parameter fields flattened into a key=value
// column.
type TableSink struct {
	W io.Writer
}

func (s *TableSink) Emit(rows []Row) error {
	tw := tabwriter.NewWriter(s.W, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "suite\tcategory\ttiming\tlength\ttime/trial\tGB/s\tGitems/s\tGFLOPS\tparams")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%.2f\t%.3f\t%s\t%s\n",
			r.TestSuite, r.Category, r.Timing, r.InputLength,
			formatNs(timeFor(r)), r.Bandwidth, r.InputItemsPerSecondE9,
			formatGFlops(r.GFlops), formatParams(r.Params))
	}
	return tw.Flush()
}

func timeFor(r Row) float64 {
	if r.Timing == TimingCPU {
		return r.CPUTimeNs
	}
	return r.GPUTimeNs
}

func formatNs(ns float64) string {
	switch {
	case ns <= 0:
		return "-"
	case ns < 1e3:
		return fmt.Sprintf("%.0fns", ns)
	case ns < 1e6:
		return fmt.Sprintf("%.2fµs", ns/1e3)
	default:
		return fmt.Sprintf("%.3fms", ns/1e6)
	}
}

func formatGFlops(g float64) string {
	if g <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.2f", g)
}

func formatParams(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, params[k])
	}
	return strings.Join(parts, " ")
}

// JSONSink persists the full row set as a JSON array.
type JSONSink struct {
	Path string
}

func (s *JSONSink) Emit(rows []Row) error {
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal results: %v", err)
	}
	if err := os.WriteFile(s.Path, data, 0o644); err != nil {
		return fmt.Errorf("write results to %s: %v", s.Path, err)
	}
	return nil
}
