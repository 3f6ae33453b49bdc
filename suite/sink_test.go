package suite

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func sampleRows() []Row {
	return []Row{
		{
			TestSuite: "scan", Category: "scan", Timing: TimingGPU,
			InputLength: 1 << 20, BytesTransferred: 8 << 20,
			GPUTimeNs: 1500, Bandwidth: 5.59, InputItemsPerSecondE9: 0.699,
			Params: map[string]any{"binop": "add", "datatype": "u32"},
		},
		{
			TestSuite: "scan", Category: "scan", Timing: TimingCPU,
			InputLength: 1 << 20, CPUTimeNs: 2400000,
			Params: map[string]any{"binop": "add", "datatype": "u32"},
		},
	}
}

// TestTableSink verifies the rendered table carries the key columns
func TestTableSink(t *testing.T) {
	var buf bytes.Buffer
	sink := &TableSink{W: &buf}
	if err := sink.Emit(sampleRows()); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"scan", "GPU", "CPU", "binop=add datatype=u32", "1.50µs", "2.400ms"} {
		if !strings.Contains(out, want) {
			t.Errorf("Table output missing %q:\n%s", want, out)
		}
	}
	if lines := strings.Count(out, "\n"); lines != 3 {
		t.Errorf("Expected header plus 2 rows, got %d lines", lines)
	}
}

// TestJSONSink verifies the persisted file round-trips
func TestJSONSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json")
	sink := &JSONSink{Path: path}
	if err := sink.Emit(sampleRows()); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var rows []Row
	if err := json.Unmarshal(data, &rows); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(rows))
	}
	if rows[0].Timing != TimingGPU || rows[0].GPUTimeNs != 1500 {
		t.Errorf("Row did not round-trip: %+v", rows[0])
	}
	if rows[0].Params["datatype"] != "u32" {
		t.Errorf("Params did not round-trip: %v", rows[0].Params)
	}
}
