package suite

import "testing"

// TestCombinations verifies the cartesian product size and ordering
func TestCombinations(t *testing.T) {
	axes := []Axis{
		{Name: "datatype", Values: []any{"u32", "f32"}},
		{Name: "size", Values: []any{1024, 2048, 4096}},
	}
	tuples := Combinations(axes)
	if len(tuples) != 6 {
		t.Fatalf("Expected 6 tuples, got %d", len(tuples))
	}
	// Last axis varies fastest.
	if tuples[0]["datatype"] != "u32" || tuples[0]["size"] != 1024 {
		t.Errorf("Unexpected first tuple %v", tuples[0])
	}
	if tuples[1]["datatype"] != "u32" || tuples[1]["size"] != 2048 {
		t.Errorf("Unexpected second tuple %v", tuples[1])
	}
	if tuples[5]["datatype"] != "f32" || tuples[5]["size"] != 4096 {
		t.Errorf("Unexpected last tuple %v", tuples[5])
	}
}

// TestCombinationsEmpty verifies no axes yields one empty tuple
func TestCombinationsEmpty(t *testing.T) {
	tuples := Combinations(nil)
	if len(tuples) != 1 || len(tuples[0]) != 0 {
		t.Errorf("Expected a single empty tuple, got %v", tuples)
	}
}

// TestCombinationsIndependent verifies tuples do not share map storage
func TestCombinationsIndependent(t *testing.T) {
	axes := []Axis{{Name: "x", Values: []any{1, 2}}}
	tuples := Combinations(axes)
	tuples[0]["x"] = 99
	if tuples[1]["x"] != 2 {
		t.Error("Mutating one tuple must not affect another")
	}
}
