package suite

// Axis is one swept parameter dimension: a name and the values it takes.
type Axis struct {
	Name   string
	Values []any
}

// Combinations expands the axes into their cartesian product, one
// name→value map per tuple. Axis order is preserved: the last axis
// varies fastest. No axes yields a single empty tuple.
func Combinations(axes []Axis) []map[string]any {
	tuples := []map[string]any{{}}
	for _, axis := range axes {
		next := make([]map[string]any, 0, len(tuples)*len(axis.Values))
		for _, base := range tuples {
			for _, v := range axis.Values {
				tuple := make(map[string]any, len(base)+1)
				for k, bv := range base {
					tuple[k] = bv
				}
				tuple[axis.Name] = v
				next = append(next, tuple)
			}
		}
		tuples = next
	}
	return tuples
}
