package nn

import "fmt"

// ShapeError reports a tensor whose shape does not match what an operation
// expects. Want may contain -1 for dimensions that are not constrained.
type ShapeError struct {
	Op   string
	Want []int
	Got  []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: shape mismatch: want %v, got %v", e.Op, e.Want, e.Got)
}

// checkShape compares got against want, treating -1 in want as a wildcard.
func checkShape(op string, got []int, want ...int) error {
	if len(got) != len(want) {
		return &ShapeError{Op: op, Want: want, Got: got}
	}
	for i, w := range want {
		if w >= 0 && got[i] != w {
			return &ShapeError{Op: op, Want: want, Got: got}
		}
	}
	return nil
}
