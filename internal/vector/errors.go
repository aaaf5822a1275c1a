package vector

import "fmt"

// DimensionMismatchError is returned when a vector's length differs from the configured dimension.
// No state is changed when it is returned.
type DimensionMismatchError struct {
	Expected int
	Got      int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("vector dimension mismatch: got %d, expected %d", e.Got, e.Expected)
}

// CorruptionError reports that persisted index state could not be used and was reset to empty.
// It is recoverable: the Manager is usable afterwards, but previously stored vectors are gone.
type CorruptionError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptionError) Error() string {
	msg := fmt.Sprintf("vector index at %s unusable (%s), reset to empty", e.Path, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptionError) Unwrap() error { return e.Err }
