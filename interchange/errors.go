package interchange

import "fmt"

// Kind enumerates the interchange codec's error taxonomy. Unlike the
// engine's sign-path errors, every Kind here is fully raised to the
// caller: import/export either succeeds or fails outright, with no
// fail-closed collapsing to a boolean.
type Kind int

const (
	// MissingGenesisRoot is raised by Export when no genesis root has been
	// set yet.
	MissingGenesisRoot Kind = iota
	// GenesisRootMismatch is raised by Import when the file's genesis root
	// disagrees with the store's.
	GenesisRootMismatch
	// InterchangeConflict is raised by Import when a record collides with
	// existing state on a different signing root, or would create a
	// surround.
	InterchangeConflict
	// UnsupportedVersion is raised by Import for any
	// interchange_format_version other than "5".
	UnsupportedVersion
	// MalformedInterchange is raised by Import for structural problems in
	// the input stream (bad hex, bad decimal, source > target).
	MalformedInterchange
)

func (k Kind) String() string {
	switch k {
	case MissingGenesisRoot:
		return "MissingGenesisRoot"
	case GenesisRootMismatch:
		return "GenesisRootMismatch"
	case InterchangeConflict:
		return "InterchangeConflict"
	case UnsupportedVersion:
		return "UnsupportedVersion"
	case MalformedInterchange:
		return "MalformedInterchange"
	default:
		return "Unknown"
	}
}

// Error is the interchange codec's sum-typed result for its raised error
// kinds.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}
