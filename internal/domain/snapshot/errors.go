package snapshot

import "fmt"

// SkippableFileError describes a file that was left out of the counts.
// It never stops the processing of sibling files.
type SkippableFileError struct {
	Path   string
	Reason string
	Err    error
}

func (e *SkippableFileError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("skip %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("skip %s: %s", e.Path, e.Reason)
}

func (e *SkippableFileError) Unwrap() error {
	return e.Err
}

// SelectionError is returned when no snapshot of a patient carries usable
// freshness metadata. The patient is left out of the run.
type SelectionError struct {
	Dir        string
	Candidates int
	Err        error
}

func (e *SelectionError) Error() string {
	msg := fmt.Sprintf("no usable snapshot in %s (%d candidates)", e.Dir, e.Candidates)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SelectionError) Unwrap() error {
	return e.Err
}
