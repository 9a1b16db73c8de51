package state

import "fmt"

// Status is the lifecycle state of a single step.
type Status string

const (
	// NotStarted is implied by the absence of a record.
	NotStarted Status = "not-started"
	Running    Status = "running"
	Complete   Status = "complete"
	Failed     Status = "failed"
)

// ParseStatus validates a status value read from a ledger line.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case NotStarted, Running, Complete, Failed:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

func (s Status) String() string {
	return string(s)
}

// NeedsRun reports whether a step in this status must be (re-)attempted.
// A step left at Running was interrupted and is treated like NotStarted.
func (s Status) NeedsRun() bool {
	return s != Complete
}
