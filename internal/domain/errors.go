package domain

import (
	"fmt"
	"sort"
	"strings"
)

// TransportError is a failure to reach the remote document store.
type TransportError struct {
	Op        string
	Partition string
	Err       error
}

func (e *TransportError) Error() string {
	if e.Partition == "" {
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport error during %s of %s: %v", e.Op, e.Partition, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SerializationError is a remote document that could not be decoded.
type SerializationError struct {
	Partition string
	Err       error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("malformed %s document: %v", e.Partition, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// PartialWriteError reports the partitions of a batch write that failed.
// Partitions that are not listed were written.
type PartialWriteError struct {
	Failed map[string]error
}

func (e *PartialWriteError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for name := range e.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("failed to write partitions: %s", strings.Join(names, ", "))
}

func (e *PartialWriteError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}
