package service

import (
	"errors"
	"fmt"
)

var (
	ErrNotJoined      = errors.New("not joined to a library")
	ErrReplicaStopped = errors.New("replica stopped")
	ErrSyncAbandoned  = errors.New("library left before sync completed")
	ErrDuplicateID    = errors.New("record id already exists")
	ErrInvalidInput   = errors.New("invalid input")
)

// NotFoundError names the collection and id of a missing record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func notFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
