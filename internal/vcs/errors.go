package vcs

import (
	"errors"
	"fmt"
)

// ErrNoParent is returned when rolling back a commit that has no parent.
var ErrNoParent = errors.New("commit has no parent")

// ErrNothingStaged is returned when committing an index identical to HEAD.
var ErrNothingStaged = errors.New("nothing staged")

// ErrDetachedHead is returned when an operation needs a branch but HEAD is detached.
var ErrDetachedHead = errors.New("HEAD is detached")

// WrapError wraps err with msg while keeping it matchable with errors.Is.
func WrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// WrapErrorf is WrapError with a format string.
func WrapErrorf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
