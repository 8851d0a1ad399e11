// Package helper talks to a single credential helper program using the
// line-oriented key=value protocol shared with git credential helpers.
//
// A helper is run once per operation. The request is written to its stdin as
// key=value lines followed by a blank line; for a get, the helper answers on
// stdout in the same format. The operation is passed as the last command-line
// argument, never inside the stream.
package helper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/conductor/credfill/internal/credential"
)

// Operation selects how a helper is invoked.
type Operation string

const (
	// OpGet asks the helper to fill in missing fields.
	OpGet Operation = "get"
	// OpStore tells the helper that a credential was approved.
	OpStore Operation = "store"
	// OpErase tells the helper that a credential was rejected.
	OpErase Operation = "erase"
)

// Valid reports whether op is one of get, store or erase.
func (op Operation) Valid() bool {
	switch op {
	case OpGet, OpStore, OpErase:
		return true
	default:
		return false
	}
}

// Config describes one configured helper.
type Config struct {
	// Name identifies the helper in logs and metrics. Defaults to the command.
	Name string `yaml:"name"`
	// Command is either "!shell snippet", an absolute path with arguments, or
	// a bare name "foo" resolved as "<prefix>foo" on PATH.
	Command string `yaml:"command"`
	// Operations the helper supports. Empty means all of them.
	Operations []Operation `yaml:"operations,omitempty"`
	// Protocol restricts the helper to records with a matching protocol.
	Protocol string `yaml:"protocol,omitempty"`
	// Host restricts the helper to records whose host matches this glob.
	Host string `yaml:"host,omitempty"`
}

// DisplayName returns the name used for logging.
func (c Config) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Command
}

// Supports reports whether the helper advertises op.
func (c Config) Supports(op Operation) bool {
	if len(c.Operations) == 0 {
		return true
	}
	for _, o := range c.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// Response describes the outcome of a successful invocation.
type Response struct {
	// Filled lists the fields that the helper supplied and that were empty
	// on the record before the call. Only set for get.
	Filled []string
	// Quit is set when the helper asked that no further helpers be consulted.
	Quit bool
	// Duration is the wall time of the helper process.
	Duration time.Duration
}

// Invoker runs a helper for one operation.
//
// For OpGet, the returned fields are merged into rec; fields that are
// already set on rec are left untouched. For OpStore and OpErase rec is only
// read.
type Invoker interface {
	Invoke(ctx context.Context, cfg Config, op Operation, rec *credential.Record) (*Response, error)
}

// ErrHelperNotFound is returned when the helper executable cannot be found.
var ErrHelperNotFound = errors.New("credential helper not found")

// NotFoundError reports a helper whose executable is missing.
type NotFoundError struct {
	Helper string
	Path   string
	Err    error
}

func (e *NotFoundError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("credential helper %q not found at %s", e.Helper, e.Path)
	}
	return fmt.Sprintf("credential helper %q not found", e.Helper)
}

// Is makes errors.Is(err, ErrHelperNotFound) true.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrHelperNotFound
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// ExecutionError reports a helper that exited non-zero, crashed, or was
// killed because its context ended.
type ExecutionError struct {
	Helper   string
	Op       Operation
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("credential helper %q %s failed", e.Helper, e.Op)
	if e.ExitCode > 0 {
		msg = fmt.Sprintf("%s: exit code %d", msg, e.ExitCode)
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Stderr != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Stderr)
	}
	return msg
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a request or response that cannot be expressed in
// the key=value protocol.
type ProtocolError struct {
	Helper string
	Line   int
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	prefix := "credential protocol error"
	if e.Helper != "" {
		prefix = fmt.Sprintf("credential helper %q protocol error", e.Helper)
	}
	if e.Line > 0 {
		prefix = fmt.Sprintf("%s on line %d", prefix, e.Line)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
