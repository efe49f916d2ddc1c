package loader

import (
	"fmt"
	"strings"
)

// AssetError occurs when the guest binary cannot be found or read.
type AssetError struct {
	Path  string
	Tried []string
	Err   error
}

func (e *AssetError) Error() string {
	return fmt.Sprintf("guest asset %s unavailable (tried %s): %v",
		e.Path, strings.Join(e.Tried, ", "), e.Err)
}

func (e *AssetError) Unwrap() error {
	return e.Err
}

// CompileError occurs when the bootstrap script fails to compile. It
// points at a broken build, not at the guest.
type CompileError struct {
	Script string
	Err    error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("bootstrap script %s failed to compile: %v", e.Script, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// Frame is one entry of a guest failure backtrace.
type Frame struct {
	Function string
	File     string
	Line     int
	Column   int
}

func (f Frame) String() string {
	if f.Line == 0 {
		return fmt.Sprintf("%s: in %s", f.File, f.Function)
	}
	return fmt.Sprintf("%s:%d:%d: in %s", f.File, f.Line, f.Column, f.Function)
}

// GuestError is the single structured failure of a run: an uncaught error
// during bootstrap execution, a guest trap or a non-zero guest exit status.
type GuestError struct {
	Message string

	// Innermost frames last, at most Config.StackFrames of them.
	Frames []Frame

	// Process exit code for this failure: the guest's own status when it
	// exited with one, 1 otherwise.
	ExitCode int

	Err error
}

func (e *GuestError) Error() string {
	if len(e.Frames) == 0 {
		return e.Message
	}
	var sb strings.Builder
	sb.WriteString("Traceback (most recent call last):\n")
	for _, f := range e.Frames {
		sb.WriteString("  ")
		sb.WriteString(f.String())
		sb.WriteByte('\n')
	}
	sb.WriteString("Error: ")
	sb.WriteString(e.Message)
	return sb.String()
}

func (e *GuestError) Unwrap() error {
	return e.Err
}
