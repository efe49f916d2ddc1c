package abi

import "fmt"

// Guest ABI shared by the host bridge and guest-side bindings.
// This package defines the numeric encodings that cross the sandbox boundary.

// ImportModule is the module name guests import bridge functions from.
const ImportModule = "wasmoo"

// Imported function names exposed by the host module.
const (
	FuncOpen      = "open"
	FuncRead      = "read"
	FuncWrite     = "write"
	FuncSeek      = "seek"
	FuncClose     = "close"
	FuncArgvCount = "argv_count"
	FuncArgvLen   = "argv_len"
	FuncArgvGet   = "argv_get"
)

// Handle identifies a host resource inside a descriptor table.
type Handle int32

// Standard stream handles present in every table.
const (
	Stdin  Handle = 0
	Stdout Handle = 1
	Stderr Handle = 2
)

// IsStandard reports whether h is one of the protected standard handles.
func (h Handle) IsStandard() bool {
	return h >= Stdin && h <= Stderr
}

// Errno is a resource error code returned to the guest as a value.
// Guest imports return it negated; zero means success.
type Errno int32

const (
	OK Errno = iota
	NotFound
	PermissionDenied
	AlreadyExists
	BadHandle
	NotSeekable
	IOError
	InvalidArgument
	Busy
)

var errnoNames = [...]string{
	OK:               "OK",
	NotFound:         "NotFound",
	PermissionDenied: "PermissionDenied",
	AlreadyExists:    "AlreadyExists",
	BadHandle:        "BadHandle",
	NotSeekable:      "NotSeekable",
	IOError:          "IOError",
	InvalidArgument:  "InvalidArgument",
	Busy:             "Busy",
}

func (e Errno) String() string {
	if e >= 0 && int(e) < len(errnoNames) {
		return errnoNames[e]
	}
	return fmt.Sprintf("Errno(%d)", int32(e))
}

// Sentinel returns the negative value a guest import reports for e.
func (e Errno) Sentinel() int32 {
	return -int32(e)
}

// Mode selects how open treats the target path.
type Mode uint32

const (
	ModeRead Mode = iota
	ModeWrite
	ModeAppend
	ModeReadWrite
	ModeCreateNew
)

var modeNames = map[string]Mode{
	"read":       ModeRead,
	"r":          ModeRead,
	"write":      ModeWrite,
	"w":          ModeWrite,
	"append":     ModeAppend,
	"a":          ModeAppend,
	"read_write": ModeReadWrite,
	"r+":         ModeReadWrite,
	"create_new": ModeCreateNew,
	"x":          ModeCreateNew,
}

// ParseMode maps a script-level mode name to a Mode.
func ParseMode(s string) (Mode, bool) {
	m, ok := modeNames[s]
	return m, ok
}

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	case ModeAppend:
		return "append"
	case ModeReadWrite:
		return "read_write"
	case ModeCreateNew:
		return "create_new"
	default:
		return fmt.Sprintf("Mode(%d)", uint32(m))
	}
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m <= ModeCreateNew
}

// Whence is the reference point of a seek.
type Whence uint32

const (
	SeekStart Whence = iota
	SeekCurrent
	SeekEnd
)

// ParseWhence maps a script-level whence name to a Whence.
func ParseWhence(s string) (Whence, bool) {
	switch s {
	case "start", "set":
		return SeekStart, true
	case "current", "cur":
		return SeekCurrent, true
	case "end":
		return SeekEnd, true
	}
	return 0, false
}

func (w Whence) String() string {
	switch w {
	case SeekStart:
		return "start"
	case SeekCurrent:
		return "current"
	case SeekEnd:
		return "end"
	default:
		return fmt.Sprintf("Whence(%d)", uint32(w))
	}
}

// Valid reports whether w is a known whence.
func (w Whence) Valid() bool {
	return w <= SeekEnd
}
