// Package fdtable implements the per-run descriptor table that maps small
// integer handles to host resources.
//
// Handles 0, 1 and 2 are bound to the standard streams when the table is
// created and stay bound for its lifetime. Other handles are allocated
// lowest-free-first starting at 3 and become reusable only after Remove.
//
// A Table is owned by exactly one run and is not safe for concurrent use.
package fdtable

import (
	"errors"
	"io"

	"go.uber.org/multierr"

	"github.com/woxQAQ/wasmoo/pkg/abi"
)

var (
	// ErrBadHandle is returned for handles that are not open.
	ErrBadHandle = errors.New("bad handle")

	// ErrProtected is returned when removing a standard stream handle.
	ErrProtected = errors.New("standard stream handles cannot be closed")

	// ErrBusy is returned when a handle is already in use by an outer call.
	ErrBusy = errors.New("handle is in use")
)

type entry struct {
	res  Resource
	busy bool
}

// Table maps handles to resources.
type Table struct {
	entries []*entry
	open    int
}

// New creates a table with the standard streams bound to 0, 1 and 2.
func New(stdin io.Reader, stdout, stderr io.Writer) *Table {
	t := &Table{}
	t.entries = []*entry{
		{res: NewInputStream("stdin", stdin)},
		{res: NewOutputStream("stdout", stdout)},
		{res: NewOutputStream("stderr", stderr)},
	}
	t.open = len(t.entries)
	return t
}

// Insert registers r under the lowest free handle and returns it.
func (t *Table) Insert(r Resource) abi.Handle {
	for i := int(abi.Stderr) + 1; i < len(t.entries); i++ {
		if t.entries[i] == nil {
			t.entries[i] = &entry{res: r}
			t.open++
			return abi.Handle(i)
		}
	}
	t.entries = append(t.entries, &entry{res: r})
	t.open++
	return abi.Handle(len(t.entries) - 1)
}

func (t *Table) lookup(h abi.Handle) (*entry, bool) {
	if h < 0 || int(h) >= len(t.entries) {
		return nil, false
	}
	e := t.entries[h]
	return e, e != nil
}

// get returns the resource bound to h.
func (t *Table) get(h abi.Handle) (Resource, bool) {
	e, ok := t.lookup(h)
	if !ok {
		return nil, false
	}
	return e.res, true
}

// Acquire marks h as in use for the duration of one operation. The
// returned release func must be called when the operation finishes.
func (t *Table) Acquire(h abi.Handle) (Resource, func(), error) {
	e, ok := t.lookup(h)
	if !ok {
		return nil, nil, ErrBadHandle
	}
	if e.busy {
		return nil, nil, ErrBusy
	}
	e.busy = true
	return e.res, func() { e.busy = false }, nil
}

// Remove unbinds h and returns its resource without closing it.
func (t *Table) Remove(h abi.Handle) (Resource, error) {
	if h.IsStandard() {
		return nil, ErrProtected
	}
	e, ok := t.lookup(h)
	if !ok {
		return nil, ErrBadHandle
	}
	if e.busy {
		return nil, ErrBusy
	}
	t.entries[h] = nil
	t.open--
	return e.res, nil
}

// Len returns the number of live handles, standard streams included.
func (t *Table) Len() int {
	return t.open
}

// Handles returns the live handles in ascending order.
func (t *Table) Handles() []abi.Handle {
	hs := make([]abi.Handle, 0, t.open)
	for i, e := range t.entries {
		if e != nil {
			hs = append(hs, abi.Handle(i))
		}
	}
	return hs
}

// CloseAll closes and unbinds every non-standard handle.
func (t *Table) CloseAll() error {
	var err error
	for i := int(abi.Stderr) + 1; i < len(t.entries); i++ {
		e := t.entries[i]
		if e == nil {
			continue
		}
		t.entries[i] = nil
		t.open--
		err = multierr.Append(err, e.res.Close())
	}
	t.entries = t.entries[:int(abi.Stderr)+1]
	return err
}
