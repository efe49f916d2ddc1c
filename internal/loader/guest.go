package loader

import (
	"context"
	"fmt"

	"go.starlark.net/starlark"

	"github.com/woxQAQ/wasmoo/internal/sandbox"
	"github.com/woxQAQ/wasmoo/internal/wasm"
)

const sessionKey = "wasmoo.loader"

// session is the loader state the intrinsics need for the duration of one
// bootstrap execution.
type session struct {
	ctx       context.Context
	run       *sandbox.Run
	modules   *wasm.ModuleLoader
	instances *wasm.InstanceManager
}

func attachSession(thread *starlark.Thread, s *session) {
	thread.SetLocal(sessionKey, s)
}

func detachSession(thread *starlark.Thread) {
	thread.SetLocal(sessionKey, nil)
}

func sessionFrom(thread *starlark.Thread, fn *starlark.Builtin) (*session, error) {
	s, ok := thread.Local(sessionKey).(*session)
	if !ok || s == nil {
		return nil, fmt.Errorf("%s: called outside a bootstrap run", fn.Name())
	}
	return s, nil
}

// wasmInstantiate(path, argv=[], name=path) compiles the guest at path
// (once per runtime) and instantiates it inside the calling run.
func wasmInstantiate(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		path string
		argv starlark.Iterable
		name string
	)
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path", &path, "argv?", &argv, "name?", &name); err != nil {
		return nil, err
	}
	s, err := sessionFrom(thread, fn)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = path
	}

	var wasiArgs []string
	if argv != nil {
		iter := argv.Iterate()
		defer iter.Done()
		var v starlark.Value
		for iter.Next(&v) {
			str, ok := starlark.AsString(v)
			if !ok {
				return nil, fmt.Errorf("%s: argv elements must be strings, got %s", fn.Name(), v.Type())
			}
			wasiArgs = append(wasiArgs, str)
		}
	}

	if _, err := s.modules.LoadModuleFromFile(s.ctx, path); err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}

	stdin, stdout, stderr := s.run.Stdio()
	inst, err := s.instances.Instantiate(s.ctx, &wasm.InstanceConfig{
		ModuleName: path,
		Args:       wasiArgs,
		Stdin:      stdin,
		Stdout:     stdout,
		Stderr:     stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	if err := s.run.Track(inst); err != nil {
		_ = inst.Close(s.ctx)
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}

	return newGuest(name, inst, s), nil
}

// guest is the script value for an instantiated guest program.
type guest struct {
	name    string
	inst    *wasm.Instance
	session *session
	exports *starlark.List
}

var _ starlark.HasAttrs = (*guest)(nil)

func newGuest(name string, inst *wasm.Instance, s *session) *guest {
	names := inst.Exports()
	elems := make([]starlark.Value, len(names))
	for i, n := range names {
		elems[i] = starlark.String(n)
	}
	exports := starlark.NewList(elems)
	exports.Freeze()
	return &guest{name: name, inst: inst, session: s, exports: exports}
}

func (g *guest) String() string        { return fmt.Sprintf("<guest %s>", g.name) }
func (g *guest) Type() string          { return "guest" }
func (g *guest) Freeze()               {}
func (g *guest) Truth() starlark.Bool  { return starlark.True }
func (g *guest) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: guest") }

var guestAttrs = []string{"call", "exports", "name"}

func (g *guest) AttrNames() []string {
	return append([]string(nil), guestAttrs...)
}

func (g *guest) Attr(name string) (starlark.Value, error) {
	switch name {
	case "name":
		return starlark.String(g.name), nil
	case "exports":
		return g.exports, nil
	case "call":
		return starlark.NewBuiltin("call", g.call).BindReceiver(g), nil
	}
	return nil, nil
}

// call(entry) runs the nullary export entry with the run's bridge in
// scope and returns its exit status. A guest is called at most once.
func (g *guest) call(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var entry string
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &entry); err != nil {
		return nil, err
	}
	ctx := g.session.run.Context(g.session.ctx)
	code, err := g.inst.Call(ctx, entry)
	if err != nil {
		return nil, err
	}
	return starlark.MakeInt64(int64(code)), nil
}
