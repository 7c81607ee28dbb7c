package component

import (
	"fmt"
	"plugin"
	"sync"
)

// Names of the symbols every loadable module exports.
const (
	SymbolGetClassObject = "GetClassObject"
	SymbolCanUnloadNow   = "CanUnloadNow"
	SymbolRegister       = "Register"
	SymbolUnregister     = "Unregister"
)

// UnloadStatus is a module's answer to "can you be unloaded now?".
type UnloadStatus int

const (
	UnloadOK UnloadStatus = iota
	UnloadBusy
)

// GetClassObjectFunc returns the class object (normally a ClassFactory)
// for cid, queried for iid.
type GetClassObjectFunc func(cid ClassID, iid InterfaceID) (Object, error)

// CanUnloadNowFunc reports whether the module holds no live objects. An
// error is a hard failure and leaves the module loaded.
type CanUnloadNowFunc func() (UnloadStatus, error)

// RegisterFunc is a module's register or unregister hook.
type RegisterFunc func(reg *ModuleRegistrar) error

// Library is an opened dynamic unit.
type Library interface {
	Lookup(symbol string) (any, error)
	Close() error
}

// Opener opens dynamic units by file path.
type Opener interface {
	Open(path string) (Library, error)
}

// OpenerFunc adapts a function into an Opener.
type OpenerFunc func(path string) (Library, error)

// Open implements Opener.
func (f OpenerFunc) Open(path string) (Library, error) {
	return f(path)
}

// GoPluginOpener opens units built with `go build -buildmode=plugin`.
// The Go runtime cannot unload plugins, so Close only forgets the handle;
// a later Open of the same path returns the already-loaded code.
type GoPluginOpener struct{}

// Open implements Opener.
func (GoPluginOpener) Open(path string) (Library, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plugin %s: %w", path, err)
	}
	return &goPlugin{p: p}, nil
}

type goPlugin struct {
	p *plugin.Plugin
}

func (g *goPlugin) Lookup(symbol string) (any, error) {
	return g.p.Lookup(symbol)
}

func (g *goPlugin) Close() error {
	g.p = nil
	return nil
}

// Symbols is an in-process Library backed by a symbol table, for modules
// linked into the host binary and for tests.
type Symbols map[string]any

// Lookup implements Library.
func (s Symbols) Lookup(symbol string) (any, error) {
	v, ok := s[symbol]
	if !ok {
		return nil, fmt.Errorf("symbol %s not found", symbol)
	}
	return v, nil
}

// Close implements Library.
func (s Symbols) Close() error {
	return nil
}

// StaticOpener serves Libraries registered under file paths.
type StaticOpener struct {
	mu    sync.Mutex
	units map[string]Library
	opens map[string]int
}

// NewStaticOpener returns an empty StaticOpener.
func NewStaticOpener() *StaticOpener {
	return &StaticOpener{
		units: make(map[string]Library),
		opens: make(map[string]int),
	}
}

// Add makes lib available under path.
func (s *StaticOpener) Add(path string, lib Library) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units[path] = lib
}

// Open implements Opener.
func (s *StaticOpener) Open(path string) (Library, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lib, ok := s.units[path]
	if !ok {
		return nil, fmt.Errorf("no library at %s", path)
	}
	s.opens[path]++
	return lib, nil
}

// Opens returns how many times path was opened.
func (s *StaticOpener) Opens(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens[path]
}

type entryPoints struct {
	getClassObject GetClassObjectFunc
	canUnloadNow   CanUnloadNowFunc
	register       RegisterFunc
	unregister     RegisterFunc
}

// resolveEntryPoints looks up all four symbols. Exported functions and
// exported variables of the named function types are both accepted.
func resolveEntryPoints(lib Library) (entryPoints, error) {
	var ep entryPoints

	sym, err := lib.Lookup(SymbolGetClassObject)
	if err != nil {
		return ep, err
	}
	switch f := sym.(type) {
	case func(ClassID, InterfaceID) (Object, error):
		ep.getClassObject = f
	case GetClassObjectFunc:
		ep.getClassObject = f
	case *GetClassObjectFunc:
		ep.getClassObject = *f
	}

	if sym, err = lib.Lookup(SymbolCanUnloadNow); err != nil {
		return ep, err
	}
	switch f := sym.(type) {
	case func() (UnloadStatus, error):
		ep.canUnloadNow = f
	case CanUnloadNowFunc:
		ep.canUnloadNow = f
	case *CanUnloadNowFunc:
		ep.canUnloadNow = *f
	}

	if sym, err = lib.Lookup(SymbolRegister); err != nil {
		return ep, err
	}
	ep.register = asRegisterFunc(sym)

	if sym, err = lib.Lookup(SymbolUnregister); err != nil {
		return ep, err
	}
	ep.unregister = asRegisterFunc(sym)

	if ep.getClassObject == nil || ep.canUnloadNow == nil || ep.register == nil || ep.unregister == nil {
		return entryPoints{}, fmt.Errorf("entry point has an unexpected type")
	}
	return ep, nil
}

func asRegisterFunc(sym any) RegisterFunc {
	switch f := sym.(type) {
	case func(*ModuleRegistrar) error:
		return f
	case RegisterFunc:
		return f
	case *RegisterFunc:
		return *f
	}
	return nil
}
