package component

import (
	"github.com/google/uuid"
)

// ModuleState is where a module stands in its register/unregister lifecycle.
type ModuleState int

const (
	ModuleInitialized ModuleState = iota
	ModuleRegistering
	ModuleRegistered
	ModuleUnregistering
	ModuleUnloadable
)

// String returns the string representation of ModuleState
func (s ModuleState) String() string {
	switch s {
	case ModuleInitialized:
		return "initialized"
	case ModuleRegistering:
		return "registering"
	case ModuleRegistered:
		return "registered"
	case ModuleUnregistering:
		return "unregistering"
	case ModuleUnloadable:
		return "unloadable"
	default:
		return "unknown"
	}
}

// Module is one loadable plugin. Its entry points are present only while
// the module is loaded, and then all four of them are.
type Module struct {
	ID   uuid.UUID
	Name string
	Path string

	state  ModuleState
	loaded bool
	main   bool
	lib    Library
	ep     entryPoints
}

func newModule(name, path string) *Module {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Module{
		ID:    id,
		Name:  name,
		Path:  path,
		state: ModuleInitialized,
	}
}

// State returns the lifecycle state.
func (m *Module) State() ModuleState {
	return m.state
}

// Loaded reports whether the module's code is currently loaded.
func (m *Module) Loaded() bool {
	return m.loaded
}

// IsMain reports whether m stands for the hosting program.
func (m *Module) IsMain() bool {
	return m.main
}

// ModuleInfo is a snapshot of a module for display.
type ModuleInfo struct {
	ID     string
	Name   string
	Path   string
	State  ModuleState
	Loaded bool
}

func (m *Module) info() ModuleInfo {
	return ModuleInfo{
		ID:     m.ID.String(),
		Name:   m.Name,
		Path:   m.Path,
		State:  m.state,
		Loaded: m.loaded,
	}
}
