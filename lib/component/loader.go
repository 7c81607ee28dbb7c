package component

import (
	"fmt"
	"slices"
)

// FindModule looks a module up by name.
func (rt *Runtime) FindModule(name string) (*Module, bool) {
	for _, m := range rt.modules {
		if m.Name == name {
			return m, true
		}
	}
	return nil, false
}

// Modules returns a snapshot of every module, in the order they were added.
func (rt *Runtime) Modules() []ModuleInfo {
	infos := make([]ModuleInfo, 0, len(rt.modules))
	for _, m := range rt.modules {
		infos = append(infos, m.info())
	}
	return infos
}

func (rt *Runtime) addModule(name, path string) (*Module, error) {
	if name == "" || path == "" {
		return nil, fmt.Errorf("module needs a name and a file: %w", ErrInvalidArg)
	}
	if _, exists := rt.FindModule(name); exists {
		return nil, fmt.Errorf("module %s already added: %w", name, ErrInvalidArg)
	}

	m := newModule(name, path)
	rt.modules = append(rt.modules, m)
	return m, nil
}

// AddModule makes the module at path known under name, loads it and runs
// its Register hook. A file that cannot be loaded, or lacks any of the four
// entry points, leaves the module Unloadable; that is not an error.
func (rt *Runtime) AddModule(name, path string) (*Module, error) {
	if rt.state != StateInitialized {
		return nil, ErrNotReady
	}

	m, err := rt.addModule(name, path)
	if err != nil {
		return nil, err
	}

	rt.load(m)
	if !m.loaded {
		return m, nil
	}

	m.state = ModuleRegistering
	if err := m.ep.register(&ModuleRegistrar{rt: rt, module: m}); err != nil {
		m.state = ModuleInitialized
		rt.logger.Debug("module register hook failed", "module", m.Name, "err", err)
		return m, fmt.Errorf("register module %s: %w", m.Name, err)
	}
	m.state = ModuleRegistered

	rt.logger.Debug("module registered", "module", m.Name, "id", m.ID)
	return m, nil
}

// load opens the module's file and resolves its entry points. It does
// nothing for loaded, Unloadable or main modules.
func (rt *Runtime) load(m *Module) {
	if m.loaded || m.main || m.state == ModuleUnloadable {
		return
	}

	lib, err := rt.opener.Open(m.Path)
	if err != nil {
		rt.logger.Debug("module could not be opened", "module", m.Name, "path", m.Path, "err", err)
		m.state = ModuleUnloadable
		return
	}

	ep, err := resolveEntryPoints(lib)
	if err != nil {
		rt.logger.Debug("module lacks entry points", "module", m.Name, "err", err)
		_ = lib.Close()
		m.ep = entryPoints{}
		m.state = ModuleUnloadable
		return
	}

	m.lib = lib
	m.ep = ep
	m.loaded = true
	rt.logger.Debug("module loaded", "module", m.Name)
}

// unload closes the module's file and forgets its entry points.
func (rt *Runtime) unload(m *Module) {
	if !m.loaded {
		return
	}
	if err := m.lib.Close(); err != nil {
		rt.logger.Debug("module close failed", "module", m.Name, "err", err)
	}
	m.lib = nil
	m.ep = entryPoints{}
	m.loaded = false
	rt.logger.Debug("module unloaded", "module", m.Name)
}

// unregisterModule runs the Unregister hook of a registered module,
// loading it first if needed.
func (rt *Runtime) unregisterModule(m *Module) error {
	rt.load(m)
	if !m.loaded {
		m.state = ModuleUnloadable
		return fmt.Errorf("module %s could not be loaded to unregister: %w", m.Name, ErrFail)
	}

	m.state = ModuleUnregistering
	err := m.ep.unregister(&ModuleRegistrar{rt: rt, module: m})
	m.state = ModuleInitialized
	if err != nil {
		return fmt.Errorf("unregister module %s: %w", m.Name, err)
	}
	return nil
}

// RemoveModule unregisters, unloads and forgets the named module. Classes
// it left registered are purged, along with the interface mappings that
// named them as proxies. If the module cannot be loaded to be asked to
// unregister, removal still goes ahead.
func (rt *Runtime) RemoveModule(name string) error {
	if rt.state != StateInitialized {
		return ErrNotReady
	}
	m, ok := rt.FindModule(name)
	if !ok {
		return fmt.Errorf("module %s not found: %w", name, ErrInvalidArg)
	}

	var hookErr error
	if m.state == ModuleRegistered {
		hookErr = rt.unregisterModule(m)
	}
	rt.unload(m)

	purged := make(map[ClassID]bool)
	for cid, e := range rt.classes {
		if e.module == m {
			purged[cid] = true
			delete(rt.classes, cid)
		}
	}
	for iid, proxy := range rt.interfaces {
		if purged[proxy] {
			delete(rt.interfaces, iid)
		}
	}
	rt.modules = slices.DeleteFunc(rt.modules, func(x *Module) bool { return x == m })

	if hookErr != nil {
		rt.logger.Debug("module removed after failed unregister", "module", name, "err", hookErr)
	} else {
		rt.logger.Debug("module removed", "module", name)
	}
	return nil
}

// ModuleMaintenance asks every loaded module whether it can be unloaded and
// unloads those that say yes. Hosts call it periodically.
func (rt *Runtime) ModuleMaintenance() {
	if rt.state != StateInitialized {
		return
	}
	for _, m := range rt.modules {
		if !m.loaded {
			continue
		}
		status, err := m.ep.canUnloadNow()
		switch {
		case err != nil:
			rt.logger.Debug("module unload check failed", "module", m.Name, "err", err)
		case status == UnloadOK:
			rt.unload(m)
		}
	}
}
