package component

import (
	"fmt"

	"github.com/snowmerak/modmux/lib/bytequeue"
)

func (rt *Runtime) registryWritable() bool {
	return rt.state == StateInitialized
}

// Revocation must keep working while modules unregister during shutdown.
func (rt *Runtime) registryRevocable() bool {
	return rt.state == StateInitialized || rt.state == StateGoingDown
}

// RegisterClassObjects records who answers CreateInstance for classes.
// Exactly one of getClassObject (the hosting program's resolver) and owner
// (a module registering from its Register hook) must be given. The batch is
// all or nothing: one already registered class rejects it whole.
func (rt *Runtime) RegisterClassObjects(classes []ClassID, getClassObject GetClassObjectFunc, owner *Module) error {
	if !rt.registryWritable() {
		return ErrNotReady
	}
	if (getClassObject == nil) == (owner == nil) {
		return fmt.Errorf("register class objects needs exactly one of resolver and module: %w", ErrInvalidArg)
	}
	if owner != nil && owner.main {
		return fmt.Errorf("main module registers through a resolver: %w", ErrInvalidArg)
	}

	seen := make(map[ClassID]struct{}, len(classes))
	for _, cid := range classes {
		if _, dup := seen[cid]; dup {
			return fmt.Errorf("%s listed twice: %w", cid, ErrInvalidArg)
		}
		seen[cid] = struct{}{}
		if cur, exists := rt.classes[cid]; exists {
			return fmt.Errorf("%s already registered by module %s: %w", cid, cur.module.Name, ErrInvalidArg)
		}
	}

	entry := classEntry{module: owner, getClassObject: getClassObject}
	if owner == nil {
		entry.module = rt.mainModule
	}
	for _, cid := range classes {
		rt.classes[cid] = entry
	}

	rt.logger.Debug("class objects registered", "module", entry.module.Name, "count", len(classes))
	return nil
}

// RevokeClassObjects removes class registrations. Every class must be owned
// by owner (nil meaning the hosting program); otherwise nothing is revoked.
func (rt *Runtime) RevokeClassObjects(classes []ClassID, owner *Module) error {
	if !rt.registryRevocable() {
		return ErrNotReady
	}

	want := owner
	if want == nil {
		want = rt.mainModule
	}
	for _, cid := range classes {
		cur, exists := rt.classes[cid]
		if !exists {
			return fmt.Errorf("%s is not registered: %w", cid, ErrInvalidArg)
		}
		if cur.module != want {
			return fmt.Errorf("%s is owned by module %s, not %s: %w", cid, cur.module.Name, want.Name, ErrInvalidArg)
		}
	}

	for _, cid := range classes {
		delete(rt.classes, cid)
	}
	return nil
}

// RegisterInterfaces maps interfaces to the proxy classes that marshal
// them. Interfaces already mapped are left alone.
func (rt *Runtime) RegisterInterfaces(list map[InterfaceID]ClassID) error {
	if !rt.registryWritable() {
		return ErrNotReady
	}
	for iid, proxy := range list {
		if _, exists := rt.interfaces[iid]; !exists {
			rt.interfaces[iid] = proxy
		}
	}
	return nil
}

// RevokeInterfaces removes interface to proxy class mappings. Unknown
// interfaces are ignored.
func (rt *Runtime) RevokeInterfaces(list []InterfaceID) error {
	if !rt.registryRevocable() {
		return ErrNotReady
	}
	for _, iid := range list {
		delete(rt.interfaces, iid)
	}
	return nil
}

// ProxyClass returns the proxy class registered for iid.
func (rt *Runtime) ProxyClass(iid InterfaceID) (ClassID, bool) {
	cid, ok := rt.interfaces[iid]
	return cid, ok
}

// ClassOwner returns the module that registered cid.
func (rt *Runtime) ClassOwner(cid ClassID) (*Module, bool) {
	e, ok := rt.classes[cid]
	return e.module, ok
}

func (rt *Runtime) resolvesLocally(ctx CreateContext) bool {
	return ctx&SameProcess != 0 ||
		(ctx&UseMainProcess != 0 && rt.role == RoleMain) ||
		(ctx&UseSlaveProcess != 0 && rt.role == RoleSlave)
}

func (rt *Runtime) wantsPeer(ctx CreateContext) bool {
	return (ctx&UseMainProcess != 0 && rt.role == RoleSlave) ||
		(ctx&UseSlaveProcess != 0 && rt.role == RoleMain)
}

// CreateInstance builds an instance of cid and returns it queried for iid.
// A class registered in this process is built by its owner's factory when
// ctx allows the local process. Otherwise, with a pipe attached and ctx
// naming the peer's role, the peer builds it and a proxy is returned.
func (rt *Runtime) CreateInstance(cid ClassID, outer Object, ctx CreateContext, iid InterfaceID) (Object, error) {
	if rt.state != StateInitialized {
		return nil, ErrNotReady
	}

	if rt.resolvesLocally(ctx) {
		if entry, ok := rt.classes[cid]; ok {
			return rt.createLocal(cid, entry, outer, iid)
		}
	}

	if rt.node != nil && rt.wantsPeer(ctx) {
		if outer != nil {
			return nil, ErrNoAggregation
		}
		return rt.createRemote(cid, iid)
	}

	return nil, fmt.Errorf("%s: %w", cid, ErrClassNotAvailable)
}

func (rt *Runtime) createLocal(cid ClassID, entry classEntry, outer Object, iid InterfaceID) (Object, error) {
	gco := entry.getClassObject
	if !entry.module.main {
		m := entry.module
		rt.load(m)
		if !m.loaded {
			return nil, fmt.Errorf("module %s for %s could not be loaded: %w", m.Name, cid, ErrClassNotAvailable)
		}
		gco = m.ep.getClassObject
	}

	obj, err := gco(cid, IIDClassFactory)
	if err != nil {
		return nil, err
	}
	defer obj.Release()

	factory, ok := obj.(ClassFactory)
	if !ok {
		return nil, fmt.Errorf("class object for %s is not a factory: %w", cid, ErrNoInterface)
	}
	return factory.CreateInstance(outer, iid)
}

func (rt *Runtime) createRemote(cid ClassID, iid InterfaceID) (Object, error) {
	q := bytequeue.New()
	q.AppendUint64(uint64(cid))
	q.AppendUint64(uint64(iid))

	if err := rt.node.SendCallAndWait(0, q); err != nil {
		return nil, fmt.Errorf("remote create of %s: %w", cid, err)
	}
	if q.Len() == 0 {
		return nil, fmt.Errorf("peer could not create %s: %w", cid, ErrClassNotAvailable)
	}
	return rt.Unmarshal(q, iid)
}

// ModuleRegistrar is the registry as seen from a module's Register and
// Unregister hooks: registrations made through it belong to that module.
type ModuleRegistrar struct {
	rt     *Runtime
	module *Module
}

// Runtime returns the runtime the module is registering with.
func (r *ModuleRegistrar) Runtime() *Runtime {
	return r.rt
}

// Module returns the registering module.
func (r *ModuleRegistrar) Module() *Module {
	return r.module
}

// RegisterClassObjects registers classes served by the module's
// GetClassObject entry point.
func (r *ModuleRegistrar) RegisterClassObjects(classes ...ClassID) error {
	return r.rt.RegisterClassObjects(classes, nil, r.module)
}

// RevokeClassObjects revokes classes the module registered.
func (r *ModuleRegistrar) RevokeClassObjects(classes ...ClassID) error {
	return r.rt.RevokeClassObjects(classes, r.module)
}

// RegisterInterfaces maps interfaces to proxy classes.
func (r *ModuleRegistrar) RegisterInterfaces(list map[InterfaceID]ClassID) error {
	return r.rt.RegisterInterfaces(list)
}

// RevokeInterfaces removes interface mappings.
func (r *ModuleRegistrar) RevokeInterfaces(list ...InterfaceID) error {
	return r.rt.RevokeInterfaces(list)
}
