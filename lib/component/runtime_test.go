package component_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/modmux/example/adder"
	"github.com/snowmerak/modmux/lib/component"
)

const (
	cidThing component.ClassID     = 0x0000000300000001
	cidOther component.ClassID     = 0x0000000300000002
	iidThing component.InterfaceID = 0x0000000300000101
)

type thing struct {
	component.RefCount
}

func (t *thing) QueryInterface(iid component.InterfaceID) (component.Object, error) {
	return component.Query(t, iid, iidThing)
}

func (t *thing) Release() int32 {
	return t.Drop()
}

func thingResolver(cid component.ClassID, iid component.InterfaceID) (component.Object, error) {
	f := component.NewClassFactory(func(iid component.InterfaceID) (component.Object, error) {
		return (&thing{}).QueryInterface(iid)
	})
	defer f.Release()
	return f.QueryInterface(iid)
}

func newRuntime(t *testing.T, role component.Role, opts ...component.Option) *component.Runtime {
	t.Helper()
	rt := component.New(opts...)
	require.NoError(t, rt.Init(role))
	return rt
}

func hookSymbols(register, unregister component.RegisterFunc) component.Symbols {
	return component.Symbols{
		component.SymbolGetClassObject: func(component.ClassID, component.InterfaceID) (component.Object, error) {
			return nil, component.ErrClassNotAvailable
		},
		component.SymbolCanUnloadNow: func() (component.UnloadStatus, error) {
			return component.UnloadOK, nil
		},
		component.SymbolRegister:   register,
		component.SymbolUnregister: unregister,
	}
}

func TestInit(t *testing.T) {
	rt := component.New()
	assert.Equal(t, component.StateDown, rt.State())

	_, err := rt.CreateInstance(cidThing, nil, component.AnyProcess, iidThing)
	assert.ErrorIs(t, err, component.ErrNotReady)
	assert.ErrorIs(t, rt.RegisterClassObjects([]component.ClassID{cidThing}, thingResolver, nil), component.ErrNotReady)

	assert.ErrorIs(t, rt.Init(component.RoleUninitialized), component.ErrInvalidArg)
	require.NoError(t, rt.Init(component.RoleMain))
	assert.Equal(t, component.StateInitialized, rt.State())
	assert.Equal(t, component.RoleMain, rt.Role())
	assert.ErrorIs(t, rt.Init(component.RoleMain), component.ErrUnexpected)
}

func TestRegisterClassObjects_Uniqueness(t *testing.T) {
	rt := newRuntime(t, component.RoleMain)

	require.NoError(t, rt.RegisterClassObjects([]component.ClassID{cidThing}, thingResolver, nil))

	err := rt.RegisterClassObjects([]component.ClassID{cidOther, cidThing}, thingResolver, nil)
	assert.ErrorIs(t, err, component.ErrInvalidArg)
	_, ok := rt.ClassOwner(cidOther)
	assert.False(t, ok, "a rejected batch registers nothing")

	err = rt.RegisterClassObjects([]component.ClassID{cidOther}, nil, nil)
	assert.ErrorIs(t, err, component.ErrInvalidArg)

	owner, ok := rt.ClassOwner(cidThing)
	require.True(t, ok)
	assert.True(t, owner.IsMain())
}

func TestRevokeClassObjects_Atomic(t *testing.T) {
	opener := component.NewStaticOpener()
	opener.Add("adder.so", adder.NewClass("module").Symbols())
	rt := newRuntime(t, component.RoleMain, component.WithOpener(opener))

	require.NoError(t, rt.RegisterClassObjects([]component.ClassID{cidThing}, thingResolver, nil))
	m, err := rt.AddModule("adder", "adder.so")
	require.NoError(t, err)

	err = rt.RevokeClassObjects([]component.ClassID{cidThing, adder.CIDAdder}, nil)
	assert.ErrorIs(t, err, component.ErrInvalidArg)
	_, ok := rt.ClassOwner(cidThing)
	assert.True(t, ok, "a rejected revoke leaves every class registered")

	err = rt.RevokeClassObjects([]component.ClassID{cidOther}, nil)
	assert.ErrorIs(t, err, component.ErrInvalidArg)

	require.NoError(t, rt.RevokeClassObjects([]component.ClassID{adder.CIDAdder}, m))
	require.NoError(t, rt.RevokeClassObjects([]component.ClassID{cidThing}, nil))
	_, ok = rt.ClassOwner(cidThing)
	assert.False(t, ok)
}

func TestRegisterInterfaces(t *testing.T) {
	rt := newRuntime(t, component.RoleMain)

	require.NoError(t, rt.RegisterInterfaces(map[component.InterfaceID]component.ClassID{iidThing: cidThing}))
	require.NoError(t, rt.RegisterInterfaces(map[component.InterfaceID]component.ClassID{iidThing: cidOther}))

	proxy, ok := rt.ProxyClass(iidThing)
	require.True(t, ok)
	assert.Equal(t, cidThing, proxy, "the first mapping wins")

	require.NoError(t, rt.RevokeInterfaces([]component.InterfaceID{iidThing, 0x42}))
	_, ok = rt.ProxyClass(iidThing)
	assert.False(t, ok)
}

func TestCreateInstance_Local(t *testing.T) {
	rt := newRuntime(t, component.RoleMain)
	class := adder.NewClass("local")
	require.NoError(t, class.RegisterMain(rt))

	obj, err := rt.CreateInstance(adder.CIDAdder, nil, component.SameProcess, adder.IIDAdder)
	require.NoError(t, err)
	a, err := adder.As(obj)
	require.NoError(t, err)
	sum, err := a.Add(2, 40)
	require.NoError(t, err)
	assert.Equal(t, int64(42), sum)
	a.Release()
	obj.Release()
	assert.Zero(t, class.Live())

	_, err = rt.CreateInstance(adder.CIDAdder, nil, component.SameProcess, iidThing)
	assert.ErrorIs(t, err, component.ErrNoInterface)
	assert.Zero(t, class.Live())

	_, err = rt.CreateInstance(cidOther, nil, component.AnyProcess, iidThing)
	assert.ErrorIs(t, err, component.ErrClassNotAvailable)

	_, err = rt.CreateInstance(adder.CIDAdder, &thing{}, component.SameProcess, adder.IIDAdder)
	assert.ErrorIs(t, err, component.ErrNoAggregation)
}

func TestCreateInstance_RoleContext(t *testing.T) {
	rt := newRuntime(t, component.RoleMain)
	require.NoError(t, rt.RegisterClassObjects([]component.ClassID{cidThing}, thingResolver, nil))

	obj, err := rt.CreateInstance(cidThing, nil, component.UseMainProcess, iidThing)
	require.NoError(t, err)
	obj.Release()

	_, err = rt.CreateInstance(cidThing, nil, component.UseSlaveProcess, iidThing)
	assert.ErrorIs(t, err, component.ErrClassNotAvailable, "no pipe to a slave")
}

func TestAddModule(t *testing.T) {
	opener := component.NewStaticOpener()
	class := adder.NewClass("module")
	opener.Add("adder.so", class.Symbols())
	rt := newRuntime(t, component.RoleMain, component.WithOpener(opener))

	m, err := rt.AddModule("adder", "adder.so")
	require.NoError(t, err)
	assert.Equal(t, component.ModuleRegistered, m.State())
	assert.True(t, m.Loaded())

	owner, ok := rt.ClassOwner(adder.CIDAdder)
	require.True(t, ok)
	assert.Same(t, m, owner)

	_, err = rt.AddModule("adder", "adder.so")
	assert.ErrorIs(t, err, component.ErrInvalidArg)
	_, err = rt.AddModule("", "adder.so")
	assert.ErrorIs(t, err, component.ErrInvalidArg)

	infos := rt.Modules()
	require.Len(t, infos, 1)
	assert.Equal(t, "adder", infos[0].Name)
}

func TestAddModule_Unloadable(t *testing.T) {
	opener := component.NewStaticOpener()
	partial := adder.NewClass("partial").Symbols()
	delete(partial, component.SymbolUnregister)
	opener.Add("partial.so", partial)
	rt := newRuntime(t, component.RoleMain, component.WithOpener(opener))

	m, err := rt.AddModule("partial", "partial.so")
	require.NoError(t, err)
	assert.Equal(t, component.ModuleUnloadable, m.State())
	assert.False(t, m.Loaded())

	m, err = rt.AddModule("missing", "missing.so")
	require.NoError(t, err)
	assert.Equal(t, component.ModuleUnloadable, m.State())

	_, ok := rt.ClassOwner(adder.CIDAdder)
	assert.False(t, ok)
}

func TestAddModule_RegisterFails(t *testing.T) {
	boom := errors.New("boom")
	opener := component.NewStaticOpener()
	opener.Add("bad.so", hookSymbols(
		func(*component.ModuleRegistrar) error { return boom },
		func(*component.ModuleRegistrar) error { return nil },
	))
	rt := newRuntime(t, component.RoleMain, component.WithOpener(opener))

	m, err := rt.AddModule("bad", "bad.so")
	assert.ErrorIs(t, err, boom)
	require.NotNil(t, m)
	assert.Equal(t, component.ModuleInitialized, m.State())
}

func TestModuleMaintenance(t *testing.T) {
	opener := component.NewStaticOpener()
	class := adder.NewClass("module")
	opener.Add("adder.so", class.Symbols())
	rt := newRuntime(t, component.RoleMain, component.WithOpener(opener))

	m, err := rt.AddModule("adder", "adder.so")
	require.NoError(t, err)

	obj, err := rt.CreateInstance(adder.CIDAdder, nil, component.SameProcess, adder.IIDAdder)
	require.NoError(t, err)

	rt.ModuleMaintenance()
	assert.True(t, m.Loaded(), "a busy module stays loaded")

	obj.Release()
	rt.ModuleMaintenance()
	assert.False(t, m.Loaded())
	assert.Equal(t, component.ModuleRegistered, m.State())

	obj, err = rt.CreateInstance(adder.CIDAdder, nil, component.SameProcess, adder.IIDAdder)
	require.NoError(t, err)
	obj.Release()
	assert.True(t, m.Loaded())
	assert.Equal(t, 2, opener.Opens("adder.so"))
}

func TestRemoveModule(t *testing.T) {
	var unregistered int
	opener := component.NewStaticOpener()
	opener.Add("hooks.so", hookSymbols(
		func(reg *component.ModuleRegistrar) error {
			if err := reg.RegisterClassObjects(cidOther); err != nil {
				return err
			}
			return reg.RegisterInterfaces(map[component.InterfaceID]component.ClassID{iidThing: cidOther})
		},
		func(*component.ModuleRegistrar) error {
			unregistered++
			return nil
		},
	))
	rt := newRuntime(t, component.RoleMain, component.WithOpener(opener))
	require.NoError(t, rt.RegisterInterfaces(map[component.InterfaceID]component.ClassID{adder.IIDAdder: adder.CIDAdderProxy}))

	_, err := rt.AddModule("hooks", "hooks.so")
	require.NoError(t, err)

	require.NoError(t, rt.RemoveModule("hooks"))
	assert.Equal(t, 1, unregistered)
	_, ok := rt.FindModule("hooks")
	assert.False(t, ok)
	_, ok = rt.ClassOwner(cidOther)
	assert.False(t, ok, "classes left behind are purged")
	_, ok = rt.ProxyClass(iidThing)
	assert.False(t, ok, "interfaces proxied by purged classes are purged")
	_, ok = rt.ProxyClass(adder.IIDAdder)
	assert.True(t, ok)

	assert.ErrorIs(t, rt.RemoveModule("hooks"), component.ErrInvalidArg)
}

func TestShutdown(t *testing.T) {
	boom := errors.New("boom")
	opener := component.NewStaticOpener()
	class := adder.NewClass("module")
	opener.Add("adder.so", class.Symbols())
	opener.Add("bad.so", hookSymbols(
		func(*component.ModuleRegistrar) error { return nil },
		func(*component.ModuleRegistrar) error { return boom },
	))
	rt := newRuntime(t, component.RoleMain, component.WithOpener(opener))

	good, err := rt.AddModule("adder", "adder.so")
	require.NoError(t, err)
	bad, err := rt.AddModule("bad", "bad.so")
	require.NoError(t, err)

	err = rt.Shutdown()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, component.StateDown, rt.State())
	assert.False(t, good.Loaded())
	assert.False(t, bad.Loaded())
	assert.Empty(t, rt.Modules())

	assert.ErrorIs(t, rt.Shutdown(), component.ErrNotReady)
	require.NoError(t, rt.Init(component.RoleSlave))
}
