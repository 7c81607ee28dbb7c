// Package adder is a small component used by the host and the tests: an
// Adder class and the proxy class that marshals it across the pipe.
package adder

import (
	"errors"
	"fmt"
	"math"

	"github.com/snowmerak/modmux/lib/bytequeue"
	"github.com/snowmerak/modmux/lib/component"
	"github.com/snowmerak/modmux/lib/stub"
)

const (
	IIDAdder      component.InterfaceID = 0x0000000200000001
	CIDAdder      component.ClassID     = 0x0000000200000101
	CIDAdderProxy component.ClassID     = 0x0000000200000102
)

const (
	methodAdd uint32 = iota + 1
	methodName
)

// Adder adds numbers and reports where it lives.
type Adder interface {
	component.Object
	Add(a, b int64) (int64, error)
	Name() (string, error)
}

// Class serves CIDAdder and CIDAdderProxy. One Class backs one module.
type Class struct {
	rt   *component.Runtime
	name string
	live int
}

// NewClass returns a class whose adders report name.
func NewClass(name string) *Class {
	return &Class{name: name}
}

// Live returns the number of adders and proxies still referenced.
func (c *Class) Live() int {
	return c.live
}

// GetClassObject is the module entry point.
func (c *Class) GetClassObject(cid component.ClassID, iid component.InterfaceID) (component.Object, error) {
	var create component.FactoryFunc
	switch cid {
	case CIDAdder:
		create = c.newAdder
	case CIDAdderProxy:
		create = c.newProxy
	default:
		return nil, component.ErrClassNotAvailable
	}

	f := component.NewClassFactory(create)
	defer f.Release()
	return f.QueryInterface(iid)
}

// CanUnloadNow is the module entry point.
func (c *Class) CanUnloadNow() (component.UnloadStatus, error) {
	if c.live > 0 {
		return component.UnloadBusy, nil
	}
	return component.UnloadOK, nil
}

// Register is the module entry point.
func (c *Class) Register(reg *component.ModuleRegistrar) error {
	c.rt = reg.Runtime()
	if err := reg.RegisterClassObjects(CIDAdder, CIDAdderProxy); err != nil {
		return err
	}
	return reg.RegisterInterfaces(map[component.InterfaceID]component.ClassID{IIDAdder: CIDAdderProxy})
}

// Unregister is the module entry point.
func (c *Class) Unregister(reg *component.ModuleRegistrar) error {
	if err := reg.RevokeInterfaces(IIDAdder); err != nil {
		return err
	}
	return reg.RevokeClassObjects(CIDAdder, CIDAdderProxy)
}

// RegisterMain registers the classes as part of the hosting program.
func (c *Class) RegisterMain(rt *component.Runtime) error {
	c.rt = rt
	if err := rt.RegisterClassObjects([]component.ClassID{CIDAdder, CIDAdderProxy}, c.GetClassObject, nil); err != nil {
		return err
	}
	return rt.RegisterInterfaces(map[component.InterfaceID]component.ClassID{IIDAdder: CIDAdderProxy})
}

// Symbols exposes the entry points as an in-process module.
func (c *Class) Symbols() component.Symbols {
	return component.Symbols{
		component.SymbolGetClassObject: c.GetClassObject,
		component.SymbolCanUnloadNow:   c.CanUnloadNow,
		component.SymbolRegister:       c.Register,
		component.SymbolUnregister:     c.Unregister,
	}
}

type adder struct {
	component.RefCount
	class *Class
}

func (c *Class) newAdder(iid component.InterfaceID) (component.Object, error) {
	a := &adder{class: c}
	a.AddRef()
	c.live++
	defer a.Release()
	return a.QueryInterface(iid)
}

func (a *adder) QueryInterface(iid component.InterfaceID) (component.Object, error) {
	return component.Query(a, iid, IIDAdder)
}

func (a *adder) Release() int32 {
	n := a.Drop()
	if n == 0 {
		a.class.live--
	}
	return n
}

func (a *adder) Add(x, y int64) (int64, error) {
	if (y > 0 && x > math.MaxInt64-y) || (y < 0 && x < math.MinInt64-y) {
		return 0, fmt.Errorf("%d + %d overflows: %w", x, y, component.ErrInvalidArg)
	}
	return x + y, nil
}

func (a *adder) Name() (string, error) {
	return a.class.name, nil
}

func dispatch(a Adder) component.Dispatcher {
	return func(method uint32, args []byte) ([]byte, error) {
		f, err := stub.Parse(args)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", err, component.ErrInvalidArg)
		}
		switch method {
		case methodAdd:
			sum, err := a.Add(f.Sint(1), f.Sint(2))
			if err != nil {
				return nil, err
			}
			return stub.NewBuilder().Sint(1, sum).Build(), nil
		case methodName:
			name, err := a.Name()
			if err != nil {
				return nil, err
			}
			return stub.NewBuilder().String(1, name).Build(), nil
		default:
			return nil, component.ErrNotImplemented
		}
	}
}

// proxy stands in for an adder living in the peer. The same type acts as
// the marshaler on the exporting side, where it is never bound.
type proxy struct {
	component.RefCount
	component.ProxyBinding
	class *Class
}

func (c *Class) newProxy(iid component.InterfaceID) (component.Object, error) {
	p := &proxy{class: c}
	p.AddRef()
	c.live++
	defer p.Release()
	return p.QueryInterface(iid)
}

func (p *proxy) QueryInterface(iid component.InterfaceID) (component.Object, error) {
	return component.Query(p, iid, IIDAdder, component.IIDMarshal)
}

func (p *proxy) Release() int32 {
	n := p.Drop()
	if n == 0 {
		if err := p.Disconnect(); err != nil && p.class.rt != nil {
			p.class.rt.Logger().Debug("adder proxy disconnect failed", "err", err)
		}
		p.class.live--
	}
	return n
}

func (p *proxy) Add(x, y int64) (int64, error) {
	body, err := p.Invoke(methodAdd, stub.NewBuilder().Sint(1, x).Sint(2, y).Build())
	if err != nil {
		return 0, err
	}
	f, err := stub.Parse(body)
	if err != nil {
		return 0, fmt.Errorf("%v: %w", err, component.ErrUnexpected)
	}
	return f.Sint(1), nil
}

func (p *proxy) Name() (string, error) {
	body, err := p.Invoke(methodName, nil)
	if err != nil {
		return "", err
	}
	f, err := stub.Parse(body)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, component.ErrUnexpected)
	}
	return f.String(1), nil
}

func (p *proxy) GetUnmarshalClass(iid component.InterfaceID, _ component.MarshalContext) (component.ClassID, error) {
	if iid != IIDAdder {
		return 0, component.ErrNoInterface
	}
	return CIDAdderProxy, nil
}

func (p *proxy) MarshalInterface(q *bytequeue.Queue, iid component.InterfaceID, obj component.Object, _ component.MarshalContext) error {
	if iid != IIDAdder {
		return component.ErrNoInterface
	}
	if p.class.rt == nil {
		return component.ErrNotReady
	}
	qi, err := obj.QueryInterface(IIDAdder)
	if err != nil {
		return err
	}
	defer qi.Release()
	a, ok := qi.(Adder)
	if !ok {
		return component.ErrNoInterface
	}
	return p.class.rt.ExportInterface(q, a, component.ServeCallbacks(dispatch(a)))
}

func (p *proxy) UnmarshalInterface(q *bytequeue.Queue, iid component.InterfaceID) (component.Object, error) {
	if p.class.rt == nil {
		return nil, component.ErrNotReady
	}
	if err := p.Bind(p.class.rt, q); err != nil {
		return nil, err
	}
	return p.QueryInterface(iid)
}

func (p *proxy) ReleaseMarshalData(q *bytequeue.Queue) error {
	if p.class.rt == nil {
		return component.ErrNotReady
	}
	return p.class.rt.ReleaseExport(q)
}

func (p *proxy) DisconnectObject() error {
	return p.Disconnect()
}

// ErrWrongClass is returned by As when obj does not answer for IIDAdder.
var ErrWrongClass = errors.New("object is not an adder")

// As queries obj for IIDAdder. The caller releases the result.
func As(obj component.Object) (Adder, error) {
	qi, err := obj.QueryInterface(IIDAdder)
	if err != nil {
		return nil, err
	}
	a, ok := qi.(Adder)
	if !ok {
		qi.Release()
		return nil, ErrWrongClass
	}
	return a, nil
}
