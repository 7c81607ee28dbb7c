package component

import "github.com/snowmerak/modmux/lib/bytequeue"

// Object is the base capability every component exposes. QueryInterface
// returns an object (usually the receiver) answering for iid with its
// reference count incremented; Release gives a reference back.
type Object interface {
	QueryInterface(iid InterfaceID) (Object, error)
	AddRef() int32
	Release() int32
}

// ClassFactory builds instances of one class.
type ClassFactory interface {
	Object
	CreateInstance(outer Object, iid InterfaceID) (Object, error)
	LockServer(lock bool) error
}

// Marshaler moves an interface across a process boundary. Objects may
// implement it to control their own marshaling; everything else goes
// through the proxy class registered for the interface.
type Marshaler interface {
	Object
	GetUnmarshalClass(iid InterfaceID, ctx MarshalContext) (ClassID, error)
	MarshalInterface(q *bytequeue.Queue, iid InterfaceID, obj Object, ctx MarshalContext) error
	UnmarshalInterface(q *bytequeue.Queue, iid InterfaceID) (Object, error)
	ReleaseMarshalData(q *bytequeue.Queue) error
	DisconnectObject() error
}

// RefCount is embedded by objects to count references. It is not safe for
// concurrent use; objects belong to the goroutine driving the runtime.
type RefCount struct {
	refs int32
}

// AddRef increments the count and returns the new value.
func (r *RefCount) AddRef() int32 {
	r.refs++
	return r.refs
}

// Drop decrements the count and returns the new value. The embedding
// object's Release runs its teardown when Drop reaches zero.
func (r *RefCount) Drop() int32 {
	if r.refs > 0 {
		r.refs--
	}
	return r.refs
}

// Refs returns the current count.
func (r *RefCount) Refs() int32 {
	return r.refs
}

// Query returns obj with an added reference when iid is among the
// interfaces it answers for. IIDUnknown is always answered.
func Query(obj Object, iid InterfaceID, supported ...InterfaceID) (Object, error) {
	if iid == IIDUnknown {
		obj.AddRef()
		return obj, nil
	}
	for _, s := range supported {
		if s == iid {
			obj.AddRef()
			return obj, nil
		}
	}
	return nil, ErrNoInterface
}

// FactoryFunc adapts a constructor into a ClassFactory.
type FactoryFunc func(iid InterfaceID) (Object, error)

type funcFactory struct {
	RefCount
	create FactoryFunc
}

// NewClassFactory returns a ClassFactory holding one reference. Aggregation
// is refused.
func NewClassFactory(create FactoryFunc) ClassFactory {
	f := &funcFactory{create: create}
	f.AddRef()
	return f
}

func (f *funcFactory) QueryInterface(iid InterfaceID) (Object, error) {
	return Query(f, iid, IIDClassFactory)
}

func (f *funcFactory) Release() int32 {
	return f.Drop()
}

func (f *funcFactory) CreateInstance(outer Object, iid InterfaceID) (Object, error) {
	if outer != nil {
		return nil, ErrNoAggregation
	}
	return f.create(iid)
}

func (f *funcFactory) LockServer(bool) error {
	return nil
}
