package component

import "fmt"

// ClassID names a constructible component type. Class ids are global
// constants (namespace in the high 32 bits, serial in the low 32 bits) and
// are only ever compared for equality.
type ClassID uint64

// InterfaceID names an abstract capability an object may expose.
type InterfaceID uint64

func (c ClassID) String() string {
	return fmt.Sprintf("cid:%016X", uint64(c))
}

func (i InterfaceID) String() string {
	return fmt.Sprintf("iid:%016X", uint64(i))
}

// Interfaces every component system participant knows about.
const (
	IIDUnknown      InterfaceID = 0x0000000100000010
	IIDClassFactory InterfaceID = 0x0000000100000011
	IIDMarshal      InterfaceID = 0x0000000100000012
)

// Role is the part a process plays on the pipe.
type Role int

const (
	RoleUninitialized Role = iota
	RoleMain
	RoleSlave
)

// String returns the string representation of Role
func (r Role) String() string {
	switch r {
	case RoleMain:
		return "main"
	case RoleSlave:
		return "slave"
	default:
		return "uninitialized"
	}
}

// CreateContext says where CreateInstance may build an object.
type CreateContext uint32

const (
	SameProcess CreateContext = 1 << iota
	UseMainProcess
	UseSlaveProcess

	AnyProcess = SameProcess | UseMainProcess | UseSlaveProcess
)

// MarshalContext describes the boundary an interface is marshaled across.
type MarshalContext uint32

const (
	CrossProcess MarshalContext = 1
)
