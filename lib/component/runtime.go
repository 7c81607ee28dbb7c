// Package component implements the component registry, the module loader
// and the marshaling glue that lets a caller in one process use an object
// living in another.
//
// A Runtime is driven by a single goroutine. Nothing in it locks; the pump
// attached with AttachPipe is the only place it waits, and handlers may be
// invoked reentrantly from inside a pending call.
package component

import (
	"fmt"
	"io"

	"github.com/charmbracelet/log"
	"go.uber.org/multierr"

	"github.com/snowmerak/modmux/lib/bytequeue"
	"github.com/snowmerak/modmux/lib/multiplexer"
)

// LibraryState is the runtime's own lifecycle.
type LibraryState int

const (
	StateDown LibraryState = iota
	StateInitialized
	StateGoingDown
)

// String returns the string representation of LibraryState
func (s LibraryState) String() string {
	switch s {
	case StateDown:
		return "down"
	case StateInitialized:
		return "initialized"
	case StateGoingDown:
		return "going down"
	default:
		return "unknown"
	}
}

type classEntry struct {
	module         *Module
	getClassObject GetClassObjectFunc // set for classes of the main program
}

// Runtime owns the registry tables, the modules and, once a pipe is
// attached, the node that talks to the peer process.
type Runtime struct {
	state LibraryState
	role  Role

	modules    []*Module
	mainModule *Module
	classes    map[ClassID]classEntry
	interfaces map[InterfaceID]ClassID

	node *multiplexer.Node

	opener      Opener
	logger      *log.Logger
	metrics     *multiplexer.Metrics
	nodeOptions []multiplexer.Option
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithOpener sets how module files are opened. The default opens Go plugins.
func WithOpener(o Opener) Option {
	return func(rt *Runtime) {
		if o != nil {
			rt.opener = o
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *log.Logger) Option {
	return func(rt *Runtime) {
		if l != nil {
			rt.logger = l
		}
	}
}

// WithMetrics records pipe traffic in m once a pipe is attached.
func WithMetrics(m *multiplexer.Metrics) Option {
	return func(rt *Runtime) {
		rt.metrics = m
	}
}

// WithNodeOptions passes extra options to the node created by AttachPipe.
func WithNodeOptions(opts ...multiplexer.Option) Option {
	return func(rt *Runtime) {
		rt.nodeOptions = append(rt.nodeOptions, opts...)
	}
}

// New returns a runtime in the Down state.
func New(opts ...Option) *Runtime {
	rt := &Runtime{
		opener: GoPluginOpener{},
		logger: log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// State returns the library state.
func (rt *Runtime) State() LibraryState {
	return rt.state
}

// Role returns the process role given to Init.
func (rt *Runtime) Role() Role {
	return rt.role
}

// Logger returns the runtime's logger.
func (rt *Runtime) Logger() *log.Logger {
	return rt.logger
}

// Node returns the attached pipe node, or nil.
func (rt *Runtime) Node() *multiplexer.Node {
	return rt.node
}

// Init brings the library from Down to Initialized.
func (rt *Runtime) Init(role Role) error {
	if rt.state != StateDown {
		return fmt.Errorf("init while %s: %w", rt.state, ErrUnexpected)
	}
	if role != RoleMain && role != RoleSlave {
		return fmt.Errorf("init with role %s: %w", role, ErrInvalidArg)
	}

	rt.role = role
	rt.classes = make(map[ClassID]classEntry)
	rt.interfaces = make(map[InterfaceID]ClassID)
	rt.modules = nil
	rt.mainModule = newModule("main", "")
	rt.mainModule.main = true
	rt.mainModule.state = ModuleRegistered
	rt.state = StateInitialized

	rt.logger.Debug("component library initialized", "role", role)
	return nil
}

// AttachPipe enables cross-process creation. pump moves bytes between in,
// out and the transport. Channel 0 is installed to answer create requests
// from the peer.
func (rt *Runtime) AttachPipe(pump multiplexer.Pump, in, out *bytequeue.Queue) error {
	if rt.state != StateInitialized {
		return ErrNotReady
	}
	if pump == nil {
		return fmt.Errorf("attach pipe without pump: %w", ErrInvalidArg)
	}
	if rt.node != nil {
		return fmt.Errorf("pipe already attached: %w", ErrUnexpected)
	}

	opts := append([]multiplexer.Option{
		multiplexer.WithLogger(rt.logger.WithPrefix("mux")),
		multiplexer.WithMetrics(rt.metrics),
	}, rt.nodeOptions...)
	node := multiplexer.NewNode(pump, in, out, opts...)

	if _, err := node.InstallChannel(multiplexer.ReservedChannel, multiplexer.Callbacks{
		OnCall: rt.channel0Call,
	}, nil); err != nil {
		return fmt.Errorf("failed to install channel 0: %w", err)
	}

	rt.node = node
	return nil
}

// DetachPipe drops the node and every channel on it.
func (rt *Runtime) DetachPipe() {
	if rt.node == nil {
		return
	}
	rt.node.Close()
	rt.node = nil
}

// Shutdown unregisters every registered module, unloads what it can
// politely, force-unloads the rest and returns the library to Down. Hook
// failures are collected and returned; shutdown still completes.
func (rt *Runtime) Shutdown() error {
	if rt.state != StateInitialized {
		return ErrNotReady
	}
	rt.state = StateGoingDown

	var errs error
	for _, m := range rt.modules {
		if m.state != ModuleRegistered {
			continue
		}
		if err := rt.unregisterModule(m); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("module %s: %w", m.Name, err))
		}
	}

	for _, m := range rt.modules {
		if !m.loaded {
			continue
		}
		status, err := m.ep.canUnloadNow()
		if err == nil && status == UnloadOK {
			rt.unload(m)
		}
	}

	for _, m := range rt.modules {
		if m.loaded {
			rt.logger.Debug("forcing module unload", "module", m.Name)
			rt.unload(m)
		}
	}

	rt.DetachPipe()
	rt.modules = nil
	rt.mainModule = nil
	rt.classes = nil
	rt.interfaces = nil
	rt.role = RoleUninitialized
	rt.state = StateDown

	rt.logger.Debug("component library down")
	return errs
}
