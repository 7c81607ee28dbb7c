package component

import (
	"errors"
	"fmt"

	"github.com/snowmerak/modmux/lib/bytequeue"
	"github.com/snowmerak/modmux/lib/multiplexer"
	"github.com/snowmerak/modmux/lib/stub"
)

// Dispatcher runs one method of an exported object.
type Dispatcher func(method uint32, args []byte) ([]byte, error)

// ExportObject gives obj a channel on the pipe. The channel holds a
// reference to obj until the peer disconnects it or the export is released;
// cb.OnDisconnect, if set, runs before that reference is dropped.
func (rt *Runtime) ExportObject(obj Object, cb multiplexer.Callbacks) (*multiplexer.Channel, error) {
	if rt.state != StateInitialized || rt.node == nil {
		return nil, ErrNotReady
	}
	if obj == nil {
		return nil, ErrInvalidArg
	}

	onDisconnect := cb.OnDisconnect
	cb.OnDisconnect = func(ch *multiplexer.Channel, q *bytequeue.Queue) error {
		var err error
		if onDisconnect != nil {
			err = onDisconnect(ch, q)
		}
		rt.releaseExport(ch)
		return err
	}

	ch, err := rt.node.AllocateChannel(cb, obj)
	if err != nil {
		return nil, fmt.Errorf("failed to export object: %w", err)
	}
	obj.AddRef()
	rt.logger.Debug("object exported", "channel", ch.Number)
	return ch, nil
}

// ExportInterface exports obj and appends its channel number to q. It is
// the usual body of a proxy class's MarshalInterface.
func (rt *Runtime) ExportInterface(q *bytequeue.Queue, obj Object, cb multiplexer.Callbacks) error {
	ch, err := rt.ExportObject(obj, cb)
	if err != nil {
		return err
	}
	q.AppendUint32(ch.Number)
	return nil
}

// ReleaseExport undoes ExportInterface for marshal data that never reached
// the peer.
func (rt *Runtime) ReleaseExport(q *bytequeue.Queue) error {
	n, ok := q.GetUint32()
	if !ok {
		return fmt.Errorf("marshal data has no channel: %w", ErrInvalidArg)
	}
	if rt.node == nil {
		return ErrNotReady
	}
	ch, ok := rt.node.FindChannel(n)
	if !ok {
		return fmt.Errorf("channel %d is not exported: %w", n, ErrInvalidArg)
	}
	rt.releaseExport(ch)
	return nil
}

func (rt *Runtime) releaseExport(ch *multiplexer.Channel) {
	obj, _ := ch.Payload.(Object)
	if rt.node != nil {
		rt.node.FreeChannel(ch)
	}
	ch.Payload = nil
	if obj != nil {
		obj.Release()
	}
	rt.logger.Debug("export released", "channel", ch.Number)
}

// ServeCalls adapts d into a call handler speaking the stub encoding.
// Failures travel back as reply codes; a request that cannot be decoded
// gets an empty Return.
func ServeCalls(d Dispatcher) multiplexer.Handler {
	return func(_ *multiplexer.Channel, q *bytequeue.Queue) error {
		method, args, err := stub.DecodeCall(q)
		if err != nil {
			return err
		}
		body, err := d(method, args)
		if err != nil {
			stub.EncodeReply(q, ResultCode(err), nil)
			return nil
		}
		stub.EncodeReply(q, CodeOK, body)
		return nil
	}
}

// ServeMessages adapts d into a message handler. Results are discarded.
func ServeMessages(d Dispatcher) multiplexer.Handler {
	return func(_ *multiplexer.Channel, q *bytequeue.Queue) error {
		method, args, err := stub.DecodeCall(q)
		if err != nil {
			return err
		}
		_, err = d(method, args)
		return err
	}
}

// ServeCallbacks serves both calls and messages through d.
func ServeCallbacks(d Dispatcher) multiplexer.Callbacks {
	return multiplexer.Callbacks{
		OnCall:    ServeCalls(d),
		OnMessage: ServeMessages(d),
	}
}

// ProxyBinding is the client half of an exported object: the peer's
// channel number for it and the runtime whose pipe reaches it. Proxy
// classes embed it.
type ProxyBinding struct {
	rt      *Runtime
	channel uint32
	bound   bool
}

// Bind reads the channel number written by ExportInterface.
func (b *ProxyBinding) Bind(rt *Runtime, q *bytequeue.Queue) error {
	if rt.node == nil {
		return ErrNotReady
	}
	n, ok := q.GetUint32()
	if !ok {
		return fmt.Errorf("marshal data has no channel: %w", ErrInvalidArg)
	}
	b.rt = rt
	b.channel = n
	b.bound = true
	return nil
}

// Bound reports whether the binding still points at a peer object.
func (b *ProxyBinding) Bound() bool {
	return b.bound
}

// Channel returns the peer's channel number.
func (b *ProxyBinding) Channel() uint32 {
	return b.channel
}

func (b *ProxyBinding) node() (*multiplexer.Node, error) {
	if !b.bound || b.rt.node == nil {
		return nil, ErrNotReady
	}
	return b.rt.node, nil
}

// Call sends q to the peer object and waits. On success q holds the reply.
func (b *ProxyBinding) Call(q *bytequeue.Queue) error {
	node, err := b.node()
	if err != nil {
		return err
	}
	return node.SendCallAndWait(b.channel, q)
}

// Invoke calls method on the peer object and returns its reply body.
func (b *ProxyBinding) Invoke(method uint32, args []byte) ([]byte, error) {
	q := bytequeue.New()
	stub.EncodeCall(q, method, args)
	if err := b.Call(q); err != nil {
		return nil, err
	}

	code, body, err := stub.DecodeReply(q)
	switch {
	case errors.Is(err, stub.ErrEmptyReply):
		return nil, ErrFail
	case err != nil:
		return nil, fmt.Errorf("bad reply to method %d: %w", method, ErrUnexpected)
	case code != CodeOK:
		return nil, ErrorFromCode(code)
	}
	return body, nil
}

// Notify queues a one-way invocation of method. It does not pump.
func (b *ProxyBinding) Notify(method uint32, args []byte) error {
	node, err := b.node()
	if err != nil {
		return err
	}
	q := bytequeue.New()
	stub.EncodeCall(q, method, args)
	return node.SendMessage(b.channel, q)
}

// Disconnect tells the peer to drop its export and unbinds. It does not
// pump; the frame leaves with the next pump.
func (b *ProxyBinding) Disconnect() error {
	if !b.bound {
		return nil
	}
	b.bound = false
	if b.rt.node == nil {
		return nil
	}
	return b.rt.node.SendDisconnect(b.channel)
}
