package component

import (
	"fmt"

	"github.com/snowmerak/modmux/lib/bytequeue"
	"github.com/snowmerak/modmux/lib/multiplexer"
)

// marshalerFor returns obj's own Marshaler or, failing that, an instance of
// the proxy class registered for iid.
func (rt *Runtime) marshalerFor(obj Object, iid InterfaceID) (Marshaler, error) {
	if custom, err := obj.QueryInterface(IIDMarshal); err == nil {
		if m, ok := custom.(Marshaler); ok {
			return m, nil
		}
		custom.Release()
	}

	proxy, ok := rt.interfaces[iid]
	if !ok {
		return nil, fmt.Errorf("no proxy class for %s: %w", iid, ErrNoInterface)
	}
	return rt.newMarshaler(proxy)
}

func (rt *Runtime) newMarshaler(cid ClassID) (Marshaler, error) {
	obj, err := rt.CreateInstance(cid, nil, SameProcess, IIDMarshal)
	if err != nil {
		return nil, fmt.Errorf("failed to create marshaler %s: %w", cid, err)
	}
	m, ok := obj.(Marshaler)
	if !ok {
		obj.Release()
		return nil, fmt.Errorf("%s does not marshal: %w", cid, ErrNoInterface)
	}
	return m, nil
}

// Marshal writes into q what the peer needs to reach obj through iid: the
// class id of the proxy that will stand in for it, followed by whatever that
// proxy's marshal step adds (usually a channel number).
func (rt *Runtime) Marshal(q *bytequeue.Queue, iid InterfaceID, obj Object, ctx MarshalContext) error {
	if rt.state != StateInitialized {
		return ErrNotReady
	}
	if q == nil || obj == nil {
		return ErrInvalidArg
	}

	m, err := rt.marshalerFor(obj, iid)
	if err != nil {
		return err
	}
	defer m.Release()

	cid, err := m.GetUnmarshalClass(iid, ctx)
	if err != nil {
		return fmt.Errorf("failed to get unmarshal class for %s: %w", iid, err)
	}
	q.AppendUint64(uint64(cid))
	return m.MarshalInterface(q, iid, obj, ctx)
}

// Unmarshal reads a proxy class id from the front of q, builds that proxy
// locally and lets it wire itself up from the rest of q.
func (rt *Runtime) Unmarshal(q *bytequeue.Queue, iid InterfaceID) (Object, error) {
	if rt.state != StateInitialized {
		return nil, ErrNotReady
	}
	raw, ok := q.GetUint64()
	if !ok {
		return nil, fmt.Errorf("marshal data too short: %w", ErrInvalidArg)
	}

	m, err := rt.newMarshaler(ClassID(raw))
	if err != nil {
		rt.abandonExport(q)
		return nil, err
	}
	defer m.Release()
	return m.UnmarshalInterface(q, iid)
}

// abandonExport queues a Disconnect for an export that no local proxy can
// bind to, so the peer frees its channel and object. Only the plain layout,
// a single channel number after the class id, is recognized.
func (rt *Runtime) abandonExport(q *bytequeue.Queue) {
	if rt.node == nil || q.Len() != multiplexer.ChannelFieldSize {
		return
	}
	ch, _ := q.GetUint32()
	if ch == multiplexer.ReservedChannel {
		return
	}
	if err := rt.node.SendDisconnect(ch); err != nil {
		rt.logger.Debug("failed to disconnect abandoned export", "channel", ch, "err", err)
		return
	}
	rt.logger.Debug("abandoned export disconnected", "channel", ch)
}

// channel0Call builds the requested object here and marshals it back.
func (rt *Runtime) channel0Call(_ *multiplexer.Channel, q *bytequeue.Queue) error {
	cid, ok1 := q.GetUint64()
	iid, ok2 := q.GetUint64()
	q.Empty()
	if !ok1 || !ok2 {
		return fmt.Errorf("create request too short: %w", ErrInvalidArg)
	}

	obj, err := rt.CreateInstance(ClassID(cid), nil, SameProcess, InterfaceID(iid))
	if err != nil {
		return err
	}
	defer obj.Release()

	return rt.Marshal(q, InterfaceID(iid), obj, CrossProcess)
}
