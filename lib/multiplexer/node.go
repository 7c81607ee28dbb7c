package multiplexer

import (
	"fmt"
	"io"

	"github.com/charmbracelet/log"

	"github.com/snowmerak/modmux/lib/bytequeue"
)

// Pump moves bytes between the in-memory queues and the real transport:
// it flushes the outbound queue and appends whatever arrived to the inbound
// queue. It is the only point where a Node waits. An error means the
// transport is gone.
type Pump func() error

// Node is one end of a pipe. It owns the inbound and outbound queues, the
// frame decoder and the channel table.
//
// A Node is driven by a single goroutine. Handlers run on the caller's
// stack and may themselves call SendCallAndWait.
type Node struct {
	in       *bytequeue.Queue
	out      *bytequeue.Queue
	pump     Pump
	decoder  *Decoder
	channels *ChannelTable

	metrics *Metrics
	logger  *log.Logger
}

// Option configures a Node.
type Option func(*Node)

// WithMetrics records frame traffic in m.
func WithMetrics(m *Metrics) Option {
	return func(n *Node) {
		n.metrics = m
	}
}

// WithLogger sets the logger used for dropped frames and handler failures.
func WithLogger(l *log.Logger) Option {
	return func(n *Node) {
		if l != nil {
			n.logger = l
		}
	}
}

// WithMaxPayload bounds the payload size the decoder accepts.
func WithMaxPayload(size int) Option {
	return func(n *Node) {
		n.decoder.SetMaxPayload(size)
	}
}

// NewNode creates a node over the given queues. pump may be nil for a node
// that only services frames fed to it from outside.
func NewNode(pump Pump, in, out *bytequeue.Queue, opts ...Option) *Node {
	if in == nil {
		in = bytequeue.New()
	}
	if out == nil {
		out = bytequeue.New()
	}

	n := &Node{
		in:       in,
		out:      out,
		pump:     pump,
		decoder:  NewDecoder(),
		channels: NewChannelTable(),
		logger:   log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(n)
	}

	n.decoder.OnDrop(func(reason DropReason, size int) {
		n.metrics.dropped(reason, size)
		n.logger.Debug("dropped inbound bytes", "reason", reason, "bytes", size)
	})
	return n
}

// In returns the inbound queue the pump appends to.
func (n *Node) In() *bytequeue.Queue {
	return n.in
}

// Out returns the outbound queue the pump drains.
func (n *Node) Out() *bytequeue.Queue {
	return n.out
}

// AllocateChannel binds cb to a fresh channel number.
func (n *Node) AllocateChannel(cb Callbacks, payload any) (*Channel, error) {
	ch, err := n.channels.Allocate(cb, payload)
	if err != nil {
		return nil, err
	}
	n.metrics.channels(n.channels.Len())
	n.logger.Debug("channel allocated", "channel", ch.Number)
	return ch, nil
}

// InstallChannel binds cb to a fixed channel number.
func (n *Node) InstallChannel(number uint32, cb Callbacks, payload any) (*Channel, error) {
	ch, err := n.channels.Install(number, cb, payload)
	if err != nil {
		return nil, err
	}
	n.metrics.channels(n.channels.Len())
	return ch, nil
}

// FreeChannel releases ch.
func (n *Node) FreeChannel(ch *Channel) {
	n.channels.Free(ch)
	n.metrics.channels(n.channels.Len())
	if ch != nil {
		n.logger.Debug("channel freed", "channel", ch.Number)
	}
}

// FindChannel looks up a live channel.
func (n *Node) FindChannel(number uint32) (*Channel, bool) {
	return n.channels.Find(number)
}

// ChannelCount returns the number of live channels.
func (n *Node) ChannelCount() int {
	return n.channels.Len()
}

// Close drops every channel and buffered byte.
func (n *Node) Close() {
	n.channels.Clear()
	n.metrics.channels(0)
	n.decoder.Reset()
	n.in.Empty()
	n.out.Empty()
}

func (n *Node) send(t FrameType, channel uint32, payload *bytequeue.Queue) error {
	if err := EncodeFrame(n.out, t, channel, payload); err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", t, err)
	}
	n.metrics.sent(t)
	return nil
}

// SendCallAndWait sends q as a Call on channel and pumps until the Return
// for that channel arrives. On success q holds the Return payload.
//
// Frames other than the awaited Return are dispatched while waiting, so
// handlers may run reentrantly. There is no timeout: the wait ends only when
// the Return arrives or the pump fails.
func (n *Node) SendCallAndWait(channel uint32, q *bytequeue.Queue) error {
	if n.pump == nil {
		return fmt.Errorf("node has no pump")
	}
	if err := n.send(FrameCall, channel, q); err != nil {
		return err
	}

	for {
		if err := n.pump(); err != nil {
			return fmt.Errorf("pump failed while waiting on channel %d: %w", channel, err)
		}
		if n.decode(channel, true, q) {
			return nil
		}
	}
}

// SendMessage queues q as a one-way Message on channel. It does not pump.
func (n *Node) SendMessage(channel uint32, q *bytequeue.Queue) error {
	return n.send(FrameMessage, channel, q)
}

// SendDisconnect queues a Disconnect for channel. It does not pump.
func (n *Node) SendDisconnect(channel uint32) error {
	return n.send(FrameDisconnect, channel, nil)
}

// Pump runs the pump once.
func (n *Node) Pump() error {
	if n.pump == nil {
		return fmt.Errorf("node has no pump")
	}
	return n.pump()
}

// Service decodes and dispatches every complete frame already buffered in
// the inbound queue. It does not pump.
func (n *Node) Service() {
	n.decode(0, false, nil)
}

// decode dispatches frames until the inbound queue runs dry or, when
// waiting, until the Return for expected arrives; its payload is moved into
// reply.
func (n *Node) decode(expected uint32, waiting bool, reply *bytequeue.Queue) bool {
	for {
		f, ok := n.decoder.Decode(n.in)
		if !ok {
			return false
		}
		n.metrics.received(f.Type)

		if waiting && f.Type == FrameReturn && f.Channel == expected {
			reply.Empty()
			bytequeue.AppendQueue(reply, f.Payload)
			return true
		}
		n.dispatch(f)
	}
}

func (n *Node) dispatch(f Frame) {
	ch, ok := n.channels.Find(f.Channel)
	if !ok {
		n.logger.Debug("frame for unknown channel dropped", "type", f.Type, "channel", f.Channel)
		return
	}

	switch f.Type {
	case FrameCall:
		var err error
		if ch.OnCall == nil {
			err = fmt.Errorf("channel %d does not accept calls", f.Channel)
		} else {
			err = ch.OnCall(ch, f.Payload)
		}
		if err != nil {
			n.logger.Debug("call handler failed", "channel", f.Channel, "err", err)
			f.Payload.Empty()
		}
		// Errors travel back as short Returns.
		if err := n.send(FrameReturn, f.Channel, f.Payload); err != nil {
			n.logger.Debug("failed to queue return", "channel", f.Channel, "err", err)
		}

	case FrameMessage:
		if ch.OnMessage != nil {
			if err := ch.OnMessage(ch, f.Payload); err != nil {
				n.logger.Debug("message handler failed", "channel", f.Channel, "err", err)
			}
		}

	case FrameDisconnect:
		if ch.OnDisconnect != nil {
			if err := ch.OnDisconnect(ch, f.Payload); err != nil {
				n.logger.Debug("disconnect handler failed", "channel", f.Channel, "err", err)
			}
		}
		n.metrics.channels(n.channels.Len())

	default:
		n.logger.Debug("unexpected frame dropped", "type", f.Type, "channel", f.Channel)
	}
}
