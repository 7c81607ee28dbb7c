package multiplexer

import (
	"fmt"

	"github.com/snowmerak/modmux/lib/bytequeue"
)

// ReservedChannel answers create-and-marshal requests from the peer.
const ReservedChannel uint32 = 0

// Handler processes the payload of a frame arriving on a channel.
// A call handler consumes the request from q and leaves the reply in it;
// whatever remains in q becomes the Return payload.
type Handler func(ch *Channel, q *bytequeue.Queue) error

// Callbacks is the triple of handlers bound to a channel. Nil handlers
// ignore the frame.
type Callbacks struct {
	OnCall       Handler
	OnMessage    Handler
	OnDisconnect Handler
}

// Channel is one marshaled object's endpoint on the pipe.
type Channel struct {
	Number uint32
	Callbacks

	// Payload is an opaque value owned by whoever allocated the channel.
	Payload any
}

// ChannelTable maps channel numbers to their callbacks.
type ChannelTable struct {
	channels map[uint32]*Channel
	next     uint32
}

// NewChannelTable returns an empty table. Numbers are handed out from 1.
func NewChannelTable() *ChannelTable {
	return &ChannelTable{
		channels: make(map[uint32]*Channel),
		next:     ReservedChannel + 1,
	}
}

// Allocate assigns the next unused channel number to cb.
func (t *ChannelTable) Allocate(cb Callbacks, payload any) (*Channel, error) {
	const maxAttempts = 1 << 16

	for attempt := 0; attempt < maxAttempts; attempt++ {
		n := t.next
		t.next++
		if n == ReservedChannel {
			continue
		}
		if _, exists := t.channels[n]; exists {
			continue
		}

		ch := &Channel{Number: n, Callbacks: cb, Payload: payload}
		t.channels[n] = ch
		return ch, nil
	}

	return nil, fmt.Errorf("no free channel number after %d attempts", maxAttempts)
}

// Install binds cb to a fixed channel number, such as ReservedChannel.
func (t *ChannelTable) Install(number uint32, cb Callbacks, payload any) (*Channel, error) {
	if _, exists := t.channels[number]; exists {
		return nil, fmt.Errorf("channel %d already in use", number)
	}
	ch := &Channel{Number: number, Callbacks: cb, Payload: payload}
	t.channels[number] = ch
	return ch, nil
}

// Free removes ch from the table. Freeing an unknown channel is a no-op.
func (t *ChannelTable) Free(ch *Channel) {
	if ch == nil {
		return
	}
	if cur, ok := t.channels[ch.Number]; ok && cur == ch {
		delete(t.channels, ch.Number)
	}
}

// Find looks a channel up by number.
func (t *ChannelTable) Find(n uint32) (*Channel, bool) {
	ch, ok := t.channels[n]
	return ch, ok
}

// Len returns the number of live channels.
func (t *ChannelTable) Len() int {
	return len(t.channels)
}

// Clear drops every channel.
func (t *ChannelTable) Clear() {
	clear(t.channels)
}
