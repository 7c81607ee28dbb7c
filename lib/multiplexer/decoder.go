package multiplexer

import (
	"encoding/binary"

	"github.com/snowmerak/modmux/lib/bytequeue"
)

// decoder states. The first 13 recognize magics and are driven by the
// transition table; the rest count fixed-size fields.
const (
	stStart uint8 = iota
	stMagic       // 12 states: stMagic + 3*type + (matched-1)
	stLength      = stMagic + 12
	stChannel     = stLength + 1
	stPayload     = stChannel + 1
	stEnd         = stPayload + 1

	numMagicStates = int(stMagic) + 12
	numClasses     = 1 + 4*4 // class 0 is "any other byte"
)

const (
	// drainChunk bounds how many payload bytes move per step.
	drainChunk = 512
	// DefaultMaxPayload bounds the memory a single partial frame can hold.
	DefaultMaxPayload = 16 << 20
)

var magics = [4]*[4]byte{&CallMagic, &ReturnMagic, &MessageMagic, &DisconnectMagic}

var (
	inputClass [256]uint8
	transition [numMagicStates][numClasses]uint8
)

func init() {
	for t, m := range magics {
		for i, b := range m {
			inputClass[b] = uint8(1 + 4*t + i)
		}
	}

	for s := 0; s < numMagicStates; s++ {
		for c := 0; c < numClasses; c++ {
			next := stStart
			if c != 0 {
				t, i := (c-1)/4, (c-1)%4
				switch {
				case i == 0:
					// The first byte of any magic always (re)starts recognition.
					next = stMagic + uint8(3*t)
				case s >= int(stMagic) && (s-int(stMagic))/3 == t && (s-int(stMagic))%3 == i-1:
					if i == 3 {
						next = stLength
					} else {
						next = stMagic + uint8(3*t+i)
					}
				}
			}
			transition[s][c] = next
		}
	}
}

// DropReason tells why the decoder discarded bytes.
type DropReason string

const (
	DropGarbage    DropReason = "garbage"
	DropShortFrame DropReason = "short frame"
	DropOversize   DropReason = "oversize frame"
	DropBadEnd     DropReason = "bad end magic"
)

// Decoder turns a byte stream into frames. It keeps its state across calls,
// so input may arrive split at any byte boundary.
type Decoder struct {
	state     uint8
	frameType FrameType
	count     int // bytes accumulated in the current fixed-size field
	lengthAcc [4]byte
	chanAcc   [4]byte
	remaining int
	payload   *bytequeue.Queue

	maxPayload int
	onDrop     func(reason DropReason, n int)
	chunk      [drainChunk]byte
}

// NewDecoder returns a decoder at start-of-frame.
func NewDecoder() *Decoder {
	return &Decoder{
		payload:    bytequeue.New(),
		maxPayload: DefaultMaxPayload,
	}
}

// SetMaxPayload changes the largest payload accepted before a frame is
// treated as garbage.
func (d *Decoder) SetMaxPayload(n int) {
	d.maxPayload = n
}

// OnDrop installs a hook observing discarded input.
func (d *Decoder) OnDrop(fn func(reason DropReason, n int)) {
	d.onDrop = fn
}

// Reset returns the decoder to start-of-frame and clears the partial frame.
func (d *Decoder) Reset() {
	d.state = stStart
	d.frameType = 0
	d.count = 0
	d.remaining = 0
	d.payload.Empty()
}

func (d *Decoder) drop(reason DropReason, n int) {
	if d.onDrop != nil {
		d.onDrop(reason, n)
	}
	d.Reset()
}

// Decode consumes bytes from in until a whole frame is decoded or in runs
// dry. The returned frame owns its payload queue.
func (d *Decoder) Decode(in *bytequeue.Queue) (Frame, bool) {
	for {
		if d.state == stPayload {
			if in.Len() == 0 {
				return Frame{}, false
			}
			d.drainPayload(in)
			continue
		}

		c, ok := in.GetByte()
		if !ok {
			return Frame{}, false
		}
		if f, done := d.Feed(c); done {
			return f, true
		}
	}
}

func (d *Decoder) drainPayload(in *bytequeue.Queue) {
	want := min(d.remaining, drainChunk)
	n, _ := in.GetBytes(d.chunk[:want])
	d.payload.Append(d.chunk[:n])
	d.remaining -= n
	if d.remaining == 0 {
		d.state = stEnd
		d.count = 0
	}
}

// Feed advances the automaton by one byte.
func (d *Decoder) Feed(c byte) (Frame, bool) {
	switch {
	case d.state < stLength:
		prev := d.state
		d.state = transition[prev][inputClass[c]]
		if d.state == stLength {
			d.frameType = FrameType((prev-stMagic)/3 + 1)
			d.count = 0
			break
		}

		// A partial magic that was not continued is garbage, and so is the
		// current byte unless it started a new magic.
		lost := 0
		if prev >= stMagic && !(d.state == prev+1 && (prev-stMagic)%3 < 2) {
			lost = int((prev-stMagic)%3) + 1
		}
		if d.state == stStart {
			lost++
		}
		if lost > 0 && d.onDrop != nil {
			d.onDrop(DropGarbage, lost)
		}

	case d.state == stLength:
		d.lengthAcc[d.count] = c
		d.count++
		if d.count < len(d.lengthAcc) {
			break
		}
		length := int(binary.LittleEndian.Uint32(d.lengthAcc[:]))
		switch {
		case length < ChannelFieldSize:
			d.drop(DropShortFrame, 8)
		case length-ChannelFieldSize > d.maxPayload:
			d.drop(DropOversize, 8)
		default:
			d.remaining = length - ChannelFieldSize
			d.state = stChannel
			d.count = 0
		}

	case d.state == stChannel:
		d.chanAcc[d.count] = c
		d.count++
		if d.count < len(d.chanAcc) {
			break
		}
		d.count = 0
		if d.remaining > 0 {
			d.state = stPayload
		} else {
			d.state = stEnd
		}

	case d.state == stPayload:
		d.payload.Append([]byte{c})
		d.remaining--
		if d.remaining == 0 {
			d.state = stEnd
			d.count = 0
		}

	case d.state == stEnd:
		if c != EndMagic[d.count] {
			d.drop(DropBadEnd, FrameOverhead+d.payload.Len())
			// The mismatching byte may begin the next frame.
			return d.Feed(c)
		}
		d.count++
		if d.count < len(EndMagic) {
			break
		}

		f := Frame{
			Type:    d.frameType,
			Channel: binary.LittleEndian.Uint32(d.chanAcc[:]),
			Payload: d.payload,
		}
		d.payload = bytequeue.New()
		d.Reset()
		return f, true
	}

	return Frame{}, false
}
