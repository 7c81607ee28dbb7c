package multiplexer

import (
	"fmt"

	"github.com/snowmerak/modmux/lib/bytequeue"
)

// FrameType identifies one of the four frames of the wire protocol.
type FrameType uint8

const (
	FrameCall       FrameType = iota + 1 // Call expects a Return on the same channel
	FrameReturn                          // Return answers a Call
	FrameMessage                         // Message is one-way
	FrameDisconnect                      // Disconnect tears a channel down
)

// String returns the string representation of FrameType
func (t FrameType) String() string {
	switch t {
	case FrameCall:
		return "Call"
	case FrameReturn:
		return "Return"
	case FrameMessage:
		return "Message"
	case FrameDisconnect:
		return "Disconnect"
	default:
		return "Unknown"
	}
}

// Frame magics. No byte appears at more than one position across all of
// them, so a mismatch can always restart recognition at the current byte.
var (
	CallMagic       = [4]byte{0xC3, 0x9B, 0x71, 0xF9}
	ReturnMagic     = [4]byte{0x25, 0x5D, 0x01, 0x21}
	MessageMagic    = [4]byte{0x8F, 0xB1, 0xF0, 0x35}
	DisconnectMagic = [4]byte{0x9D, 0x76, 0xB2, 0x80}
	EndMagic        = [4]byte{0x6B, 0x8E, 0xB9, 0xA4}
)

const (
	// ChannelFieldSize is the size of the channel number carried by every frame.
	ChannelFieldSize = 4
	// FrameOverhead is every byte of a frame except its payload.
	FrameOverhead = 4 + 4 + ChannelFieldSize + 4
)

func magicOf(t FrameType) ([4]byte, error) {
	switch t {
	case FrameCall:
		return CallMagic, nil
	case FrameReturn:
		return ReturnMagic, nil
	case FrameMessage:
		return MessageMagic, nil
	case FrameDisconnect:
		return DisconnectMagic, nil
	default:
		return [4]byte{}, fmt.Errorf("unknown frame type: %d", t)
	}
}

// Frame is one decoded unit of the wire protocol.
type Frame struct {
	Type    FrameType
	Channel uint32
	Payload *bytequeue.Queue
}

// EncodeFrame appends a complete frame to out. The payload blocks are moved,
// not copied, leaving payload empty. A nil payload encodes an empty frame.
func EncodeFrame(out *bytequeue.Queue, t FrameType, channel uint32, payload *bytequeue.Queue) error {
	magic, err := magicOf(t)
	if err != nil {
		return err
	}
	if out == nil {
		return fmt.Errorf("output queue is nil")
	}

	length := ChannelFieldSize + payload.Len()
	if uint64(length) > 0xFFFFFFFF {
		return fmt.Errorf("payload length %d exceeds maximum frame size", payload.Len())
	}

	out.Append(magic[:])
	out.AppendUint32(uint32(length))
	out.AppendUint32(channel)
	if payload != nil {
		bytequeue.AppendQueue(out, payload)
	}
	out.Append(EndMagic[:])
	return nil
}
