// Package bytequeue provides an append/consume byte buffer built from
// fixed-size blocks. It is the substrate the frame codec and the marshaler
// move bytes through.
package bytequeue

import (
	"encoding/binary"
	"io"
)

// BlockSize is the capacity of a single block.
const BlockSize = 4096

type block struct {
	next *block
	data [BlockSize]byte
	head int // first unread byte
	tail int // one past the last written byte
}

func (b *block) unread() int {
	return b.tail - b.head
}

// Queue is an ordered sequence of byte blocks.
// The zero value is an empty queue ready to use.
type Queue struct {
	head  *block
	tail  *block
	count int
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{}
}

// Reset empties the queue.
func (q *Queue) Reset() {
	q.Empty()
}

// Empty releases all blocks.
func (q *Queue) Empty() {
	for q.head != nil {
		next := q.head.next
		q.head.next = nil
		q.head = next
	}
	q.tail = nil
	q.count = 0
}

// Len returns the number of unread bytes.
func (q *Queue) Len() int {
	if q == nil {
		return 0
	}
	return q.count
}

// Append copies p to the tail of the queue, allocating blocks as needed.
func (q *Queue) Append(p []byte) {
	for len(p) > 0 {
		if q.tail == nil || q.tail.tail == BlockSize {
			b := &block{}
			if q.tail == nil {
				q.head = b
			} else {
				q.tail.next = b
			}
			q.tail = b
		}

		n := copy(q.tail.data[q.tail.tail:], p)
		q.tail.tail += n
		q.count += n
		p = p[n:]
	}
}

// AppendQueue moves every block of src to the end of dst without copying
// byte contents. src is left empty.
func AppendQueue(dst, src *Queue) {
	if dst == nil || src == nil || dst == src || src.head == nil {
		return
	}

	if dst.tail == nil {
		dst.head = src.head
	} else {
		dst.tail.next = src.head
	}
	dst.tail = src.tail
	dst.count += src.count

	src.head = nil
	src.tail = nil
	src.count = 0
}

// discardExhausted drops leading blocks with nothing left to read, so an
// empty block is never left at the head after a read.
func (q *Queue) discardExhausted() {
	for q.head != nil && q.head.unread() == 0 {
		next := q.head.next
		q.head.next = nil
		q.head = next
		if q.head == nil {
			q.tail = nil
		}
	}
}

// GetByte pops one byte.
func (q *Queue) GetByte() (byte, bool) {
	if q == nil {
		return 0, false
	}
	q.discardExhausted()
	if q.head == nil {
		return 0, false
	}

	c := q.head.data[q.head.head]
	q.head.head++
	q.count--
	q.discardExhausted()
	return c, true
}

// GetBytes pops up to len(p) bytes into p, spanning blocks as needed, and
// reports how many were copied. ok is false only if q is nil.
func (q *Queue) GetBytes(p []byte) (n int, ok bool) {
	if q == nil {
		return 0, false
	}

	for n < len(p) {
		q.discardExhausted()
		if q.head == nil {
			break
		}
		c := copy(p[n:], q.head.data[q.head.head:q.head.tail])
		q.head.head += c
		q.count -= c
		n += c
	}
	q.discardExhausted()
	return n, true
}

// Skip discards up to n bytes and returns how many were dropped.
func (q *Queue) Skip(n int) int {
	dropped := 0
	for dropped < n {
		q.discardExhausted()
		if q.head == nil {
			break
		}
		c := min(q.head.unread(), n-dropped)
		q.head.head += c
		q.count -= c
		dropped += c
	}
	q.discardExhausted()
	return dropped
}

// Bytes returns a copy of the unread bytes without consuming them.
func (q *Queue) Bytes() []byte {
	out := make([]byte, 0, q.Len())
	if q == nil {
		return out
	}
	for b := q.head; b != nil; b = b.next {
		out = append(out, b.data[b.head:b.tail]...)
	}
	return out
}

// Write appends p. It never fails.
func (q *Queue) Write(p []byte) (int, error) {
	q.Append(p)
	return len(p), nil
}

// Read consumes up to len(p) bytes. It returns io.EOF once the queue is empty.
func (q *Queue) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, _ := q.GetBytes(p)
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// WriteTo drains the queue into w block by block. Bytes that w did not
// accept stay queued.
func (q *Queue) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for {
		q.discardExhausted()
		if q.head == nil {
			return total, nil
		}
		n, err := w.Write(q.head.data[q.head.head:q.head.tail])
		q.head.head += n
		q.count -= n
		total += int64(n)
		if err != nil {
			q.discardExhausted()
			return total, err
		}
	}
}

// AppendUint32 appends v as 4 little-endian bytes.
func (q *Queue) AppendUint32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	q.Append(buf[:])
}

// AppendUint64 appends v as 8 little-endian bytes.
func (q *Queue) AppendUint64(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	q.Append(buf[:])
}

// GetUint32 pops 4 little-endian bytes. It reports false, consuming
// whatever was there, if fewer than 4 bytes were queued.
func (q *Queue) GetUint32() (uint32, bool) {
	var buf [4]byte
	n, ok := q.GetBytes(buf[:])
	if !ok || n != len(buf) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(buf[:]), true
}

// GetUint64 pops 8 little-endian bytes.
func (q *Queue) GetUint64() (uint64, bool) {
	var buf [8]byte
	n, ok := q.GetBytes(buf[:])
	if !ok || n != len(buf) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(buf[:]), true
}
