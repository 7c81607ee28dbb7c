// Package pipe connects a multiplexer node to a byte stream: a pump that
// moves the node's queues over an io.Reader/io.Writer pair, and providers
// that produce such pairs from worker processes or unix sockets.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/snowmerak/modmux/lib/bytequeue"
)

const readChunkSize = 32 * 1024

// ErrClosed is returned once the inbound stream has ended.
var ErrClosed = errors.New("pipe closed")

// StreamPump moves bytes between a node's queues and a stream. A reader
// goroutine hands inbound chunks over a channel; the queues themselves are
// only touched by the goroutine calling Pump or Poll.
type StreamPump struct {
	w       io.Writer
	in, out *bytequeue.Queue

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	chunks chan []byte
	err    error
}

// NewStreamPump starts reading r. Pump appends what arrives to in and
// writes out to w.
func NewStreamPump(ctx context.Context, r io.Reader, w io.Writer, in, out *bytequeue.Queue) *StreamPump {
	ctx, cancel := context.WithCancel(ctx)

	p := &StreamPump{
		w:      w,
		in:     in,
		out:    out,
		ctx:    ctx,
		cancel: cancel,
		group:  new(errgroup.Group),
		chunks: make(chan []byte, 16),
	}
	p.group.Go(func() error {
		return p.read(ctx, r)
	})
	return p
}

func (p *StreamPump) read(ctx context.Context, r io.Reader) error {
	defer close(p.chunks)
	for {
		buf := make([]byte, readChunkSize)
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case p.chunks <- buf[:n]:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			return err
		}
	}
}

// Pump writes everything queued outbound, then waits until at least one
// inbound chunk has been appended to the inbound queue. It has the shape of
// multiplexer.Pump.
func (p *StreamPump) Pump() error {
	if err := p.flush(); err != nil {
		return err
	}

	select {
	case c, ok := <-p.chunks:
		if !ok {
			return p.fail()
		}
		p.in.Append(c)
	case <-p.ctx.Done():
		p.err = fmt.Errorf("pump stopped: %w", p.ctx.Err())
		return p.err
	}
	p.drain()
	return nil
}

// Poll is Pump without the wait.
func (p *StreamPump) Poll() error {
	if err := p.flush(); err != nil {
		return err
	}
	if !p.drain() {
		return p.fail()
	}
	return nil
}

// drain appends every chunk already delivered. It reports false once the
// reader has stopped.
func (p *StreamPump) drain() bool {
	for {
		select {
		case c, ok := <-p.chunks:
			if !ok {
				return false
			}
			p.in.Append(c)
		default:
			return true
		}
	}
}

func (p *StreamPump) flush() error {
	if p.err != nil {
		return p.err
	}
	if p.out.Len() == 0 {
		return nil
	}
	if _, err := p.out.WriteTo(p.w); err != nil {
		p.err = fmt.Errorf("%w: failed to write to pipe: %w", ErrClosed, err)
		return p.err
	}
	return nil
}

func (p *StreamPump) fail() error {
	if p.err != nil {
		return p.err
	}
	err := p.group.Wait()
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe):
		p.err = ErrClosed
	default:
		p.err = fmt.Errorf("%w: failed to read from pipe: %w", ErrClosed, err)
	}
	return p.err
}

// Close stops waiting on the stream. A reader blocked inside Read stays
// blocked until the stream itself is closed.
func (p *StreamPump) Close() error {
	p.cancel()
	return nil
}

// Serve pumps and services inbound frames until the stream ends. A clean
// end of stream is not an error.
func Serve(p *StreamPump, service func()) error {
	for {
		if err := p.Pump(); err != nil {
			if err == ErrClosed {
				return nil
			}
			return err
		}
		service()
	}
}
