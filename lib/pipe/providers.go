package pipe

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/snowmerak/modmux/lib/process"
)

// CommunicationProvider produces the byte stream a pipe runs over.
type CommunicationProvider interface {
	// CreateChannel opens a stream to the peer at path.
	CreateChannel(ctx context.Context, path string) (io.Reader, io.Writer, error)
	// Close releases whatever CreateChannel acquired.
	Close() error
}

// StdioProvider forks the worker at path and talks over its stdin/stdout.
type StdioProvider struct {
	Options process.Options

	proc *process.Process
}

// CreateChannel implements CommunicationProvider.
func (s *StdioProvider) CreateChannel(ctx context.Context, path string) (io.Reader, io.Writer, error) {
	if s.proc != nil {
		return nil, nil, fmt.Errorf("worker already running")
	}
	p, err := process.Fork(ctx, path, s.Options)
	if err != nil {
		return nil, nil, err
	}
	s.proc = p
	return p.Stdout(), p.Stdin(), nil
}

// Process returns the forked worker, or nil.
func (s *StdioProvider) Process() *process.Process {
	return s.proc
}

// Close implements CommunicationProvider. The worker is killed.
func (s *StdioProvider) Close() error {
	if s.proc == nil {
		return nil
	}
	err := s.proc.Close()
	s.proc = nil
	return err
}

// CustomProvider hands out a fixed reader and writer.
type CustomProvider struct {
	Reader io.Reader
	Writer io.Writer
}

// CreateChannel implements CommunicationProvider.
func (c *CustomProvider) CreateChannel(ctx context.Context, path string) (io.Reader, io.Writer, error) {
	return c.Reader, c.Writer, nil
}

// Close implements CommunicationProvider.
func (c *CustomProvider) Close() error {
	return nil
}

// DefaultSocketPath returns a fresh socket path in the temp directory.
func DefaultSocketPath() string {
	return filepath.Join(os.TempDir(), "modmux-"+uuid.NewString()+".sock")
}

// UnixSocketProvider runs the pipe over a unix domain socket. The server
// listens and accepts one connection; the client dials.
type UnixSocketProvider struct {
	// Timeout bounds the accept on the server and the wait for the socket
	// file on the client.
	Timeout time.Duration

	socketPath string
	listener   net.Listener
	conn       net.Conn
	isServer   bool
}

// NewUnixSocketProvider creates a provider for socketPath, or for
// DefaultSocketPath when socketPath is empty.
func NewUnixSocketProvider(socketPath string, isServer bool) *UnixSocketProvider {
	if socketPath == "" {
		socketPath = DefaultSocketPath()
	}
	return &UnixSocketProvider{
		Timeout:    5 * time.Second,
		socketPath: socketPath,
		isServer:   isServer,
	}
}

// SocketPath returns the socket file path.
func (u *UnixSocketProvider) SocketPath() string {
	return u.socketPath
}

// Listen creates the server's listener ahead of CreateChannel, so a client
// may be started in between.
func (u *UnixSocketProvider) Listen() error {
	if !u.isServer {
		return fmt.Errorf("only the server side listens")
	}
	if u.listener != nil {
		return nil
	}
	os.Remove(u.socketPath)

	listener, err := net.Listen("unix", u.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create Unix socket listener: %w", err)
	}
	u.listener = listener
	return nil
}

// CreateChannel implements CommunicationProvider. path is unused.
func (u *UnixSocketProvider) CreateChannel(ctx context.Context, path string) (io.Reader, io.Writer, error) {
	if u.isServer {
		return u.accept(ctx)
	}
	return u.dial(ctx)
}

func (u *UnixSocketProvider) accept(ctx context.Context) (io.Reader, io.Writer, error) {
	if err := u.Listen(); err != nil {
		return nil, nil, err
	}

	l := u.listener
	connChan := make(chan net.Conn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		u.conn = conn
		return conn, conn, nil
	case err := <-errChan:
		return nil, nil, fmt.Errorf("failed to accept connection: %w", err)
	case <-time.After(u.Timeout):
		l.Close()
		u.listener = nil
		return nil, nil, fmt.Errorf("timeout waiting for connection")
	case <-ctx.Done():
		l.Close()
		u.listener = nil
		return nil, nil, ctx.Err()
	}
}

func (u *UnixSocketProvider) dial(ctx context.Context) (io.Reader, io.Writer, error) {
	ctx, cancel := context.WithTimeout(ctx, u.Timeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := os.Stat(u.socketPath); err == nil {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, nil, fmt.Errorf("socket %s never appeared: %w", u.socketPath, ctx.Err())
		}
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", u.socketPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to Unix socket: %w", err)
	}
	u.conn = conn
	return conn, conn, nil
}

// Close implements CommunicationProvider. The server removes the socket
// file.
func (u *UnixSocketProvider) Close() error {
	var errs error
	if u.conn != nil {
		errs = multierr.Append(errs, u.conn.Close())
		u.conn = nil
	}
	if u.listener != nil {
		errs = multierr.Append(errs, u.listener.Close())
		u.listener = nil
	}
	if u.isServer {
		os.Remove(u.socketPath)
	}
	if errs != nil {
		return fmt.Errorf("close errors: %w", errs)
	}
	return nil
}
