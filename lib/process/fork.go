// Package process starts worker processes whose stdin and stdout carry the
// module pipe.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"go.uber.org/multierr"
)

// waitDelay bounds how long Wait keeps copying stdout after the worker has
// exited, in case a grandchild still holds the descriptor.
const waitDelay = 2 * time.Second

// Options controls how a worker is started.
type Options struct {
	Args []string
	Env  []string

	// Stderr receives the worker's diagnostics. It must not be the pipe;
	// the default is the host's own stderr.
	Stderr io.Writer
}

// Process is a running worker. It is reaped as soon as it exits; readers of
// Stdout then see EOF, or the exit error when the worker failed.
type Process struct {
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	stdoutReader *io.PipeReader

	done chan struct{}
	err  error
}

// Fork starts the executable at path. The process is killed when ctx ends.
func Fork(ctx context.Context, path string, opts Options) (*Process, error) {
	cmd := exec.CommandContext(ctx, path, opts.Args...)
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	cmd.WaitDelay = waitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdoutReader, stdoutWriter := io.Pipe()
	cmd.Stdout = stdoutWriter
	cmd.Stderr = opts.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	p := &Process{
		cmd:          cmd,
		stdin:        stdin,
		stdoutReader: stdoutReader,
		done:         make(chan struct{}),
	}
	go p.reap(stdoutWriter)
	return p, nil
}

func (p *Process) reap(stdout *io.PipeWriter) {
	defer close(p.done)
	if err := p.cmd.Wait(); err != nil {
		p.err = fmt.Errorf("process exited with error: %w", err)
		stdout.CloseWithError(p.err)
		return
	}
	stdout.Close()
}

// Pid returns the worker's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

func (p *Process) Stdin() io.WriteCloser {
	return p.stdin
}

func (p *Process) Stdout() *io.PipeReader {
	return p.stdoutReader
}

// Done is closed once the worker has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait waits for the worker to exit and returns its exit error.
func (p *Process) Wait() error {
	<-p.done
	return p.err
}

// Close closes both pipe ends, kills the worker if it is still running and
// waits for it to be reaped.
func (p *Process) Close() error {
	var errs error
	if err := p.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		errs = multierr.Append(errs, fmt.Errorf("failed to close stdin: %w", err))
	}
	if err := p.stdoutReader.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to close stdout reader: %w", err))
	}

	select {
	case <-p.done:
		return errs
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		errs = multierr.Append(errs, fmt.Errorf("failed to kill process: %w", err))
	}
	<-p.done
	return errs
}
