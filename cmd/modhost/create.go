package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/snowmerak/modmux/example/adder"
	"github.com/snowmerak/modmux/lib/bytequeue"
	"github.com/snowmerak/modmux/lib/component"
	"github.com/snowmerak/modmux/lib/pipe"
	"github.com/snowmerak/modmux/lib/process"
)

func newCreateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "create <class-id> <interface-id>",
		Short: "Spawn a worker and create an instance inside it",
		Long: `Spawn a worker, ask it to create an instance of the class and report the
proxy that comes back. Ids accept decimal or 0x-prefixed hex.

The worker is transport.worker_path (default: this executable) started with
transport.worker_args (default: "worker").`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cid, err := strconv.ParseUint(args[0], 0, 64)
			if err != nil {
				return fmt.Errorf("invalid class id %q: %w", args[0], err)
			}
			iid, err := strconv.ParseUint(args[1], 0, 64)
			if err != nil {
				return fmt.Errorf("invalid interface id %q: %w", args[1], err)
			}
			return runCreate(cmd.Context(), a, cmd.OutOrStdout(), component.ClassID(cid), component.InterfaceID(iid))
		},
	}
}

func (a *app) workerCommand() (string, []string, error) {
	path := a.cfg.Transport.WorkerPath
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return "", nil, fmt.Errorf("failed to locate modhost: %w", err)
		}
		path = self
	}

	args := a.cfg.Transport.WorkerArgs
	if len(args) == 0 {
		args = []string{"worker"}
		if a.cfgFile != "" {
			args = append(args, "--config", a.cfgFile)
		}
	}
	return path, args, nil
}

// hostStream starts the worker and returns the stream to it. With a socket
// path configured, the worker is forked with the path in its environment
// and the stream is the accepted connection.
func (a *app) hostStream(ctx context.Context) (io.Reader, io.Writer, func() error, error) {
	path, args, err := a.workerCommand()
	if err != nil {
		return nil, nil, nil, err
	}
	stdio := &pipe.StdioProvider{Options: process.Options{Args: args, Stderr: os.Stderr}}

	socketPath := a.cfg.Transport.SocketPath
	if socketPath == "" {
		r, w, err := stdio.CreateChannel(ctx, path)
		if err != nil {
			return nil, nil, nil, err
		}
		return r, w, stdio.Close, nil
	}

	server := pipe.NewUnixSocketProvider(socketPath, true)
	if err := server.Listen(); err != nil {
		return nil, nil, nil, err
	}
	stdio.Options.Env = []string{"MODMUX_TRANSPORT_SOCKET_PATH=" + server.SocketPath()}
	if _, _, err := stdio.CreateChannel(ctx, path); err != nil {
		server.Close()
		return nil, nil, nil, err
	}
	r, w, err := server.CreateChannel(ctx, "")
	if err != nil {
		stdio.Close()
		server.Close()
		return nil, nil, nil, err
	}
	closeAll := func() error {
		return multierr.Combine(server.Close(), stdio.Close())
	}
	return r, w, closeAll, nil
}

func runCreate(ctx context.Context, a *app, out io.Writer, cid component.ClassID, iid component.InterfaceID) error {
	rt, err := a.newRuntime(component.RoleMain)
	if err != nil {
		return err
	}
	defer rt.Shutdown()

	r, w, closeStream, err := a.hostStream(ctx)
	if err != nil {
		return err
	}
	defer closeStream()

	in, outq := bytequeue.New(), bytequeue.New()
	pump := pipe.NewStreamPump(ctx, r, w, in, outq)
	defer pump.Close()
	if err := rt.AttachPipe(pump.Pump, in, outq); err != nil {
		return err
	}

	obj, err := rt.CreateInstance(cid, nil, component.UseSlaveProcess, iid)
	if err != nil {
		return fmt.Errorf("failed to create %s in worker: %w", cid, err)
	}
	fmt.Fprintf(out, "created %s as %s in worker\n", cid, iid)

	if ad, err := adder.As(obj); err == nil {
		if name, err := ad.Name(); err == nil {
			fmt.Fprintf(out, "adder reports name %q\n", name)
		}
		ad.Release()
	}
	obj.Release()

	if err := pump.Poll(); err != nil && !errors.Is(err, pipe.ErrClosed) {
		return err
	}
	a.reportMetrics()
	return nil
}
