package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/snowmerak/modmux/lib/bytequeue"
	"github.com/snowmerak/modmux/lib/component"
	"github.com/snowmerak/modmux/lib/pipe"
)

func newWorkerCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Serve modules to a host over stdin/stdout or a unix socket",
		Long: `Run as the slave process. Configured modules are loaded, the pipe is
attached and frames are serviced until the host closes the stream.

When transport.socket_path is set the worker dials that socket instead of
using stdin/stdout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), a)
		},
	}
}

func workerStream(ctx context.Context, a *app) (io.Reader, io.Writer, pipe.CommunicationProvider, error) {
	var provider pipe.CommunicationProvider
	if path := a.cfg.Transport.SocketPath; path != "" {
		provider = pipe.NewUnixSocketProvider(path, false)
	} else {
		provider = &pipe.CustomProvider{Reader: os.Stdin, Writer: os.Stdout}
	}
	r, w, err := provider.CreateChannel(ctx, "")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open pipe: %w", err)
	}
	return r, w, provider, nil
}

func runWorker(ctx context.Context, a *app) error {
	rt, err := a.newRuntime(component.RoleSlave)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Shutdown(); err != nil {
			a.logger.Warn("shutdown finished with errors", "err", err)
		}
	}()

	r, w, provider, err := workerStream(ctx, a)
	if err != nil {
		return err
	}
	defer provider.Close()

	in, out := bytequeue.New(), bytequeue.New()
	pump := pipe.NewStreamPump(ctx, r, w, in, out)
	defer pump.Close()
	if err := rt.AttachPipe(pump.Pump, in, out); err != nil {
		return err
	}

	a.logger.Info("worker serving", "pid", os.Getpid())

	interval := a.cfg.MaintenanceInterval
	last := time.Now()
	err = pipe.Serve(pump, func() {
		rt.Node().Service()
		if interval > 0 && time.Since(last) >= interval {
			rt.ModuleMaintenance()
			last = time.Now()
		}
	})
	a.reportMetrics()
	if err != nil {
		return fmt.Errorf("worker pipe failed: %w", err)
	}
	a.logger.Info("host closed the pipe")
	return nil
}
