package main

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/snowmerak/modmux/example/adder"
	"github.com/snowmerak/modmux/lib/component"
	"github.com/snowmerak/modmux/lib/config"
	"github.com/snowmerak/modmux/lib/multiplexer"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	cfgFile  string
	logLevel string

	cfg      *config.Config
	logger   *log.Logger
	registry *prometheus.Registry
	metrics  *multiplexer.Metrics
}

func newRootCommand() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "modhost",
		Short: "Host loadable modules and reach them across processes",
		Long: `modhost loads component modules and serves them over a framed pipe.

Examples:
  modhost modules --config modhost.yaml
  modhost create 0x0000000200000101 0x0000000200000001
  modhost worker`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}

	cmd.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (yaml, toml or json)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level, overrides the config (debug, info, warn, error)")

	cmd.AddCommand(newWorkerCommand(a))
	cmd.AddCommand(newModulesCommand(a))
	cmd.AddCommand(newCreateCommand(a))
	return cmd
}

func (a *app) init() error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level := cfg.Log.Level
	if a.logLevel != "" {
		level = a.logLevel
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse log level %q: %w", level, err)
	}

	// stdout may be the pipe; logs always go to stderr.
	a.logger = log.NewWithOptions(os.Stderr, log.Options{
		Prefix:          "modhost",
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
	})

	a.registry = prometheus.NewRegistry()
	a.metrics, err = multiplexer.NewMetrics("modhost", a.registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	return nil
}

// newRuntime initializes a runtime for role with the built-in adder class
// and every configured module.
func (a *app) newRuntime(role component.Role) (*component.Runtime, error) {
	rt := component.New(
		component.WithLogger(a.logger.WithPrefix("component")),
		component.WithMetrics(a.metrics),
	)
	if err := rt.Init(role); err != nil {
		return nil, err
	}

	if err := adder.NewClass("builtin " + role.String()).RegisterMain(rt); err != nil {
		return nil, fmt.Errorf("failed to register built-in classes: %w", err)
	}

	for _, m := range a.cfg.Modules {
		mod, err := rt.AddModule(m.Name, m.Path)
		if err != nil {
			a.logger.Warn("module not registered", "module", m.Name, "err", err)
			continue
		}
		a.logger.Info("module added", "module", mod.Name, "state", mod.State())
	}
	return rt, nil
}

// reportMetrics logs every pipe counter at debug level.
func (a *app) reportMetrics() {
	families, err := a.registry.Gather()
	if err != nil {
		a.logger.Debug("failed to gather metrics", "err", err)
		return
	}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			var value float64
			switch {
			case m.GetCounter() != nil:
				value = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				value = m.GetGauge().GetValue()
			}
			labels := make([]any, 0, 2*len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				labels = append(labels, l.GetName(), l.GetValue())
			}
			a.logger.Debug(f.GetName(), append(labels, "value", value)...)
		}
	}
}
