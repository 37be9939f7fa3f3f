package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/axiomhq/digest/exporter"
	"github.com/axiomhq/digest/reporting"
)

type serveCommand struct {
	configPath    string
	bindAddr      string
	telemetryPath string
}

func (c *serveCommand) Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "feed distributions from `name value` lines on stdin and serve them as prometheus metrics",
		Args:  cobra.NoArgs,
		RunE:  c.RunE,
	}

	cmd.Flags().StringVar(&c.configPath, "config",
		"distributions.yaml", "filepath of the distributions configuration")
	_ = cmd.MarkFlagFilename("config", "yaml", "yml")

	cmd.Flags().StringVar(&c.bindAddr, "bind-addr",
		":9000", "address to bind the prometheus server to")

	cmd.Flags().StringVar(&c.telemetryPath, "telemetry-path",
		"/metrics", "endpoint at which prometheus metrics are served")

	return cmd
}

func (c *serveCommand) RunE(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log, err := newLogger("serve")
	if err != nil {
		return fmt.Errorf("new logger: %w", err)
	}

	config, err := LoadConfig(c.configPath)
	if err != nil {
		return fmt.Errorf("load config '%s': %w", c.configPath, err)
	}

	collector, sinks, err := buildCollector(config, log.WithName("collector"))
	if err != nil {
		return fmt.Errorf("build collector: %w", err)
	}

	registry := prometheus.NewRegistry()
	if err := registry.Register(collector); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	prometheusExporter, err := exporter.New(
		exporter.WithBindAddress(c.bindAddr),
		exporter.WithTelemetryPath(c.telemetryPath),
		exporter.WithRegistry(registry),
		exporter.WithLogger(log.WithName("exporter")),
	)
	if err != nil {
		return fmt.Errorf("new exporter: %w", err)
	}
	defer prometheusExporter.Close()

	g, ctx := errgroup.WithContext(ctx)
	lines := scanLines(ctx, cmd.InOrStdin(), log)

	g.Go(func() error {
		if err := prometheusExporter.Run(ctx); err != nil {
			return fmt.Errorf("prometheus exporter run: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return feed(ctx, lines, sinks, log)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// sink records a value parsed from an input line.
type sink func(value float64) error

// buildCollector creates the configured distributions and registers them
// with a new collector.
func buildCollector(config *Config, log logr.Logger) (*reporting.Collector, map[string]sink, error) {
	collector, err := reporting.NewCollector(
		reporting.WithNamespace(config.Namespace),
		reporting.WithLogger(log),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("new collector: %w", err)
	}

	sinks := make(map[string]sink, len(config.Distributions))
	for _, dc := range config.Distributions {
		switch dc.Kind {
		case kindTime:
			td, err := reporting.NewTimeDistribution(dc.options()...)
			if err != nil {
				return nil, nil, fmt.Errorf("distribution '%s': %w", dc.Name, err)
			}
			if err := collector.RegisterTimeDistribution(dc.Name, td); err != nil {
				return nil, nil, fmt.Errorf("register '%s': %w", dc.Name, err)
			}

			unit := float64(dc.Unit)
			sinks[dc.Name] = func(v float64) error {
				td.Add(time.Duration(v * unit))
				return nil
			}
		case kindValue:
			d, err := reporting.NewDistribution(dc.options()...)
			if err != nil {
				return nil, nil, fmt.Errorf("distribution '%s': %w", dc.Name, err)
			}
			if err := collector.RegisterDistribution(dc.Name, d); err != nil {
				return nil, nil, fmt.Errorf("register '%s': %w", dc.Name, err)
			}

			sinks[dc.Name] = d.Add
		}
	}

	return collector, sinks, nil
}

// scanLines reads r line by line in the background. The channel is closed
// once r is exhausted or ctx is done.
func scanLines(ctx context.Context, r io.Reader, log logr.Logger) <-chan string {
	lines := make(chan string)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Error(err, "scan input")
		}
	}()

	return lines
}

// feed routes `name value` lines to their sinks until lines is closed or ctx
// is done. Malformed lines are logged and skipped.
func feed(ctx context.Context, lines <-chan string, sinks map[string]sink, log logr.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				log.Info("input exhausted")
				return nil
			}

			if err := feedLine(line, sinks); err != nil {
				log.WithValues("line", line).Error(err, "skipping line")
			}
		}
	}
}

func feedLine(line string, sinks map[string]sink) error {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return nil
	}
	if len(fields) != 2 {
		return fmt.Errorf("expected `name value`, got %d fields", len(fields))
	}

	s, found := sinks[fields[0]]
	if !found {
		return fmt.Errorf("unknown distribution '%s'", fields[0])
	}

	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return fmt.Errorf("parse value: %w", err)
	}

	return s(v)
}
