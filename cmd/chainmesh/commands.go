package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/hupe1980/chainmesh/callbacks"
	"github.com/hupe1980/chainmesh/config"
	"github.com/hupe1980/chainmesh/core"
	"github.com/hupe1980/chainmesh/logging"
	"github.com/hupe1980/chainmesh/observability"
	"github.com/hupe1980/chainmesh/parser"
	"github.com/hupe1980/chainmesh/runnable"
)

type runOptions struct {
	vars         map[string]string
	stream       bool
	logLevel     string
	logFormat    string
	otlpEndpoint string
	otlpInsecure bool
	metrics      bool
}

func buildRunCmd() *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run <pipeline.yaml>",
		Short: "Run a pipeline file",
		Long: `Run a prompt | model | parser pipeline described in YAML.

Prompt variables are passed with --var. Use the fake provider to try a
pipeline without credentials: it echoes the rendered prompt back.

Example:
  chainmesh run summarize.yaml --var text="$(cat notes.txt)" --stream`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPipeline(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], opts)
		},
	}
	cmd.Flags().StringToStringVar(&opts.vars, "var", nil, "Prompt variable as key=value (repeatable)")
	cmd.Flags().BoolVar(&opts.stream, "stream", false, "Stream output chunks as they arrive")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", "text", "Log format (text, json)")
	cmd.Flags().StringVar(&opts.otlpEndpoint, "otlp-endpoint", "", "OTLP gRPC endpoint for run traces")
	cmd.Flags().BoolVar(&opts.otlpInsecure, "otlp-insecure", false, "Disable TLS for the OTLP connection")
	cmd.Flags().BoolVar(&opts.metrics, "metrics", false, "Print run metrics to stderr when done")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chainmesh %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func runPipeline(ctx context.Context, stdout, stderr io.Writer, path string, opts runOptions) error {
	p, err := LoadPipeline(path)
	if err != nil {
		return err
	}
	chain, base, err := p.Build(ctx)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	runID := core.NewID()
	logger := logging.NewLogger(logging.LoggerConfig{
		Level:     level,
		Format:    opts.logFormat,
		Output:    stderr,
		Component: "cli",
	}).WithRun(runID)

	tp, shutdown, err := observability.NewTracerProvider(ctx, observability.TraceConfig{
		ServiceName:    "chainmesh",
		ServiceVersion: version,
		Endpoint:       opts.otlpEndpoint,
		Insecure:       opts.otlpInsecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("cli.tracing.shutdown_failed", "error", err.Error())
		}
	}()

	registry := prometheus.NewRegistry()
	handlers := []callbacks.Handler{
		callbacks.NewLoggingHandler(logger),
		observability.NewTracingHandler(tp),
		observability.NewMetricsHandler(observability.NewMetrics(registry)),
	}

	input := make(map[string]any, len(opts.vars))
	for k, v := range opts.vars {
		input[k] = v
	}
	cfgOpts := []config.Option{
		config.WithConfig(base),
		config.WithRunID(runID),
		config.WithLogger(logger),
		config.WithCallbacks(handlers...),
	}

	if opts.stream {
		err = streamTo(ctx, stdout, chain, input, cfgOpts)
	} else {
		var out any
		out, err = chain.Invoke(ctx, input, cfgOpts...)
		if err == nil {
			err = printResult(stdout, out)
		}
	}
	if opts.metrics {
		if merr := dumpMetrics(stderr, registry); merr != nil {
			logger.Warn("cli.metrics.dump_failed", "error", merr.Error())
		}
	}
	return err
}

func streamTo(ctx context.Context, w io.Writer, r runnable.Runnable, input any, cfgOpts []config.Option) error {
	s := runnable.StreamOf(ctx, r, input, cfgOpts...)
	defer s.Close()
	for chunk, err := range s.All() {
		if err != nil {
			return err
		}
		if text, terr := parser.Text(chunk); terr == nil {
			fmt.Fprint(w, text)
			continue
		}
		if err := printResult(w, chunk); err != nil {
			return err
		}
	}
	fmt.Fprintln(w)
	return nil
}

func printResult(w io.Writer, out any) error {
	if text, ok := out.(string); ok {
		_, err := fmt.Fprintln(w, text)
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func dumpMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
