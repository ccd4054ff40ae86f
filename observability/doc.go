// Package observability exports run traces to OpenTelemetry and Prometheus.
//
// Both exporters are callbacks.Handler implementations, so they see exactly
// the runs the callback manager reports and inherit its isolation guarantee:
// an exporter failure is logged and never affects the run.
//
//	tp, shutdown, err := observability.NewTracerProvider(ctx, observability.TraceConfig{
//	    ServiceName: "chainmesh",
//	    Endpoint:    os.Getenv("OTEL_ENDPOINT"),
//	})
//	defer shutdown(ctx)
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	cfg := config.Ensure(config.WithCallbacks(
//	    observability.NewTracingHandler(tp),
//	    observability.NewMetricsHandler(metrics),
//	))
package observability
