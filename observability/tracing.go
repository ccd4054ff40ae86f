package observability

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/chainmesh/callbacks"
)

// Span attribute keys set on every run span.
const (
	AttrRunID       = attribute.Key("chainmesh.run.id")
	AttrParentRunID = attribute.Key("chainmesh.run.parent_id")
	AttrKind        = attribute.Key("chainmesh.run.kind")
	AttrName        = attribute.Key("chainmesh.run.name")
	AttrTags        = attribute.Key("chainmesh.run.tags")
	AttrChunks      = attribute.Key("chainmesh.run.chunks")
)

const instrumentationName = "github.com/hupe1980/chainmesh"

// TraceConfig configures NewTracerProvider.
type TraceConfig struct {
	// ServiceName identifies this process in traces. Default "chainmesh".
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Endpoint is the OTLP gRPC collector address (e.g. "localhost:4317").
	// Empty returns the global provider and exports nothing.
	Endpoint string
	Insecure bool

	// SamplingRate is the fraction of traces recorded. 0 means 1.0.
	SamplingRate float64

	// Attributes are added to the resource of every span.
	Attributes map[string]string
}

// NewTracerProvider builds an OTLP exporting tracer provider, installs it as
// the global provider and returns it with its shutdown function.
func NewTracerProvider(ctx context.Context, cfg TraceConfig) (trace.TracerProvider, func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return otel.GetTracerProvider(), func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "chainmesh"
	}
	if cfg.SamplingRate == 0 {
		cfg.SamplingRate = 1
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	if err != nil {
		return nil, nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	for k, v := range cfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SamplingRate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return provider, provider.Shutdown, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// TracingHandler turns runs into spans. A run's span is a child of its
// parent run's span; a root run's span is a child of whatever span the
// caller's context carries.
type TracingHandler struct {
	callbacks.BaseHandler
	tracer trace.Tracer
	spans  sync.Map // run id -> *runSpan
}

type runSpan struct {
	span trace.Span
	ctx  context.Context

	mu     sync.Mutex
	chunks int
}

// NewTracingHandler returns a handler tracing through tp. A nil tp uses the
// global provider.
func NewTracingHandler(tp trace.TracerProvider) *TracingHandler {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &TracingHandler{tracer: tp.Tracer(instrumentationName)}
}

// OnRunStart implements callbacks.Handler.
func (h *TracingHandler) OnRunStart(ctx context.Context, run callbacks.Run) error {
	parent := ctx
	if p, ok := h.spans.Load(run.ParentRunID); ok && run.ParentRunID != "" {
		parent = p.(*runSpan).ctx
	}
	attrs := []attribute.KeyValue{
		AttrRunID.String(run.ID),
		AttrKind.String(string(run.Kind)),
		AttrName.String(run.Name),
	}
	if run.ParentRunID != "" {
		attrs = append(attrs, AttrParentRunID.String(run.ParentRunID))
	}
	if len(run.Tags) > 0 {
		attrs = append(attrs, AttrTags.StringSlice(run.Tags))
	}
	spanCtx, span := h.tracer.Start(parent, spanName(run),
		trace.WithTimestamp(run.StartTime),
		trace.WithSpanKind(spanKind(run.Kind)),
		trace.WithAttributes(attrs...),
	)
	h.spans.Store(run.ID, &runSpan{span: span, ctx: spanCtx})
	return nil
}

// OnRunChunk implements callbacks.Handler.
func (h *TracingHandler) OnRunChunk(_ context.Context, run callbacks.Run, _ any) error {
	if v, ok := h.spans.Load(run.ID); ok {
		rs := v.(*runSpan)
		rs.mu.Lock()
		rs.chunks++
		rs.mu.Unlock()
	}
	return nil
}

// OnRunEnd implements callbacks.Handler.
func (h *TracingHandler) OnRunEnd(_ context.Context, run callbacks.Run) error {
	h.finish(run, nil)
	return nil
}

// OnRunError implements callbacks.Handler.
func (h *TracingHandler) OnRunError(_ context.Context, run callbacks.Run) error {
	err := run.Error
	if err == nil {
		err = fmt.Errorf("run %s failed", run.Name)
	}
	h.finish(run, err)
	return nil
}

func (h *TracingHandler) finish(run callbacks.Run, err error) {
	v, ok := h.spans.LoadAndDelete(run.ID)
	if !ok {
		return
	}
	rs := v.(*runSpan)
	rs.mu.Lock()
	if rs.chunks > 0 {
		rs.span.SetAttributes(AttrChunks.Int(rs.chunks))
	}
	rs.mu.Unlock()
	if err != nil {
		rs.span.RecordError(err)
		rs.span.SetStatus(codes.Error, err.Error())
	} else {
		rs.span.SetStatus(codes.Ok, "")
	}
	var endOpts []trace.SpanEndOption
	if !run.EndTime.IsZero() {
		endOpts = append(endOpts, trace.WithTimestamp(run.EndTime))
	}
	rs.span.End(endOpts...)
}

func spanName(run callbacks.Run) string {
	if run.Name == "" {
		return string(run.Kind)
	}
	return string(run.Kind) + " " + run.Name
}

func spanKind(k callbacks.Kind) trace.SpanKind {
	switch k {
	case callbacks.KindLLM, callbacks.KindChatModel, callbacks.KindRetriever:
		return trace.SpanKindClient
	default:
		return trace.SpanKindInternal
	}
}
