package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
const (
	AttrClassID    = "servhost.class.id"
	AttrProgID     = "servhost.class.progid"
	AttrLibraryID  = "servhost.library.id"
	AttrStep       = "servhost.registrar.step"
	AttrStorePath  = "servhost.store.path"
	AttrOutcome    = "servhost.store.outcome"
	AttrRemoved    = "servhost.store.removed"
	AttrInstanceID = "servhost.instance.id"
	AttrHolds      = "servhost.lifecycle.holds"
)

// Span names.
const (
	SpanInstall         = "registrar.install"
	SpanUninstall       = "registrar.uninstall"
	SpanRegisterClass   = "registrar.register_class"
	SpanUnregisterClass = "registrar.unregister_class"
	SpanRegisterLibrary = "registrar.register_library"
	SpanDeleteSubtree   = "store.delete_subtree"
	SpanActivate        = "activation.activate"
	SpanRelease         = "activation.release"
)

// Start begins a span on tracer. A nil tracer falls back to the no-op one.
func Start(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = Noop().Tracer()
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// End finishes span, marking it failed when err is non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
