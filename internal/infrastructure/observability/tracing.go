package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "jan-server/upload-api"
)

// GetTracer returns the tracer for the upload-api service.
func GetTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// SessionAttributes returns common attributes for upload session spans.
func SessionAttributes(sessionID, recordID, contentType string, size int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("upload.session_id", sessionID),
		attribute.String("upload.record_id", recordID),
		attribute.String("upload.content_type", contentType),
		attribute.Int64("upload.size", size),
	}
}

// StartStorageSpan starts a client span around one object store call.
func StartStorageSpan(ctx context.Context, backend, operation, key string) (context.Context, trace.Span) {
	return GetTracer().Start(ctx, "storage."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("storage.backend", backend),
			attribute.String("storage.key", key),
		),
	)
}

// StartTranscriptionSpan starts a client span for a transcription dispatch.
func StartTranscriptionSpan(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return GetTracer().Start(ctx, "transcription.submit",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("upload.session_id", sessionID)),
	)
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error, kind string) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if kind != "" {
		span.SetAttributes(attribute.String("error.kind", kind))
	}
}

// AddPhaseTransition adds a phase transition event to the span in ctx.
func AddPhaseTransition(ctx context.Context, sessionID, fromPhase, toPhase string, elapsedMS int64) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent("upload.phase",
		trace.WithAttributes(
			attribute.String("upload.session_id", sessionID),
			attribute.String("phase.from", fromPhase),
			attribute.String("phase.to", toPhase),
			attribute.Int64("phase.elapsed_ms", elapsedMS),
		),
	)
}
