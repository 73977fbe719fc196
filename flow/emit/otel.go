package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns events into OpenTelemetry spans.
//
// Each event becomes a span named after event.Msg, carrying the run, step,
// and endpoint identities plus all Meta fields as attributes. When Meta
// contains an "error" entry the span status is set to Error.
//
// Events represent points in time, so spans are ended immediately. When Meta
// carries "duration_ms" the value is recorded as an attribute rather than
// stretching the span.
//
// Usage:
//
//	tracer := otel.Tracer("flowrun-go")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter backed by the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates and immediately ends a span for the event.
func (o *OTelEmitter) Emit(event Event) {
	ctx := context.Background()
	_, span := o.tracer.Start(ctx, event.Msg)
	defer span.End()

	o.addAttributes(span, event)

	if errText, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errText)
		span.RecordError(fmt.Errorf("%s", errText))
	}
}

// EmitBatch creates spans for a batch of events, amortizing tracer overhead.
// The configured span processor handles export batching.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) {
	for _, event := range events {
		_, span := o.tracer.Start(ctx, event.Msg)
		o.addAttributes(span, event)
		if errText, ok := event.Meta["error"].(string); ok {
			span.SetStatus(codes.Error, errText)
			span.RecordError(fmt.Errorf("%s", errText))
		}
		span.End()
	}
}

func (o *OTelEmitter) addAttributes(span trace.Span, event Event) {
	if event.RunID != "" {
		span.SetAttributes(attribute.String("flow.run_id", event.RunID))
	}
	if event.StepID != "" {
		span.SetAttributes(attribute.String("flow.step_id", event.StepID))
	}
	if event.Endpoint != "" {
		span.SetAttributes(attribute.String("flow.endpoint", event.Endpoint))
	}

	for key, value := range event.Meta {
		attrKey := "flow.meta." + key
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey+"_ms", v.Milliseconds()))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}
