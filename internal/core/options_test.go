package core

import (
	"context"
	"testing"
	"time"
)

// Nil options must leave the no-op defaults in place.
func TestNilOptionsKeepNoopDefaults(t *testing.T) {
	o := defaultOptions()
	for _, opt := range []Option{WithLogger(nil), WithAuditRecorder(nil), WithMetricsRecorder(nil), WithTracer(nil), WithIDMapper(nil)} {
		opt(&o)
	}
	if _, ok := o.logger.(noopLogger); !ok {
		t.Fatalf("logger replaced by nil option: %T", o.logger)
	}
	if _, ok := o.tracer.(noopTracer); !ok {
		t.Fatalf("tracer replaced by nil option: %T", o.tracer)
	}

	ctx := context.Background()
	o.logger.Debug("debug", "key", "value")
	o.logger.Error("error", "key", "value")
	o.audit.Record(ctx, AuditEntry{Operation: "approve_request"})
	o.metrics.Observe(ctx, "approve_request", true, time.Millisecond)
	got, span := o.tracer.Start(ctx, "approve_request")
	span.End(nil)
	if got != ctx {
		t.Fatalf("noop tracer must return the caller's context")
	}
}
