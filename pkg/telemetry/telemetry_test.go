package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/cloud-shuttle/rigs/pkg/types"
)

// resetInstruments lets initInstruments run again against the current
// (no-op) global MeterProvider.
func resetInstruments(t *testing.T) {
	t.Helper()
	instOnce = sync.Once{}
	t.Cleanup(func() { instOnce = sync.Once{} })
}

func TestStatusStr(t *testing.T) {
	if got := statusStr(nil); got != "ok" {
		t.Errorf("statusStr(nil) = %q, want \"ok\"", got)
	}
	if got := statusStr(errors.New("boom")); got != "error" {
		t.Errorf("statusStr(err) = %q, want \"error\"", got)
	}
}

func TestSeverity(t *testing.T) {
	if got := severity(nil); got != otellog.SeverityInfo {
		t.Errorf("severity(nil) = %v, want SeverityInfo", got)
	}
	if got := severity(errors.New("err")); got != otellog.SeverityError {
		t.Errorf("severity(err) = %v, want SeverityError", got)
	}
}

func TestBeadAttrs(t *testing.T) {
	b := &types.Bead{ID: "gt-aaaaa", Title: "t", Status: types.BeadStatusQueued, Priority: types.PriorityHigh, ConvoyID: "cv-1"}
	attrs := BeadAttrs(b)
	found := map[string]string{}
	for _, kv := range attrs {
		found[string(kv.Key)] = kv.Value.Emit()
	}
	if found[KeyBeadID] != "gt-aaaaa" || found[KeyBeadPriority] != "high" || found[KeyConvoyID] != "cv-1" {
		t.Errorf("attrs = %v", found)
	}

	b.ConvoyID = ""
	for _, kv := range BeadAttrs(b) {
		if kv.Key == KeyConvoyID {
			t.Error("standalone bead should not carry a convoy attribute")
		}
	}
}

func TestRecordersDoNotPanicWithoutProviders(t *testing.T) {
	resetInstruments(t)
	ctx := context.Background()
	b := &types.Bead{ID: "gt-aaaaa", AssignedProvider: types.ProviderClaude, ActualTokens: 42}

	RecordDispatch(ctx, b, 100)
	RecordCompletion(ctx, b, time.Second)
	RecordFailure(ctx, b, types.NewError(types.KindProviderAPI, types.ProviderClaude, "bad", nil))
	RecordDeferral(ctx, b, types.KindRateLimited, time.Now())
	RecordCancel(ctx, b)
	RecordExhausted(ctx, time.Now())
	RecordCycle(ctx, 1, 0, nil)
	RecordConfigReload(ctx, "/tmp/config.toml", errors.New("bad toml"))
}

func TestRecordErrorOnNoopSpan(t *testing.T) {
	_, span := noop.NewTracerProvider().Tracer("test").Start(context.Background(), "x")
	RecordError(span, nil, ErrorCategoryExecutor)
	RecordError(span, errors.New("boom"), ErrorCategoryExecutor)
	RecordErrorWithStatus(span, nil, "")
	span.End()
}

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "rigs")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
