package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"

	"github.com/cloud-shuttle/rigs/pkg/types"
)

const (
	meterName  = "github.com/cloud-shuttle/rigs"
	loggerName = "rigs"
)

// instruments holds the lazily created metric instruments
type instruments struct {
	dispatchTotal   metric.Int64Counter
	completeTotal   metric.Int64Counter
	failTotal       metric.Int64Counter
	deferTotal      metric.Int64Counter
	cancelTotal     metric.Int64Counter
	exhaustedTotal  metric.Int64Counter
	cycleTotal      metric.Int64Counter
	tokensTotal     metric.Int64Counter
	configReloads   metric.Int64Counter
	executeDuration metric.Float64Histogram
}

var (
	instOnce sync.Once
	inst     instruments
)

// initInstruments registers the instruments against the global
// MeterProvider. Init must run first for them to export anywhere.
func initInstruments() {
	instOnce.Do(func() {
		m := otel.GetMeterProvider().Meter(meterName)

		inst.dispatchTotal, _ = m.Int64Counter("rigs.beads.dispatched.total",
			metric.WithDescription("Beads handed to an executor"),
		)
		inst.completeTotal, _ = m.Int64Counter("rigs.beads.completed.total",
			metric.WithDescription("Beads completed"),
		)
		inst.failTotal, _ = m.Int64Counter("rigs.beads.failed.total",
			metric.WithDescription("Beads failed for good"),
		)
		inst.deferTotal, _ = m.Int64Counter("rigs.beads.deferred.total",
			metric.WithDescription("Beads deferred for capacity or backoff"),
		)
		inst.cancelTotal, _ = m.Int64Counter("rigs.beads.cancelled.total",
			metric.WithDescription("Beads cancelled"),
		)
		inst.exhaustedTotal, _ = m.Int64Counter("rigs.foreman.exhausted.total",
			metric.WithDescription("Cycles that found every execution provider empty"),
		)
		inst.cycleTotal, _ = m.Int64Counter("rigs.foreman.cycles.total",
			metric.WithDescription("Scheduler cycles run"),
		)
		inst.tokensTotal, _ = m.Int64Counter("rigs.tank.tokens.total",
			metric.WithDescription("Tokens actually used per provider"),
		)
		inst.configReloads, _ = m.Int64Counter("rigs.config.reloads.total",
			metric.WithDescription("Config reload attempts"),
		)
		inst.executeDuration, _ = m.Float64Histogram("rigs.bead.execute.duration_ms",
			metric.WithDescription("Executor round-trip latency in milliseconds"),
			metric.WithUnit("ms"),
		)
	})
}

// emit sends an OTel log record with the given body and attributes
func emit(ctx context.Context, body string, sev otellog.Severity, attrs ...otellog.KeyValue) {
	logger := global.GetLoggerProvider().Logger(loggerName)
	var r otellog.Record
	r.SetTimestamp(time.Now())
	r.SetBody(otellog.StringValue(body))
	r.SetSeverity(sev)
	r.AddAttributes(attrs...)
	logger.Emit(ctx, r)
}

func beadKVs(b *types.Bead) []otellog.KeyValue {
	return []otellog.KeyValue{
		otellog.String("bead_id", string(b.ID)),
		otellog.String("provider", string(b.AssignedProvider)),
		otellog.String("convoy_id", b.ConvoyID),
		otellog.Int("attempt", b.Attempts),
	}
}

// RecordDispatch records a bead handed to a provider
func RecordDispatch(ctx context.Context, b *types.Bead, reserved int64) {
	initInstruments()
	inst.dispatchTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", string(b.AssignedProvider)),
		attribute.String("task_type", string(b.TaskType)),
	))
	emit(ctx, "bead.dispatched", otellog.SeverityInfo,
		append(beadKVs(b), otellog.Int64("reserved_tokens", reserved))...)
}

// RecordCompletion records a bead that finished successfully
func RecordCompletion(ctx context.Context, b *types.Bead, elapsed time.Duration) {
	initInstruments()
	attrs := metric.WithAttributes(attribute.String("provider", string(b.AssignedProvider)))
	inst.completeTotal.Add(ctx, 1, attrs)
	inst.tokensTotal.Add(ctx, b.ActualTokens, attrs)
	inst.executeDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	emit(ctx, "bead.completed", otellog.SeverityInfo,
		append(beadKVs(b), otellog.Int64("actual_tokens", b.ActualTokens))...)
}

// RecordFailure records a bead that failed for good
func RecordFailure(ctx context.Context, b *types.Bead, err error) {
	initInstruments()
	kind := types.KindOf(err)
	inst.failTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", string(b.AssignedProvider)),
		attribute.String("error_kind", string(kind)),
	))
	emit(ctx, "bead.failed", otellog.SeverityError,
		append(beadKVs(b),
			otellog.String("error_kind", string(kind)),
			otellog.String("error", errString(err)),
		)...)
}

// RecordDeferral records a bead parked until a later time
func RecordDeferral(ctx context.Context, b *types.Bead, kind types.ErrorKind, until time.Time) {
	initInstruments()
	inst.deferTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(kind))))
	emit(ctx, "bead.deferred", otellog.SeverityWarn,
		append(beadKVs(b),
			otellog.String("error_kind", string(kind)),
			otellog.String("deferred_until", until.Format(time.RFC3339)),
		)...)
}

// RecordCancel records a cancelled bead
func RecordCancel(ctx context.Context, b *types.Bead) {
	initInstruments()
	inst.cancelTotal.Add(ctx, 1)
	emit(ctx, "bead.cancelled", otellog.SeverityInfo, beadKVs(b)...)
}

// RecordExhausted records a cycle in which no execution provider had capacity
func RecordExhausted(ctx context.Context, resetAt time.Time) {
	initInstruments()
	inst.exhaustedTotal.Add(ctx, 1)
	emit(ctx, "foreman.exhausted", otellog.SeverityWarn,
		otellog.String("reset_at", resetAt.Format(time.RFC3339)))
}

// RecordCycle records one scheduler cycle
func RecordCycle(ctx context.Context, dispatched, deferred int, err error) {
	initInstruments()
	inst.cycleTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", statusStr(err))))
	if dispatched == 0 && deferred == 0 && err == nil {
		return
	}
	emit(ctx, "foreman.cycle", severity(err),
		otellog.Int("dispatched", dispatched),
		otellog.Int("deferred", deferred),
		otellog.String("error", errString(err)),
	)
}

// RecordConfigReload records a config hot reload attempt
func RecordConfigReload(ctx context.Context, path string, err error) {
	initInstruments()
	inst.configReloads.Add(ctx, 1, metric.WithAttributes(attribute.String("status", statusStr(err))))
	emit(ctx, "config.reload", severity(err),
		otellog.String("path", path),
		otellog.String("error", errString(err)),
	)
}

func statusStr(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func severity(err error) otellog.Severity {
	if err != nil {
		return otellog.SeverityError
	}
	return otellog.SeverityInfo
}

func errString(err error) string {
	if err != nil {
		return err.Error()
	}
	return ""
}
