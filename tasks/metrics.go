package tasks

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"taskhub/domain"
)

const (
	tracerName         = "taskhub/tasks"
	commandEventDomain = "taskhub.tasks"
)

type commandMetrics struct {
	logger     *log.Logger
	span       trace.Span
	start      time.Time
	op         string
	actorID    string
	taskID     string
	errorStage string
}

func startCommand(ctx context.Context, logger *log.Logger, op, actorID string) (*commandMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "tasks."+op)
	return &commandMetrics{logger: logger, span: span, start: time.Now(), op: op, actorID: actorID}, ctx
}

func (m *commandMetrics) SetTask(id string) { m.taskID = id }

func (m *commandMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// End records the outcome on the span and logs an observability event.
func (m *commandMetrics) End(err error) {
	severityText, severityNumber := severityForError(err)
	attrs := []attribute.KeyValue{
		attribute.String("taskhub.command", m.op),
		attribute.String("taskhub.actor_id", m.actorID),
		attribute.String("taskhub.task_id", m.taskID),
		attribute.Float64("taskhub.total_ms", float64(time.Since(m.start).Microseconds())/1000),
		attribute.String("severity_text", severityText),
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("taskhub.error_stage", m.errorStage))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
		m.span.SetStatus(codes.Error, err.Error())
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	m.span.SetAttributes(attrs...)
	m.span.AddEvent("observability.event", trace.WithAttributes(
		append(attrs, attribute.String("event.name", "tasks."+m.op), attribute.String("event.domain", commandEventDomain))...,
	))

	fields := log.Fields{
		"event.name":      "tasks." + m.op,
		"event.domain":    commandEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"actor":           m.actorID,
		"task":            m.taskID,
	}
	if sc := m.span.SpanContext(); sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	entry := m.logger.WithFields(fields)
	switch severityNumber {
	case 9:
		entry.Info("observability.event")
	case 13:
		entry.WithError(err).Warn("observability.event")
	default:
		entry.WithError(err).Error("observability.event")
	}
	m.span.End()
}

func severityForError(err error) (string, int) {
	switch {
	case err == nil:
		return "INFO", 9
	case errors.Is(err, domain.ErrInvalidTask), errors.Is(err, domain.ErrForbidden), errors.Is(err, domain.ErrNotFound):
		return "WARN", 13
	}
	return "ERROR", 17
}
