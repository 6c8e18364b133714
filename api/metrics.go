package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	viewsTracerName  = "taskboard/api"
	viewsSpanName    = "taskboard.views.request"
	viewsEventName   = "taskboard.views.request"
	viewsEventDomain = "taskboard.api"
	observabilityMsg = "observability.event"
)

type viewRequestMetrics struct {
	logger *log.Logger
	span   trace.Span
	route  string
	start  time.Time

	authDuration   time.Duration
	fetchDuration  time.Duration
	encodeDuration time.Duration
	scope          string
	tasksReturned  int
	errorStage     string
}

// newViewRequestMetrics starts a span for a view request. The returned
// context carries the span.
func newViewRequestMetrics(ctx context.Context, logger *log.Logger, route string) (*viewRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(viewsTracerName).Start(ctx, viewsSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("http.route", route)),
	)
	return &viewRequestMetrics{
		logger: logger,
		span:   span,
		route:  route,
		start:  time.Now(),
	}, spanCtx
}

func (m *viewRequestMetrics) ObserveAuth(d time.Duration)   { m.authDuration = d }
func (m *viewRequestMetrics) ObserveFetch(d time.Duration)  { m.fetchDuration = d }
func (m *viewRequestMetrics) ObserveEncode(d time.Duration) { m.encodeDuration = d }
func (m *viewRequestMetrics) SetScope(scope string)         { m.scope = scope }

func (m *viewRequestMetrics) SetTasksReturned(count int) {
	if count < 0 {
		count = 0
	}
	m.tasksReturned = count
}

func (m *viewRequestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// Log ends the span and writes one observability event through logrus.
func (m *viewRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.Int("http.status_code", status),
		attribute.Float64("taskboard.views.total_ms", durationToMillis(time.Since(m.start))),
		attribute.Int("taskboard.views.tasks_returned", m.tasksReturned),
	}
	if m.scope != "" {
		attrs = append(attrs, attribute.String("taskboard.views.scope", m.scope))
	}
	if m.authDuration > 0 {
		attrs = append(attrs, attribute.Float64("taskboard.views.auth_ms", durationToMillis(m.authDuration)))
	}
	if m.fetchDuration > 0 {
		attrs = append(attrs, attribute.Float64("taskboard.views.fetch_ms", durationToMillis(m.fetchDuration)))
	}
	if m.encodeDuration > 0 {
		attrs = append(attrs, attribute.Float64("taskboard.views.encode_ms", durationToMillis(m.encodeDuration)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("taskboard.views.error_stage", m.errorStage))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}

	severityText, severityNumber := severityForStatus(status, err)
	m.span.SetAttributes(attrs...)
	m.span.AddEvent(observabilityMsg, trace.WithAttributes(append(attrs,
		attribute.String("event.name", viewsEventName),
		attribute.String("event.domain", viewsEventDomain),
		attribute.String("severity_text", severityText),
	)...))
	if severityNumber >= severityError {
		desc := http.StatusText(status)
		if err != nil {
			desc = err.Error()
		}
		m.span.SetStatus(codes.Error, desc)
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	sc := m.span.SpanContext()
	m.span.End()

	if m.logger == nil {
		return
	}
	attrMap := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		attrMap[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      viewsEventName,
		"event.domain":    viewsEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes":      attrMap,
	}
	if sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}
	entry := m.logger.WithFields(fields)
	switch {
	case severityNumber >= severityError:
		entry.Error(observabilityMsg)
	case severityNumber >= severityWarn:
		entry.Warn(observabilityMsg)
	default:
		entry.Info(observabilityMsg)
	}
}

// OpenTelemetry log severity numbers.
const (
	severityInfo  = 9
	severityWarn  = 13
	severityError = 17
)

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", severityError
	case status >= http.StatusBadRequest:
		return "WARN", severityWarn
	default:
		return "INFO", severityInfo
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
