package audit

import (
	"context"
	"time"

	"github.com/flowd-io/flowd/logger"
	"github.com/flowd-io/flowd/model"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	"go.uber.org/zap"
)

type EventType string

const EVENT_TRACE EventType = "TRACE"
const EVENT_SPAN EventType = "SPAN"
const EVENT_METRIC EventType = "METRIC"
const EVENT_LOG EventType = "LOG"
const EVENT_START EventType = "START"
const EVENT_END EventType = "END"

type Event struct {
	ExecutionId string         `json:"executionId"`
	Domain      string         `json:"domain"`
	Type        EventType      `json:"type"`
	Level       string         `json:"level"`
	Message     string         `json:"message"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Sink receives emitted events. Delivery is fire and forget from the
// core's perspective.
type Sink interface {
	Emit(event Event) error
}

var (
	eventsEmitted = stats.Int64("flowd/audit_events_emitted", "number of audit events emitted", stats.UnitDimensionless)
	eventsDropped = stats.Int64("flowd/audit_events_dropped", "number of audit events the sink rejected", stats.UnitDimensionless)
	keyEventType  = tag.MustNewKey("event_type")
)

// Views exports the opencensus views for the audit measures.
func Views() []*view.View {
	return []*view.View{
		{
			Name:        "flowd/audit_events_emitted",
			Measure:     eventsEmitted,
			Description: "audit events emitted",
			TagKeys:     []tag.Key{keyEventType},
			Aggregation: view.Count(),
		},
		{
			Name:        "flowd/audit_events_dropped",
			Measure:     eventsDropped,
			Description: "audit events dropped",
			TagKeys:     []tag.Key{keyEventType},
			Aggregation: view.Count(),
		},
	}
}

// Emitter constructs structured events for every flow transition.
// Emission never fails the caller: sink errors are logged and
// swallowed.
type Emitter struct {
	domain string
	sink   Sink
}

func NewEmitter(domain string, sink Sink) *Emitter {
	return &Emitter{
		domain: domain,
		sink:   sink,
	}
}

func (e *Emitter) emit(event Event) {
	event.Domain = e.domain
	event.Timestamp = time.Now()
	ctx, _ := tag.New(context.Background(), tag.Insert(keyEventType, string(event.Type)))
	if e.sink == nil {
		return
	}
	if err := e.sink.Emit(event); err != nil {
		stats.Record(ctx, eventsDropped.M(1))
		logger.Error("audit sink rejected event", zap.String("executionId", event.ExecutionId), zap.String("type", string(event.Type)), zap.Error(err))
		return
	}
	stats.Record(ctx, eventsEmitted.M(1))
}

func (e *Emitter) FlowStarted(flowId string, definitionId string) {
	e.emit(Event{
		ExecutionId: flowId,
		Type:        EVENT_START,
		Level:       "INFO",
		Message:     "flow started",
		Attributes:  map[string]any{"definitionId": definitionId},
	})
}

// StepSpan emits one span per executed step with its offset from flow
// start and its duration.
func (e *Emitter) StepSpan(flowId string, stepId string, startOffset time.Duration, duration time.Duration) {
	e.emit(Event{
		ExecutionId: flowId,
		Type:        EVENT_SPAN,
		Level:       "INFO",
		Message:     "step executed",
		Attributes: map[string]any{
			"stepId":      stepId,
			"startOffset": startOffset.String(),
			"duration":    duration.String(),
		},
	})
}

func (e *Emitter) FlowEnded(flowId string, status model.FlowStatus, spanCount int) {
	e.emit(Event{
		ExecutionId: flowId,
		Type:        EVENT_END,
		Level:       "INFO",
		Message:     "flow ended",
		Attributes: map[string]any{
			"status":    string(status),
			"spanCount": spanCount,
		},
	})
}

func (e *Emitter) Transition(flowId string, from model.FlowStatus, to model.FlowStatus) {
	e.emit(Event{
		ExecutionId: flowId,
		Type:        EVENT_TRACE,
		Level:       "INFO",
		Message:     "state transition",
		Attributes: map[string]any{
			"from": string(from),
			"to":   string(to),
		},
	})
}

func (e *Emitter) Metric(flowId string, name string, value float64) {
	e.emit(Event{
		ExecutionId: flowId,
		Type:        EVENT_METRIC,
		Level:       "INFO",
		Message:     name,
		Attributes:  map[string]any{"value": value},
	})
}

// Error emits one log entry per error encountered during execution.
func (e *Emitter) Error(flowId string, stepId string, err error) {
	e.emit(Event{
		ExecutionId: flowId,
		Type:        EVENT_LOG,
		Level:       "ERROR",
		Message:     err.Error(),
		Attributes:  map[string]any{"stepId": stepId},
	})
}
