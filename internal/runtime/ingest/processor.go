// Package ingest turns queued observation messages into stored records.
//
// Processor handles one payload and reports an Outcome. Consumer polls a
// transport.Queue, runs every message through a Processor and acknowledges or
// releases it according to the outcome.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/conditionflow/internal/runtime/errors"
	"github.com/drblury/conditionflow/internal/runtime/fanout"
	"github.com/drblury/conditionflow/internal/runtime/ids"
	"github.com/drblury/conditionflow/internal/runtime/jsoncodec"
	"github.com/drblury/conditionflow/internal/runtime/logging"
	"github.com/drblury/conditionflow/internal/runtime/metrics"
	"github.com/drblury/conditionflow/internal/runtime/records"
	"github.com/drblury/conditionflow/store"
)

const tracerName = "conditionflow/ingest"

// Outcome is the result of processing one message.
type Outcome int

const (
	// Processed means the record was stored.
	Processed Outcome = iota
	// SkippedInvalid marks a payload that could not be decoded or validated.
	SkippedInvalid
	// SkippedUnknownResource marks a payload naming a resource the catalog lacks.
	SkippedUnknownResource
	// Failed means nothing was stored and the message should be redelivered.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Processed:
		return "processed"
	case SkippedInvalid:
		return "skipped_invalid"
	case SkippedUnknownResource:
		return "skipped_unknown_resource"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Acknowledge reports whether the message should be removed from the queue.
// Only Failed messages stay for redelivery.
func (o Outcome) Acknowledge() bool {
	return o != Failed
}

// Payload is the inbound queue message body. Decode accepts observedAt with
// or without an offset; marshalling always writes RFC 3339.
type Payload struct {
	ResourceID       string     `json:"resourceId"`
	ObservedAt       *time.Time `json:"observedAt"`
	PrimaryMeasure   float64    `json:"primaryMeasure"`
	SecondaryMeasure float64    `json:"secondaryMeasure"`
}

type wirePayload struct {
	ResourceID       string  `json:"resourceId"`
	ObservedAt       *string `json:"observedAt"`
	PrimaryMeasure   float64 `json:"primaryMeasure"`
	SecondaryMeasure float64 `json:"secondaryMeasure"`
}

// observedAtLayouts are tried in order. Layouts without an offset are read
// as UTC.
var observedAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Decode parses and validates raw. The returned payload carries the
// canonical resource id.
func Decode(raw []byte) (Payload, error) {
	var w wirePayload
	if err := jsoncodec.Unmarshal(raw, &w); err != nil {
		return Payload{}, errspkg.ValidationError{Reason: "malformed json", Err: err}
	}
	if w.ResourceID == "" {
		return Payload{}, errspkg.ValidationError{Reason: "resourceId is required"}
	}
	id, err := records.ParseResourceID(w.ResourceID)
	if err != nil {
		return Payload{}, errspkg.ValidationError{Reason: "resourceId is not a uuid", Err: err}
	}

	p := Payload{
		ResourceID:       id,
		PrimaryMeasure:   w.PrimaryMeasure,
		SecondaryMeasure: w.SecondaryMeasure,
	}
	if w.ObservedAt != nil {
		t, err := parseObservedAt(*w.ObservedAt)
		if err != nil {
			return Payload{}, errspkg.ValidationError{Reason: "observedAt is not an ISO-8601 timestamp", Err: err}
		}
		p.ObservedAt = &t
	}
	return p, nil
}

func parseObservedAt(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var firstErr error
	for _, layout := range observedAtLayouts {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

// Processor validates, persists and announces one observation at a time.
type Processor struct {
	store    store.RecordStore
	notifier fanout.Notifier
	logger   logging.ServiceLogger
	metrics  *metrics.Metrics
	now      func() time.Time
	ids      *ids.Generator
	tracer   trace.Tracer
}

// ProcessorOption customizes a Processor.
type ProcessorOption func(*Processor)

// WithClock sets the clock used for observations without a timestamp.
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// WithIDGenerator replaces the record id generator.
func WithIDGenerator(g *ids.Generator) ProcessorOption {
	return func(p *Processor) {
		if g != nil {
			p.ids = g
		}
	}
}

// WithProcessorMetrics records outcomes on m.
func WithProcessorMetrics(m *metrics.Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// NewProcessor returns a Processor writing to rs and announcing on n.
func NewProcessor(rs store.RecordStore, n fanout.Notifier, logger logging.ServiceLogger, opts ...ProcessorOption) (*Processor, error) {
	if rs == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if n == nil {
		return nil, errspkg.ErrNotifierRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	p := &Processor{
		store:    rs,
		notifier: n,
		logger:   logger,
		now:      time.Now,
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.ids == nil {
		p.ids = ids.NewGenerator(p.now)
	}
	return p, nil
}

// Process handles one payload. It never panics; a panic in a dependency is
// reported as Failed.
func (p *Processor) Process(ctx context.Context, payload []byte) (outcome Outcome) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "ProcessMessage")

	defer func() {
		if r := recover(); r != nil {
			err := errspkg.FatalError{Panic: r}
			p.logger.Error("Recovered panic while processing message", err, nil)
			span.RecordError(err)
			outcome = Failed
		}
		span.SetAttributes(attribute.String("ingest.outcome", outcome.String()))
		if outcome == Failed {
			span.SetStatus(codes.Error, "message processing failed")
		}
		span.End()
		p.metrics.ObserveMessage(outcome.String(), time.Since(start))
	}()

	rec, err := p.handle(ctx, payload)
	outcome = classify(err)

	switch outcome {
	case Processed:
		span.SetAttributes(
			attribute.String("record.id", rec.ID),
			attribute.String("resource.id", rec.ResourceID),
		)
	case SkippedInvalid:
		p.logger.Info("Skipping message with invalid payload", logging.LogFields{"reason": err.Error()})
	case SkippedUnknownResource:
		p.logger.Info("Skipping message for unknown resource", logging.LogFields{"reason": err.Error()})
	case Failed:
		span.RecordError(err)
		p.logger.Error("Failed to process message", err, nil)
	}
	return outcome
}

func (p *Processor) handle(ctx context.Context, payload []byte) (records.Observation, error) {
	msg, err := Decode(payload)
	if err != nil {
		return records.Observation{}, err
	}

	exists, err := p.store.ResourceExists(ctx, msg.ResourceID)
	if err != nil {
		return records.Observation{}, errspkg.TransientError{Op: "check resource", Err: err}
	}
	if !exists {
		return records.Observation{}, errspkg.UnknownResourceError{ResourceID: msg.ResourceID}
	}

	observedAt := p.now()
	if msg.ObservedAt != nil && !msg.ObservedAt.IsZero() {
		observedAt = *msg.ObservedAt
	}
	rec := records.Observation{
		ID:               p.ids.Next(),
		ResourceID:       msg.ResourceID,
		ObservedAt:       records.NormalizeTime(observedAt),
		PrimaryMeasure:   msg.PrimaryMeasure,
		SecondaryMeasure: msg.SecondaryMeasure,
	}

	if err := p.store.InsertRecord(ctx, rec); err != nil {
		return records.Observation{}, errspkg.TransientError{Op: "insert record", Err: err}
	}

	p.logger.Debug("Stored observation", logging.LogFields{
		"record_id":   rec.ID,
		"resource_id": rec.ResourceID,
		"observed_at": rec.ObservedAt,
	})

	p.notify(ctx, rec)
	return rec, nil
}

// notify announces rec. The record is already stored, so neither an error
// nor a panic here may change the outcome.
func (p *Processor) notify(ctx context.Context, rec records.Observation) {
	fields := logging.LogFields{
		"record_id":   rec.ID,
		"resource_id": rec.ResourceID,
	}
	defer func() {
		if r := recover(); r != nil {
			p.metrics.NotifyError()
			p.logger.Error("Recovered panic while notifying subscribers", errspkg.FatalError{Panic: r}, fields)
		}
	}()

	if err := p.notifier.Notify(ctx, rec.ResourceID); err != nil {
		p.metrics.NotifyError()
		p.logger.Error("Failed to notify subscribers", err, fields)
	}
}

func classify(err error) Outcome {
	if err == nil {
		return Processed
	}
	var invalid errspkg.ValidationError
	if errors.As(err, &invalid) {
		return SkippedInvalid
	}
	var unknown errspkg.UnknownResourceError
	if errors.As(err, &unknown) {
		return SkippedUnknownResource
	}
	return Failed
}
