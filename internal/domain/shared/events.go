// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types. Publishing happens after the owning transaction commits.
const (
	// Credit events
	EventCreditDebited      EventType = "credit.debited"
	EventCreditRefunded     EventType = "credit.refunded"
	EventCreditChargeFailed EventType = "credit.charge_failed"

	// Exam events
	EventExamCreated      EventType = "exam.created"
	EventSectionCompleted EventType = "exam.section_completed"
	EventExamCompleted    EventType = "exam.completed"
	EventExamExpired      EventType = "exam.expired"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event stamped at the given time.
func NewBaseEvent(eventType EventType, aggregateID string, at time.Time) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   at,
		AggregateId: aggregateID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Credit Events
// ═══════════════════════════════════════════════════════════════════════════

// CreditDebitedEvent is emitted after a granted debit commits.
type CreditDebitedEvent struct {
	BaseEvent
	PoolID     string `json:"pool_id"`
	InstanceID string `json:"instance_id"`
	Amount     int64  `json:"amount"` // hundredths of a credit
}

// Payload implements Event interface.
func (e CreditDebitedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"pool_id":     e.PoolID,
		"instance_id": e.InstanceID,
		"amount":      e.Amount,
	}
}

// NewCreditDebitedEvent creates a new CreditDebitedEvent.
func NewCreditDebitedEvent(poolID, instanceID string, amount int64, at time.Time) CreditDebitedEvent {
	return CreditDebitedEvent{
		BaseEvent:  NewBaseEvent(EventCreditDebited, poolID, at),
		PoolID:     poolID,
		InstanceID: instanceID,
		Amount:     amount,
	}
}

// CreditRefundedEvent is emitted when credits are returned to a pool.
type CreditRefundedEvent struct {
	BaseEvent
	PoolID     string `json:"pool_id"`
	InstanceID string `json:"instance_id"`
	Amount     int64  `json:"amount"`
}

// Payload implements Event interface.
func (e CreditRefundedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"pool_id":     e.PoolID,
		"instance_id": e.InstanceID,
		"amount":      e.Amount,
	}
}

// NewCreditRefundedEvent creates a new CreditRefundedEvent.
func NewCreditRefundedEvent(poolID, instanceID string, amount int64, at time.Time) CreditRefundedEvent {
	return CreditRefundedEvent{
		BaseEvent:  NewBaseEvent(EventCreditRefunded, poolID, at),
		PoolID:     poolID,
		InstanceID: instanceID,
		Amount:     amount,
	}
}

// CreditChargeFailedEvent is emitted when a section-mode charge is rejected
// after the section result has already been stored.
type CreditChargeFailedEvent struct {
	BaseEvent
	PoolID      string `json:"pool_id"`
	InstanceID  string `json:"instance_id"`
	SectionType string `json:"section_type"`
	Amount      int64  `json:"amount"`
	Reason      string `json:"reason"`
}

// Payload implements Event interface.
func (e CreditChargeFailedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"pool_id":      e.PoolID,
		"instance_id":  e.InstanceID,
		"section_type": e.SectionType,
		"amount":       e.Amount,
		"reason":       e.Reason,
	}
}

// NewCreditChargeFailedEvent creates a new CreditChargeFailedEvent.
func NewCreditChargeFailedEvent(poolID, instanceID, sectionType string, amount int64, reason string, at time.Time) CreditChargeFailedEvent {
	return CreditChargeFailedEvent{
		BaseEvent:   NewBaseEvent(EventCreditChargeFailed, instanceID, at),
		PoolID:      poolID,
		InstanceID:  instanceID,
		SectionType: sectionType,
		Amount:      amount,
		Reason:      reason,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Exam Events
// ═══════════════════════════════════════════════════════════════════════════

// ExamCreatedEvent is emitted when a new exam instance is stored.
type ExamCreatedEvent struct {
	BaseEvent
	StudentID  string `json:"student_id"`
	PoolID     string `json:"pool_id"`
	Mode       string `json:"mode"`
	ExamNumber int    `json:"exam_number"`
}

// Payload implements Event interface.
func (e ExamCreatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"student_id":  e.StudentID,
		"pool_id":     e.PoolID,
		"mode":        e.Mode,
		"exam_number": e.ExamNumber,
	}
}

// NewExamCreatedEvent creates a new ExamCreatedEvent.
func NewExamCreatedEvent(instanceID, studentID, poolID, mode string, number int, at time.Time) ExamCreatedEvent {
	return ExamCreatedEvent{
		BaseEvent:  NewBaseEvent(EventExamCreated, instanceID, at),
		StudentID:  studentID,
		PoolID:     poolID,
		Mode:       mode,
		ExamNumber: number,
	}
}

// SectionCompletedEvent is emitted when a section result is recorded.
type SectionCompletedEvent struct {
	BaseEvent
	StudentID   string  `json:"student_id"`
	PoolID      string  `json:"pool_id"`
	SectionType string  `json:"section_type"`
	Band        float64 `json:"band"`
}

// Payload implements Event interface.
func (e SectionCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"student_id":   e.StudentID,
		"pool_id":      e.PoolID,
		"section_type": e.SectionType,
		"band":         e.Band,
	}
}

// NewSectionCompletedEvent creates a new SectionCompletedEvent.
func NewSectionCompletedEvent(instanceID, studentID, poolID, sectionType string, band float64, at time.Time) SectionCompletedEvent {
	return SectionCompletedEvent{
		BaseEvent:   NewBaseEvent(EventSectionCompleted, instanceID, at),
		StudentID:   studentID,
		PoolID:      poolID,
		SectionType: sectionType,
		Band:        band,
	}
}

// ExamCompletedEvent is emitted when an instance is aggregated and closed.
type ExamCompletedEvent struct {
	BaseEvent
	StudentID   string  `json:"student_id"`
	PoolID      string  `json:"pool_id"`
	OverallBand float64 `json:"overall_band"`
	Percentage  float64 `json:"percentage"`
}

// Payload implements Event interface.
func (e ExamCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"student_id":   e.StudentID,
		"pool_id":      e.PoolID,
		"overall_band": e.OverallBand,
		"percentage":   e.Percentage,
	}
}

// NewExamCompletedEvent creates a new ExamCompletedEvent.
func NewExamCompletedEvent(instanceID, studentID, poolID string, band, pct float64, at time.Time) ExamCompletedEvent {
	return ExamCompletedEvent{
		BaseEvent:   NewBaseEvent(EventExamCompleted, instanceID, at),
		StudentID:   studentID,
		PoolID:      poolID,
		OverallBand: band,
		Percentage:  pct,
	}
}

// ExamExpiredEvent is emitted when an instance moves to expired.
type ExamExpiredEvent struct {
	BaseEvent
	StudentID string `json:"student_id"`
	PoolID    string `json:"pool_id"`
	Abandoned bool   `json:"abandoned"`
}

// Payload implements Event interface.
func (e ExamExpiredEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"student_id": e.StudentID,
		"pool_id":    e.PoolID,
		"abandoned":  e.Abandoned,
	}
}

// NewExamExpiredEvent creates a new ExamExpiredEvent.
func NewExamExpiredEvent(instanceID, studentID, poolID string, abandoned bool, at time.Time) ExamExpiredEvent {
	return ExamExpiredEvent{
		BaseEvent: NewBaseEvent(EventExamExpired, instanceID, at),
		StudentID: studentID,
		PoolID:    poolID,
		Abandoned: abandoned,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Bus contracts
// ═══════════════════════════════════════════════════════════════════════════

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Publish implements EventPublisher.
func (NopPublisher) Publish(Event) error { return nil }
