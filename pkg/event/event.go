// Package event defines the audit event model shared by producers, the bus
// and the evidence handlers.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type categorizes the audit event.
type Type string

const (
	TypeSecurity   Type = "security"
	TypeCompliance Type = "compliance"
	TypeAccess     Type = "access"
	TypeSystem     Type = "system"
)

// Severity is an ordered severity level.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// Rank returns the numeric ordering of the severity. Unknown severities
// rank below info.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// AuditEvent is an immutable record of one occurrence to be audited.
// Events are created once, dispatched exactly once, and never mutated.
type AuditEvent struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	Severity  Severity               `json:"severity"`
	Source    string                 `json:"source"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// New creates an AuditEvent with a generated ID and UTC creation timestamp.
func New(t Type, sev Severity, source string, payload map[string]interface{}) AuditEvent {
	return AuditEvent{
		ID:        uuid.NewString(),
		Type:      t,
		Severity:  sev,
		Source:    source,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// Status of a dispatched event.
type Status string

const (
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// SideEffects collects references produced by handlers for one event.
type SideEffects struct {
	EvidenceHash string `json:"evidence_hash,omitempty"`
	ChainEntryID string `json:"chain_entry_id,omitempty"`
	AnchorRef    string `json:"anchor_ref,omitempty"`
}

// Merge folds non-empty fields of other into s, first writer wins.
func (s *SideEffects) Merge(other SideEffects) {
	if s.EvidenceHash == "" {
		s.EvidenceHash = other.EvidenceHash
	}
	if s.ChainEntryID == "" {
		s.ChainEntryID = other.ChainEntryID
	}
	if s.AnchorRef == "" {
		s.AnchorRef = other.AnchorRef
	}
}

// EmitResult is produced once per dispatched event, after all matching
// handlers have run.
type EmitResult struct {
	EventID  string        `json:"event_id"`
	Status   Status        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Effects  SideEffects   `json:"effects,omitempty"`
	Duration time.Duration `json:"duration"`
}

// HandlerResult is returned by a single handler invocation.
type HandlerResult struct {
	Effects SideEffects
}

// Handler consumes audit events. Handlers are invoked in registration order;
// a handler failure is isolated and does not stop the remaining handlers.
type Handler interface {
	// Name identifies the handler for registration and error reporting.
	Name() string
	// Supports reports whether the handler wants this event.
	Supports(evt AuditEvent) bool
	// Handle processes the event and returns side-effect references.
	Handle(evt AuditEvent) (HandlerResult, error)
}
