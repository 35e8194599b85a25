package chain

import (
	"context"

	"github.com/attestra-io/attestra/pkg/event"
)

// Handler is the evidence-writing bus integration: it persists every
// supported audit event through the chain linker, which in turn commits the
// payload to the write-once evidence store.
type Handler struct {
	linker      *Linker
	minSeverity event.Severity
}

// NewHandler creates the chain-append handler. Events below minSeverity are
// ignored; pass event.SeverityInfo to persist everything.
func NewHandler(linker *Linker, minSeverity event.Severity) *Handler {
	return &Handler{linker: linker, minSeverity: minSeverity}
}

func (h *Handler) Name() string { return "chain-evidence" }

func (h *Handler) Supports(evt event.AuditEvent) bool {
	return evt.Severity.AtLeast(h.minSeverity)
}

// Handle appends the event to the chain. The chain linker serializes
// appends internally, so this is safe under multi-worker dispatch.
func (h *Handler) Handle(evt event.AuditEvent) (event.HandlerResult, error) {
	payload := map[string]interface{}{
		"event_id":   evt.ID,
		"event_type": string(evt.Type),
		"severity":   string(evt.Severity),
		"source":     evt.Source,
		"payload":    evt.Payload,
		"created_at": evt.CreatedAt,
	}

	entry, err := h.linker.Append(context.Background(), evt.ID, payload)
	if err != nil {
		return event.HandlerResult{}, err
	}
	return event.HandlerResult{
		Effects: event.SideEffects{
			EvidenceHash: entry.EvidenceHash,
			ChainEntryID: entry.EntryID,
		},
	}, nil
}
