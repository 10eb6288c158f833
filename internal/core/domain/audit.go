package domain

import "time"

type AuditAction string

const (
	AuditAllocationSucceeded   AuditAction = "allocation_succeeded"
	AuditAllocationFailed      AuditAction = "allocation_failed"
	AuditAllocationReversed    AuditAction = "allocation_reversed"
	AuditConservationViolation AuditAction = "conservation_violation"
)

type AuditEntry struct {
	ID        string
	Action    AuditAction
	Reference Reference
	Detail    map[string]any
	CreatedAt time.Time
}

func NewAuditEntry(action AuditAction, ref Reference, detail map[string]any) AuditEntry {
	return AuditEntry{
		ID:        NewID(PrefixAudit),
		Action:    action,
		Reference: ref,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
}
