package domain

import "fmt"

// ReferenceKind names the type of record a ledger or audit row points at.
type ReferenceKind string

const (
	RefPayment      ReferenceKind = "payment"
	RefAllocation   ReferenceKind = "allocation"
	RefJobExecution ReferenceKind = "job_execution"
	RefProduct      ReferenceKind = "product"
	RefManual       ReferenceKind = "manual"
)

// Reference is a typed pointer to an originating record.
type Reference struct {
	Kind ReferenceKind `json:"kind" db:"reference_kind"`
	ID   string        `json:"id" db:"reference_id"`
}

func PaymentReference(id string) Reference    { return Reference{Kind: RefPayment, ID: id} }
func AllocationReference(id string) Reference { return Reference{Kind: RefAllocation, ID: id} }
func ProductReference(id string) Reference    { return Reference{Kind: RefProduct, ID: id} }

func (r Reference) IsZero() bool {
	return r.Kind == "" && r.ID == ""
}

func (r Reference) String() string {
	if r.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s:%s", r.Kind, r.ID)
}
