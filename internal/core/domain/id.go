package domain

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in a generated id.
type Prefix string

const (
	PrefixAllocation Prefix = "alloc"
	PrefixLedgerTx   Prefix = "ltx"
	PrefixWallet     Prefix = "wlt"
	PrefixJob        Prefix = "job"
	PrefixAudit      Prefix = "audit"
)

// NewID generates a K-sortable "prefix_suffix" identifier.
// It panics if prefix is not a valid TypeID prefix (programming error).
func NewID(prefix Prefix) string {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("domain: invalid id prefix %q: %v", prefix, err))
	}
	return tid.String()
}

// HasPrefix reports whether s is a well-formed id carrying prefix.
func HasPrefix(s string, prefix Prefix) bool {
	tid, err := typeid.Parse(s)
	if err != nil {
		return false
	}
	return tid.Prefix() == string(prefix)
}
