// Package draft defines the document draft entity and its status machine.
package draft

import "time"

// Status is the lifecycle state of a document draft.
type Status string

const (
	StatusDraft          Status = "draft"
	StatusSaving         Status = "saving"
	StatusReady          Status = "ready"
	StatusFinalizing     Status = "finalizing"
	StatusFinalized      Status = "finalized"
	StatusFinalizeFailed Status = "finalize_failed"
)

// Draft is one document-in-progress. The store is the only component
// that mutates Status and LocalVersion; everything else requests
// mutations through it.
type Draft struct {
	ID              string
	DealID          string
	TemplateID      string
	FieldValues     map[string]any
	Status          Status
	LocalVersion    int64
	ServerVersion   *int64
	LastSavedAt     *time.Time
	LastFinalizedAt *time.Time
	PendingSync     bool
	ArtifactRef     string
}

// Finalized reports whether the draft has been finalized and is
// immutable. Further edits must create a new draft.
func (d Draft) Finalized() bool {
	return d.Status == StatusFinalized
}

// legal transitions. A finalized draft has no outgoing edges.
var transitions = map[Status]map[Status]bool{
	StatusDraft: {
		StatusSaving: true,
	},
	StatusSaving: {
		StatusReady:  true,
		StatusSaving: true,
	},
	StatusReady: {
		StatusSaving:     true,
		StatusFinalizing: true,
	},
	StatusFinalizing: {
		StatusFinalized:      true,
		StatusFinalizeFailed: true,
	},
	StatusFinalizeFailed: {
		StatusFinalizing: true,
		StatusSaving:     true,
	},
	StatusFinalized: {},
}

// CanTransition reports whether moving from one status to another is
// legal under the lifecycle table.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// ValidStatus reports whether s is a known status value.
func ValidStatus(s Status) bool {
	_, ok := transitions[s]
	return ok
}

// ScalarValue reports whether v has a type a field value may carry:
// string, number, or boolean.
func ScalarValue(v any) bool {
	switch v.(type) {
	case string, bool, float64, float32, int, int32, int64:
		return true
	default:
		return false
	}
}
