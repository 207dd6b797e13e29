package draft

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates no draft exists for the requested id.
	ErrNotFound = errors.New("draft not found")
)

// IllegalTransitionError is returned when a caller requests a status
// change the lifecycle table forbids, including any mutation of a
// finalized draft. It signals a programming error in the caller and is
// never retried.
type IllegalTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("draft %s: illegal transition %s -> %s", e.ID, e.From, e.To)
}

// VersionConflictError indicates the server already moved past the
// version this client last observed. It is terminal: blind overwrite
// would corrupt a legal document, so resolution is left to the user.
type VersionConflictError struct {
	ID            string
	LocalVersion  int64
	ServerVersion int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("draft %s: version conflict (local %d, server %d)", e.ID, e.LocalVersion, e.ServerVersion)
}

// IsConflict reports whether err is a version conflict.
func IsConflict(err error) bool {
	var vc *VersionConflictError
	return errors.As(err, &vc)
}

// IsIllegalTransition reports whether err is an illegal status
// transition.
func IsIllegalTransition(err error) bool {
	var it *IllegalTransitionError
	return errors.As(err, &it)
}
