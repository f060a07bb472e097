package catalog

import "github.com/zeebo/errs"

var (
	// Error wraps storage-level failures.
	Error = errs.Class("catalog")
	// NotFound is returned when a record does not exist.
	NotFound = errs.Class("not found")
	// Conflict is returned when a write would break a uniqueness rule.
	Conflict = errs.Class("conflict")
	// Invalid is returned when a record fails validation.
	Invalid = errs.Class("invalid record")
)

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool { return NotFound.Has(err) }

// IsConflict reports whether err is a Conflict error.
func IsConflict(err error) bool { return Conflict.Has(err) }
