package dynamo

import "errors"

var (
	// ErrDuplicateValue is returned when a unique constraint is violated.
	ErrDuplicateValue = errors.New("tendril: duplicate value for unique field")

	// errConditionFailed marks a failed condition on the record item itself.
	// The adapter reports it as an unsuccessful save rather than an error.
	errConditionFailed = errors.New("tendril: record condition failed")
)
