package dedup

import "errors"

// ErrInvalidRow is wrapped into the Err of a Rejected outcome.
var ErrInvalidRow = errors.New("invalid row")

// Rejection reasons.
const (
	ReasonInvalidRow = "invalid_row"
)
