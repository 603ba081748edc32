package subscriber

import "errors"

// ErrNotFound is returned when a subscriber id is absent or soft-deleted
var ErrNotFound = errors.New("subscriber not found")

// ErrInvalid wraps configuration errors rejected by Validate
var ErrInvalid = errors.New("invalid subscriber")

// ErrAlreadyExists is returned by Insert when the id is taken, including by a soft-deleted record
var ErrAlreadyExists = errors.New("subscriber already exists")
