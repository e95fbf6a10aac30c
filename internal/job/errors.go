package job

import "errors"

var (
	ErrNotFound          = errors.New("job: not found")
	ErrStaleWrite        = errors.New("job: stale write rejected")
	ErrInvalidTransition = errors.New("job: invalid state transition")
	ErrInvalidWait       = errors.New("job: invalid wait specification")
	ErrRetriesExhausted  = errors.New("job: retries exhausted")
	ErrHistoryClosed     = errors.New("job: history entry already closed")
)
