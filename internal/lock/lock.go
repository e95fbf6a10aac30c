// Package lock provides leased, fenced mutual exclusion over job ids.
//
// Every successful Acquire returns a fence that is strictly greater than
// any fence previously issued for the same key. Storage writes guarded by
// the fence reject holders whose lease has since passed to someone else.
package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBusy is returned when another holder owns an unexpired lease.
	ErrBusy = errors.New("lock: held by another owner")
	// ErrLost is returned when the lease expired or was taken over.
	ErrLost = errors.New("lock: lease lost")
)

// Lease is a held lock.
type Lease struct {
	Key       string
	Token     string
	Fence     int64
	ExpiresAt time.Time
}

// Service acquires and maintains leases.
type Service interface {
	// Acquire takes the lock for key for ttl, or returns ErrBusy.
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)

	// Renew extends a held lease by ttl, or returns ErrLost.
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) error

	// Release frees the lock if the lease still owns it. Releasing a lost
	// lease returns ErrLost and leaves the current holder untouched.
	Release(ctx context.Context, lease *Lease) error
}
