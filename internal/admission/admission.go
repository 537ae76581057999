// Package admission serializes job execution per user. A job runs only
// while it holds its user's lease; the lease is bounded by a TTL so a
// holder that disappears cannot block its user forever.
package admission

import (
	"context"
	"sync"
	"time"
)

// Controller grants per-user exclusive leases
type Controller interface {
	// Admit blocks until no other job of userID is active, then marks jobID
	// active. It returns domain.ErrAdmissionTimeout after the configured max
	// wait and ctx.Err() when ctx ends first.
	Admit(ctx context.Context, userID, jobID string) (*Lease, error)
}

// Options configures a Controller
type Options struct {
	// LeaseTTL bounds how long a lease is honoured without being released.
	// Zero disables expiry for the in-process controller.
	LeaseTTL time.Duration
	// MaxWait bounds the time spent waiting in Admit. Zero waits until ctx ends.
	MaxWait time.Duration
}

// Lease is the right to run one job for one user
type Lease struct {
	UserID string
	JobID  string

	once    sync.Once
	release func()
	renew   func() bool
}

func newLease(userID, jobID string, release func(), renew func() bool) *Lease {
	return &Lease{UserID: userID, JobID: jobID, release: release, renew: renew}
}

// Renew restarts the lease TTL and reports whether the lease is still held.
// A lease that expired and was taken over, or was released, returns false.
func (l *Lease) Renew() bool {
	if l == nil || l.renew == nil {
		return l != nil
	}
	return l.renew()
}

// Release gives the lease back. Calling it more than once is a no-op.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		if l.release != nil {
			l.release()
		}
	})
}

// maxWaitTimer returns a channel firing after d, or nil when d is zero
func maxWaitTimer(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTimer(d)
	return t.C, func() { t.Stop() }
}
