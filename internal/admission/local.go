package admission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/songforge/internal/domain"
)

// LocalController is an in-process keyed FIFO lease manager. Waiters of a
// user are admitted in arrival order; when a lease outlives its TTL the
// head waiter takes it over.
type LocalController struct {
	mu        sync.Mutex
	users     map[string]*userSlot
	nextToken uint64
	opts      Options
	logger    *slog.Logger
}

// minExpiryCheck keeps waiters behind an expired lease from spinning until
// the head waiter takes it over
const minExpiryCheck = 5 * time.Millisecond

type userSlot struct {
	holder  string
	token   uint64
	expires time.Time
	waiters []*waiter
}

type waiter struct {
	jobID   string
	ready   chan struct{}
	token   uint64
	granted bool
}

// NewLocalController creates an in-process controller
func NewLocalController(opts Options, logger *slog.Logger) *LocalController {
	return &LocalController{
		users:  make(map[string]*userSlot),
		opts:   opts,
		logger: logger,
	}
}

// Admit implements Controller
func (c *LocalController) Admit(ctx context.Context, userID, jobID string) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	slot, ok := c.users[userID]
	if !ok {
		slot = &userSlot{}
		c.users[userID] = slot
	}

	if slot.holder == "" && len(slot.waiters) == 0 {
		token := c.grantLocked(slot, jobID)
		c.mu.Unlock()
		return c.lease(userID, jobID, token), nil
	}

	if len(slot.waiters) == 0 && c.expiredLocked(slot) {
		c.logger.Warn("Taking over expired admission lease",
			slog.String("user_id", userID),
			slog.String("expired_job_id", slot.holder),
			slog.String("job_id", jobID),
		)
		token := c.grantLocked(slot, jobID)
		c.mu.Unlock()
		return c.lease(userID, jobID, token), nil
	}

	w := &waiter{jobID: jobID, ready: make(chan struct{})}
	slot.waiters = append(slot.waiters, w)
	c.logger.Debug("Waiting for admission",
		slog.String("user_id", userID),
		slog.String("job_id", jobID),
		slog.String("active_job_id", slot.holder),
		slog.Int("position", len(slot.waiters)),
	)
	c.mu.Unlock()

	return c.wait(ctx, userID, slot, w)
}

func (c *LocalController) wait(ctx context.Context, userID string, slot *userSlot, w *waiter) (*Lease, error) {
	maxWaitC, stopMaxWait := maxWaitTimer(c.opts.MaxWait)
	defer stopMaxWait()

	for {
		var expiryC <-chan time.Time
		var expiryTimer *time.Timer

		c.mu.Lock()
		if c.opts.LeaseTTL > 0 && !w.granted && slot.holder != "" {
			d := time.Until(slot.expires)
			if d < minExpiryCheck {
				d = minExpiryCheck
			}
			expiryTimer = time.NewTimer(d)
			expiryC = expiryTimer.C
		}
		c.mu.Unlock()

		select {
		case <-w.ready:
			stopTimer(expiryTimer)
			return c.lease(userID, w.jobID, w.token), nil

		case <-expiryC:
			c.mu.Lock()
			if !w.granted && len(slot.waiters) > 0 && slot.waiters[0] == w && c.expiredLocked(slot) {
				c.logger.Warn("Taking over expired admission lease",
					slog.String("user_id", userID),
					slog.String("expired_job_id", slot.holder),
					slog.String("job_id", w.jobID),
				)
				slot.waiters = slot.waiters[1:]
				w.token = c.grantLocked(slot, w.jobID)
				w.granted = true
				close(w.ready)
			}
			c.mu.Unlock()

		case <-ctx.Done():
			stopTimer(expiryTimer)
			c.abandon(userID, slot, w)
			return nil, ctx.Err()

		case <-maxWaitC:
			stopTimer(expiryTimer)
			c.abandon(userID, slot, w)
			return nil, domain.ErrAdmissionTimeout
		}
	}
}

// abandon removes a waiter that gave up. If the lease was granted to it in
// the meantime the lease is passed on.
func (c *LocalController) abandon(userID string, slot *userSlot, w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if w.granted {
		c.releaseLocked(userID, w.token)
		return
	}

	for i, other := range slot.waiters {
		if other == w {
			slot.waiters = append(slot.waiters[:i], slot.waiters[i+1:]...)
			break
		}
	}
	if slot.holder == "" && len(slot.waiters) == 0 {
		delete(c.users, userID)
	}
}

func (c *LocalController) lease(userID, jobID string, token uint64) *Lease {
	return newLease(userID, jobID, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.releaseLocked(userID, token)
	}, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.renewLocked(userID, token)
	})
}

// renewLocked extends the lease held under token. It fails once the slot
// was handed to another job.
func (c *LocalController) renewLocked(userID string, token uint64) bool {
	slot, ok := c.users[userID]
	if !ok || slot.holder == "" || slot.token != token {
		return false
	}
	if c.opts.LeaseTTL > 0 {
		slot.expires = time.Now().Add(c.opts.LeaseTTL)
	}
	return true
}

func (c *LocalController) grantLocked(slot *userSlot, jobID string) uint64 {
	c.nextToken++
	slot.holder = jobID
	slot.token = c.nextToken
	if c.opts.LeaseTTL > 0 {
		slot.expires = time.Now().Add(c.opts.LeaseTTL)
	}
	return slot.token
}

func (c *LocalController) expiredLocked(slot *userSlot) bool {
	return c.opts.LeaseTTL > 0 && slot.holder != "" && !time.Now().Before(slot.expires)
}

// releaseLocked frees the slot held under token and hands it to the next
// waiter. A token that no longer holds the slot is ignored.
func (c *LocalController) releaseLocked(userID string, token uint64) {
	slot, ok := c.users[userID]
	if !ok || slot.holder == "" || slot.token != token {
		return
	}

	slot.holder = ""
	if len(slot.waiters) == 0 {
		delete(c.users, userID)
		return
	}

	next := slot.waiters[0]
	slot.waiters = slot.waiters[1:]
	next.token = c.grantLocked(slot, next.jobID)
	next.granted = true
	close(next.ready)
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
