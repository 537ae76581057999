package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/songforge/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "songforge:admission:"
	minPollInterval  = 25 * time.Millisecond
	maxPollInterval  = time.Second
	releaseTimeout   = 5 * time.Second
)

var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisController holds per-user leases as Redis keys so several worker
// processes share one admission domain. A lease key carries a TTL that the
// holder refreshes while it is alive. Waiters poll; no FIFO order is kept.
type RedisController struct {
	client    *redis.Client
	keyPrefix string
	opts      Options
	logger    *slog.Logger
}

// NewRedisController creates a Redis backed controller. LeaseTTL must be
// positive.
func NewRedisController(client *redis.Client, keyPrefix string, opts Options, logger *slog.Logger) (*RedisController, error) {
	if opts.LeaseTTL <= 0 {
		return nil, fmt.Errorf("redis admission requires a positive lease ttl")
	}
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}

	return &RedisController{
		client:    client,
		keyPrefix: keyPrefix,
		opts:      opts,
		logger:    logger,
	}, nil
}

// Admit implements Controller
func (c *RedisController) Admit(ctx context.Context, userID, jobID string) (*Lease, error) {
	key := c.keyPrefix + userID
	token := jobID + ":" + uuid.NewString()

	maxWaitC, stopMaxWait := maxWaitTimer(c.opts.MaxWait)
	defer stopMaxWait()

	poll := minPollInterval
	for {
		ok, err := c.client.SetNX(ctx, key, token, c.opts.LeaseTTL).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("failed to acquire admission lease: %w", err)
		}
		if ok {
			return c.hold(userID, jobID, key, token), nil
		}

		timer := time.NewTimer(poll)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-maxWaitC:
			timer.Stop()
			return nil, domain.ErrAdmissionTimeout
		}

		poll *= 2
		if poll > maxPollInterval {
			poll = maxPollInterval
		}
	}
}

// hold starts the keepalive loop and returns the lease that stops it
func (c *RedisController) hold(userID, jobID, key, token string) *Lease {
	stop := make(chan struct{})
	done := make(chan struct{})

	go c.keepalive(key, token, jobID, stop, done)

	return newLease(userID, jobID, func() {
		close(stop)
		<-done

		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()

		deleted, err := releaseScript.Run(ctx, c.client, []string{key}, token).Int()
		if err != nil {
			c.logger.Error("Failed to release admission lease",
				slog.String("user_id", userID),
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
			return
		}
		if deleted == 0 {
			c.logger.Warn("Admission lease was already gone on release",
				slog.String("user_id", userID),
				slog.String("job_id", jobID),
			)
		}
	}, func() bool {
		return c.renew(userID, jobID, key, token)
	})
}

// renew refreshes the lease key now and reports whether this token still
// owns it. An unreachable Redis counts as lost.
func (c *RedisController) renew(userID, jobID, key, token string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	refreshed, err := refreshScript.Run(ctx, c.client, []string{key}, token, c.opts.LeaseTTL.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.logger.Warn("Failed to renew admission lease",
			slog.String("user_id", userID),
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return false
	}
	return refreshed == 1
}

func (c *RedisController) keepalive(key, token, jobID string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := c.opts.LeaseTTL / 3
	if interval <= 0 {
		interval = c.opts.LeaseTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			refreshed, err := refreshScript.Run(ctx, c.client, []string{key}, token, c.opts.LeaseTTL.Milliseconds()).Int()
			cancel()

			if err != nil && !errors.Is(err, redis.Nil) {
				c.logger.Warn("Failed to refresh admission lease",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
				continue
			}
			if refreshed == 0 {
				c.logger.Warn("Admission lease lost",
					slog.String("job_id", jobID),
				)
				return
			}
		}
	}
}
