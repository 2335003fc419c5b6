package realtime

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Reaper commits the deferred writes of sessions whose lease expired,
// i.e. writers that vanished without closing.
type Reaper struct {
	rc  *redis.Client
	log *log.Logger
	now func() time.Time
}

func NewReaper(rc *redis.Client, logger *log.Logger) *Reaper {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Reaper{rc: rc, log: logger, now: time.Now}
}

func (r *Reaper) WithClock(now func() time.Time) *Reaper {
	r.now = now
	return r
}

// ReapExpired commits every expired session and returns how many it
// claimed.
func (r *Reaper) ReapExpired(ctx context.Context) (int, error) {
	upper := strconv.FormatInt(r.now().UnixMilli(), 10)
	sids, err := r.rc.ZRangeByScore(ctx, sessionsKey, &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, sid := range sids {
		ok, err := commitSession(ctx, r.rc, sid)
		if err != nil {
			return reaped, err
		}
		if ok {
			reaped++
			r.log.WithField("session", sid).Info("committed deferred writes of expired session")
		}
	}
	return reaped, nil
}

// Run reaps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := r.ReapExpired(ctx); err != nil && ctx.Err() == nil {
			r.log.WithError(err).Error("reap expired sessions")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
