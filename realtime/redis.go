package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskhub/domain"
	"taskhub/stream"
)

const (
	valuePrefix     = "rt:val:"
	listPrefix      = "rt:list:"
	watchPrefix     = "rt:watch:"
	deferredPrefix  = "rt:ondisconnect:"
	sessionsKey     = "rt:sessions"
	defaultLeaseTTL = 30 * time.Second
)

type deferredEntry struct {
	Token string `json:"token"`
	Value []byte `json:"value"`
}

// RedisOptions configures a Redis store.
type RedisOptions struct {
	// LeaseTTL is how long a session survives without a successful probe
	// before the Reaper commits its deferred writes.
	LeaseTTL time.Duration
	Logger   *log.Logger
}

// Redis is a Store on Redis. Connection health is derived from Probe; each
// healthy period is a session whose deferred writes are kept in
// rt:ondisconnect:{session} and committed when the session ends: on
// Close, on the next reconnect, or by a Reaper once its lease expires.
type Redis struct {
	rc       *redis.Client
	log      *log.Logger
	leaseTTL time.Duration
	now      func() time.Time

	probeMu sync.Mutex

	mu           sync.Mutex
	connected    bool
	session      string
	connWatchers map[*watcher[Value]]struct{}
}

func NewRedis(rc *redis.Client, opts RedisOptions) *Redis {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Redis{
		rc:           rc,
		log:          opts.Logger,
		leaseTTL:     opts.LeaseTTL,
		now:          time.Now,
		connWatchers: map[*watcher[Value]]struct{}{},
	}
}

// WithClock replaces the clock used for lease deadlines and push keys.
func (r *Redis) WithClock(now func() time.Time) *Redis {
	r.now = now
	return r
}

// Session returns the current session id, empty while disconnected.
func (r *Redis) Session() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

func (r *Redis) deadline() float64 {
	return float64(r.now().Add(r.leaseTTL).UnixMilli())
}

// Probe checks the connection once, refreshing the session lease or
// opening a new session after an outage.
func (r *Redis) Probe(ctx context.Context) error {
	r.probeMu.Lock()
	defer r.probeMu.Unlock()

	if err := r.rc.Ping(ctx).Err(); err != nil {
		if r.setConnected(false) {
			r.log.WithError(err).Warn("realtime connection lost")
		}
		return err
	}

	r.mu.Lock()
	up, sid := r.connected, r.session
	r.mu.Unlock()

	if up {
		_, err := r.rc.ZScore(ctx, sessionsKey, sid).Result()
		switch {
		case err == nil:
			return r.rc.ZAdd(ctx, sessionsKey, redis.Z{Score: r.deadline(), Member: sid}).Err()
		case !errors.Is(err, redis.Nil):
			return err
		}
		r.log.WithField("session", sid).Warn("realtime session lease expired")
		r.setConnected(false)
	}
	return r.openSession(ctx, sid)
}

func (r *Redis) openSession(ctx context.Context, prev string) error {
	if prev != "" {
		if _, err := commitSession(ctx, r.rc, prev); err != nil {
			return err
		}
	}
	sid := uuid.NewString()
	if err := r.rc.ZAdd(ctx, sessionsKey, redis.Z{Score: r.deadline(), Member: sid}).Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.session = sid
	r.mu.Unlock()
	r.setConnected(true)
	r.log.WithField("session", sid).Debug("realtime session opened")
	return nil
}

// setConnected records the state and reports whether it changed.
func (r *Redis) setConnected(up bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connected == up {
		return false
	}
	r.connected = up
	for w := range r.connWatchers {
		w.push(connectedValue(up))
	}
	return true
}

// Run probes every interval until ctx is done.
func (r *Redis) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := r.Probe(ctx); err != nil && ctx.Err() == nil {
			r.log.WithError(err).Debug("realtime probe failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Close ends the session, committing its deferred writes.
func (r *Redis) Close(ctx context.Context) error {
	r.probeMu.Lock()
	defer r.probeMu.Unlock()
	r.mu.Lock()
	sid := r.session
	r.session = ""
	r.mu.Unlock()
	r.setConnected(false)
	if sid == "" {
		return nil
	}
	_, err := commitSession(ctx, r.rc, sid)
	return err
}

func (r *Redis) Set(ctx context.Context, path string, value any) error {
	p, err := cleanPath(path)
	if err != nil || p == ConnectedKey {
		return ErrInvalidPath
	}
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	return writeValue(ctx, r.rc, p, raw)
}

func (r *Redis) get(ctx context.Context, path string) ([]byte, error) {
	raw, err := r.rc.Get(ctx, valuePrefix+path).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return raw, err
}

func (r *Redis) Watch(ctx context.Context, path string) (*stream.Stream[Value], error) {
	p, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	w := newWatcher[Value]()
	if p == ConnectedKey {
		r.mu.Lock()
		w.push(connectedValue(r.connected))
		r.connWatchers[w] = struct{}{}
		r.mu.Unlock()
		stop := func() {
			r.mu.Lock()
			delete(r.connWatchers, w)
			r.mu.Unlock()
		}
		return stream.Start(ctx, w.pump(sameValue, nil, stop)), nil
	}

	lost, stop, err := r.follow(ctx, p, func(ctx context.Context) error {
		raw, err := r.get(ctx, p)
		if err != nil {
			return err
		}
		w.push(Value{Path: p, Raw: raw})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stream.Start(ctx, w.pump(sameValue, lost, stop)), nil
}

// follow subscribes to the change channel of path, calls refresh once
// and then after every change message.
func (r *Redis) follow(ctx context.Context, path string, refresh func(context.Context) error) (<-chan struct{}, func(), error) {
	sub := r.rc.Subscribe(ctx, watchPrefix+path)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, &domain.SubscriptionSetupError{Target: path, Err: err}
	}
	if err := refresh(ctx); err != nil {
		sub.Close()
		return nil, nil, &domain.SubscriptionSetupError{Target: path, Err: err}
	}

	fctx, cancel := context.WithCancel(context.Background())
	lost := make(chan struct{})
	msgs := sub.Channel()
	go func() {
		for {
			select {
			case <-fctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					close(lost)
					return
				}
				if err := refresh(fctx); err != nil && fctx.Err() == nil {
					r.log.WithField("path", path).WithError(err).Warn("realtime refresh failed")
				}
			}
		}
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			sub.Close()
		})
	}
	return lost, stop, nil
}

func (r *Redis) Push(ctx context.Context, path string, value any) (string, error) {
	p, err := cleanPath(path)
	if err != nil || p == ConnectedKey {
		return "", ErrInvalidPath
	}
	raw, err := encodeValue(value)
	if err != nil {
		return "", err
	}
	key := newPushKey(r.now())
	entry, err := sonic.Marshal(Child{Key: key, Raw: raw})
	if err != nil {
		return "", err
	}
	_, err = r.rc.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, listPrefix+p, entry)
		pipe.Publish(ctx, watchPrefix+p, key)
		return nil
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

func (r *Redis) Children(ctx context.Context, path string, limit int) (*stream.Stream[[]Child], error) {
	p, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	w := newWatcher[[]Child]()
	lost, stop, err := r.follow(ctx, p, func(ctx context.Context) error {
		entries, err := r.rc.LRange(ctx, listPrefix+p, start, -1).Result()
		if err != nil {
			return err
		}
		children := make([]Child, 0, len(entries))
		for _, e := range entries {
			var c Child
			if err := sonic.UnmarshalString(e, &c); err != nil {
				return err
			}
			children = append(children, c)
		}
		w.push(newestFirst(children, 0))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stream.Start(ctx, w.pump(sameChildren, lost, stop)), nil
}

func (r *Redis) OnDisconnect(ctx context.Context, path string, value any) (*Deferred, error) {
	p, err := cleanPath(path)
	if err != nil || p == ConnectedKey {
		return nil, ErrInvalidPath
	}
	raw, err := encodeValue(value)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	up, sid := r.connected, r.session
	r.mu.Unlock()
	if !up {
		return nil, domain.ErrDisconnected
	}
	token := uuid.NewString()
	entry, err := sonic.Marshal(deferredEntry{Token: token, Value: raw})
	if err != nil {
		return nil, err
	}
	key := deferredPrefix + sid
	if err := r.rc.HSet(ctx, key, p, entry).Err(); err != nil {
		return nil, err
	}
	return newDeferred(func(ctx context.Context) error {
		return cancelDeferred(ctx, r.rc, key, p, token)
	}), nil
}

// cancelDeferred removes the registration only if it was not replaced.
func cancelDeferred(ctx context.Context, rc *redis.Client, key, path, token string) error {
	err := rc.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, key, path).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var e deferredEntry
		if err := sonic.Unmarshal(data, &e); err != nil {
			return err
		}
		if e.Token != token {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, key, path)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return domain.ErrConcurrencyConflict
	}
	return err
}

func writeValue(ctx context.Context, rc *redis.Client, path string, raw []byte) error {
	_, err := rc.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if raw == nil {
			pipe.Del(ctx, valuePrefix+path)
		} else {
			pipe.Set(ctx, valuePrefix+path, raw, 0)
		}
		pipe.Publish(ctx, watchPrefix+path, "")
		return nil
	})
	return err
}

// commitSession writes the deferred values of sid, then removes the session
// and its registrations in one transaction. A failure leaves the session
// registered so Close, the next reconnect, or a Reaper can retry it. It
// reports false when the session was already committed by another party.
func commitSession(ctx context.Context, rc *redis.Client, sid string) (bool, error) {
	if _, err := rc.ZScore(ctx, sessionsKey, sid).Result(); err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	key := deferredPrefix + sid
	entries, err := rc.HGetAll(ctx, key).Result()
	if err != nil {
		return false, err
	}
	for path, data := range entries {
		var e deferredEntry
		if err := sonic.UnmarshalString(data, &e); err != nil {
			return false, err
		}
		if err := writeValue(ctx, rc, path, e.Value); err != nil {
			return false, err
		}
	}
	var removed *redis.IntCmd
	_, err = rc.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, sessionsKey, sid)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() == 1, nil
}
