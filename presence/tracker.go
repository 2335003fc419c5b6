// Package presence ties an actor's online status record to the health of
// the realtime connection.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"taskhub/domain"
	"taskhub/realtime"
	"taskhub/stream"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Online
	OfflinePending
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Online:
		return "online"
	case OfflinePending:
		return "offline-pending"
	}
	return "unknown"
}

// Store is the part of the realtime store the tracker uses.
type Store interface {
	Set(ctx context.Context, path string, value any) error
	Watch(ctx context.Context, path string) (*stream.Stream[realtime.Value], error)
	OnDisconnect(ctx context.Context, path string, value any) (*realtime.Deferred, error)
}

type session struct {
	ctx   context.Context
	watch *stream.Stream[realtime.Value]
	done  chan struct{}

	mu       sync.Mutex
	state    State
	deferred *realtime.Deferred
}

func (s *session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Tracker maintains presence records for the actors it was started for.
type Tracker struct {
	store   Store
	log     *log.Logger
	now     func() time.Time
	onError func(actorID string, err error)

	mu       sync.Mutex
	sessions map[string]*session
}

func NewTracker(store Store, logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.StandardLogger()
	}
	t := &Tracker{store: store, log: logger, now: time.Now, sessions: map[string]*session{}}
	t.onError = func(actorID string, err error) {
		t.log.WithField("user", actorID).WithError(err).Error("presence write failed")
	}
	return t
}

// WithErrorHandler replaces the handler for failures of writes made in
// reaction to connection changes.
func (t *Tracker) WithErrorHandler(fn func(actorID string, err error)) *Tracker {
	t.onError = fn
	return t
}

func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

func (t *Tracker) record(online bool) domain.PresenceRecord {
	return domain.PresenceRecord{Online: online, LastSeen: t.now().UTC()}
}

// Start attaches actorID to the connection signal. Starting an actor that
// is already tracked does nothing.
func (t *Tracker) Start(ctx context.Context, actorID string) error {
	if actorID == "" {
		return &domain.SubscriptionSetupError{Target: realtime.ConnectedKey, Err: errors.New("missing actor")}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[actorID]; ok {
		return nil
	}
	sctx := context.WithoutCancel(ctx)
	watch, err := t.store.Watch(sctx, realtime.ConnectedKey)
	if err != nil {
		return err
	}
	s := &session{ctx: sctx, watch: watch, done: make(chan struct{}), state: Connecting}
	t.sessions[actorID] = s
	go t.run(actorID, s)
	return nil
}

func (t *Tracker) run(actorID string, s *session) {
	defer close(s.done)
	for v := range s.watch.C() {
		var up bool
		if err := v.Decode(&up); err != nil {
			t.onError(actorID, err)
			continue
		}
		if up {
			t.connected(actorID, s)
		} else {
			t.disconnected(s)
		}
	}
	if err := s.watch.Err(); err != nil {
		t.onError(actorID, err)
	}
}

// connected arms the offline write before announcing online so a loss
// right after the online write still ends offline.
func (t *Tracker) connected(actorID string, s *session) {
	path := domain.PresencePath(actorID)
	d, err := t.store.OnDisconnect(s.ctx, path, t.record(false))
	if err != nil {
		t.onError(actorID, err)
		return
	}
	s.mu.Lock()
	s.deferred = d
	s.mu.Unlock()
	if err := t.store.Set(s.ctx, path, t.record(true)); err != nil {
		t.onError(actorID, err)
		return
	}
	s.setState(Online)
}

func (t *Tracker) disconnected(s *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// the store commits the armed write on its own
	s.deferred = nil
	if s.state == Online {
		s.state = OfflinePending
	}
}

// Stop detaches actorID, disarms the deferred write and writes the offline
// record. Stopping an actor that is not tracked does nothing.
func (t *Tracker) Stop(ctx context.Context, actorID string) error {
	t.mu.Lock()
	s, ok := t.sessions[actorID]
	delete(t.sessions, actorID)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	s.watch.Close()
	<-s.done

	var errs []error
	s.mu.Lock()
	d := s.deferred
	s.deferred = nil
	s.state = Disconnected
	s.mu.Unlock()
	if d != nil {
		if err := d.Cancel(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.store.Set(ctx, domain.PresencePath(actorID), t.record(false)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// StopAll stops every tracked actor.
func (t *Tracker) StopAll(ctx context.Context) error {
	t.mu.Lock()
	actors := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		actors = append(actors, id)
	}
	t.mu.Unlock()
	var errs []error
	for _, id := range actors {
		if err := t.Stop(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// State reports the tracking state of actorID.
func (t *Tracker) State(actorID string) State {
	t.mu.Lock()
	s, ok := t.sessions[actorID]
	t.mu.Unlock()
	if !ok {
		return Disconnected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Observe pushes the presence record of actorID now and on every change.
// A missing record reads as offline.
func (t *Tracker) Observe(ctx context.Context, actorID string) (*stream.Stream[domain.PresenceRecord], error) {
	watch, err := t.store.Watch(ctx, domain.PresencePath(actorID))
	if err != nil {
		return nil, err
	}
	return stream.Start(ctx, func(ctx context.Context, emit func(domain.PresenceRecord) bool) error {
		defer watch.Close()
		for {
			select {
			case <-ctx.Done():
				return nil
			case v, ok := <-watch.C():
				if !ok {
					return watch.Err()
				}
				var rec domain.PresenceRecord
				if err := v.Decode(&rec); err != nil {
					t.log.WithField("user", actorID).WithError(err).Warn("skipping malformed presence record")
					continue
				}
				rec.UserID = actorID
				if !emit(rec) {
					return nil
				}
			}
		}
	}), nil
}
