package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskhub/domain"
	"taskhub/stream"
	"taskhub/tasks"
)

var keepAliveInterval = 25 * time.Second

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func openSSE(c echo.Context) (*sseWriter, error) {
	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("stream unsupported")
	}
	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: c.Response(), flusher: flusher}, nil
}

func (s *sseWriter) send(event string, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) ping() error {
	if _, err := s.w.Write([]byte(": ping\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

type errorEvent struct {
	Error string `json:"error"`
}

// pump forwards every value of sub as event until the client goes away or
// the stream ends. A stream failure is sent as an error event; the client
// keeps whatever it rendered last.
func pump[T any](c echo.Context, sub *stream.Stream[T], event string, logger *log.Logger, render func(T) any) error {
	defer sub.Close()
	sse, err := openSSE(c)
	if err != nil {
		return c.String(http.StatusInternalServerError, err.Error())
	}
	ctx := c.Request().Context()
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := sse.ping(); err != nil {
				return nil
			}
		case v, ok := <-sub.C():
			if !ok {
				if err := sub.Err(); err != nil {
					logger.WithFields(log.Fields{"event": event, "user": actorOf(c).ID}).WithError(err).Warn("stream ended")
					sse.send("error", errorEvent{Error: err.Error()})
				}
				return nil
			}
			if err := sse.send(event, render(v)); err != nil {
				return nil
			}
		}
	}
}

type tasksEvent struct {
	Filter tasks.Filter     `json:"filter"`
	Items  []tasks.ViewItem `json:"items"`
}

func streamTasks(sub TaskSubscriber, refs *presenceRefs, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		filter, err := tasks.ParseFilter(c.QueryParam("filter"))
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}
		actor := actorOf(c)
		ctx := c.Request().Context()
		s, err := sub.Subscribe(ctx, actor.ID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		refs.acquire(ctx, actor.ID)
		defer refs.release(ctx, actor.ID)
		return pump(c, s, "tasks", logger, func(list []domain.Task) any {
			return tasksEvent{Filter: filter, Items: tasks.DeriveView(list, actor.ID, filter, time.Now())}
		})
	}
}

func streamNotifications(sub NotificationSubscriber, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		s, err := sub.Subscribe(c.Request().Context(), actorOf(c).ID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return pump(c, s, "notification", logger, func(n domain.Notification) any { return n })
	}
}

type presenceEvent struct {
	UserID   string    `json:"userId"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
}

func streamPresence(p PresenceService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		s, err := p.Observe(c.Request().Context(), c.Param("userId"))
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return pump(c, s, "presence", logger, func(r domain.PresenceRecord) any {
			return presenceEvent{UserID: r.UserID, Online: r.Online, LastSeen: r.LastSeen}
		})
	}
}

func streamActivity(feed ActivityFeed, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, err := parseLimit(c.QueryParam("limit"))
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}
		s, err := feed.Subscribe(c.Request().Context(), actorOf(c).ID, limit)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return pump(c, s, "activity", logger, func(list []domain.ActivityEntry) any { return list })
	}
}

// presenceRefs keeps an actor tracked while at least one task stream of
// theirs is open. Start and Stop run under a per-actor lock so a slow
// tracker call for one actor never blocks streams of another.
type presenceRefs struct {
	tracker PresenceService
	log     *log.Logger

	mu    sync.Mutex
	holds map[string]*presenceHold
}

type presenceHold struct {
	pins int // guarded by presenceRefs.mu

	mu    sync.Mutex
	count int
}

func newPresenceRefs(tracker PresenceService, logger *log.Logger) *presenceRefs {
	return &presenceRefs{tracker: tracker, log: logger, holds: map[string]*presenceHold{}}
}

func (r *presenceRefs) pin(actorID string) *presenceHold {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.holds[actorID]
	if !ok {
		h = &presenceHold{}
		r.holds[actorID] = h
	}
	h.pins++
	return h
}

// unpin drops the entry once nobody holds or waits on it. count is only
// read when no other goroutine is pinned.
func (r *presenceRefs) unpin(actorID string, h *presenceHold) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h.pins--
	if h.pins == 0 && h.count == 0 {
		delete(r.holds, actorID)
	}
}

func (r *presenceRefs) acquire(ctx context.Context, actorID string) {
	if r.tracker == nil {
		return
	}
	h := r.pin(actorID)
	defer r.unpin(actorID, h)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		if err := r.tracker.Start(ctx, actorID); err != nil {
			r.log.WithField("user", actorID).WithError(err).Warn("unable to start presence tracking")
			return
		}
	}
	h.count++
}

func (r *presenceRefs) release(ctx context.Context, actorID string) {
	if r.tracker == nil {
		return
	}
	h := r.pin(actorID)
	defer r.unpin(actorID, h)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return
	}
	h.count--
	if h.count > 0 {
		return
	}
	stopCtx, cancel := detached(ctx)
	defer cancel()
	if err := r.tracker.Stop(stopCtx, actorID); err != nil {
		r.log.WithField("user", actorID).WithError(err).Warn("unable to stop presence tracking")
	}
}

// active reports how many task streams hold actorID.
func (r *presenceRefs) active(actorID string) int {
	h := r.pin(actorID)
	defer r.unpin(actorID, h)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}
