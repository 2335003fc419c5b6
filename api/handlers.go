// Package api exposes the task tracker over HTTP: JSON commands plus
// server-sent event streams for live views.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskhub/domain"
	"taskhub/stream"
	"taskhub/tasks"
)

const maxBodySize = 64 << 10

type TaskCommands interface {
	Create(ctx context.Context, actor domain.Actor, in tasks.TaskInput) (string, error)
	Update(ctx context.Context, actor domain.Actor, id string, patch tasks.TaskPatch) error
	SetCompleted(ctx context.Context, actor domain.Actor, id string, completed bool) error
	ToggleComplete(ctx context.Context, actor domain.Actor, id string) error
	Delete(ctx context.Context, actor domain.Actor, id string) error
}

type TaskSubscriber interface {
	Subscribe(ctx context.Context, actorID string) (*stream.Stream[[]domain.Task], error)
}

type NotificationSubscriber interface {
	Subscribe(ctx context.Context, actorID string) (*stream.Stream[domain.Notification], error)
}

type PresenceService interface {
	Start(ctx context.Context, actorID string) error
	Stop(ctx context.Context, actorID string) error
	Observe(ctx context.Context, actorID string) (*stream.Stream[domain.PresenceRecord], error)
}

type ActivityFeed interface {
	Subscribe(ctx context.Context, userID string, limit int) (*stream.Stream[[]domain.ActivityEntry], error)
}

type UserDirectory interface {
	Active(ctx context.Context) ([]domain.User, error)
	Ensure(ctx context.Context, actor domain.Actor) error
}

type PermissionRegistry interface {
	Grant(ctx context.Context, userID, token string) error
	Revoke(ctx context.Context, userID string) error
}

// Services are the components behind the routes.
type Services struct {
	Commands      TaskCommands
	Tasks         TaskSubscriber
	Notifications NotificationSubscriber
	Presence      PresenceService
	Activity      ActivityFeed
	Users         UserDirectory
	Permissions   PermissionRegistry
	// Health reports whether the backing stores are reachable.
	Health func(ctx context.Context) error
}

// Register wires up all routes on the provided Echo instance.
func Register(e *echo.Echo, svc Services, auth Authenticator, logger *log.Logger) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	refs := newPresenceRefs(svc.Presence, logger)
	ensure := ensureOnce(svc.Users, logger)

	e.GET("/healthz", healthz(svc.Health))

	g := e.Group("/api", requireActor(auth, ensure))
	g.GET("/users", getUsers(svc.Users))
	g.POST("/tasks", createTask(svc.Commands))
	g.PATCH("/tasks/:id", updateTask(svc.Commands))
	g.POST("/tasks/:id/toggle", toggleTask(svc.Commands))
	g.DELETE("/tasks/:id", deleteTask(svc.Commands))
	g.POST("/notifications/permission", grantPermission(svc.Permissions))
	g.DELETE("/notifications/permission", revokePermission(svc.Permissions))

	s := e.Group("/stream", requireActor(auth, ensure))
	s.GET("/tasks", streamTasks(svc.Tasks, refs, logger))
	s.GET("/notifications", streamNotifications(svc.Notifications, logger))
	s.GET("/presence/:userId", streamPresence(svc.Presence, logger))
	s.GET("/activity", streamActivity(svc.Activity, logger))
}

func healthz(check func(context.Context) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		if check != nil {
			if err := check(c.Request().Context()); err != nil {
				return c.String(http.StatusServiceUnavailable, err.Error())
			}
		}
		return c.NoContent(http.StatusOK)
	}
}

// ensureOnce registers each actor's profile the first time it is seen by
// this process.
func ensureOnce(users UserDirectory, logger *log.Logger) func(echo.Context, domain.Actor) {
	var seen sync.Map
	return func(c echo.Context, actor domain.Actor) {
		if users == nil {
			return
		}
		if _, loaded := seen.LoadOrStore(actor.ID, struct{}{}); loaded {
			return
		}
		if err := users.Ensure(c.Request().Context(), actor); err != nil {
			seen.Delete(actor.ID)
			logger.WithField("user", actor.ID).WithError(err).Warn("unable to register user profile")
		}
	}
}

// statusFor maps command errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidTask):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func commandError(c echo.Context, err error) error {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		c.Logger().Error(err)
	}
	return c.String(status, err.Error())
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, maxBodySize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type usersResponse struct {
	Users []domain.User `json:"users"`
}

func getUsers(users UserDirectory) echo.HandlerFunc {
	return func(c echo.Context) error {
		list, err := users.Active(c.Request().Context())
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, usersResponse{Users: list})
	}
}

type createTaskResponse struct {
	ID string `json:"id"`
}

func createTask(cmds TaskCommands) echo.HandlerFunc {
	return func(c echo.Context) error {
		var in tasks.TaskInput
		if err := decodeBody(c, &in); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		id, err := cmds.Create(c.Request().Context(), actorOf(c), in)
		if err != nil {
			return commandError(c, err)
		}
		return c.JSON(http.StatusCreated, createTaskResponse{ID: id})
	}
}

func updateTask(cmds TaskCommands) echo.HandlerFunc {
	return func(c echo.Context) error {
		var patch tasks.TaskPatch
		if err := decodeBody(c, &patch); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if err := cmds.Update(c.Request().Context(), actorOf(c), c.Param("id"), patch); err != nil {
			return commandError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

type toggleRequest struct {
	Completed *bool `json:"completed"`
}

// toggleTask flips completion, or sets it when the body names a value.
func toggleTask(cmds TaskCommands) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req toggleRequest
		if c.Request().ContentLength != 0 {
			if err := decodeBody(c, &req); err != nil && !errors.Is(err, io.EOF) {
				return c.String(http.StatusBadRequest, "invalid body")
			}
		}
		ctx, actor, id := c.Request().Context(), actorOf(c), c.Param("id")
		var err error
		if req.Completed != nil {
			err = cmds.SetCompleted(ctx, actor, id, *req.Completed)
		} else {
			err = cmds.ToggleComplete(ctx, actor, id)
		}
		if err != nil {
			return commandError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func deleteTask(cmds TaskCommands) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := cmds.Delete(c.Request().Context(), actorOf(c), c.Param("id")); err != nil {
			return commandError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

type permissionRequest struct {
	Token string `json:"token"`
}

func grantPermission(perms PermissionRegistry) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req permissionRequest
		if err := decodeBody(c, &req); err != nil || req.Token == "" {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if err := perms.Grant(c.Request().Context(), actorOf(c).ID, req.Token); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func revokePermission(perms PermissionRegistry) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := perms.Revoke(c.Request().Context(), actorOf(c).ID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("invalid limit")
	}
	return n, nil
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}
