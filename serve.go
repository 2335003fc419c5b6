package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taskhub/activity"
	"taskhub/api"
	"taskhub/config"
	"taskhub/feed"
	"taskhub/notify"
	"taskhub/presence"
	"taskhub/realtime"
	"taskhub/tasks"
	"taskhub/users"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and event-stream server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv, err := newServer(ctx, cfg, log.StandardLogger())
			if err != nil {
				return err
			}
			defer srv.close()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.echo.Start(cfg.ListenAddr()) }()
			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.echo.Shutdown(shutdownCtx)
		},
	}
}

// server holds the wired components of one process.
type server struct {
	echo    *echo.Echo
	tracker *presence.Tracker
	closers []func(context.Context) error
	log     *log.Logger
}

func (s *server) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tracker.StopAll(ctx); err != nil {
		s.log.WithError(err).Warn("unable to mark tracked users offline")
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			s.log.WithError(err).Warn("shutdown")
		}
	}
}

func newRedisClient(cfg *config.Config) (*redis.Client, error) {
	if cfg.Redis.ConnectionString == "" {
		return nil, nil
	}
	opts, err := config.RedisOptions(cfg.Redis.ConnectionString)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

func openDocuments(cfg *config.Config, rc *redis.Client, logger *log.Logger) (*feed.Live, func(context.Context) error, error) {
	var notifier feed.Notifier = feed.NewHub()
	if rc != nil {
		notifier = feed.NewRedisNotifier(rc)
	}
	noop := func(context.Context) error { return nil }
	switch cfg.Storage.Backend {
	case config.BackendRedis:
		return feed.NewLive(feed.NewRedisBackend(rc), notifier, logger), noop, nil
	case config.BackendSQLite:
		b, err := feed.OpenSQLite(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return feed.NewLive(b, notifier, logger), func(context.Context) error { return b.Close() }, nil
	case config.BackendTables:
		b, err := feed.NewTablesBackend(cfg.Storage.ConnectionString, cfg.Storage.TablePrefix)
		if err != nil {
			return nil, nil, err
		}
		return feed.NewLive(b, notifier, logger), noop, nil
	}
	return feed.NewLive(feed.NewMemoryBackend(), notifier, logger), noop, nil
}

func newAuth(cfg *config.Config) (*api.Auth, error) {
	if cfg.Auth.TestMode {
		return api.NewAuth(nil, cfg.Auth.Audience, cfg.Issuer(), api.AuthOptions{TestSecret: cfg.Auth.TestSecret}), nil
	}
	jwks, err := keyfunc.Get(cfg.JWKSURL(), keyfunc.Options{RefreshInterval: time.Hour, RefreshUnknownKID: true})
	if err != nil {
		return nil, err
	}
	return api.NewAuth(jwks, cfg.Auth.Audience, cfg.Issuer(), api.AuthOptions{CacheTTL: cfg.Auth.JWKSCacheTTL}), nil
}

// newServer wires every component named by cfg. Background loops run until
// ctx is done.
func newServer(ctx context.Context, cfg *config.Config, logger *log.Logger) (*server, error) {
	srv := &server{log: logger}
	rc, err := newRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	if rc != nil {
		srv.closers = append(srv.closers, func(context.Context) error { return rc.Close() })
	}

	docs, closeDocs, err := openDocuments(cfg, rc, logger)
	if err != nil {
		return nil, err
	}
	srv.closers = append(srv.closers, closeDocs)

	var rt realtime.Store = realtime.NewMemory()
	if rc != nil {
		r := realtime.NewRedis(rc, realtime.RedisOptions{LeaseTTL: cfg.Presence.LeaseTTL, Logger: logger})
		go r.Run(ctx, cfg.Presence.ProbeInterval)
		srv.closers = append(srv.closers, r.Close)
		rt = r
	}

	var deduper notify.Deduper = notify.NewMemoryDeduper()
	if rc != nil {
		deduper = notify.NewRedisDeduper(rc, cfg.Notify.DeduperTTL)
	}
	perms := notify.NewPermissions(docs)
	var alerter notify.Alerter = notify.NewLogAlerter(perms, logger)
	if cfg.Notify.AlertQueue != "" {
		q, err := notify.NewQueueAlerter(cfg.Storage.ConnectionString, cfg.Notify.AlertQueue, perms)
		if err != nil {
			return nil, err
		}
		alerter = q
	}

	auth, err := newAuth(cfg)
	if err != nil {
		return nil, err
	}

	feedLog := activity.NewLog(rt, logger)
	srv.tracker = presence.NewTracker(rt, logger)
	svc := api.Services{
		Commands:      tasks.NewService(docs, notify.NewCreator(docs, deduper, logger), feedLog, logger),
		Tasks:         tasks.NewAggregator(docs, logger),
		Notifications: notify.NewRouter(docs, alerter, logger),
		Presence:      srv.tracker,
		Activity:      feedLog,
		Users:         users.NewDirectory(docs, logger),
		Permissions:   perms,
		Health: func(ctx context.Context) error {
			if rc == nil {
				return nil
			}
			return rc.Ping(ctx).Err()
		},
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	api.Register(e, svc, auth, logger)
	srv.echo = e

	logger.WithFields(log.Fields{
		"storage":  cfg.Storage.Backend,
		"realtime": rc != nil,
		"alerts":   cfg.Notify.AlertQueue != "",
	}).Info("server wired")
	return srv, nil
}
