package main

import (
	"errors"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taskhub/realtime"
)

func reapCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Commit the disconnect writes of realtime sessions whose lease expired",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rc, err := newRedisClient(cfg)
			if err != nil {
				return err
			}
			if rc == nil {
				return errors.New("reap requires REDIS_CONNECTION_STRING")
			}
			defer rc.Close()

			reaper := realtime.NewReaper(rc, log.StandardLogger())
			if once {
				n, err := reaper.ReapExpired(cmd.Context())
				if err != nil {
					return err
				}
				log.WithField("sessions", n).Info("reaped expired sessions")
				return nil
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			log.WithField("interval", cfg.Presence.ReapInterval).Info("reaper starting")
			reaper.Run(ctx, cfg.Presence.ReapInterval)
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "reap a single time and exit")
	return cmd
}
