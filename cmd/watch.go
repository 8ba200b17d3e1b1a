package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/psds-microservice/support-chat/internal/client"
	"github.com/psds-microservice/support-chat/internal/config"
	"github.com/psds-microservice/support-chat/internal/logger"
	"github.com/psds-microservice/support-chat/internal/model"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the client sync core headless and log what a front end would show",
	RunE:  runWatch,
}

var watchOpen string

func init() {
	watchCmd.Flags().StringVar(&watchOpen, "open", "", "ticket id to keep open as the detail view")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadClient()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := client.NewSession(cfg.Token, model.Role(cfg.Role))
	api := client.NewAPI(cfg.APIBaseURL, session, log)
	core := client.NewSynchronizer(
		api,
		client.NewChannel(cfg.WSURL, session, log),
		client.NewResolver(api.BaseURL(), "", session, api, log),
		session,
		client.Options{Filter: cfg.TicketFilter, Interval: cfg.ReconcileInterval},
		log,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := core.Run(gctx)
		stop()
		return err
	})
	if watchOpen != "" {
		g.Go(func() error {
			if _, err := core.OpenTicket(gctx, watchOpen); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Str("ticket", watchOpen).Msg("open ticket")
			}
			return nil
		})
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-core.Updates():
				logState(log, core)
			}
		}
	})
	return g.Wait()
}

func logState(log zerolog.Logger, s *client.Synchronizer) {
	tickets := s.Tickets()
	unread := 0
	for _, t := range tickets {
		if t.Unread {
			unread++
		}
	}
	ev := log.Info().Int("tickets", len(tickets)).Int("unread", unread)
	for k, online := range s.Presence() {
		ev = ev.Bool("online:"+k, online)
	}
	ev.Msg("state")

	d, ok := s.Current()
	if !ok {
		return
	}
	log.Info().
		Str("ticket", d.Ticket.ID).
		Str("status", string(d.Ticket.Status)).
		Int("replies", len(d.Ticket.Replies)).
		Interface("attachments", d.Attachments).
		Msg("detail")
}
