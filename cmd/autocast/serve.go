package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"go2tv.app/autocast/internal/events"
	"go2tv.app/autocast/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the schedule daemon",
	Long:  "Load the active schedules, discover receivers and cast each schedule's broadcast when its slot arrives and the channel is live.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.YouTubeAPIKey == "" {
		return errors.New("serve: YOUTUBE_API_KEY is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.logger.Info().Str("version", version).Str("timezone", a.loc.String()).Msg("autocast starting")

	go logEvents(ctx, a)

	if a.cfg.NATS.URL != "" {
		fwd, err := events.NewNATSForwarder(a.cfg.NATS.URL, a.cfg.NATS.SubjectPrefix, a.logger)
		if err != nil {
			return errors.Wrap(err, "serve")
		}
		defer fwd.Close()
		go fwd.Run(ctx, a.bus)
	}

	metricsSrv := &http.Server{
		Addr:              a.cfg.MetricsBind,
		Handler:           metricsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if a.cfg.MetricsBind != "" {
		go func() {
			a.logger.Info().Str("addr", a.cfg.MetricsBind).Msg("metrics listening")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	if a.cfg.Discovery.OnStart {
		go func() {
			found, err := a.discover(ctx)
			if err != nil {
				a.logger.Warn().Err(err).Msg("startup discovery failed")
				return
			}
			a.logger.Info().Int("devices", len(found)).Msg("startup discovery finished")
		}()
	}

	n, err := a.service.Initialize(ctx)
	if err != nil {
		return errors.Wrap(err, "serve")
	}
	a.logger.Info().Int("schedules", n).Msg("schedules armed")

	if next, err := a.service.NextSchedule(ctx, time.Now()); err == nil && next != nil {
		a.logger.Info().
			Uint("schedule", next.Schedule.ID).
			Str("channel", next.Schedule.Label()).
			Time("at", next.At).
			Msg("next schedule")
	}

	<-ctx.Done()
	a.logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error().Err(err).Msg("metrics shutdown failed")
	}
	return nil
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// logEvents writes every bus event to the log.
func logEvents(ctx context.Context, a *app) {
	sub := a.bus.Subscribe(32)
	defer a.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			a.logger.Info().
				Str("event", string(ev.Kind)).
				Str("id", ev.ID).
				Interface("payload", ev.Payload).
				Msg("event")
		}
	}
}
