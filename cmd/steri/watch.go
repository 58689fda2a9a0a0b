package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rohankatakam/sterisafe/internal/config"
	"github.com/rohankatakam/sterisafe/internal/incidents"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	watchMetricsAddr    string
	watchReplayInterval time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow incident events, serve metrics and replay parked events",
	Long: `Subscribes to incident events on the configured bus and keeps a live view
of open incidents. Serves Prometheus metrics and periodically replays events
parked in the dead-letter queue.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Address for /metrics (default: telemetry.metrics_addr)")
	watchCmd.Flags().DurationVar(&watchReplayInterval, "replay-interval", time.Minute, "How often to replay the dead-letter queue (0 disables)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if watchMetricsAddr != "" {
		cfg.Telemetry.MetricsAddr = watchMetricsAddr
	}

	return withApp(config.ValidationContextWatch, func(ctx context.Context, a *app) error {
		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		view := incidents.NewView()
		unsubscribe, err := a.incidents.Subscribe(ctx, func(e incidents.Event) {
			if !view.Apply(e) {
				return
			}
			a.logger.WithFields(logrus.Fields{
				"event":    e.Type,
				"incident": e.Incident.ID,
				"number":   e.Incident.IncidentNumber,
				"facility": e.Incident.FacilityID,
				"open":     len(view.Active(e.Incident.FacilityID)),
			}).Info("Incident event applied")
		})
		if err != nil {
			return err
		}
		defer unsubscribe()

		g, ctx := errgroup.WithContext(ctx)

		if addr := a.cfg.Telemetry.MetricsAddr; addr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("ok\n"))
			})
			server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

			g.Go(func() error {
				a.logger.WithField("addr", addr).Info("Serving metrics")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})
		}

		if watchReplayInterval > 0 {
			g.Go(func() error {
				ticker := time.NewTicker(watchReplayInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
						if _, err := a.queue.Replay(ctx, a.bus, a.cfg.DLQ.MaxRetries); err != nil && ctx.Err() == nil {
							a.logger.WithError(err).Warn("Dead-letter replay failed")
						}
					}
				}
			})
		}

		a.logger.WithField("backend", a.cfg.Events.Backend).Info("Watching incident events")
		<-ctx.Done()
		if err := g.Wait(); err != nil {
			return err
		}
		a.logger.WithField("incidents_seen", view.Len()).Info("Watch stopped")
		return nil
	})
}
