package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ambient/internal/monitor"
	"ambient/internal/types"
)

var (
	watchProposals   string
	watchMetricsAddr string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the repository and run a cycle after each burst of changes",
	Long: `Starts the file monitor and the coordinator loop. Change bursts are debounced
into one trigger; a periodic scan runs while idle. Runs until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchProposals, "proposals", "", "Read proposals from this JSON file instead of the configured generator")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides metrics.addr)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(0)
	defer cancel()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	coord, sink, err := a.coordinator(ctx, watchProposals)
	if err != nil {
		return err
	}
	defer sink.Close()

	var triggers <-chan types.Trigger
	if a.cfg.Monitoring.Enabled {
		w, err := monitor.New(monitor.Config{
			Root:           a.root,
			WatchPaths:     a.cfg.Monitoring.WatchPaths,
			IgnorePatterns: a.cfg.Monitoring.IgnorePatterns,
			Debounce:       a.cfg.GetDebounce(),
			QueueSize:      a.cfg.Monitoring.QueueSize,
		})
		if err != nil {
			return fmt.Errorf("starting monitor: %w", err)
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer func() {
			w.Stop()
			st := w.Stats()
			logger.Info("monitor stopped",
				zap.Int64("events", st.Events),
				zap.Int64("emitted", st.Emitted),
				zap.Int64("dropped", st.Dropped))
		}()
		triggers = w.Triggers()
	}

	addr := watchMetricsAddr
	if addr == "" {
		addr = a.cfg.Metrics.Addr
	}

	g, gctx := errgroup.WithContext(ctx)
	if addr != "" {
		srv := &http.Server{Addr: addr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", titleStyle.Render("ambient watching"), mutedStyle.Render(a.root))
	g.Go(func() error {
		// Returning ends the errgroup context, which stops the metrics server.
		defer cancel()
		return coord.Run(gctx, triggers)
	})
	return g.Wait()
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}
