package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pboyd/patchbay"
	"github.com/pboyd/patchbay/config"
)

func newRunCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Install the configured baseline patches and hold them until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := patchbay.OptionsFromConfig(a.cfg)
			if err != nil {
				return err
			}
			opts.Registerer = prometheus.DefaultRegisterer

			fw, err := patchbay.Start(opts)
			if err != nil {
				return err
			}
			return a.hold(cmd.Context(), fw)
		},
	}
	cmd.Flags().Bool(config.LoadKernelPlugins, false, "Load the KERNEL plugins after startup")
	a.vp.BindPFlags(cmd.Flags())
	return cmd
}

// hold keeps fw running until the process is interrupted, serving metrics
// if an address is configured, then stops it.
func (a *app) hold(ctx context.Context, fw *patchbay.Framework) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	if addr := a.cfg.MetricsAddress; addr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, addr)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	err := g.Wait()
	return errors.Join(err, fw.Stop())
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("Metrics server shutdown failed")
		}
	}()

	log.WithField("address", addr).Info("Serving metrics")
	if err := s.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
