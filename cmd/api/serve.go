package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"clawtrust/logger"
	"clawtrust/migrations"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API with the background sweeper",
	Long: `Starts the JSON API. A sweeper expires overdue mandates, closes disputes
past their voting deadline and resumes interrupted settlements; with Postgres
storage an outbox relay forwards domain events to the configured sink.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}
		log := logger.Named("serve")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if migrate, _ := cmd.Flags().GetBool("migrate"); migrate && a.pool != nil {
			applied, err := migrations.Apply(ctx, a.pool)
			if err != nil {
				return err
			}
			log.Info("schema migrated", "files", len(applied))
		}

		srv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           a.server().Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			log.Info("listening", "addr", srv.Addr, "storage", cfg.Storage.Driver, "settlement", cfg.Settlement.Backend)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("graceful shutdown did not complete", "timeout", cfg.Server.ShutdownTimeout, "error", err)
				return srv.Close()
			}
			log.Info("server stopped gracefully")
			return nil
		})
		g.Go(func() error {
			ticker := time.NewTicker(cfg.Server.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if err := a.sweep(gctx); err != nil {
						log.Error("sweep", "error", err)
					}
				}
			}
		})
		if a.relay != nil {
			g.Go(func() error {
				if err := a.relay.Run(gctx, cfg.Events.RelayEvery); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		}
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address, overrides server.addr")
	serveCmd.Flags().Bool("migrate", false, "Apply the embedded schema before serving")
}
