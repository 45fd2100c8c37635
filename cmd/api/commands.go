package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"expedientes/auth"
	"expedientes/config"
	"expedientes/folder"
	"expedientes/outbox"
	"expedientes/stage"
	"expedientes/statushistory"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API. When REDIS_ADDR is set and outbox.run_in_server is
enabled, the outbox relay runs in the same process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, closeStore, err := openStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer closeStore()

		catalog, err := stage.LoadCatalog(cfg.Stages.CatalogPath)
		if err != nil {
			return err
		}

		server := NewServer(
			folder.NewService(st),
			statushistory.NewService(st),
			stage.NewService(st, catalog),
			auth.NewService(cfg.Auth.JWTSecret),
			st,
			mustLogger(),
		)
		httpServer := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			mustLogger().Info("http server listening", "addr", cfg.HTTP.Addr, "driver", cfg.Store.Driver, "stages", catalog.Len())
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
		if cfg.Outbox.RedisAddr != "" && cfg.Outbox.RunInServer {
			relay, closeRelay := newRelay(st, cfg.Outbox)
			defer closeRelay()
			g.Go(func() error { return relay.Run(gctx) })
		}
		return g.Wait()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations for the configured store",
	RunE: func(cmd *cobra.Command, args []string) error {
		applied, err := migrateStore(cmd.Context(), cfg.Store)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			printf(cmd, "schema is up to date\n")
		}
		for _, name := range applied {
			printf(cmd, "applied %s\n", name)
		}
		return nil
	},
}

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "Print the procedural stage catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := stage.LoadCatalog(cfg.Stages.CatalogPath)
		if err != nil {
			return err
		}
		for _, def := range catalog.Definitions() {
			printf(cmd, "%2d  %-12s %s\n", def.Order, def.Phase, def.Name)
		}
		return nil
	},
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Publish pending outbox messages to Redis",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Outbox.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the relay")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, closeStore, err := openStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer closeStore()

		relay, closeRelay := newRelay(st, cfg.Outbox)
		defer closeRelay()
		return relay.Run(ctx)
	},
}

var (
	tokenUser string
	tokenRole string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for local use",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required")
		}
		token, err := auth.NewService(cfg.Auth.JWTSecret).WithTTL(tokenTTL).IssueToken(tokenUser, tokenRole)
		if err != nil {
			return err
		}
		printf(cmd, "%s\n", token)
		return nil
	},
}

func newRelay(src outbox.Source, oc config.OutboxConfig) (*outbox.Relay, func()) {
	client := redis.NewClient(&redis.Options{Addr: oc.RedisAddr})
	relay := outbox.NewRelay(src, outbox.NewRedisPublisher(client, oc.KeyPrefix), mustLogger()).
		WithBatchSize(oc.BatchSize).
		WithInterval(oc.Interval)
	return relay, func() { _ = client.Close() }
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id to embed in the token")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "", "optional role claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(serveCmd, migrateCmd, stagesCmd, relayCmd, tokenCmd)
}
