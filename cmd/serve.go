package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/getmodelgate/modelgate/pkg/analytics"
	"github.com/getmodelgate/modelgate/pkg/audit"
	"github.com/getmodelgate/modelgate/pkg/config"
	"github.com/getmodelgate/modelgate/pkg/logutil"
	"github.com/getmodelgate/modelgate/pkg/proxy"
	"github.com/getmodelgate/modelgate/pkg/ratelimit"
	"github.com/getmodelgate/modelgate/pkg/store"
)

var (
	serveConfigPath         string
	serveListenAddrOverride string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			// A local .env carries credentials in development; absence is
			// not an error.
			_ = godotenv.Load()

			cfg, err := config.Load(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}
			if err := logutil.Configure(cfg.LogLevel); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer st.Close()

			var rlStore ratelimit.Store
			if cfg.RedisURL != "" {
				redisStore, err := ratelimit.NewRedisStore(cfg.RedisURL)
				if err != nil {
					return fmt.Errorf("connect redis: %w", err)
				}
				rlStore = redisStore
			} else {
				log.Warn("no redis configured, rate limit counters are per-process")
				rlStore = ratelimit.NewMemoryStore()
			}

			var sink analytics.Sink = analytics.NopSink{}
			if cfg.AnalyticsDir != "" {
				fileSink, err := analytics.NewFileSink(cfg.AnalyticsDir)
				if err != nil {
					return fmt.Errorf("open analytics sink: %w", err)
				}
				sink = fileSink
			}

			auditLog := audit.New(st, sink)
			defer auditLog.Close()

			srv, err := proxy.NewServer(cfg, proxy.Options{
				Store:          st,
				Audit:          auditLog,
				RateLimitStore: rlStore,
			})
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}

			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultPath(), "Config TOML path")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8787)")
	rootCmd.AddCommand(serveCmd)
}
