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

	"chathub/internal/auth"
	"chathub/internal/config"
	"chathub/internal/db"
	clog "chathub/internal/log"
	"chathub/internal/mw"
	"chathub/internal/server"
	"chathub/internal/store"
	"chathub/internal/ws"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("chathub")
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chathub",
		Short:         "Real-time chat coordination server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          func(cmd *cobra.Command, _ []string) error { return serve(cmd.Context()) },
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP and WebSocket server",
			RunE:  func(cmd *cobra.Command, _ []string) error { return serve(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Migrate the schema and seed the default workspace",
			RunE:  func(cmd *cobra.Command, _ []string) error { return migrate() },
		},
	)
	return root
}

func loadConfig() (config.Config, error) {
	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func migrate() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	if err := db.Migrate(gdb); err != nil {
		return fmt.Errorf("db migrate: %w", err)
	}
	if err := db.Seed(gdb); err != nil {
		return fmt.Errorf("db seed: %w", err)
	}
	log.Info().Msg("migration complete")
	return nil
}

// serve 负责连接数据库、装配实时网关并启动 Gin 服务，收到信号后按顺序优雅退出。
func serve(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	if err := db.Migrate(gdb); err != nil {
		return fmt.Errorf("db migrate: %w", err)
	}
	if err := db.Seed(gdb); err != nil {
		return fmt.Errorf("db seed: %w", err)
	}

	st := store.NewGorm(gdb)
	// 进程刚启动时不存在任何连接，持久化的在线状态一律作废。
	if err := st.ResetStatuses(ctx); err != nil {
		return fmt.Errorf("reset statuses: %w", err)
	}
	var status store.StatusWriter = st
	var mirror store.PresenceReader
	if cfg.RedisAddr != "" {
		rp := store.NewRedisPresence(cfg.RedisAddr)
		defer func() { _ = rp.Close() }()
		if err := rp.Ping(ctx); err != nil {
			return err
		}
		if err := rp.Reset(ctx); err != nil {
			return err
		}
		status = store.MultiStatus{st, rp}
		mirror = rp
		log.Info().Str("addr", cfg.RedisAddr).Msg("presence mirrored to redis")
	}

	gw := ws.NewGateway(auth.NewVerifier(cfg.JWTSecret), st, status, ws.Options{
		TypingTimeout:   cfg.TypingTimeout,
		EventsPerSecond: cfg.WSEventsPerSecond,
		EventBurst:      cfg.WSEventBurst,
	})
	limiter := mw.NewLimiter(rate.Limit(cfg.HTTPRatePerSecond), cfg.HTTPRateBurst, 2*time.Minute)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.SetupRouter(cfg, gdb, gw, limiter, mirror),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server run: %w", err)
		}
		return nil
	})
	g.Go(func() error { return limiter.Run(gctx, 30*time.Second) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// hijacked websocket connections are not tracked by Shutdown
		gw.Close()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
