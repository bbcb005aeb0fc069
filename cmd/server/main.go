package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"livethread/internal/auth"
	"livethread/internal/broker"
	"livethread/internal/chat"
	"livethread/internal/config"
	"livethread/internal/database"
	"livethread/internal/handler"
	"livethread/internal/logger"
	"livethread/internal/metrics"
	"livethread/internal/presence"
	"livethread/internal/ratelimit"
	"livethread/internal/readstate"
	"livethread/internal/store"
)

func main() {
	// .envファイルを読み込み
	envErr := godotenv.Load()

	// 環境変数を読み込み
	cfg := config.Load()

	zlog, err := logger.New(cfg.Development())
	if err != nil {
		log.Fatalf("❌ Failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	if envErr != nil {
		zlog.Info("⚠️  .env file not found, using environment and defaults")
	}
	for _, key := range cfg.Invalid {
		zlog.Warn("invalid config value, using default", zap.String("key", key))
	}
	if cfg.JWTSecret == "" {
		zlog.Fatal("❌ JWT_SECRET is required")
	}

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("❌ Server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, zlog *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ストア (DB_NAME が空ならインメモリ)
	var st store.Store
	if cfg.UseMySQL() {
		db, err := database.Init(ctx, cfg)
		if err != nil {
			return fmt.Errorf("initialize database: %w", err)
		}
		defer db.Close()
		st = store.NewMySQL(db)
	} else {
		zlog.Warn("DB_NAME not set, using in-memory store")
		st = store.NewMemory()
	}

	// レートリミッター (REDIS_ADDR が空ならプロセス内)
	var limiter ratelimit.Limiter
	var local *ratelimit.Local
	if cfg.RedisAddr != "" {
		client := ratelimit.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer client.Close()
		rl := ratelimit.NewRedis(client, "")
		if err := rl.Ping(ctx); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		limiter = rl
	} else {
		local = ratelimit.NewLocal(zlog.Named("ratelimit"))
		limiter = local
	}

	m := metrics.New()
	b, err := broker.New(st, broker.Options{
		QueueSize:        cfg.SessionQueueSize,
		HeartbeatTimeout: cfg.HeartbeatTimeout(),
		CacheSize:        cfg.ParticipantCacheSize,
	}, m, zlog.Named("broker"))
	if err != nil {
		return err
	}

	reg := presence.NewRegistry(presence.Options{
		OnlineWindow:  cfg.OnlineWindow,
		TypingTTL:     cfg.TypingTTL,
		SweepInterval: cfg.SweepInterval,
	}, b, zlog.Named("presence"))

	svc := chat.NewService(chat.Deps{
		Store:            st,
		Tracker:          readstate.New(st, zlog.Named("readstate")),
		Presence:         reg,
		Broker:           b,
		Metrics:          m,
		Logger:           zlog.Named("chat"),
		MaxContentLength: cfg.MaxContentLength,
	})

	// ハンドラー初期化
	h := handler.New(svc, b, auth.NewVerifier(cfg.JWTSecret), limiter, m, cfg, zlog.Named("http"))
	router := h.SetupRouter()

	// CORS対応
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Content-Length", "Retry-After"},
		MaxAge:           300,
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           c.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Println("========================================")
	fmt.Println("  Livethread Server")
	fmt.Println("========================================")
	fmt.Printf("  Environment: %s\n", cfg.Env)
	fmt.Printf("  Server: http://localhost:%s\n", cfg.ServerPort)
	fmt.Printf("  WebSocket: ws://localhost:%s/ws\n", cfg.ServerPort)
	if cfg.UseMySQL() {
		fmt.Printf("  Database: %s@%s:%s/%s\n", cfg.DBUser, cfg.DBHost, cfg.DBPort, cfg.DBName)
	} else {
		fmt.Println("  Database: in-memory")
	}
	if cfg.RedisAddr != "" {
		fmt.Printf("  Rate limit: redis %s\n", cfg.RedisAddr)
	}
	fmt.Printf("  Heartbeat: %s (timeout %s)\n", cfg.HeartbeatInterval, cfg.HeartbeatTimeout())
	fmt.Printf("  Allowed Origins: %v\n", cfg.AllowedOrigins)
	fmt.Println("========================================")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error { return reg.Run(gctx) })
	if local != nil {
		g.Go(func() error { return local.Run(gctx) })
	}
	g.Go(func() error {
		zlog.Info("🚀 Server started successfully", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		zlog.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
