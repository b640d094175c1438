package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"pairchat/internal/ratelimit"
	"pairchat/internal/usertoken"
	"pairchat/internal/util"
	"pairchat/pkg/queue"
	"pairchat/pkg/storage"
	"pairchat/pkg/store"
	"pairchat/services/chat/internal/app"
	"pairchat/services/chat/internal/config"
	"pairchat/services/chat/internal/presence"
	"pairchat/services/chat/internal/server"
)

const defaultShutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()
	configPath := flag.String("config", config.ConfigPath, "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	util.InitLogger(cfg.LogLevel, "chat")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dataStore, closeStore := openStore(cfg)
	defer closeStore()

	blobs, files := openBlobs(cfg)

	registry := presence.NewRegistry()
	var limiter app.Limiter
	var mirror *presence.RedisMirror
	var cleanup *queue.CleanupQueue
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			util.Fatal("failed to connect redis", "addr", cfg.RedisAddr, "err", err)
		}
		if cfg.MessageRateLimitPerMinute > 0 {
			l, err := ratelimit.NewFixedWindowLimiter(rdb, ratelimit.Config{
				Prefix:   "pairchat:ratelimit:chat",
				Limit:    cfg.MessageRateLimitPerMinute,
				Window:   time.Minute,
				FailOpen: cfg.RateLimitFailOpen,
			})
			if err != nil {
				util.Fatal("failed to init rate limiter", "err", err)
			}
			limiter = l
		}
		if cfg.PresenceMirror {
			instance := cfg.InstanceID
			if instance == "" {
				instance = uuid.NewString()
			}
			mirror = presence.NewRedisMirror(rdb, registry, presence.MirrorConfig{Instance: instance})
		}
		if cfg.CleanupQueue {
			q, err := queue.NewCleanupQueue(rdb, queue.CleanupConfig{Consumer: cfg.InstanceID})
			if err != nil {
				util.Fatal("failed to init cleanup queue", "err", err)
			}
			cleanup = q
		}
	}

	jwtLeeway, _ := config.ParseDuration(cfg.JWTLeeway)
	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		Secret:     cfg.JWTSecret,
		JWKSURL:    cfg.JWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		util.Fatal("failed to init token verifier", "err", err)
	}

	typingTimeout, _ := config.ParseTypingTimeout(cfg.TypingTimeout)
	appConfig := app.Config{
		Store:            dataStore,
		Blobs:            blobs,
		Presence:         registry,
		Limiter:          limiter,
		TypingTimeout:    typingTimeout,
		HistoryPageSize:  cfg.HistoryPageSize,
		MaxContentLength: cfg.MaxContentLength,
		MaxFileBytes:     cfg.MaxFileBytes,
	}
	if cleanup != nil {
		appConfig.Cleanup = cleanup
	}
	if mirror != nil {
		appConfig.Cluster = mirror
	}
	appCore, err := app.New(appConfig)
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}
	defer appCore.Close()

	eventTimeout, _ := config.ParseDuration(cfg.EventTimeout)
	httpServer := server.New(server.Config{
		App:                  appCore,
		TokenVerifier:        tokenVerifier,
		Files:                files,
		AllowedOrigins:       cfg.AllowedOrigins,
		WSInsecureSkipVerify: cfg.WSInsecureSkipVerify,
		SendBuffer:           cfg.SendBuffer,
		EventTimeout:         eventTimeout,
	})

	addr := ":" + cfg.Port
	// No read/write timeouts: websocket connections are long-lived.
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	shutdownTimeout, _ := config.ParseDuration(cfg.ShutdownTimeout)
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("chat server listening", "addr", addr, "database", cfg.Driver(), "storage", cfg.Storage())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		slog.Info("chat server shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if mirror != nil {
		g.Go(func() error {
			return mirror.Run(gctx)
		})
	}
	if cleanup != nil {
		g.Go(func() error {
			return cleanup.Run(gctx, blobs.Delete)
		})
	}
	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
	}
}

func openStore(cfg config.FileConfig) (store.Store, func()) {
	if cfg.Driver() == "memory" {
		slog.Warn("using in-memory store, data is lost on restart")
		return store.NewMemoryStore(), func() {}
	}
	gs, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to open database", "err", err)
	}
	return gs, func() {
		if err := gs.Close(); err != nil {
			slog.Warn("close database", "err", err)
		}
	}
}

func openBlobs(cfg config.FileConfig) (storage.BlobStore, http.Handler) {
	if cfg.Storage() == "minio" {
		ms, err := storage.NewMinioStore(storage.MinioConfig{
			Endpoint:      cfg.MinioEndpoint,
			AccessKey:     cfg.MinioAccessKey,
			SecretKey:     cfg.MinioSecretKey,
			Bucket:        cfg.MinioBucket,
			UseSSL:        cfg.MinioUseSSL,
			PublicBaseURL: cfg.PublicBaseURL,
		})
		if err != nil {
			util.Fatal("failed to init minio", "err", err)
		}
		return ms, nil
	}
	publicURL := cfg.PublicBaseURL
	if publicURL == "" {
		publicURL = "/files"
	}
	fs, err := storage.NewFileStore(cfg.StoragePath, publicURL)
	if err != nil {
		util.Fatal("failed to init file storage", "err", err)
	}
	return fs, fs.Handler()
}
