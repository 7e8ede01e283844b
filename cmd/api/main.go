package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/traderhub/backend/internal/api"
	"github.com/traderhub/backend/internal/auth"
	"github.com/traderhub/backend/internal/config"
	"github.com/traderhub/backend/internal/database"
	"github.com/traderhub/backend/internal/domain"
	"github.com/traderhub/backend/internal/fcm"
	"github.com/traderhub/backend/internal/repository"
	"github.com/traderhub/backend/internal/storage"
	"github.com/traderhub/backend/internal/webpush"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Server.Env, cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting TraderHub notification API",
		zap.String("env", cfg.Server.Env),
		zap.String("port", cfg.Server.Port),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := database.Open(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}
	logger.Info("Connected to database")

	repo := repository.NewPostgresRepository(db)
	jwtManager := auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessExpiry)

	// Push providers; either may be absent
	var fcmSender domain.FCMSender
	if cfg.Firebase.Enabled() {
		fcmClient, err := fcm.NewClient(ctx, logger, cfg.Firebase.CredentialsFile, cfg.Firebase.ProjectID)
		if err != nil {
			logger.Warn("Failed to initialize Firebase client - FCM notifications will be disabled", zap.Error(err))
		} else {
			fcmSender = fcmClient
			logger.Info("Firebase client initialized")
		}
	} else {
		logger.Warn("Firebase is NOT configured - set GOOGLE_APPLICATION_CREDENTIALS to enable FCM")
	}

	var webPushSender domain.WebPushSender
	var vapidPublicKey string
	if cfg.WebPush.Enabled() {
		pushService := webpush.NewService(webpush.Config{
			VAPIDPublicKey:  cfg.WebPush.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.WebPush.VAPIDPrivateKey,
			Subject:         cfg.WebPush.Subject,
			TTL:             cfg.WebPush.TTL,
		}, logger)
		webPushSender = pushService
		vapidPublicKey = pushService.VAPIDPublicKey()
		logger.Info("Web push initialized")
	} else {
		logger.Warn("Web push is NOT configured - set VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY to enable")
	}

	fileStorage, uploadDir, err := initStorage(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize file storage", zap.Error(err))
	}

	// Initialize services
	dispatcher := domain.NewDispatcher(fcmSender, webPushSender, domain.DispatchConfig{
		BatchSize:       cfg.Notify.BatchSize,
		BatchPause:      cfg.Notify.BatchPause,
		ProviderTimeout: cfg.Notify.ProviderTimeout,
		BodyLimit:       cfg.Notify.BodyLimit,
		DefaultIcon:     cfg.Notify.DefaultIcon,
		DefaultBadge:    cfg.Notify.DefaultBadge,
	}, logger)
	channelService := domain.NewChannelService(repo, logger)
	notificationService := domain.NewNotificationService(repo, channelService, dispatcher, logger)
	visitorService := domain.NewVisitorService(repo, notificationService, cfg.Notify.VisitorCooldown, logger)
	chatService := domain.NewChatService(repo, notificationService, logger)

	// Initialize WebSocket manager
	wsManager := api.NewWebSocketManager(chatService, logger)
	go wsManager.Run(ctx)

	// Initialize handlers
	notificationHandler := api.NewNotificationHandler(notificationService, channelService, vapidPublicKey, logger)
	visitorHandler := api.NewVisitorHandler(visitorService, logger)
	chatHandler := api.NewChatHandler(chatService, wsManager, fileStorage, logger)
	healthHandler := api.NewHealthHandler(db, logger)

	if cfg.Internal.ServiceKeyHash == "" {
		logger.Warn("SERVICE_KEY_HASH is not set - internal endpoints are disabled")
	}

	// Initialize router
	router := api.NewRouter(notificationHandler, visitorHandler, chatHandler, healthHandler, jwtManager, cfg.Internal.ServiceKeyHash, cfg.Server.AllowedOrigins, logger)
	if uploadDir != "" {
		router.ServeUploads(uploadDir)
	}
	r := router.Setup()

	// Start cleanup worker
	repo.StartCleanupWorker(ctx, cfg.Notify.CleanupInterval, cfg.Notify.VisitorCooldown, logger)

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()
	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}

	logger.Info("Server stopped")
}

func initLogger(env, level string) (*zap.Logger, error) {
	zapCfg := zap.NewDevelopmentConfig()
	if env == "production" {
		zapCfg = zap.NewProductionConfig()
	}
	if level != "" {
		lvl, err := zapcore.ParseLevel(strings.ToLower(level))
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
		}
		zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zapCfg.Build()
}

// initStorage returns the attachment backend and, for local storage, the
// directory the router should serve.
func initStorage(ctx context.Context, cfg *config.Config) (storage.FileStorage, string, error) {
	switch cfg.Storage.Type {
	case "s3":
		s, err := storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:          cfg.Storage.Bucket,
			Region:          cfg.Storage.Region,
			Endpoint:        cfg.Storage.Endpoint,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
			PublicURL:       cfg.Storage.PublicURL,
		})
		return s, "", err
	case "cloudinary":
		s, err := storage.NewCloudinaryStorage(storage.CloudinaryConfig{
			CloudName: cfg.Storage.CloudinaryCloudName,
			APIKey:    cfg.Storage.CloudinaryAPIKey,
			APISecret: cfg.Storage.CloudinaryAPISecret,
		})
		return s, "", err
	default:
		baseURL := strings.TrimRight(cfg.Server.BaseURL, "/") + "/uploads"
		s, err := storage.NewLocalFileStorage(cfg.Storage.LocalPath, baseURL)
		if err != nil {
			return nil, "", err
		}
		return s, s.BasePath(), nil
	}
}
