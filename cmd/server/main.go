package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/quocanhngo/convo/internal/chat"
	"github.com/quocanhngo/convo/internal/config"
	"github.com/quocanhngo/convo/internal/feed"
	"github.com/quocanhngo/convo/internal/handler"
	"github.com/quocanhngo/convo/internal/model"
	"github.com/quocanhngo/convo/internal/repository"
	"github.com/quocanhngo/convo/internal/service"
	"github.com/quocanhngo/convo/internal/store"
	"github.com/quocanhngo/convo/internal/ws"
	"github.com/quocanhngo/convo/migrations"
	"github.com/quocanhngo/convo/pkg/auth"
	"github.com/quocanhngo/convo/pkg/logger"
	"github.com/quocanhngo/convo/pkg/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// @title           Convo API
// @version         1.0
// @description     Conversations, messages, unread tracking and roles with a realtime session push channel.

// @license.name  MIT
// @license.url   https://opensource.org/licenses/MIT

// @host      api.localhost
// @BasePath  /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	// ==================== Load Config ====================
	cfg := config.Load()
	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	defer log.Sync()
	log.Info("🚀 Starting Convo API Server", zap.String("env", cfg.App.Env))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ==================== Redis ====================
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		if cfg.Store.Feed == "redis" {
			log.Fatal("❌ Failed to connect to Redis", zap.Error(err))
		}
		log.Warn("⚠️  Redis not available, running single-instance", zap.Error(err))
		rdb.Close()
		rdb = nil
	} else {
		log.Info("✅ Connected to Redis")
	}

	// ==================== Change feed ====================
	changes, closeFeed := openFeed(cfg, rdb, log)
	defer closeFeed()

	// ==================== Store ====================
	base := openStore(cfg, changes, log)

	// ==================== Initialize Layers ====================
	jwtManager := auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Expiry)

	var revoker auth.Revoker = auth.NewMemoryBlacklist()
	if rdb != nil {
		revoker = auth.NewRedisBlacklist(rdb)
	}

	// Sessions and the WebSocket hub refer to each other: the hub reports
	// presence, and a sign-out on any instance closes the session.
	var sessions *chat.Manager
	hub := ws.NewHub(rdb, func(userID uuid.UUID) {
		sessions.Close(userID)
	}, log)
	sessions = chat.NewManager(base, chat.RealtimeConfig{
		HeartbeatTimeout: cfg.Realtime.HeartbeatTimeout,
	}, cfg.Session.IdleTTL, hub, log)

	go hub.Run(ctx)
	go sessions.Run(ctx)

	// Repositories (unscoped: credentials and profiles)
	userRepo := repository.NewUserRepository(base)
	profileRepo := repository.NewProfileRepository(base)

	// Services
	authService := service.NewAuthService(userRepo, profileRepo, jwtManager, revoker, hub, log)
	chatService := service.NewChatService(sessions)

	// MinIO Storage
	var uploadHandler *handler.UploadHandler
	minioStorage, err := storage.NewMinIO(ctx, storage.Config{
		Endpoint:  cfg.MinIO.Endpoint,
		PublicURL: cfg.MinIO.PublicURL,
		AccessKey: cfg.MinIO.AccessKey,
		SecretKey: cfg.MinIO.SecretKey,
		Bucket:    cfg.MinIO.Bucket,
		UseSSL:    cfg.MinIO.UseSSL,
	}, log)
	if err != nil {
		log.Warn("⚠️  MinIO not available (avatar upload disabled)", zap.Error(err))
	} else {
		log.Info("✅ Connected to MinIO")
		uploadHandler = handler.NewUploadHandler(minioStorage, authService)
	}

	// ==================== Gin Router ====================
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := handler.NewRouter(handler.Routes{
		Auth:       handler.NewAuthHandler(authService),
		Chat:       handler.NewChatHandler(chatService),
		WS:         handler.NewWSHandler(hub, chatService, jwtManager, revoker, cfg.CORS.Origins, log),
		Upload:     uploadHandler,
		JWT:        jwtManager,
		Revoker:    revoker,
		Origins:    cfg.CORS.Origins,
		SwaggerDoc: "./docs/swagger.json",
	})

	// ==================== Start Server ====================
	srv := &http.Server{
		Addr:    ":" + cfg.App.Port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("❌ Server failed", zap.Error(err))
		}
	}()

	log.Info("🌐 Convo API running", zap.String("addr", "http://0.0.0.0:"+cfg.App.Port))
	log.Info("📋 API docs", zap.String("url", "http://0.0.0.0:"+cfg.App.Port+"/swagger/index.html"))
	log.Info("🔌 WebSocket", zap.String("url", "ws://0.0.0.0:"+cfg.App.Port+"/ws?token=<jwt>"))

	// Wait for interrupt signal
	<-ctx.Done()
	log.Info("🛑 Shutting down server...")

	// Give ongoing requests 5 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("❌ Server forced to shutdown", zap.Error(err))
	}

	sessions.Shutdown()
	log.Info("✅ Server exited gracefully")
}

// openFeed connects the change feed selected by FEED_DRIVER
func openFeed(cfg *config.Config, rdb *redis.Client, log *zap.Logger) (store.Feed, func()) {
	hb := cfg.Realtime.HeartbeatInterval
	switch cfg.Store.Feed {
	case "redis":
		f := feed.NewRedis(rdb, hb, log)
		log.Info("📡 Change feed: Redis Pub/Sub")
		return f, func() { f.Close() }
	case "nats":
		f, err := feed.ConnectNATS(feed.NATSConfig{
			URL:       cfg.NATS.URL,
			Name:      "convo-api",
			Heartbeat: hb,
		}, log)
		if err != nil {
			log.Fatal("❌ Failed to connect to NATS", zap.Error(err))
		}
		log.Info("📡 Change feed: NATS", zap.String("url", cfg.NATS.URL))
		return f, func() { f.Close() }
	case "local":
		f := store.NewLocalFeed(hb)
		log.Info("📡 Change feed: in-process")
		return f, func() { f.Close() }
	default:
		log.Fatal("❌ Unknown FEED_DRIVER", zap.String("driver", cfg.Store.Feed))
		return nil, nil
	}
}

// openStore opens the persistence backend selected by STORE_DRIVER
func openStore(cfg *config.Config, changes store.Feed, log *zap.Logger) store.Store {
	switch cfg.Store.Driver {
	case "memory":
		log.Warn("⚠️  Using the in-memory store: data is lost on restart")
		return store.NewMemoryStore(changes)
	case "postgres":
	default:
		log.Fatal("❌ Unknown STORE_DRIVER", zap.String("driver", cfg.Store.Driver))
	}

	gormLogger := gormlogger.Default.LogMode(gormlogger.Info)
	if cfg.App.Env == "production" {
		gormLogger = gormlogger.Default.LogMode(gormlogger.Warn)
	}

	db, err := gorm.Open(postgres.Open(cfg.DB.DSN()), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		log.Fatal("❌ Failed to connect to database", zap.Error(err))
	}
	log.Info("✅ Connected to PostgreSQL")

	// ==================== Run Migrations ====================
	if err := migrations.Run(cfg.DB.URL(), log); err != nil {
		log.Warn("⚠️  Migration warning", zap.Error(err))
		log.Info("📦 Falling back to GORM AutoMigrate...")
		if err := db.AutoMigrate(
			&model.User{},
			&model.Profile{},
			&model.Conversation{},
			&model.Participant{},
			&model.Visibility{},
			&model.ReadWatermark{},
			&model.Message{},
		); err != nil {
			log.Fatal("❌ Failed to migrate database", zap.Error(err))
		}
	}
	log.Info("✅ Database migrated successfully")

	return store.NewGormStore(db, changes, cfg.Store.CallTimeout, log)
}
