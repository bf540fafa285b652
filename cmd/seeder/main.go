package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/google/uuid"
	"github.com/quocanhngo/convo/internal/config"
	"github.com/quocanhngo/convo/internal/model"
	"github.com/quocanhngo/convo/internal/repository"
	"github.com/quocanhngo/convo/internal/store"
	"github.com/quocanhngo/convo/migrations"
	"github.com/quocanhngo/convo/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Common password for all users
const password = "password123"

func main() {
	reset := flag.Bool("reset", false, "roll back the latest migration and re-apply it before seeding")
	flag.Parse()

	cfg := config.Load()
	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	defer log.Sync()
	ctx := context.Background()

	// Force DB logging off to avoid noise
	db, err := gorm.Open(postgres.Open(cfg.DB.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		log.Fatal("❌ Failed to connect to database", zap.Error(err))
	}
	log.Info("✅ Connected to Database")

	if *reset {
		if err := migrations.Rollback(cfg.DB.URL(), log); err != nil {
			log.Fatal("❌ Failed to roll back database", zap.Error(err))
		}
	}
	if err := migrations.Run(cfg.DB.URL(), log); err != nil {
		log.Fatal("❌ Failed to migrate database", zap.Error(err))
	}

	// No feed: running servers pick the seed up on their next resync
	base := store.NewGormStore(db, nil, cfg.Store.CallTimeout, log)

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Fatal("❌ Failed to hash password", zap.Error(err))
	}

	log.Info("🌱 Seeding 10 users...")
	users := repository.NewUserRepository(base)
	profiles := repository.NewProfileRepository(base)

	ids := make([]uuid.UUID, 0, 10)
	for i := 1; i <= 10; i++ {
		username := fmt.Sprintf("user%d", i)
		id, err := seedUser(ctx, users, profiles, username, fmt.Sprintf("User Number %d", i), string(hashedPassword))
		if err != nil {
			log.Error("❌ Failed to create user", zap.String("username", username), zap.Error(err))
			continue
		}
		ids = append(ids, id)
	}

	if len(ids) >= 3 {
		if err := seedGroupChat(ctx, base, ids[0], ids[1:3], log); err != nil {
			log.Error("❌ Failed to create group", zap.Error(err))
		}
	}

	log.Info("🎉 Seeding completed!")
}

func seedUser(ctx context.Context, users *repository.UserRepository, profiles *repository.ProfileRepository, username, name, hash string) (uuid.UUID, error) {
	existing, err := users.FindByUsername(ctx, username)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return uuid.Nil, err
	}

	user, err := users.Create(ctx, username, hash)
	if err != nil {
		return uuid.Nil, err
	}
	_, err = profiles.Create(ctx, model.Profile{
		UserID:    user.ID,
		Username:  username,
		Name:      name,
		AvatarURL: fmt.Sprintf("https://api.dicebear.com/7.x/avataaars/svg?seed=%s", username),
	})
	if err != nil {
		return uuid.Nil, err
	}
	return user.ID, nil
}

// seedGroupChat creates the demo group as its admin would, so the same
// row policy applies as for real clients. Creation is idempotent.
func seedGroupChat(ctx context.Context, base store.Store, admin uuid.UUID, members []uuid.UUID, log *zap.Logger) error {
	scoped := store.ForUser(base, admin)
	messages := repository.NewMessageRepository(scoped, log)
	convs := repository.NewConversationRepository(scoped, messages, log)

	name := "General Chat"
	conv, err := convs.Create(ctx, admin, members, &name)
	if err != nil {
		return err
	}

	history, err := messages.History(ctx, conv.ID)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		if _, err := messages.Send(ctx, conv.ID, admin, "Welcome to General Chat 👋"); err != nil {
			return err
		}
	}
	log.Info("✅ Created group", zap.String("conversation_id", conv.ID.String()), zap.String("name", name))
	return nil
}
