package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/pairwise-dating/pairwise/chat-engine/internal/auth"
	"github.com/pairwise-dating/pairwise/chat-engine/internal/channel"
	"github.com/pairwise-dating/pairwise/chat-engine/internal/cli"
	"github.com/pairwise-dating/pairwise/chat-engine/internal/config"
	"github.com/pairwise-dating/pairwise/chat-engine/internal/domain"
	"github.com/pairwise-dating/pairwise/chat-engine/internal/engine"
	"github.com/pairwise-dating/pairwise/chat-engine/internal/logger"
	"github.com/pairwise-dating/pairwise/chat-engine/internal/repository"
	"github.com/pairwise-dating/pairwise/chat-engine/internal/rest"
)

func main() {
	cfg := config.Load()
	logger.Init(cfg.LogLevel)

	if cfg.UserID == "" {
		log.Fatal("a local user id is required (-user or PW_USER_ID)")
	}

	db, err := initDatabase(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	msgCache := repository.NewMessageCache(db)
	chatCache := repository.NewChatCache(db)

	creds := auth.NewFileProvider(cfg.TokenPath)
	api := rest.NewClient(cfg.APIBaseURL, creds)
	eventBus := domain.NewEventBus()

	var transport channel.Transport
	switch cfg.Transport {
	case "polling":
		transport = channel.NewPollingTransport(api, cfg.PollInterval)
	default:
		transport = channel.NewSocketTransport(cfg.APIBaseURL)
	}

	ch := channel.New(transport, creds, eventBus, logger.Module("channel"))

	eng := engine.New(engine.Options{
		SelfID:       cfg.UserID,
		API:          api,
		Channel:      ch,
		Bus:          eventBus,
		MessageCache: msgCache,
		ChatCache:    chatCache,
		Logger:       logger.Module("engine"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	if err := eng.Start(ctx); err != nil {
		// A missing token or unreachable server still leaves the cached
		// inbox usable; the CLI's /connect retries on demand.
		log.Printf("Startup connect failed: %v", err)
	}

	handler := cli.NewCommandHandler(eng)
	interactiveCLI := cli.NewInteractiveCLI(handler, eventBus)

	if err := interactiveCLI.Run(ctx); err != nil && err != context.Canceled {
		log.Printf("CLI error: %v", err)
	}

	eng.Stop()
}

func initDatabase(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	db.Exec("PRAGMA journal_mode=WAL")

	err = db.AutoMigrate(
		&repository.MessageModel{},
		&repository.ChatModel{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}
