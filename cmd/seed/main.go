// Command seed registers a consent provider and prints its credentials once.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/devicekey/server/internal/audit"
	"github.com/devicekey/server/internal/consent"
	"github.com/devicekey/server/internal/db"
	"github.com/devicekey/server/internal/logging"
	"github.com/devicekey/server/internal/repo"
)

func main() {
	_ = godotenv.Load(".env")

	var (
		name        = flag.String("name", "", "provider display name (required)")
		redirectURI = flag.String("redirect-uri", "", "base URL consent links are built on (required)")
		webhookURL  = flag.String("webhook-url", "", "URL decisions are POSTed to (optional)")
		databaseURL = flag.String("database-url", os.Getenv("DATABASE_URL"), "postgres connection string")
		migrate     = flag.Bool("migrate", true, "apply pending migrations first")
	)
	flag.Parse()

	logger := logging.New(os.Stderr, os.Getenv("LOG_LEVEL"))
	if err := run(logger, *databaseURL, *migrate, *name, *redirectURI, *webhookURL); err != nil {
		logger.Error("seed failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, databaseURL string, migrate bool, name, redirectURI, webhookURL string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	database, err := db.Open(ctx, databaseURL, db.DefaultPool, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	if migrate {
		if err := db.Migrate(ctx, database); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	store := repo.NewStore(database)
	recorder := audit.NewRecorder(store, logger, time.Now)
	svc := consent.NewService(store, recorder, nil, logger, time.Now)

	provider, err := svc.CreateProvider(ctx, name, redirectURI, webhookURL)
	if err != nil {
		return err
	}

	fmt.Printf("provider_id=%s\n", provider.ID)
	fmt.Printf("api_key=%s\n", provider.APIKey)
	if provider.WebhookSecret != "" {
		fmt.Printf("webhook_secret=%s\n", provider.WebhookSecret)
	}
	return nil
}
