package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/marcelsud/webhook-dispatcher/config"
	"github.com/marcelsud/webhook-dispatcher/subscriber"
	"github.com/marcelsud/webhook-dispatcher/subscriber/loader"
	"github.com/marcelsud/webhook-dispatcher/subscriber/postgres"
)

/*
cli-postgres - prepares the PostgreSQL subscriber store

- Loads POSTGRES_* settings from .env / environment
- Creates webhook_subscribers when missing
- Seeds SUBSCRIBERS_FILE when set
- Prints every subscriber with its counters

Run with:
  STORE_DRIVER=postgres POSTGRES_DSN=... go run cmd/cli-postgres/main.go
*/

func main() {
	cfg, err := config.GetConfig()
	if err != nil {
		fmt.Printf("❌ Error loading config: %v\n", err)
		return
	}
	if cfg.PostgresDSN == "" {
		fmt.Println("❌ POSTGRES_DSN is required")
		return
	}

	ctx := context.Background()

	fmt.Println("🔗 Connecting to PostgreSQL...")
	repo, err := postgres.NewRepositoryWithPoolConfig(
		cfg.PostgresDSN,
		cfg.PostgresMaxOpenConns,
		cfg.PostgresMaxIdleConns,
		cfg.PostgresConnMaxLifeMinutes,
	)
	if err != nil {
		fmt.Printf("❌ Error connecting to PostgreSQL: %v\n", err)
		return
	}
	defer repo.Close(ctx)
	fmt.Println("✅ Connected to PostgreSQL!")

	if err := repo.CreateTable(ctx); err != nil {
		fmt.Printf("❌ Error creating schema: %v\n", err)
		return
	}
	fmt.Println("✅ Schema ready")

	if cfg.SubscribersFile != "" {
		l := loader.NewLoader()
		if err := l.Load(cfg.SubscribersFile); err != nil {
			fmt.Printf("❌ Error loading %s: %v\n", cfg.SubscribersFile, err)
			return
		}
		inserted, updated, err := l.Seed(ctx, repo)
		if err != nil {
			fmt.Printf("❌ Error seeding subscribers: %v\n", err)
			return
		}
		fmt.Printf("✅ Seeded %s: %d inserted, %d updated\n", cfg.SubscribersFile, inserted, updated)
	}

	s := subscriber.NewService(repo)
	all, err := s.List(ctx)
	if err != nil {
		fmt.Printf("❌ Error listing subscribers: %v\n", err)
		return
	}

	fmt.Println("\n📚 Subscribers in database:")
	if len(all) == 0 {
		fmt.Println("   (no subscribers yet)")
	}
	for _, sub := range all {
		state := "active"
		if !sub.IsActive {
			state = "inactive"
		}
		fmt.Printf("   [%s] %s -> %s (%s)\n", sub.ID, sub.Name, sub.URL, state)
		fmt.Printf("        events: %s\n", strings.Join(sub.EventTypes, ", "))
		fmt.Printf("        calls:  %d total, %d ok, %d failed\n", sub.TotalCalls, sub.SuccessfulCalls, sub.FailedCalls)
	}

	fmt.Println("\n✅ CLI completed successfully!")
}
