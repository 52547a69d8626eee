package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ClickHouse/clickhouse-go/v2"
	tcclickhouse "github.com/testcontainers/testcontainers-go/modules/clickhouse"

	"librarybot/internal/app"
	"librarybot/migrations"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Println("Starting ClickHouse testcontainer...")

	clickhouseContainer, err := tcclickhouse.Run(context.Background(),
		"clickhouse/clickhouse-server:latest",
		tcclickhouse.WithUsername("default"),
		tcclickhouse.WithPassword("devpassword"),
		tcclickhouse.WithDatabase("default"),
	)
	if err != nil {
		log.Fatalf("Failed to start ClickHouse container: %v", err)
	}

	// Ensure container cleanup on exit
	defer func() {
		log.Println("Stopping ClickHouse container...")
		if err := clickhouseContainer.Terminate(context.Background()); err != nil {
			log.Printf("Failed to terminate container: %v", err)
		}
	}()

	host, err := clickhouseContainer.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	port, err := clickhouseContainer.MappedPort(ctx, "9000/tcp")
	if err != nil {
		log.Fatalf("Failed to get container port: %v", err)
	}
	log.Printf("ClickHouse started at %s:%s", host, port.Port())

	if err := migrate(ctx, fmt.Sprintf("%s:%s", host, port.Port())); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Set environment variables for the application
	os.Setenv("STORAGE_BACKEND", "clickhouse")
	os.Setenv("CLICKHOUSE_HOST", host)
	os.Setenv("CLICKHOUSE_PORT", port.Port())
	os.Setenv("CLICKHOUSE_DATABASE", "default")
	os.Setenv("CLICKHOUSE_USER", "default")
	os.Setenv("CLICKHOUSE_PASSWORD", "devpassword")
	os.Setenv("CLICKHOUSE_USE_TLS", "false")
	os.Setenv("WEBHOOK_MODE", "false")

	if os.Getenv("TELEGRAM_BOT_TOKEN") == "" {
		log.Println("⚠️  TELEGRAM_BOT_TOKEN not set. Please set it in your .env file or environment.")
		log.Println("   The bot will fail to start without a valid token.")
	}
	if os.Getenv("LIBRARIAN_CHAT_ID") == "" {
		log.Println("⚠️  LIBRARIAN_CHAT_ID not set. Please set it in your .env file or environment.")
		log.Println("   Librarian commands and notifications need it.")
	}

	log.Println("Starting application with ClickHouse backend...")

	application, err := app.New(ctx)
	if err != nil {
		log.Printf("Failed to create application: %v", err)
		return
	}
	if err := application.Run(ctx); err != nil {
		log.Printf("Application error: %v", err)
	}
}

func migrate(ctx context.Context, addr string) error {
	db := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: "default",
			Password: "devpassword",
		},
	})
	defer db.Close()

	provider, err := migrations.NewProvider(db, migrations.ClickHouse)
	if err != nil {
		return err
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return err
	}
	log.Printf("Applied %d migrations", len(results))
	return nil
}
