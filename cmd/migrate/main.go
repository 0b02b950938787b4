// Command migrate runs database migrations via goose and seeds the feature
// table.
//
// Usage:
//
//	go run ./cmd/migrate up              # Apply all pending migrations
//	go run ./cmd/migrate down            # Roll back the last migration
//	go run ./cmd/migrate status          # Show migration status
//	go run ./cmd/migrate version         # Show current schema version
//	go run ./cmd/migrate redo            # Roll back and re-apply last migration
//	go run ./cmd/migrate seed <csv>      # Upsert feature rows from a CSV file
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/sybilscan/internal/features"
	"github.com/mbd888/sybilscan/internal/featuretable"
	"github.com/mbd888/sybilscan/migrations"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <command>")
		fmt.Println("Commands: up, down, status, version, redo, up-to <version>, down-to <version>, seed <csv>")
		os.Exit(1)
	}

	dbURL := os.Getenv("FEATURE_TABLE_DSN")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		log.Fatal("FEATURE_TABLE_DSN or DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	ctx := context.Background()
	command := os.Args[1]
	args := os.Args[2:]

	if command == "seed" {
		if len(args) != 1 {
			log.Fatal("Usage: migrate seed <csv>")
		}
		if err := seed(ctx, db, args[0]); err != nil {
			log.Fatalf("Seed failed: %v", err)
		}
		return
	}

	if err := migrations.Setup(); err != nil {
		log.Fatalf("Migration setup failed: %v", err)
	}
	if err := goose.RunContext(ctx, command, db, migrations.Dir, args...); err != nil {
		log.Fatalf("Migration %s failed: %v", command, err)
	}
}

func seed(ctx context.Context, db *sql.DB, path string) error {
	table, stats, err := featuretable.LoadCSV(path)
	if err != nil {
		return err
	}
	rows := make(map[string]features.Vector, table.Len())
	for _, addr := range table.Addresses() {
		v, _ := table.Lookup(addr)
		rows[addr] = v
	}
	if err := featuretable.NewPostgresSource(db).Upsert(ctx, rows); err != nil {
		return err
	}
	log.Printf("Seeded %d rows from %s (%d duplicates skipped, %d invalid cells)",
		len(rows), path, stats.Duplicates, stats.InvalidCells)
	return nil
}
