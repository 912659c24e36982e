package main

import (
	"fmt"
	"log"

	"rankqueue-backend/internal/config"
	"rankqueue-backend/internal/database"
)

func main() {
	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	if err := database.SeedUsers(db); err != nil {
		log.Fatalf("Seeding users failed: %v", err)
	}
	if err := database.SeedZones(db); err != nil {
		log.Fatalf("Seeding zones failed: %v", err)
	}

	log.Println("Migration completed successfully!")

	var result struct {
		Zones         int `db:"zones"`
		ActiveZones   int `db:"active_zones"`
		ActiveEntries int `db:"active_entries"`
		Events        int `db:"events"`
	}
	query := `
		SELECT
			(SELECT COUNT(*) FROM loading_zones) AS zones,
			(SELECT COUNT(*) FROM loading_zones WHERE is_active) AS active_zones,
			(SELECT COUNT(*) FROM queue_entries WHERE status IN ('waiting', 'loading')) AS active_entries,
			(SELECT COUNT(*) FROM queue_events) AS events
	`
	if err := db.Get(&result, query); err != nil {
		log.Fatalf("Failed to query summary: %v", err)
	}

	fmt.Println("\n============================================================")
	fmt.Println("MIGRATION SUMMARY")
	fmt.Println("============================================================")
	fmt.Printf("Loading zones:           %d (%d active)\n", result.Zones, result.ActiveZones)
	fmt.Printf("Active queue entries:    %d\n", result.ActiveEntries)
	fmt.Printf("Logged queue events:     %d\n", result.Events)
	fmt.Println("============================================================")
}
