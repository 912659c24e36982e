package database

import (
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

func Connect(dbURL string) (*sqlx.DB, error) {
	log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Println("🔌 DATABASE CONNECTION ATTEMPT")
	log.Printf("   📍 Database URL length: %d characters", len(dbURL))
	log.Printf("   📍 URL prefix: %s...", dbURL[:min(30, len(dbURL))])
	log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	db, err := sqlx.Connect("postgres", dbURL)
	if err != nil {
		log.Println("❌ DATABASE CONNECTION FAILED AT sqlx.Connect()")
		log.Printf("   Error type: %T", err)
		log.Printf("   Error message: %v", err)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		log.Println("❌ DATABASE CONNECTION FAILED AT Ping()")
		log.Printf("   Error message: %v", err)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// zone actors each hold at most one transaction at a time
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)

	log.Println("✅ DATABASE CONNECTION SUCCESSFUL")
	return db, nil
}

func Migrate(db *sqlx.DB) error {
	migrations := []string{
		// Create users table
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password TEXT NOT NULL,
			name TEXT NOT NULL,
			role TEXT NOT NULL CHECK(role IN ('driver', 'marshal', 'operator')),
			created_at BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT,
			updated_at BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT
		)`,

		// Create fcm_tokens table for push notifications
		`CREATE TABLE IF NOT EXISTS fcm_tokens (
			id SERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			token TEXT NOT NULL UNIQUE,
			device_type TEXT NOT NULL CHECK(device_type IN ('ios', 'android')),
			created_at BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT,
			updated_at BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,

		// Create loading_zones table
		`CREATE TABLE IF NOT EXISTS loading_zones (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			zone_type TEXT NOT NULL CHECK(zone_type IN ('rank', 'station', 'mall', 'hospital')),
			center_latitude DOUBLE PRECISION NOT NULL,
			center_longitude DOUBLE PRECISION NOT NULL,
			radius_meters INT NOT NULL DEFAULT 50 CHECK(radius_meters > 0),
			requires_marshal BOOLEAN NOT NULL DEFAULT TRUE,
			marshal_id TEXT,
			opens_at TEXT NOT NULL DEFAULT '',
			closes_at TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT '',
			grace_period_seconds INT NOT NULL DEFAULT 300,
			boundary_policy TEXT NOT NULL DEFAULT 'lenient' CHECK(boundary_policy IN ('strict', 'lenient')),
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT,
			updated_at BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT,
			FOREIGN KEY (marshal_id) REFERENCES users(id) ON DELETE SET NULL
		)`,

		// Create queue_entries table (materialized view of the event log, one row per entry)
		`CREATE TABLE IF NOT EXISTS queue_entries (
			id TEXT PRIMARY KEY,
			zone_id TEXT NOT NULL,
			driver_id TEXT NOT NULL,
			vehicle_id TEXT,
			ticket BIGINT NOT NULL,
			position INT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('waiting', 'loading', 'departed', 'skipped', 'removed')),
			joined_at BIGINT NOT NULL,
			loading_started_at BIGINT,
			terminal_at BIGINT,
			terminal_reason TEXT,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			last_location_update BIGINT NOT NULL,
			verified BOOLEAN NOT NULL,
			distance_from_zone DOUBLE PRECISION NOT NULL,
			unverified_since BIGINT,
			skip_count INT NOT NULL DEFAULT 0,
			notes TEXT NOT NULL DEFAULT '',
			zone_snapshot JSONB NOT NULL,
			FOREIGN KEY (zone_id) REFERENCES loading_zones(id) ON DELETE CASCADE
		)`,

		// Create queue_events table (append-only audit log, source of truth)
		`CREATE TABLE IF NOT EXISTS queue_events (
			zone_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			event_id TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			entry_id TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			actor_role TEXT NOT NULL CHECK(actor_role IN ('driver', 'marshal', 'operator', 'system')),
			occurred_at BIGINT NOT NULL,
			payload JSONB NOT NULL,
			PRIMARY KEY (zone_id, seq),
			FOREIGN KEY (zone_id) REFERENCES loading_zones(id) ON DELETE CASCADE
		)`,

		// Create indexes for better query performance
		`CREATE INDEX IF NOT EXISTS idx_fcm_tokens_user_id ON fcm_tokens(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_loading_zones_active ON loading_zones(is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_entries_zone_status ON queue_entries(zone_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_entries_driver ON queue_entries(driver_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_entries_zone_ticket ON queue_entries(zone_id, ticket)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_events_entry ON queue_events(entry_id)`,

		// One live entry per driver per zone
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_entries_active_driver
			ON queue_entries(zone_id, driver_id) WHERE status IN ('waiting', 'loading')`,
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	log.Println("✓ Database migrations completed")
	return nil
}
