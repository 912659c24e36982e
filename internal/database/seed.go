package database

import (
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"
)

func SeedUsers(db *sqlx.DB) error {
	// Check if users already exist
	var count int
	if err := db.Get(&count, "SELECT COUNT(*) FROM users"); err != nil {
		return err
	}

	if count > 0 {
		log.Println("✓ Users already seeded, skipping...")
		return nil
	}

	log.Println("🌱 Seeding test users...")

	users := []map[string]interface{}{
		{"email": "driver@rankqueue.dev", "password": "driver123", "name": "Thabo Driver", "role": "driver"},
		{"email": "driver2@rankqueue.dev", "password": "driver123", "name": "Lerato Driver", "role": "driver"},
		{"email": "marshal@rankqueue.dev", "password": "marshal123", "name": "Sipho Marshal", "role": "marshal"},
		{"email": "operator@rankqueue.dev", "password": "operator123", "name": "Ops Desk", "role": "operator"},
	}

	for _, user := range users {
		hashed, err := bcrypt.GenerateFromPassword([]byte(user["password"].(string)), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		user["id"] = uuid.New().String()
		user["password"] = string(hashed)

		query := `
			INSERT INTO users (id, email, password, name, role)
			VALUES (:id, :email, :password, :name, :role)
		`
		if _, err := db.NamedExec(query, user); err != nil {
			return err
		}
		log.Printf("  ✓ Created user: %s (%s)", user["email"], user["role"])
	}

	log.Println("✓ Successfully seeded test users")
	log.Println("  📧 Driver:   driver@rankqueue.dev / driver123")
	log.Println("  📧 Marshal:  marshal@rankqueue.dev / marshal123")
	log.Println("  📧 Operator: operator@rankqueue.dev / operator123")
	return nil
}

func SeedZones(db *sqlx.DB) error {
	var count int
	if err := db.Get(&count, "SELECT COUNT(*) FROM loading_zones"); err != nil {
		return err
	}

	if count > 0 {
		log.Println("✓ Loading zones already seeded, skipping...")
		return nil
	}

	log.Println("🌱 Seeding loading zones...")

	now := time.Now().Unix()
	zones := []map[string]interface{}{
		{"name": "Bree Street Taxi Rank", "zone_type": "rank", "lat": -26.2003, "lng": 28.0379, "radius": 80, "marshal": true, "policy": "strict", "opens": "", "closes": ""},
		{"name": "Park Station Pickup", "zone_type": "station", "lat": -26.1952, "lng": 28.0421, "radius": 50, "marshal": true, "policy": "lenient", "opens": "05:00", "closes": "23:00"},
		{"name": "Rosebank Mall Bay", "zone_type": "mall", "lat": -26.1457, "lng": 28.0436, "radius": 40, "marshal": false, "policy": "lenient", "opens": "08:00", "closes": "21:00"},
		{"name": "Charlotte Maxeke Hospital", "zone_type": "hospital", "lat": -26.1743, "lng": 28.0459, "radius": 60, "marshal": false, "policy": "strict", "opens": "", "closes": ""},
	}

	for _, z := range zones {
		_, err := db.Exec(`
			INSERT INTO loading_zones (id, name, zone_type, center_latitude, center_longitude, radius_meters,
				requires_marshal, opens_at, closes_at, timezone, grace_period_seconds, boundary_policy, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'Africa/Johannesburg', 300, $10, TRUE, $11, $11)
		`, uuid.New().String(), z["name"], z["zone_type"], z["lat"], z["lng"], z["radius"], z["marshal"], z["opens"], z["closes"], z["policy"], now)
		if err != nil {
			return err
		}
		log.Printf("  ✓ Created zone: %s (%s, %vm)", z["name"], z["zone_type"], z["radius"])
	}

	log.Printf("✓ Successfully seeded %d loading zones", len(zones))
	return nil
}
