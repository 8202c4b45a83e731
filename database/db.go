package database

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

func InitDB(logger *zap.Logger) (*sql.DB, error) {
	host := getEnv("DB_HOST", "localhost")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "postgres")
	password := getEnv("DB_PASSWORD", "postgres")
	dbname := getEnv("DB_NAME", "donationdb")

	psqlInfo := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	db, err := sql.Open("postgres", psqlInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := bootstrap(db); err != nil {
		return nil, err
	}

	logger.Info("Database connection established")
	return db, nil
}

func bootstrap(db *sql.DB) error {
	// Capacity counters live on the project row; reservation uses
	// SELECT ... FOR UPDATE so concurrent checkouts serialize per project.
	createTableQueries := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id SERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			unit_price DECIMAL(10, 2),
			target_units INTEGER,
			target_amount DECIMAL(12, 2),
			current_units INTEGER NOT NULL DEFAULT 0,
			current_amount DECIMAL(12, 2) NOT NULL DEFAULT 0,
			aggregate_donations BOOLEAN NOT NULL DEFAULT FALSE,
			status VARCHAR(50) NOT NULL DEFAULT 'planned',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS donations (
			id SERIAL PRIMARY KEY,
			public_id VARCHAR(64) NOT NULL UNIQUE,
			order_reference VARCHAR(64) NOT NULL,
			project_id INTEGER REFERENCES projects(id),
			line_no INTEGER NOT NULL,
			quantity INTEGER NOT NULL DEFAULT 1,
			amount DECIMAL(12, 2) NOT NULL,
			currency VARCHAR(3) NOT NULL,
			donor_email VARCHAR(255) NOT NULL,
			status VARCHAR(50) NOT NULL DEFAULT 'pending',
			provider VARCHAR(50) NOT NULL,
			external_reference VARCHAR(255) NOT NULL DEFAULT '',
			donated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_donations_order_reference ON donations(order_reference);`,
		`CREATE INDEX IF NOT EXISTS idx_donations_external_reference ON donations(external_reference);`,
		`CREATE INDEX IF NOT EXISTS idx_donations_donor_email ON donations(donor_email);`,
		`CREATE TABLE IF NOT EXISTS status_history (
			id SERIAL PRIMARY KEY,
			donation_id INTEGER NOT NULL REFERENCES donations(id),
			from_status VARCHAR(50) NOT NULL,
			to_status VARCHAR(50) NOT NULL,
			actor VARCHAR(255) NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);`,
		// One row per accepted provider callback; the unique constraint is the
		// idempotency barrier for at-least-once webhook delivery.
		`CREATE TABLE IF NOT EXISTS provider_callbacks (
			id SERIAL PRIMARY KEY,
			provider VARCHAR(50) NOT NULL,
			external_reference VARCHAR(255) NOT NULL,
			event_kind VARCHAR(50) NOT NULL,
			outcome VARCHAR(50) NOT NULL,
			amount DECIMAL(12, 2) NOT NULL,
			received_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (provider, external_reference, event_kind)
		);`,
		`CREATE TABLE IF NOT EXISTS delivery_proofs (
			id SERIAL PRIMARY KEY,
			donation_id INTEGER NOT NULL REFERENCES donations(id),
			file_name VARCHAR(255) NOT NULL,
			file_url VARCHAR(1024) NOT NULL,
			uploaded_by VARCHAR(255) NOT NULL,
			uploaded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);`,
	}

	for _, q := range createTableQueries {
		if _, err := db.Exec(q); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
