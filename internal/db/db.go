// Package db provides the shared SQLite connection and schema for thermd.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	*sql.DB
}

// Open opens the database and initializes the schema
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{db}, nil
}

// initSchema creates all required tables
func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS zones (
			zone_id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL UNIQUE,
			leader_device_id INTEGER,
			order_id INTEGER,
			created_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create zones table: %w", err)
	}

	// aid is only unique at any one moment; reassignment clears the previous holder
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS devices (
			device_id INTEGER PRIMARY KEY AUTOINCREMENT,
			serial_number TEXT NOT NULL UNIQUE,
			aid INTEGER,
			zone_id INTEGER REFERENCES zones(zone_id),
			device_type TEXT NOT NULL,
			name TEXT,
			model TEXT,
			manufacturer TEXT,
			is_zone_leader INTEGER NOT NULL DEFAULT 0,
			is_circuit_driver INTEGER NOT NULL DEFAULT 0,
			battery_state TEXT,
			first_seen INTEGER NOT NULL,
			last_seen INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_devices_aid ON devices(aid);
		CREATE INDEX IF NOT EXISTS idx_devices_zone ON devices(zone_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to create devices table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS device_state_history (
			device_id INTEGER NOT NULL REFERENCES devices(device_id),
			timestamp_bucket TEXT NOT NULL,
			current_temperature REAL,
			target_temperature REAL,
			current_heating_cooling_state INTEGER,
			target_heating_cooling_state INTEGER,
			heating_threshold_temperature REAL,
			cooling_threshold_temperature REAL,
			temperature_display_units INTEGER,
			battery_level INTEGER,
			status_low_battery INTEGER,
			humidity REAL,
			target_humidity REAL,
			active_state INTEGER,
			valve_position INTEGER,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (device_id, timestamp_bucket)
		);
		CREATE INDEX IF NOT EXISTS idx_history_device_bucket
			ON device_state_history(device_id, timestamp_bucket DESC);
	`)
	if err != nil {
		return fmt.Errorf("failed to create device_state_history table: %w", err)
	}

	// Event ledger - append-only audit trail
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS event_ledger (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			device_id INTEGER,
			payload TEXT,
			source TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_type_ts ON event_ledger(event_type, timestamp);
		CREATE INDEX IF NOT EXISTS idx_ledger_device ON event_ledger(device_id, timestamp)
			WHERE device_id IS NOT NULL;
	`)
	if err != nil {
		return fmt.Errorf("failed to create event_ledger table: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
