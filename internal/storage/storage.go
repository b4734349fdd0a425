// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DBFileName is the SQLite database file inside the data directory.
const DBFileName = "custodian.db"

// Storage is the local wallet and balance cache.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFileName)

	// Open database
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	// Initialize schema
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Custodial wallets, keys encrypted by the admin server
	CREATE TABLE IF NOT EXISTS wallets (
		address TEXT PRIMARY KEY,
		encrypted_private_key TEXT NOT NULL,
		encrypted_aes_key TEXT NOT NULL,
		chain_type TEXT NOT NULL,
		uid TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_wallets_chain_type ON wallets(chain_type);

	-- Cached on-chain balances, one row per wallet, chain and asset.
	-- contract_address is '' for the native asset; balance is a base-10 integer.
	CREATE TABLE IF NOT EXISTS wallet_balance (
		address TEXT NOT NULL,
		chain_id TEXT NOT NULL,
		contract_address TEXT NOT NULL DEFAULT '',
		balance TEXT NOT NULL DEFAULT '0',
		last_collected_at INTEGER,
		last_refreshed_at INTEGER,
		PRIMARY KEY (address, chain_id, contract_address)
	);

	CREATE INDEX IF NOT EXISTS idx_wallet_balance_asset ON wallet_balance(chain_id, contract_address);

	-- Settings/config table
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
