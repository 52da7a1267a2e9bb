/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 *
 * Database schema and connection handling for chatkdc
 * SQLite for single-node deployments and tests, MariaDB for production
 */

package kdc

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	"github.com/go-sql-driver/mysql" // MariaDB driver
	_ "github.com/mattn/go-sqlite3"  // SQLite driver
)

// KdcDB represents the KDC database connection
type KdcDB struct {
	DB     *sql.DB
	DBType string // "sqlite" or "mariadb"
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so the same query helpers
// can run inside or outside a transaction
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// NewKdcDB creates a new KDC database connection
// dbType should be "sqlite" or "mariadb"
// dsn should be a file path for SQLite or a MySQL DSN for MariaDB
func NewKdcDB(dbType, dsn string) (*KdcDB, error) {
	var driverName string
	var err error
	dbType = strings.ToLower(dbType)
	switch dbType {
	case "sqlite", "sqlite3":
		driverName = "sqlite3"
		dbType = "sqlite"
		dsn = sqliteDSN(dsn)
	case "mariadb", "mysql":
		driverName = "mysql"
		dbType = "mariadb"
		dsn, err = mysqlDSN(dsn)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported database type: %s (must be 'sqlite' or 'mariadb')", dbType)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %v", err)
	}

	kdc := &KdcDB{
		DB:     db,
		DBType: dbType,
	}

	if err := kdc.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %v", err)
	}

	return kdc, nil
}

// sqliteDSN makes every write transaction take the RESERVED lock up front
// (BEGIN IMMEDIATE), so concurrent rotations on the same database serialize
// instead of failing at commit time.
func sqliteDSN(dsn string) string {
	params := []string{}
	if !strings.Contains(dsn, "_txlock=") {
		params = append(params, "_txlock=immediate")
	}
	if !strings.Contains(dsn, "_busy_timeout=") {
		params = append(params, "_busy_timeout=10000")
	}
	if !strings.Contains(dsn, "_foreign_keys=") {
		params = append(params, "_foreign_keys=on")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// mysqlDSN forces parseTime so DATETIME columns scan into time.Time
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid MariaDB DSN: %v", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

func (kdc *KdcDB) Close() error {
	return kdc.DB.Close()
}

// withTx runs fn inside a transaction. Any error from fn rolls back everything fn did.
func (kdc *KdcDB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := kdc.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Printf("KDC: Warning: rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return conflictf("concurrent update detected at commit")
		}
		return fmt.Errorf("failed to commit transaction: %v", err)
	}
	return nil
}

// isUniqueViolation checks for unique/primary key constraint failures from either driver
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "PRIMARY KEY constraint")
}

func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "FOREIGN KEY constraint") || strings.Contains(msg, "foreign key constraint fails")
}

// initSchema creates the database tables if they don't exist
func (kdc *KdcDB) initSchema() error {
	if kdc.DBType == "sqlite" {
		return kdc.initSchemaSQLite()
	}
	return kdc.initSchemaMySQL()
}

// initSchemaMySQL creates MySQL/MariaDB tables
func (kdc *KdcDB) initSchemaMySQL() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS channels (
			id VARCHAR(255) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			is_encrypted BOOLEAN NOT NULL DEFAULT FALSE,
			created_by VARCHAR(255) NOT NULL DEFAULT '',
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS channel_members (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			channel_id VARCHAR(255) NOT NULL,
			user_id VARCHAR(255) NOT NULL,
			role ENUM('member', 'admin', 'owner') NOT NULL DEFAULT 'member',
			joined_at DATETIME(6) NOT NULL,
			FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE,
			UNIQUE KEY idx_channel_user (channel_id, user_id),
			INDEX idx_user_id (user_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		// MariaDB has no partial indexes; one active version per channel is held by
		// the SELECT ... FOR UPDATE in the rotation transaction.
		`CREATE TABLE IF NOT EXISTS channel_master_keys (
			channel_id VARCHAR(255) NOT NULL,
			key_version INT NOT NULL,
			key_material BLOB NOT NULL,
			created_by VARCHAR(255) NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT FALSE,
			created_at DATETIME(6) NOT NULL,
			PRIMARY KEY (channel_id, key_version),
			FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE,
			INDEX idx_channel_active (channel_id, is_active)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS user_channel_keys (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			channel_id VARCHAR(255) NOT NULL,
			user_id VARCHAR(255) NOT NULL,
			key_version INT NOT NULL,
			encrypted_key TEXT NOT NULL,
			sender_id VARCHAR(255) NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE,
			UNIQUE KEY idx_channel_user_version (channel_id, user_id, key_version),
			INDEX idx_user_id (user_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS channel_key_shares (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			channel_id VARCHAR(255) NOT NULL,
			sender_id VARCHAR(255) NOT NULL,
			recipient_id VARCHAR(255) NOT NULL,
			encrypted_key TEXT NOT NULL,
			key_version INT NOT NULL,
			is_rotation BOOLEAN NOT NULL DEFAULT FALSE,
			acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
			acknowledged_at DATETIME(6) NULL,
			created_at DATETIME(6) NOT NULL,
			FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE,
			INDEX idx_recipient_version (recipient_id, key_version),
			INDEX idx_channel_recipient (channel_id, recipient_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		// Audit trail; deliberately no foreign key so it outlives the channel
		`CREATE TABLE IF NOT EXISTS key_rotation_log (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			channel_id VARCHAR(255) NOT NULL,
			old_version INT NULL,
			new_version INT NOT NULL,
			rotated_by VARCHAR(255) NOT NULL,
			reason TEXT,
			rotated_at DATETIME(6) NOT NULL,
			INDEX idx_channel_id (channel_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS key_distribution_requests (
			id VARCHAR(64) PRIMARY KEY,
			channel_id VARCHAR(255) NOT NULL,
			requester_id VARCHAR(255) NOT NULL,
			admin_id VARCHAR(255) NOT NULL,
			status ENUM('pending', 'completed') NOT NULL DEFAULT 'pending',
			notify_count INT NOT NULL DEFAULT 1,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE,
			INDEX idx_channel_requester_status (channel_id, requester_id, status),
			INDEX idx_status_updated (status, updated_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS user_sync_state (
			user_id VARCHAR(255) PRIMARY KEY,
			last_acked_kdm_version INT NOT NULL DEFAULT 0,
			updated_at DATETIME(6) NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS user_public_keys (
			user_id VARCHAR(255) PRIMARY KEY,
			public_key TEXT NOT NULL,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}

	for _, stmt := range schema {
		if _, err := kdc.DB.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %v\nStatement: %s", err, stmt)
		}
	}

	log.Printf("KDC database schema initialized successfully (MySQL/MariaDB)")
	return nil
}

// initSchemaSQLite creates SQLite tables
func (kdc *KdcDB) initSchemaSQLite() error {
	// Enable foreign keys (also set in the DSN, but a caller-supplied DSN may have turned it off)
	if _, err := kdc.DB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %v", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			is_encrypted INTEGER NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			CHECK (is_encrypted IN (0, 1))
		)`,

		`CREATE TABLE IF NOT EXISTS channel_members (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'member',
			joined_at DATETIME NOT NULL,
			FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE,
			UNIQUE (channel_id, user_id),
			CHECK (role IN ('member', 'admin', 'owner'))
		)`,

		`CREATE TABLE IF NOT EXISTS channel_master_keys (
			channel_id TEXT NOT NULL,
			key_version INTEGER NOT NULL,
			key_material BLOB NOT NULL,
			created_by TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (channel_id, key_version),
			FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE,
			CHECK (is_active IN (0, 1)),
			CHECK (key_version >= 1)
		)`,

		// At most one active version per channel, enforced by the database itself
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_master_keys_one_active
			ON channel_master_keys(channel_id) WHERE is_active = 1`,

		`CREATE TABLE IF NOT EXISTS user_channel_keys (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			key_version INTEGER NOT NULL,
			encrypted_key TEXT NOT NULL,
			sender_id TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE,
			UNIQUE (channel_id, user_id, key_version),
			CHECK (is_active IN (0, 1))
		)`,

		`CREATE TABLE IF NOT EXISTS channel_key_shares (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			recipient_id TEXT NOT NULL,
			encrypted_key TEXT NOT NULL,
			key_version INTEGER NOT NULL,
			is_rotation INTEGER NOT NULL DEFAULT 0,
			acknowledged INTEGER NOT NULL DEFAULT 0,
			acknowledged_at DATETIME,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS key_rotation_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id TEXT NOT NULL,
			old_version INTEGER,
			new_version INTEGER NOT NULL,
			rotated_by TEXT NOT NULL,
			reason TEXT,
			rotated_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS key_distribution_requests (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			requester_id TEXT NOT NULL,
			admin_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			notify_count INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE,
			CHECK (status IN ('pending', 'completed'))
		)`,

		`CREATE TABLE IF NOT EXISTS user_sync_state (
			user_id TEXT PRIMARY KEY,
			last_acked_kdm_version INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS user_public_keys (
			user_id TEXT PRIMARY KEY,
			public_key TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_channel_members_user ON channel_members(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_user_channel_keys_user ON user_channel_keys(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_key_shares_recipient_version ON channel_key_shares(recipient_id, key_version)`,
		`CREATE INDEX IF NOT EXISTS idx_key_shares_channel_recipient ON channel_key_shares(channel_id, recipient_id)`,
		`CREATE INDEX IF NOT EXISTS idx_rotation_log_channel ON key_rotation_log(channel_id)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_channel_requester ON key_distribution_requests(channel_id, requester_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_status_updated ON key_distribution_requests(status, updated_at)`,
	}

	for _, stmt := range schema {
		if _, err := kdc.DB.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %v\nStatement: %s", err, stmt)
		}
	}

	log.Printf("KDC database schema initialized successfully (SQLite)")
	return nil
}
