package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"copydesk/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

const defaultMySQLParams = "parseTime=true&charset=utf8mb4&loc=UTC"

// Open connects to the feedback journal database selected by cfg.Driver.
func Open(cfg config.DatabaseConfig) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(cfg.Driver) {
	case "sqlite", "sqlite3":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// sqlite serializes writers; one connection avoids "database is locked"
		db.SetMaxOpenConns(1)
	case "mysql":
		dsn := cfg.DSN
		if dsn == "" {
			params := cfg.Params
			if params == "" {
				params = defaultMySQLParams
			}
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
				cfg.Username,
				cfg.Password,
				cfg.Host,
				cfg.Port,
				cfg.DBName,
				params,
			)
		}
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the feedback journal table is present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS feedback (
				id TEXT PRIMARY KEY,
				content_type TEXT NOT NULL,
				platform TEXT NOT NULL,
				user_message TEXT NOT NULL,
				assistant_message TEXT NOT NULL,
				rating TEXT NOT NULL,
				feedback_note TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'queued',
				attempts INTEGER NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				delivered_at DATETIME
			)`,
			`CREATE INDEX IF NOT EXISTS idx_feedback_status_delivered ON feedback(status, delivered_at)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS feedback (
				id VARCHAR(64) NOT NULL,
				content_type VARCHAR(32) NOT NULL,
				platform VARCHAR(32) NOT NULL,
				user_message MEDIUMTEXT NOT NULL,
				assistant_message MEDIUMTEXT NOT NULL,
				rating VARCHAR(16) NOT NULL,
				feedback_note TEXT NOT NULL,
				status VARCHAR(16) NOT NULL DEFAULT 'queued',
				attempts INT NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				delivered_at DATETIME NULL,
				PRIMARY KEY (id),
				INDEX idx_feedback_status_delivered (status, delivered_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
