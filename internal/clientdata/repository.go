// Package clientdata provides persistent caching of quote data as JSON blobs
// with expiration timestamps. The live in-memory cache is warmed from here at
// startup so portfolios opened before the first push show last-known values.
package clientdata

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/folioworks/rebalancer/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS current_quotes (
	symbol     TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_current_quotes_expires ON current_quotes(expires_at);
`

// Open opens (and if needed creates) the client data database in dataDir
func Open(dataDir string) (*sql.DB, error) {
	path := filepath.Join(dataDir, "client_data.db")

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open client data database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize client data schema: %w", err)
	}

	return db, nil
}

// Repository provides cache operations for quote data
type Repository struct {
	db  *sql.DB
	ttl time.Duration
}

// NewRepository creates a quote cache repository. ttl bounds how long a stored
// quote counts as fresh for warm-start loading.
func NewRepository(db *sql.DB, ttl time.Duration) *Repository {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Repository{db: db, ttl: ttl}
}

// SaveQuotes upserts a batch of quotes with expiration = now + ttl
func (r *Repository) SaveQuotes(quotes []domain.Quote) error {
	if len(quotes) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT OR REPLACE INTO current_quotes (symbol, data, expires_at) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	expiresAt := time.Now().Add(r.ttl).Unix()
	for _, quote := range quotes {
		jsonData, err := json.Marshal(quote)
		if err != nil {
			return fmt.Errorf("failed to marshal quote %s: %w", quote.Symbol, err)
		}
		if _, err := stmt.Exec(quote.Symbol, string(jsonData), expiresAt); err != nil {
			return fmt.Errorf("failed to store quote %s: %w", quote.Symbol, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit quote batch: %w", err)
	}
	return nil
}

// LoadFresh returns all unexpired quotes, for warming the in-memory cache
func (r *Repository) LoadFresh() ([]domain.Quote, error) {
	now := time.Now().Unix()

	rows, err := r.db.Query("SELECT data FROM current_quotes WHERE expires_at > ?", now)
	if err != nil {
		return nil, fmt.Errorf("failed to load quotes: %w", err)
	}
	defer rows.Close()

	var quotes []domain.Quote
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan quote row: %w", err)
		}
		var quote domain.Quote
		if err := json.Unmarshal([]byte(data), &quote); err != nil {
			// Skip rows written by an older build rather than failing
			// the whole warm start.
			continue
		}
		quotes = append(quotes, quote)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate quote rows: %w", err)
	}

	return quotes, nil
}

// Get returns the stored quote for a symbol regardless of expiration.
// Returns nil, nil if the symbol is not cached.
func (r *Repository) Get(symbol string) (*domain.Quote, error) {
	var data string
	err := r.db.QueryRow("SELECT data FROM current_quotes WHERE symbol = ?", symbol).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quote for %s: %w", symbol, err)
	}

	var quote domain.Quote
	if err := json.Unmarshal([]byte(data), &quote); err != nil {
		return nil, fmt.Errorf("failed to unmarshal quote for %s: %w", symbol, err)
	}
	return &quote, nil
}

// DeleteExpired removes all rows where expires_at < now.
// Returns the number of rows deleted.
func (r *Repository) DeleteExpired() (int64, error) {
	now := time.Now().Unix()

	result, err := r.db.Exec("DELETE FROM current_quotes WHERE expires_at < ?", now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired quotes: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return deleted, nil
}
