// =================================
// File: internal/pricing/store.go
// =================================
package pricing

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS prices (
	mint       TEXT    NOT NULL,
	minute     INTEGER NOT NULL,
	price      TEXT,
	source     TEXT    NOT NULL DEFAULT '',
	missing    INTEGER NOT NULL DEFAULT 0,
	fetched_at INTEGER NOT NULL,
	PRIMARY KEY (mint, minute)
);`

// Store persists price points in sqlite so the cache survives process
// restarts. Prices are stored as strings to preserve precision.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) the on-disk price store.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening price db: %w", err)
	}

	// WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// LoadAll reads every persisted price point, including negative entries.
func (s *Store) LoadAll(ctx context.Context) ([]PricePoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT mint, minute, price, source, missing, fetched_at FROM prices`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []PricePoint
	for rows.Next() {
		var (
			p       PricePoint
			price   sql.NullString
			missing int
		)
		if err := rows.Scan(&p.Mint, &p.Minute, &price, &p.Source, &missing, &p.FetchedAt); err != nil {
			return nil, err
		}
		p.Missing = missing != 0
		if price.Valid {
			d, err := decimal.NewFromString(price.String)
			if err != nil {
				continue // unreadable row, skip rather than fail the load
			}
			p.Price = d
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// Upsert writes a batch of price points in one transaction.
func (s *Store) Upsert(ctx context.Context, points []PricePoint) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO prices (mint, minute, price, source, missing, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(mint, minute) DO UPDATE SET
			price = excluded.price,
			source = excluded.source,
			missing = excluded.missing,
			fetched_at = excluded.fetched_at`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, p := range points {
		var price interface{}
		if !p.Missing {
			price = p.Price.String()
		}
		missing := 0
		if p.Missing {
			missing = 1
		}
		if _, err := stmt.ExecContext(ctx, p.Mint, p.Minute, price, p.Source, missing, p.FetchedAt); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}
