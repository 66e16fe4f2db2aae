// Package audit retains terminal settlement outcomes and swallowed storage
// failures in a local sqlite database for manual reconciliation.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/x402-foundation/settlex"
)

const schema = `
CREATE TABLE IF NOT EXISTS settlements (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	network TEXT NOT NULL,
	authorizer TEXT NOT NULL,
	nonce TEXT NOT NULL,
	payer TEXT,
	tx_ref TEXT,
	success INTEGER NOT NULL,
	error_reason TEXT,
	receipt_id TEXT,
	publish_state TEXT NOT NULL DEFAULT 'none',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_settlements_nonce ON settlements(network, authorizer, nonce);

CREATE TABLE IF NOT EXISTS publish_failures (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	receipt_id TEXT NOT NULL,
	tx_ref TEXT,
	reason TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`

// Store is a sqlite-backed audit log.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the audit database at path. Use ":memory:" for
// tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate audit db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordSettlement appends one terminal settlement outcome.
func (s *Store) RecordSettlement(ctx context.Context, rec settlex.SettlementRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	publishState := rec.PublishState
	if publishState == "" {
		publishState = settlex.PublishStateNone
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlements (network, authorizer, nonce, payer, tx_ref, success, error_reason, receipt_id, publish_state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Network, rec.Authorizer, rec.Nonce, rec.Payer, rec.TxRef,
		rec.Success, rec.ErrorReason, rec.ReceiptID, publishState, createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record settlement: %w", err)
	}
	return nil
}

// RecordPublishFailure appends one swallowed storage failure. These never
// reach callers, so this table is the only trace for reconciliation.
func (s *Store) RecordPublishFailure(ctx context.Context, receiptID, txRef, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO publish_failures (receipt_id, tx_ref, reason, created_at)
		VALUES (?, ?, ?, ?)`,
		receiptID, txRef, reason, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record publish failure: %w", err)
	}
	return nil
}

// PublishFailure is one row from the publish_failures table.
type PublishFailure struct {
	ReceiptID string
	TxRef     string
	Reason    string
	CreatedAt time.Time
}

// ListPublishFailures returns swallowed storage failures, newest first.
func (s *Store) ListPublishFailures(ctx context.Context, limit int) ([]PublishFailure, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT receipt_id, tx_ref, reason, created_at
		FROM publish_failures ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list publish failures: %w", err)
	}
	defer rows.Close()

	var out []PublishFailure
	for rows.Next() {
		var f PublishFailure
		if err := rows.Scan(&f.ReceiptID, &f.TxRef, &f.Reason, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan publish failure: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// FindByNonce returns the most recent settlement rows for one
// (network, authorizer, nonce) key, newest first.
func (s *Store) FindByNonce(ctx context.Context, network, authorizer, nonce string) ([]settlex.SettlementRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT network, authorizer, nonce, payer, tx_ref, success, error_reason, receipt_id, publish_state, created_at
		FROM settlements
		WHERE network = ? AND authorizer = ? AND nonce = ?
		ORDER BY id DESC`,
		network, authorizer, nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlements: %w", err)
	}
	defer rows.Close()

	var out []settlex.SettlementRecord
	for rows.Next() {
		var rec settlex.SettlementRecord
		if err := rows.Scan(&rec.Network, &rec.Authorizer, &rec.Nonce, &rec.Payer, &rec.TxRef,
			&rec.Success, &rec.ErrorReason, &rec.ReceiptID, &rec.PublishState, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
