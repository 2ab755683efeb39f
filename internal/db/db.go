// Package db provides SQLite persistence for planforge.
//
// One database per project (.planforge/ledger.db) holds the append-only
// budget ledger and the applied-operations journal used for idempotent
// crash recovery.
package db

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// DB wraps the project database connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (and migrates) the database at the given path, creating
// the parent directory if needed.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single writer keeps modernc's file locking simple.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &DB{conn: conn, path: path}, nil
}

// OpenInMemory opens an isolated in-memory database, ideal for tests.
func OpenInMemory() (*DB, error) {
	return Open(":memory:")
}

// Close releases the connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Path returns the database path.
func (d *DB) Path() string {
	return d.path
}

// LedgerEntry is one append-only spend record.
type LedgerEntry struct {
	ID        int64
	PhaseID   string
	Operation string
	Amount    float64
	CreatedAt time.Time
}

// AppendLedger records a spend entry. Entries are never updated or
// deleted.
func (d *DB) AppendLedger(e LedgerEntry) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := d.conn.Exec(
		`INSERT INTO ledger (phase_id, operation, amount, created_at) VALUES (?, ?, ?, ?)`,
		e.PhaseID, e.Operation, e.Amount, createdAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

// LedgerEntries returns all entries in insertion order.
func (d *DB) LedgerEntries() ([]LedgerEntry, error) {
	rows, err := d.conn.Query(
		`SELECT id, phase_id, operation, amount, created_at FROM ledger ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.PhaseID, &e.Operation, &e.Amount, &createdAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LedgerTotal returns the sum of all recorded amounts.
func (d *DB) LedgerTotal() (float64, error) {
	var total sql.NullFloat64
	err := d.conn.QueryRow(`SELECT SUM(amount) FROM ledger`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum ledger: %w", err)
	}
	return total.Float64, nil
}

// LedgerTotalForPhase returns the sum of recorded amounts for one phase.
func (d *DB) LedgerTotalForPhase(phaseID string) (float64, error) {
	var total sql.NullFloat64
	err := d.conn.QueryRow(
		`SELECT SUM(amount) FROM ledger WHERE phase_id = ?`, phaseID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum ledger for phase %s: %w", phaseID, err)
	}
	return total.Float64, nil
}

// MarkApplied journals an applied plan operation under its idempotence
// key. Returns false if the key was already journaled (the operation
// was applied before, e.g. prior to a crash).
func (d *DB) MarkApplied(opKey, opID, opType string) (bool, error) {
	res, err := d.conn.Exec(
		`INSERT INTO applied_operations (op_key, op_id, op_type, applied_at)
		 VALUES (?, ?, ?, ?) ON CONFLICT(op_key) DO NOTHING`,
		opKey, opID, opType, time.Now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("journal operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("journal operation result: %w", err)
	}
	return n > 0, nil
}

// IsApplied reports whether an idempotence key has been journaled.
func (d *DB) IsApplied(opKey string) (bool, error) {
	var one int
	err := d.conn.QueryRow(
		`SELECT 1 FROM applied_operations WHERE op_key = ?`, opKey).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check operation journal: %w", err)
	}
	return true, nil
}
