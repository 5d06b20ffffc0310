// Package store persists the local mirror of the remote resident directory.
// It is the only component that touches the SQLite database; everything else
// reads and writes through it.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// SQL statements for mirror operations.
const (
	sqlGetRecord = `SELECT id, data, updated_at FROM records WHERE id = ?`

	sqlUpsertRecord = `INSERT INTO records (id, data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 data = excluded.data,
		 updated_at = excluded.updated_at`

	sqlDeleteRecord = `DELETE FROM records WHERE id = ?`

	sqlListRecords = `SELECT id, data, updated_at FROM records ORDER BY id`

	sqlListIDs = `SELECT id FROM records`

	sqlCountRecords = `SELECT COUNT(*) FROM records`
)

// Record is one mirrored document: the remote identifier plus the document
// body exactly as the remote delivered it.
type Record struct {
	ID        string
	Data      []byte
	UpdatedAt int64
}

// Store is the sole writer to the mirror database. Reads never touch the
// network; an access decision made against the Store is as fresh as the last
// applied event or reconciliation pass.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests

	stmts recordStatements
}

type recordStatements struct {
	get, upsert, delete, list, listIDs, count *sql.Stmt
}

// New opens the SQLite database at dbPath, runs migrations, and returns a
// ready-to-use store. The database uses WAL mode with synchronous=FULL so a
// power cut mid-write leaves the previous state intact.
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"+
			"&_pragma=journal_size_limit(67108864)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:      db,
		logger:  logger,
		nowFunc: time.Now,
	}

	if err := s.prepareStatements(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("mirror store ready", slog.String("db_path", dbPath))

	return s, nil
}

// stmtDef maps a SQL string to the prepared statement pointer it should
// populate.
type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

func (s *Store) prepareStatements(ctx context.Context) error {
	defs := []stmtDef{
		{&s.stmts.get, sqlGetRecord, "getRecord"},
		{&s.stmts.upsert, sqlUpsertRecord, "upsertRecord"},
		{&s.stmts.delete, sqlDeleteRecord, "deleteRecord"},
		{&s.stmts.list, sqlListRecords, "listRecords"},
		{&s.stmts.listIDs, sqlListIDs, "listIDs"},
		{&s.stmts.count, sqlCountRecords, "countRecords"},
	}

	for i := range defs {
		stmt, err := s.db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("store: preparing %s: %w", defs[i].name, err)
		}

		*defs[i].dest = stmt
	}

	return nil
}

// Get retrieves a single record by id.
// Returns (nil, nil) if no record exists; callers use the nil record to
// distinguish "unknown id" from a read failure.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	r := &Record{}

	err := s.stmts.get.QueryRowContext(ctx, id).Scan(&r.ID, &r.Data, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("store: getting record %s: %w", id, err)
	}

	return r, nil
}

// Upsert inserts or replaces the record for id. Re-applying the same
// document is a no-op apart from the updated_at stamp.
func (s *Store) Upsert(ctx context.Context, id string, data []byte) error {
	_, err := s.stmts.upsert.ExecContext(ctx, id, data, s.nowFunc().UnixNano())
	if err != nil {
		return fmt.Errorf("store: upserting record %s: %w", id, err)
	}

	s.logger.Debug("record upserted", slog.String("id", id))

	return nil
}

// Delete removes the record for id. Deleting an absent id succeeds.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.stmts.delete.ExecContext(ctx, id)
	if err != nil {
		return fmt.Errorf("store: deleting record %s: %w", id, err)
	}

	s.logger.Debug("record deleted", slog.String("id", id))

	return nil
}

// List returns a point-in-time snapshot of every mirrored record, ordered
// by id.
func (s *Store) List(ctx context.Context) ([]*Record, error) {
	rows, err := s.stmts.list.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: listing records: %w", err)
	}
	defer rows.Close()

	var records []*Record

	for rows.Next() {
		r := &Record{}
		if err := rows.Scan(&r.ID, &r.Data, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scanning record row: %w", err)
		}

		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating record rows: %w", err)
	}

	return records, nil
}

// Count returns the number of mirrored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int

	if err := s.stmts.count.QueryRowContext(ctx).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: counting records: %w", err)
	}

	return n, nil
}

// Snapshot is one fetched document inside a full reconciliation pass.
type Snapshot struct {
	ID   string
	Data []byte
}

// ApplySnapshot replaces the mirror contents with the fetched snapshot in a
// single transaction: every snapshot document is upserted, then every local
// record absent from the snapshot is deleted. On error the transaction rolls
// back and the prior mirror state survives untouched.
func (s *Store) ApplySnapshot(ctx context.Context, docs []Snapshot) (upserted, deleted int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("store: beginning snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.nowFunc().UnixNano()
	fetched := make(map[string]struct{}, len(docs))

	upsertStmt := tx.StmtContext(ctx, s.stmts.upsert)
	for i := range docs {
		if _, err := upsertStmt.ExecContext(ctx, docs[i].ID, docs[i].Data, now); err != nil {
			return 0, 0, fmt.Errorf("store: snapshot upsert %s: %w", docs[i].ID, err)
		}

		fetched[docs[i].ID] = struct{}{}
		upserted++
	}

	stale, err := s.staleIDs(ctx, tx, fetched)
	if err != nil {
		return 0, 0, err
	}

	deleteStmt := tx.StmtContext(ctx, s.stmts.delete)
	for _, id := range stale {
		if _, err := deleteStmt.ExecContext(ctx, id); err != nil {
			return 0, 0, fmt.Errorf("store: snapshot delete %s: %w", id, err)
		}

		deleted++
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("store: committing snapshot: %w", err)
	}

	s.logger.Info("snapshot applied",
		slog.Int("upserted", upserted),
		slog.Int("deleted", deleted),
	)

	return upserted, deleted, nil
}

// staleIDs collects local ids that are not part of the fetched snapshot.
func (s *Store) staleIDs(ctx context.Context, tx *sql.Tx, fetched map[string]struct{}) ([]string, error) {
	rows, err := tx.StmtContext(ctx, s.stmts.listIDs).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: listing local ids: %w", err)
	}
	defer rows.Close()

	var stale []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scanning id row: %w", err)
		}

		if _, ok := fetched[id]; !ok {
			stale = append(stale, id)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating id rows: %w", err)
	}

	return stale, nil
}

// Checkpoint forces a WAL checkpoint to consolidate the WAL file into the
// main database.
func (s *Store) Checkpoint() error {
	_, err := s.db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		return fmt.Errorf("store: wal checkpoint: %w", err)
	}

	return nil
}

// Close closes all prepared statements and the database connection.
func (s *Store) Close() error {
	stmts := []*sql.Stmt{
		s.stmts.get, s.stmts.upsert, s.stmts.delete,
		s.stmts.list, s.stmts.listIDs, s.stmts.count,
	}

	for _, stmt := range stmts {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				s.logger.Error("error closing statement", slog.String("error", err.Error()))
			}
		}
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: closing database: %w", err)
	}

	return nil
}
