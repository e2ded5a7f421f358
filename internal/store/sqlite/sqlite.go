// Package sqlite is a ledger.Store on an embedded SQLite database.
//
// Records are write-once: triggers abort any UPDATE or DELETE on the
// records table, so even a process holding the database handle cannot
// rewrite history through SQL. The tail of each chain lives in its own
// table and is advanced in the same transaction as the insert.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"

	"github.com/complykit/auditledger/internal/ledger"
	"github.com/complykit/auditledger/internal/signing"
)

// scanPage bounds how many rows Scan holds in memory at once.
const scanPage = 500

const schema = `
	CREATE TABLE IF NOT EXISTS ledger_records (
		chain_id      TEXT    NOT NULL,
		seq           INTEGER NOT NULL,
		id            TEXT    NOT NULL UNIQUE,
		content       TEXT    NOT NULL,
		previous_hash TEXT    NOT NULL,
		chain_hash    TEXT    NOT NULL,
		signature     BLOB    NOT NULL,
		key_id        TEXT    NOT NULL,
		algorithm     TEXT    NOT NULL,
		created_at    TEXT    NOT NULL,
		PRIMARY KEY (chain_id, seq)
	);
	CREATE TABLE IF NOT EXISTS ledger_tails (
		chain_id   TEXT PRIMARY KEY,
		seq        INTEGER NOT NULL,
		chain_hash TEXT    NOT NULL
	);
	CREATE TRIGGER IF NOT EXISTS ledger_records_no_update
		BEFORE UPDATE ON ledger_records
		BEGIN SELECT RAISE(ABORT, 'ledger records are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS ledger_records_no_delete
		BEFORE DELETE ON ledger_records
		BEGIN SELECT RAISE(ABORT, 'ledger records are append-only'); END;
`

// Store implements ledger.Store.
type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	// _txlock=immediate takes the write lock at BEGIN. A deferred
	// transaction would read the tail, then fail to upgrade with
	// SQLITE_BUSY when another process wrote in between, and busy_timeout
	// does not cover that upgrade.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite ledger %s: %w", path, err)
	}
	// One connection per process: SQLite has a single writer anyway.
	// Other processes on the same file queue on the immediate lock.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite ledger schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Tail(ctx context.Context, chainID string) (*ledger.Tail, error) {
	return tailOf(ctx, s.db, chainID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func tailOf(ctx context.Context, q queryer, chainID string) (*ledger.Tail, error) {
	var (
		seq  int64
		hash string
	)
	err := q.QueryRowContext(ctx,
		`SELECT seq, chain_hash FROM ledger_tails WHERE chain_id = ?`, chainID,
	).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading tail of %s: %w", chainID, err)
	}
	return &ledger.Tail{Sequence: uint64(seq), ChainHash: hash}, nil
}

func (s *Store) Append(ctx context.Context, rec *ledger.Record, expected *ledger.Tail) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning append: %w", err)
	}
	defer tx.Rollback()

	current, err := tailOf(ctx, tx, rec.ChainID)
	if err != nil {
		return err
	}
	if err := ledger.CheckExpected(rec, expected, current); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_records (chain_id, seq, id, content, previous_hash, chain_hash, signature, key_id, algorithm, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ChainID, int64(rec.Sequence), rec.ID.String(), string(rec.Content),
		rec.PrevHash, rec.ChainHash, rec.Signature, rec.KeyID, string(rec.Algorithm),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", ledger.ErrTailMoved, err)
		}
		return fmt.Errorf("inserting record %s #%d: %w", rec.ChainID, rec.Sequence, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_tails (chain_id, seq, chain_hash) VALUES (?, ?, ?)
		 ON CONFLICT(chain_id) DO UPDATE SET seq = excluded.seq, chain_hash = excluded.chain_hash`,
		rec.ChainID, int64(rec.Sequence), rec.ChainHash,
	)
	if err != nil {
		return fmt.Errorf("advancing tail of %s: %w", rec.ChainID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing record %s #%d: %w", rec.ChainID, rec.Sequence, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const recordColumns = `id, chain_id, seq, content, previous_hash, chain_hash, signature, key_id, algorithm, created_at`

func (s *Store) Get(ctx context.Context, chainID string, seq uint64) (*ledger.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM ledger_records WHERE chain_id = ? AND seq = ?`,
		chainID, int64(seq))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s #%d", ledger.ErrNotFound, chainID, seq)
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*ledger.Record, error) {
	var (
		rec       ledger.Record
		id        string
		seq       int64
		content   string
		algorithm string
		created   string
	)
	err := row.Scan(&id, &rec.ChainID, &seq, &content, &rec.PrevHash, &rec.ChainHash,
		&rec.Signature, &rec.KeyID, &algorithm, &created)
	if err != nil {
		return nil, err
	}
	if rec.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("record %s #%d: bad id: %w", rec.ChainID, seq, err)
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("record %s #%d: bad created_at: %w", rec.ChainID, seq, err)
	}
	rec.Sequence = uint64(seq)
	rec.Content = json.RawMessage(content)
	rec.Algorithm = signing.Algorithm(algorithm)
	return &rec, nil
}

func (s *Store) Scan(ctx context.Context, chainID string, from uint64, fn func(*ledger.Record) error) error {
	next := from
	for {
		page, err := s.page(ctx, chainID, next)
		if err != nil {
			return err
		}
		// Rows are closed before fn runs so fn may use the store.
		for _, rec := range page {
			if err := fn(rec); err != nil {
				if errors.Is(err, ledger.ErrStopScan) {
					return nil
				}
				return err
			}
		}
		if len(page) < scanPage {
			return nil
		}
		next = page[len(page)-1].Sequence + 1
	}
}

func (s *Store) page(ctx context.Context, chainID string, from uint64) ([]*ledger.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM ledger_records WHERE chain_id = ? AND seq >= ? ORDER BY seq LIMIT ?`,
		chainID, int64(from), scanPage)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", chainID, err)
	}
	defer rows.Close()

	var out []*ledger.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", chainID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Chains(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chain_id FROM ledger_tails ORDER BY chain_id`)
	if err != nil {
		return nil, fmt.Errorf("listing chains: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
