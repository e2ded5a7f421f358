// Package postgres is a ledger.Store on PostgreSQL for multi-process
// deployments. Writers in different processes are ordered by a row lock
// on the chain's tail; the records table rejects UPDATE, DELETE and
// TRUNCATE at the database level.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/complykit/auditledger/internal/ledger"
	"github.com/complykit/auditledger/internal/signing"
)

const scanPage = 500

// Migration creates the ledger schema. It is idempotent.
const Migration = `
CREATE TABLE IF NOT EXISTS ledger_records (
	chain_id      TEXT        NOT NULL,
	seq           BIGINT      NOT NULL,
	id            UUID        NOT NULL UNIQUE,
	content       TEXT        NOT NULL,
	previous_hash CHAR(64)    NOT NULL,
	chain_hash    CHAR(64)    NOT NULL,
	signature     BYTEA       NOT NULL,
	key_id        TEXT        NOT NULL,
	algorithm     TEXT        NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (chain_id, seq)
);

CREATE TABLE IF NOT EXISTS ledger_tails (
	chain_id   TEXT     PRIMARY KEY,
	seq        BIGINT   NOT NULL,
	chain_hash CHAR(64) NOT NULL
);

CREATE OR REPLACE FUNCTION ledger_records_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'ledger records are append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS ledger_records_no_modify ON ledger_records;
CREATE TRIGGER ledger_records_no_modify
	BEFORE UPDATE OR DELETE ON ledger_records
	FOR EACH ROW EXECUTE FUNCTION ledger_records_append_only();

DROP TRIGGER IF EXISTS ledger_records_no_truncate ON ledger_records;
CREATE TRIGGER ledger_records_no_truncate
	BEFORE TRUNCATE ON ledger_records
	FOR EACH STATEMENT EXECUTE FUNCTION ledger_records_append_only();
`

// Store implements ledger.Store.
type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

// Config holds connection settings.
type Config struct {
	DSN          string
	MaxOpenConns int
}

// Open connects, pings, and runs Migration.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening postgres ledger: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres ledger: %w", err)
	}
	if _, err := db.ExecContext(ctx, Migration); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating postgres ledger: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing handle. The caller is responsible for Migration.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Tail(ctx context.Context, chainID string) (*ledger.Tail, error) {
	return s.tail(ctx, s.db, chainID, false)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) tail(ctx context.Context, q queryer, chainID string, forUpdate bool) (*ledger.Tail, error) {
	query := `SELECT seq, chain_hash FROM ledger_tails WHERE chain_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var (
		seq  int64
		hash string
	)
	err := q.QueryRowContext(ctx, query, chainID).Scan(&seq, &hash)
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

	current, err := s.tail(ctx, tx, rec.ChainID, true)
	if err != nil {
		return err
	}
	if err := ledger.CheckExpected(rec, expected, current); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_records (chain_id, seq, id, content, previous_hash, chain_hash, signature, key_id, algorithm, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ChainID, int64(rec.Sequence), rec.ID.String(), string(rec.Content),
		rec.PrevHash, rec.ChainHash, rec.Signature, rec.KeyID, string(rec.Algorithm),
		rec.CreatedAt.UTC(),
	)
	if err != nil {
		// Two first writers race without a tail row to lock; the primary
		// key settles it.
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", ledger.ErrTailMoved, err)
		}
		return fmt.Errorf("inserting record %s #%d: %w", rec.ChainID, rec.Sequence, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger_tails (chain_id, seq, chain_hash) VALUES ($1, $2, $3)
		 ON CONFLICT (chain_id) DO UPDATE SET seq = EXCLUDED.seq, chain_hash = EXCLUDED.chain_hash`,
		rec.ChainID, int64(rec.Sequence), rec.ChainHash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", ledger.ErrTailMoved, err)
		}
		return fmt.Errorf("advancing tail of %s: %w", rec.ChainID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing record %s #%d: %w", rec.ChainID, rec.Sequence, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

const recordColumns = `id, chain_id, seq, content, previous_hash, chain_hash, signature, key_id, algorithm, created_at`

func (s *Store) Get(ctx context.Context, chainID string, seq uint64) (*ledger.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM ledger_records WHERE chain_id = $1 AND seq = $2`,
		chainID, int64(seq))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s #%d", ledger.ErrNotFound, chainID, seq)
	}
	return rec, err
}

func scanRecord(row interface{ Scan(...any) error }) (*ledger.Record, error) {
	var (
		rec       ledger.Record
		id        string
		seq       int64
		content   string
		algorithm string
		created   time.Time
	)
	err := row.Scan(&id, &rec.ChainID, &seq, &content, &rec.PrevHash, &rec.ChainHash,
		&rec.Signature, &rec.KeyID, &algorithm, &created)
	if err != nil {
		return nil, err
	}
	if rec.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("record %s #%d: bad id: %w", rec.ChainID, seq, err)
	}
	rec.Sequence = uint64(seq)
	rec.Content = json.RawMessage(content)
	rec.Algorithm = signing.Algorithm(algorithm)
	rec.CreatedAt = created.UTC()
	return &rec, nil
}

func (s *Store) Scan(ctx context.Context, chainID string, from uint64, fn func(*ledger.Record) error) error {
	next := from
	for {
		page, err := s.page(ctx, chainID, next)
		if err != nil {
			return err
		}
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
		`SELECT `+recordColumns+` FROM ledger_records WHERE chain_id = $1 AND seq >= $2 ORDER BY seq LIMIT $3`,
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
