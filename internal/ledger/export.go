package ledger

import (
	"context"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Records returns up to limit records of chainID starting at from.
// limit <= 0 means no limit.
func Records(ctx context.Context, store Store, chainID string, from uint64, limit int) ([]*Record, error) {
	var out []*Record
	err := store.Scan(ctx, chainID, from, func(rec *Record) error {
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			return ErrStopScan
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading chain %s: %w", chainID, err)
	}
	return out, nil
}

// Export writes every record of chainID to w in the given format.
// Supported formats: "jsonl" (default), "json", "csv".
func Export(ctx context.Context, store Store, chainID string, w io.Writer, format string) error {
	switch format {
	case "json":
		recs, err := Records(ctx, store, chainID, 0, 0)
		if err != nil {
			return err
		}
		if recs == nil {
			recs = []*Record{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)

	case "csv":
		cw := csv.NewWriter(w)
		header := []string{"id", "chain_id", "sequence", "created_at", "previous_hash", "chain_hash", "key_id", "algorithm", "signature", "content"}
		if err := cw.Write(header); err != nil {
			return err
		}
		err := store.Scan(ctx, chainID, 0, func(r *Record) error {
			return cw.Write([]string{
				r.ID.String(),
				r.ChainID,
				strconv.FormatUint(r.Sequence, 10),
				r.CreatedAt.UTC().Format(time.RFC3339Nano),
				r.PrevHash,
				r.ChainHash,
				r.KeyID,
				string(r.Algorithm),
				base64.StdEncoding.EncodeToString(r.Signature),
				string(r.Content),
			})
		})
		if err != nil {
			return fmt.Errorf("exporting chain %s: %w", chainID, err)
		}
		cw.Flush()
		return cw.Error()

	case "jsonl", "":
		enc := json.NewEncoder(w)
		err := store.Scan(ctx, chainID, 0, func(r *Record) error {
			return enc.Encode(r)
		})
		if err != nil {
			return fmt.Errorf("exporting chain %s: %w", chainID, err)
		}
		return nil

	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}
}
