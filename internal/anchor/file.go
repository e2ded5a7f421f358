package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FilePublisher writes anchors under Dir as read-only files, one per
// chain position. Point Dir at storage the ledger host cannot rewrite.
type FilePublisher struct {
	Dir string
}

func (p *FilePublisher) Publish(_ context.Context, a *Anchor) error {
	path := filepath.Join(p.Dir, filepath.FromSlash(objectName(a.ChainID, a.Sequence)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating anchor dir: %w", err)
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o444)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%w: %s", ErrAnchorExists, path)
	}
	if err != nil {
		return fmt.Errorf("creating anchor: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("writing anchor: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing anchor: %w", err)
	}
	return f.Close()
}

func (p *FilePublisher) Latest(_ context.Context, chainID string) (*Anchor, error) {
	dir := filepath.Join(p.Dir, filepath.FromSlash(chainID))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w for chain %s", ErrNoAnchor, chainID)
	}
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w for chain %s", ErrNoAnchor, chainID)
	}
	sort.Strings(names)

	data, err := os.ReadFile(filepath.Join(dir, names[len(names)-1]))
	if err != nil {
		return nil, err
	}
	var a Anchor
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parsing anchor: %w", err)
	}
	return &a, nil
}
