// Package halt persists the set of chains that refuse appends.
//
// A chain is halted when a write failed after its record was signed, or
// when the stored record did not match what was written. It stays halted,
// across restarts, until an operator verifies it and resumes it.
//
// Several processes share one halted.yaml: the service halts chains on
// faults, ledgerctl halts and resumes them by hand. The file is the source
// of truth. Every change re-reads it, applies one edit and writes it back,
// so a halt made elsewhere is never dropped. When the file cannot be read
// the list fails closed: halts already known stay in force and nothing is
// resumed.
package halt

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/complykit/auditledger/internal/ledger"
)

// Entry is one halted chain in halted.yaml.
type Entry struct {
	Chain    string    `yaml:"chain"`
	HaltedAt time.Time `yaml:"halted_at"`
	Reason   string    `yaml:"reason"`
	HaltedBy string    `yaml:"halted_by"`
}

// List is the in-memory view of halted.yaml. IsHalted runs on every
// append and is a map lookup under a read lock.
type List struct {
	path string

	mu     sync.RWMutex
	halted map[string]Entry
	// unsaved holds halts made here whose write failed. They are kept in
	// force and written with the next successful save.
	unsaved map[string]Entry
}

var _ ledger.Halter = (*List)(nil)

// Open loads the halt list at path. A missing file means nothing is
// halted; an unreadable one is an error.
func Open(path string) (*List, error) {
	halted, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return &List{
		path:    path,
		halted:  halted,
		unsaved: make(map[string]Entry),
	}, nil
}

func (l *List) IsHalted(chainID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.halted[chainID]
	return ok
}

// Halt records chainID as halted by the ledger itself.
func (l *List) Halt(chainID, reason string) error {
	return l.HaltBy(chainID, reason, "ledger")
}

// HaltBy records chainID as halted. Halting a halted chain keeps the
// original entry. The halt takes effect in memory even when the file
// cannot be updated; the error is returned and the write is retried on
// the next change.
func (l *List) HaltBy(chainID, reason, by string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{Chain: chainID, HaltedAt: time.Now().UTC(), Reason: reason, HaltedBy: by}
	if prev, ok := l.halted[chainID]; ok {
		e = prev
	} else {
		l.halted[chainID] = e
		slog.Warn("chain halted", "chain", chainID, "reason", reason, "by", by)
	}

	onDisk, err := readFile(l.path)
	if err != nil {
		l.unsaved[chainID] = e
		return fmt.Errorf("halting %s: %w", chainID, err)
	}
	if prev, ok := onDisk[chainID]; ok {
		e = prev
	}
	onDisk[chainID] = e
	return l.commit(onDisk, chainID, e)
}

// Resume clears a halt. It refuses when the file cannot be read, since
// writing back the in-memory view could drop halts made elsewhere.
// Resuming a chain that is not halted is a no-op.
func (l *List) Resume(chainID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	onDisk, err := readFile(l.path)
	if err != nil {
		return fmt.Errorf("resuming %s: %w", chainID, err)
	}
	delete(l.unsaved, chainID)
	_, inMemory := l.halted[chainID]
	_, inFile := onDisk[chainID]
	if !inMemory && !inFile {
		return nil
	}
	delete(onDisk, chainID)
	if err := l.commit(onDisk, "", Entry{}); err != nil {
		return err
	}
	slog.Info("chain resumed", "chain", chainID)
	return nil
}

// commit merges unsaved halts into next, writes it and adopts it as the
// in-memory state. On a failed write the in-memory state keeps every halt
// of both views, and the pending entry stays unsaved. Caller holds mu.
func (l *List) commit(next map[string]Entry, pendingID string, pending Entry) error {
	for id, e := range l.unsaved {
		if _, ok := next[id]; !ok {
			next[id] = e
		}
	}
	if err := writeFile(l.path, next); err != nil {
		for id, e := range next {
			l.halted[id] = e
		}
		if pendingID != "" {
			l.unsaved[pendingID] = pending
		}
		return err
	}
	l.halted = next
	clear(l.unsaved)
	return nil
}

// Entries returns the halted chains ordered by chain id.
func (l *List) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.halted))
	for _, e := range l.halted {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Chain < out[j].Chain })
	return out
}

// Get returns the entry for chainID.
func (l *List) Get(chainID string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.halted[chainID]
	return e, ok
}

// Reload adopts the file's contents, for example after ledgerctl changed
// it. If the file cannot be read or parsed the current state is kept and
// the error returned. Halts whose write failed stay in force either way.
func (l *List) Reload() error {
	onDisk, err := readFile(l.path)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, e := range l.unsaved {
		if _, ok := onDisk[id]; !ok {
			onDisk[id] = e
		}
	}
	l.halted = onDisk
	slog.Info("halt list reloaded", "halted_chains", len(l.halted))
	return nil
}

// readFile parses halted.yaml into a map. A missing or empty file is an
// empty list.
func readFile(path string) (map[string]Entry, error) {
	halted := make(map[string]Entry)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return halted, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading halt list %s: %w", path, err)
	}

	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing halt list %s: %w", path, err)
	}
	for _, e := range entries {
		if e.Chain == "" {
			return nil, fmt.Errorf("parsing halt list %s: entry without chain", path)
		}
		halted[e.Chain] = e
	}
	return halted, nil
}

// writeFile replaces halted.yaml through a temp file so readers never
// see a partial list. An empty list is written as an empty file.
func writeFile(path string, halted map[string]Entry) error {
	var data []byte
	if len(halted) > 0 {
		entries := make([]Entry, 0, len(halted))
		for _, e := range halted {
			entries = append(entries, e)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Chain < entries[j].Chain })
		var err error
		if data, err = yaml.Marshal(entries); err != nil {
			return fmt.Errorf("marshaling halt list: %w", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".halted-*.yaml")
	if err != nil {
		return fmt.Errorf("writing halt list: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing halt list: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing halt list: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing halt list: %w", err)
	}
	return nil
}
