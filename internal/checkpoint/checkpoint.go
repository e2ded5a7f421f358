// Package checkpoint persists verification checkpoints to checkpoints.yaml
// so a restarted verifier resumes where the last clean walk ended instead
// of rehashing every chain from genesis.
package checkpoint

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/complykit/auditledger/internal/ledger"
)

// file is the YAML envelope: chain id to checkpoint.
type file struct {
	Checkpoints map[string]*ledger.Checkpoint `yaml:"checkpoints"`
}

// Registry implements ledger.CheckpointStore.
type Registry struct {
	mu   sync.RWMutex
	cps  map[string]ledger.Checkpoint
	path string
}

var _ ledger.CheckpointStore = (*Registry)(nil)

// Open loads checkpoints from path. A missing file is an empty registry.
func Open(path string) (*Registry, error) {
	r := &Registry{
		cps:  make(map[string]ledger.Checkpoint),
		path: path,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("reading checkpoints %s: %w", path, err)
	}
	if len(data) == 0 {
		return r, nil
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing checkpoints %s: %w", path, err)
	}
	// The chain id lives in the map key, not the value.
	for id, cp := range f.Checkpoints {
		if cp == nil {
			continue
		}
		cp.ChainID = id
		r.cps[id] = *cp
	}

	slog.Debug("checkpoints loaded", "chains", len(r.cps), "path", path)
	return r, nil
}

func (r *Registry) Load(chainID string) (ledger.Checkpoint, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp, ok := r.cps[chainID]
	return cp, ok, nil
}

// Save records cp and rewrites the file. A checkpoint never moves
// backwards; an older one is ignored.
func (r *Registry) Save(cp ledger.Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.cps[cp.ChainID]; ok && cur.Sequence > cp.Sequence {
		return nil
	}
	r.cps[cp.ChainID] = cp
	return r.write()
}

// Reset drops the checkpoint for chainID so the next walk starts from
// genesis.
func (r *Registry) Reset(chainID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cps[chainID]; !ok {
		return nil
	}
	delete(r.cps, chainID)
	return r.write()
}

// List returns every checkpoint sorted by chain id.
func (r *Registry) List() []ledger.Checkpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ledger.Checkpoint, 0, len(r.cps))
	for _, cp := range r.cps {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}

func (r *Registry) write() error {
	f := file{Checkpoints: make(map[string]*ledger.Checkpoint, len(r.cps))}
	for id, cp := range r.cps {
		f.Checkpoints[id] = &cp
	}
	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("marshaling checkpoints: %w", err)
	}

	tmp := filepath.Join(filepath.Dir(r.path), "."+filepath.Base(r.path)+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing checkpoints %s: %w", r.path, err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("writing checkpoints %s: %w", r.path, err)
	}
	return nil
}
