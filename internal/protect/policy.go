package protect

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/complykit/auditledger/internal/aead"
	"github.com/complykit/auditledger/internal/fault"
	"github.com/complykit/auditledger/internal/ledger"
)

// ErrForgedSeal is returned when content carries an {"$enc": ...} value
// that does not open under the field it sits in.
var ErrForgedSeal = errors.New("field is marked sealed but does not open")

// EncKey marks an encrypted field: {"$enc": <blob>}.
const EncKey = "$enc"

// Sealer is the part of aead.Codec the policy needs.
type Sealer interface {
	EncryptPayload(plaintext []byte, aadContext string) (*aead.Blob, error)
	DecryptPayload(b *aead.Blob, aadContext string) ([]byte, error)
}

// Policy evaluates protection rules and seals matching fields.
//
// Protect is called on every append while Reload may swap the rule set
// from the config watcher, so rules sit behind an RWMutex.
type Policy struct {
	sealer Sealer
	path   string

	mu             sync.RWMutex
	rules          []Rule
	customRules    []Rule
	builtinToggles map[string]bool
	builtinCount   int
	customCount    int
}

var _ ledger.Protector = (*Policy)(nil)

// New loads protect.yaml from path (missing file: built-ins only) and
// seals with sealer.
func New(path string, sealer Sealer) (*Policy, error) {
	p := &Policy{sealer: sealer, path: path}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.loadUnlocked(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads protect.yaml. On error the previous rules stay active.
func (p *Policy) Reload() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.loadUnlocked(); err != nil {
		return err
	}
	slog.Info("protect policy reloaded", "total", len(p.rules), "builtin", p.builtinCount, "custom", p.customCount)
	return nil
}

func (p *Policy) loadUnlocked() error {
	custom, toggles, err := loadRulesFromFile(p.path)
	if err != nil {
		return err
	}

	defaults := defaultBuiltinToggles()
	if toggles == nil {
		toggles = defaults
	} else {
		for name, v := range defaults {
			if _, ok := toggles[name]; !ok {
				toggles[name] = v
			}
		}
	}

	for i := range custom {
		if err := compileMatcher(&custom[i]); err != nil {
			return err
		}
	}

	// Custom rules come first so a policy can exempt a field ("plain")
	// that a built-in would otherwise encrypt.
	var combined []Rule
	combined = append(combined, custom...)
	for _, r := range builtinRules() {
		if !toggles[r.Name] {
			continue
		}
		if err := compileMatcher(&r); err != nil {
			slog.Error("failed to compile built-in protect rule", "rule", r.Name, "error", err)
			continue
		}
		combined = append(combined, r)
	}

	p.rules = combined
	p.customRules = custom
	p.builtinToggles = toggles
	p.customCount = len(custom)
	p.builtinCount = len(combined) - len(custom)
	return nil
}

// Rules lists the active rules in evaluation order.
func (p *Policy) Rules() []RuleInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	infos := make([]RuleInfo, 0, len(p.rules))
	for _, r := range p.rules {
		infos = append(infos, RuleInfo{
			Name:    r.Name,
			Builtin: r.Builtin,
			Action:  r.Action,
			Fields:  append([]string(nil), r.Match.Field...),
		})
	}
	return infos
}

// Decide returns the action for the field at path in chainID, and the
// name of the rule that decided it ("" when nothing matched).
func (p *Policy) Decide(chainID, path string) (action, rule string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.decideLocked(chainID, strings.ToLower(path))
}

func (p *Policy) decideLocked(chainID, lowerPath string) (string, string) {
	for i := range p.rules {
		if p.rules[i].matches(chainID, lowerPath) {
			return p.rules[i].Action, p.rules[i].Name
		}
	}
	return ActionPlain, ""
}

// Protect returns a copy of doc with every field selected for encryption
// replaced by {"$enc": blob}. Each blob is bound to aadContext#path, so a
// sealed value cannot be moved to another field or another record context.
// Fields that are already sealed are kept only if they open under this
// context and path; anything else shaped like a sealed value is rejected,
// since it would otherwise reach the ledger unencrypted.
func (p *Policy) Protect(chainID, aadContext string, doc map[string]any) (map[string]any, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out, err := p.protectMap(chainID, aadContext, "", doc)
	if errors.Is(err, ErrForgedSeal) {
		return nil, fault.Invalid("protect", chainID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("protecting content for chain %s: %w", chainID, err)
	}
	return out, nil
}

func (p *Policy) protectMap(chainID, aadContext, prefix string, m map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		path := joinPath(prefix, k)
		if isSealed(v) {
			if _, err := p.open(v.(map[string]any)[EncKey], aadContext, path); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrForgedSeal, err)
			}
			out[k] = v
			continue
		}
		if action, _ := p.decideLocked(chainID, strings.ToLower(path)); action == ActionEncrypt {
			sealed, err := p.seal(v, aadContext, path)
			if err != nil {
				return nil, err
			}
			out[k] = sealed
			continue
		}
		pv, err := p.protectValue(chainID, aadContext, path, v)
		if err != nil {
			return nil, err
		}
		out[k] = pv
	}
	return out, nil
}

// protectValue descends into objects and arrays. Array elements share
// their parent's path.
func (p *Policy) protectValue(chainID, aadContext, path string, v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		return p.protectMap(chainID, aadContext, path, t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			pe, err := p.protectValue(chainID, aadContext, path, e)
			if err != nil {
				return nil, err
			}
			out[i] = pe
		}
		return out, nil
	default:
		return v, nil
	}
}

func (p *Policy) seal(v any, aadContext, path string) (map[string]any, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding field %s: %w", path, err)
	}
	blob, err := p.sealer.EncryptPayload(plaintext, fieldContext(aadContext, path))
	if err != nil {
		return nil, fmt.Errorf("sealing field %s: %w", path, err)
	}
	// Round-trip through JSON so the blob is a plain map and canonicalizes
	// like any other content.
	enc, err := toGeneric(blob)
	if err != nil {
		return nil, err
	}
	return map[string]any{EncKey: enc}, nil
}

// Reveal returns a copy of doc with every sealed field decrypted. It
// needs the aadContext the content was protected with.
func (p *Policy) Reveal(aadContext string, doc map[string]any) (map[string]any, error) {
	v, err := p.revealValue(aadContext, "", doc)
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

func (p *Policy) revealValue(aadContext, path string, v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			childPath := joinPath(path, k)
			if isSealed(child) {
				opened, err := p.open(child.(map[string]any)[EncKey], aadContext, childPath)
				if err != nil {
					return nil, err
				}
				out[k] = opened
				continue
			}
			rv, err := p.revealValue(aadContext, childPath, child)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			re, err := p.revealValue(aadContext, path, e)
			if err != nil {
				return nil, err
			}
			out[i] = re
		}
		return out, nil
	default:
		return v, nil
	}
}

func (p *Policy) open(enc any, aadContext, path string) (any, error) {
	raw, err := json.Marshal(enc)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", path, err)
	}
	var blob aead.Blob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, fmt.Errorf("field %s: malformed sealed value: %w", path, err)
	}
	plaintext, err := p.sealer.DecryptPayload(&blob, fieldContext(aadContext, path))
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(plaintext))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("field %s: decrypted value is not JSON: %w", path, err)
	}
	return out, nil
}

func isSealed(v any) bool {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return false
	}
	_, ok = m[EncKey]
	return ok
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func fieldContext(aadContext, path string) string {
	return aadContext + "#" + path
}

func toGeneric(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
