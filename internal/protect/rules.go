// Package protect encrypts sensitive fields of audit content before it is
// hashed into a chain.
//
// Rules are loaded from protect.yaml and merged with built-in PHI rules.
// Each field of a record's content is checked against the rules in order;
// first match wins. A matching "encrypt" rule replaces the field's whole
// value with {"$enc": <blob>}; a "plain" rule leaves it readable.
//
// Rule matching supports:
//   - Chain ID globs (string or list, OR logic)
//   - Dotted field path globs, case-insensitive (string or list, OR logic).
//     "*" stays within one path segment, "**" spans segments.
package protect

import (
	"fmt"
	"os"
	"strings"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

const (
	ActionEncrypt = "encrypt"
	ActionPlain   = "plain"
)

// Rule selects fields to protect.
type Rule struct {
	Name    string    `yaml:"name"`
	Match   RuleMatch `yaml:"match"`
	Action  string    `yaml:"action"`
	Builtin bool      `yaml:"-"`

	compiled *compiledMatcher
}

// RuleMatch holds the conditions of a rule. All non-empty fields must
// match.
type RuleMatch struct {
	Chain stringOrList `yaml:"chain"`
	Field stringOrList `yaml:"field"`
}

// stringOrList accepts "field: ssn" as well as "field: [ssn, dob]".
type stringOrList []string

func (s *stringOrList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*s = []string{value.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	default:
		return fmt.Errorf("expected string or list, got %v", value.Kind)
	}
}

// RuleInfo summarizes a rule for `ledgerctl protect list`.
type RuleInfo struct {
	Name    string
	Builtin bool
	Action  string
	Fields  []string
}

type compiledMatcher struct {
	chains []glob.Glob
	fields []glob.Glob
}

func compileMatcher(r *Rule) error {
	switch r.Action {
	case "":
		r.Action = ActionEncrypt
	case ActionEncrypt, ActionPlain:
	default:
		return fmt.Errorf("rule %q: unknown action %q (use %s or %s)", r.Name, r.Action, ActionEncrypt, ActionPlain)
	}
	if len(r.Match.Field) == 0 {
		return fmt.Errorf("rule %q: match.field is required", r.Name)
	}

	c := &compiledMatcher{}
	for _, p := range r.Match.Chain {
		g, err := glob.Compile(p)
		if err != nil {
			return fmt.Errorf("rule %q: invalid chain glob %q: %w", r.Name, p, err)
		}
		c.chains = append(c.chains, g)
	}
	for _, p := range r.Match.Field {
		g, err := glob.Compile(strings.ToLower(p), '.')
		if err != nil {
			return fmt.Errorf("rule %q: invalid field glob %q: %w", r.Name, p, err)
		}
		c.fields = append(c.fields, g)
	}
	r.compiled = c
	return nil
}

// matches reports whether r fires for the field at path (lowercased) in
// chainID.
func (r *Rule) matches(chainID, path string) bool {
	c := r.compiled
	if c == nil {
		return false
	}
	if len(c.chains) > 0 && !anyMatch(c.chains, chainID) {
		return false
	}
	return anyMatch(c.fields, path)
}

func anyMatch(globs []glob.Glob, s string) bool {
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

// rulesFile is the YAML envelope for protect.yaml.
type rulesFile struct {
	Rules   []Rule          `yaml:"rules"`
	Builtin map[string]bool `yaml:"builtin"`
}

func loadRulesFromFile(path string) ([]Rule, map[string]bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("reading protect policy %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil, nil
	}

	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("parsing protect policy %s: %w", path, err)
	}
	return file.Rules, file.Builtin, nil
}

// WriteDefault writes a protect.yaml with every built-in rule enabled.
func WriteDefault(path string) error {
	file := rulesFile{Builtin: defaultBuiltinToggles()}
	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("marshaling protect policy: %w", err)
	}
	header := "# Field protection policy.\n# Matching fields are encrypted before they are hashed into the ledger.\n\n"
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// builtinRules protects common PHI identifiers wherever they appear.
func builtinRules() []Rule {
	return []Rule{
		{
			Name:    "protect_ssn",
			Match:   RuleMatch{Field: stringOrList{"ssn", "**.ssn", "social_security_number", "**.social_security_number"}},
			Action:  ActionEncrypt,
			Builtin: true,
		},
		{
			Name:    "protect_dob",
			Match:   RuleMatch{Field: stringOrList{"dob", "**.dob", "date_of_birth", "**.date_of_birth"}},
			Action:  ActionEncrypt,
			Builtin: true,
		},
		{
			Name:    "protect_mrn",
			Match:   RuleMatch{Field: stringOrList{"mrn", "**.mrn", "medical_record_number", "**.medical_record_number"}},
			Action:  ActionEncrypt,
			Builtin: true,
		},
		{
			Name:    "protect_diagnosis",
			Match:   RuleMatch{Field: stringOrList{"diagnosis", "**.diagnosis", "diagnoses", "**.diagnoses"}},
			Action:  ActionEncrypt,
			Builtin: true,
		},
		{
			Name:    "protect_phi_namespace",
			Match:   RuleMatch{Field: stringOrList{"phi", "**.phi"}},
			Action:  ActionEncrypt,
			Builtin: true,
		},
	}
}

func defaultBuiltinToggles() map[string]bool {
	toggles := make(map[string]bool)
	for _, r := range builtinRules() {
		toggles[r.Name] = true
	}
	return toggles
}
