package rules

import (
	"sort"

	oerrors "github.com/R3E-Network/oracle-trust-engine/infrastructure/errors"
)

// Registry is the closed-world (ruleId) -> Rule map. Once built it is
// read-only; RuleIDs is computed once at construction, not re-sorted per
// access.
type Registry struct {
	rules   map[string]Rule
	ruleIDs []string
}

// NewRegistry builds a Registry from a fixed rule set, sorting ruleIDs
// lexicographically once.
func NewRegistry(rules []Rule) (*Registry, error) {
	byID := make(map[string]Rule, len(rules))
	ids := make([]string, 0, len(rules))
	for _, r := range rules {
		if r.RuleID == "" {
			return nil, oerrors.New(oerrors.KindStoreError, "rule registered with empty ruleId")
		}
		if _, exists := byID[r.RuleID]; exists {
			return nil, oerrors.Duplicate(r.RuleID, "")
		}
		if r.Evaluate == nil {
			return nil, oerrors.New(oerrors.KindStoreError, "rule missing Evaluate function").WithDetails("ruleId", r.RuleID)
		}
		byID[r.RuleID] = r
		ids = append(ids, r.RuleID)
	}
	sort.Strings(ids)
	return &Registry{rules: byID, ruleIDs: ids}, nil
}

// RuleIDs returns the rule IDs in fixed lexicographic evaluation order.
func (reg *Registry) RuleIDs() []string {
	out := make([]string, len(reg.ruleIDs))
	copy(out, reg.ruleIDs)
	return out
}

// Get looks up a rule by ID.
func (reg *Registry) Get(ruleID string) (Rule, bool) {
	r, ok := reg.rules[ruleID]
	return r, ok
}

// Len reports how many rules the registry holds.
func (reg *Registry) Len() int {
	return len(reg.rules)
}
