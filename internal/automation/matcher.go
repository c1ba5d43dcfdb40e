package automation

import (
	"context"
	"fmt"
	"sort"
)

// Matcher selects the rules a trigger applies to.
type Matcher struct {
	store RuleStore
}

// NewMatcher creates a matcher over store.
func NewMatcher(store RuleStore) *Matcher {
	return &Matcher{store: store}
}

// FindCandidates returns the enabled, within-budget rules for the board and
// trigger ordered by priority desc, creation time desc, id asc.
func (m *Matcher) FindCandidates(ctx context.Context, boardID string, trigger TriggerType) ([]Rule, error) {
	rows, err := m.store.GetEnabledRules(ctx, boardID, trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules for board %s: %w", boardID, err)
	}
	rules := make([]Rule, 0, len(rows))
	for _, row := range rows {
		if !row.Enabled || row.BoardID != boardID || TriggerType(row.TriggerType) != trigger {
			continue
		}
		r := DecodeRule(row)
		if r.Exhausted() {
			continue
		}
		rules = append(rules, r)
	}
	SortRules(rules)
	return rules, nil
}

// SortRules applies matcher ordering in place.
func SortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
