// Package readingrule computes the reading rules in force for a sentence and keeps the
// engine's pronunciation table in step with them.
package readingrule

import (
	"cmp"
	"slices"

	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/samber/lo"
)

// Aggregate returns the rules in force for a sentence of taskID, ordered by rule id and
// deduplicated by pattern (the lowest id wins).
//
// A rule is open by default when it is global or owned by taskID. A task-level
// application overrides the default and a sentence-level application overrides both.
func Aggregate(
	rules []core.ReadingRule,
	taskID int64,
	taskApps, sentenceApps []core.ReadingRuleApplication,
) []core.ReadingRule {
	taskOpen := openByRule(taskApps)
	sentenceOpen := openByRule(sentenceApps)

	sorted := slices.Clone(rules)
	slices.SortStableFunc(sorted, func(a, b core.ReadingRule) int { return cmp.Compare(a.ID, b.ID) })

	effective := lo.Filter(sorted, func(rule core.ReadingRule, _ int) bool {
		if open, ok := sentenceOpen[rule.ID]; ok {
			return open
		}

		if open, ok := taskOpen[rule.ID]; ok {
			return open
		}

		return rule.Scope == core.ScopeGlobal || rule.TaskID == taskID
	})

	return lo.UniqBy(effective, func(rule core.ReadingRule) string { return rule.Pattern })
}

func openByRule(apps []core.ReadingRuleApplication) map[int64]bool {
	return lo.SliceToMap(apps, func(app core.ReadingRuleApplication) (int64, bool) {
		return app.RuleID, app.Open
	})
}

type entry struct {
	ruleType core.RuleType
	value    string
}

// InSync reports whether the engine table holds exactly the local rules. Both sides are
// keyed by pattern keeping the first occurrence; any difference in size, type or value is
// drift.
func InSync(local []core.ReadingRule, remote []core.VocabularyConfig) bool {
	want := lo.SliceToMap(lo.UniqBy(local, func(r core.ReadingRule) string { return r.Pattern }),
		func(r core.ReadingRule) (string, entry) { return r.Pattern, entry{r.Type, r.Value} })
	have := lo.SliceToMap(lo.UniqBy(remote, func(c core.VocabularyConfig) string { return c.Pattern }),
		func(c core.VocabularyConfig) (string, entry) { return c.Pattern, entry{c.Type, c.Value} })

	if len(want) != len(have) {
		return false
	}

	for pattern, w := range want {
		h, ok := have[pattern]
		if !ok || h != w {
			return false
		}
	}

	return true
}
