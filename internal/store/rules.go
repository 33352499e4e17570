package store

import (
	"context"
	"fmt"

	"github.com/book-expert/tts-pipeline/internal/core"
)

// ListRules returns every reading rule by id.
func (s *Store) ListRules(ctx context.Context) ([]core.ReadingRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pattern, rule_type, rule_value, scope, task_id FROM reading_rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list reading rules: %w", err)
	}
	defer rows.Close()

	var rules []core.ReadingRule

	for rows.Next() {
		var (
			rule            core.ReadingRule
			ruleType, scope int
		)

		scanErr := rows.Scan(&rule.ID, &rule.Pattern, &ruleType, &rule.Value, &scope, &rule.TaskID)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan reading rule: %w", scanErr)
		}

		rule.Type = core.RuleType(ruleType)
		rule.Scope = core.RuleScope(scope)
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// CreateRule inserts rule and sets its ID.
func (s *Store) CreateRule(ctx context.Context, rule *core.ReadingRule) error {
	if !rule.Type.Valid() {
		return core.Validationf("unsupported rule type %d", rule.Type)
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO reading_rules(pattern, rule_type, rule_value, scope, task_id) VALUES(?, ?, ?, ?, ?)`,
		rule.Pattern, int(rule.Type), rule.Value, int(rule.Scope), rule.TaskID)
	if err != nil {
		return fmt.Errorf("failed to insert reading rule: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read reading rule id: %w", err)
	}

	rule.ID = id

	return nil
}

// ListApplications returns the rule applications recorded for one target.
func (s *Store) ListApplications(
	ctx context.Context,
	level core.ApplicationLevel,
	targetID int64,
) ([]core.ReadingRuleApplication, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rule_id, level, target_id, is_open FROM reading_rule_applications
		 WHERE level = ? AND target_id = ? ORDER BY id`, int(level), targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rule applications: %w", err)
	}
	defer rows.Close()

	var apps []core.ReadingRuleApplication

	for rows.Next() {
		var (
			app      core.ReadingRuleApplication
			appLevel int
			open     int
		)

		scanErr := rows.Scan(&app.ID, &app.RuleID, &appLevel, &app.TargetID, &open)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan rule application: %w", scanErr)
		}

		app.Level = core.ApplicationLevel(appLevel)
		app.Open = open == 1
		apps = append(apps, app)
	}

	return apps, rows.Err()
}

// SaveApplication records that a rule is opened or closed for a target, replacing any
// earlier decision for the same rule and target.
func (s *Store) SaveApplication(ctx context.Context, app *core.ReadingRuleApplication) error {
	open := 0
	if app.Open {
		open = 1
	}

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO reading_rule_applications(rule_id, level, target_id, is_open) VALUES(?, ?, ?, ?)
		 ON CONFLICT(rule_id, level, target_id) DO UPDATE SET is_open = excluded.is_open
		 RETURNING id`, app.RuleID, int(app.Level), app.TargetID, open).Scan(&app.ID)
	if err != nil {
		return fmt.Errorf("failed to save rule application: %w", err)
	}

	return nil
}
