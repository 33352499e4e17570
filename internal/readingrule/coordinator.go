package readingrule

import (
	"context"
	"fmt"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/samber/lo"
)

// Result summarizes one reconciliation.
// Undeleted counts remote entries left in place because their delete failed.
type Result struct {
	Required  int
	Drift     bool
	Deleted   int
	Undeleted int
	Created   int
	Skipped   int
}

// Coordinator replaces the engine's pronunciation table with the rules in force
// whenever the two differ.
type Coordinator struct {
	rules core.RuleRepository
	vocab core.VocabularyClient
	log   *logger.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(rules core.RuleRepository, vocab core.VocabularyClient, log *logger.Logger) *Coordinator {
	return &Coordinator{rules: rules, vocab: vocab, log: log}
}

// Required returns the rules in force for sentence.
func (c *Coordinator) Required(ctx context.Context, sentence core.BreakingSentence) ([]core.ReadingRule, error) {
	rules, err := c.rules.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrReconciliation, err)
	}

	taskApps, err := c.rules.ListApplications(ctx, core.LevelTask, sentence.TaskID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrReconciliation, err)
	}

	sentenceApps, err := c.rules.ListApplications(ctx, core.LevelSentence, sentence.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrReconciliation, err)
	}

	return Aggregate(rules, sentence.TaskID, taskApps, sentenceApps), nil
}

// Reconcile brings the engine table in line with the rules in force for sentence.
// A failed delete and individual create failures are logged and skipped. Callers
// proceed to job creation whatever the outcome.
func (c *Coordinator) Reconcile(ctx context.Context, sentence core.BreakingSentence) (Result, error) {
	required, err := c.Required(ctx, sentence)
	if err != nil {
		return Result{}, err
	}

	result := Result{Required: len(required)}

	remote, err := c.vocab.ListConfigs(ctx)
	if err != nil {
		return result, fmt.Errorf("%w: list vocabulary: %w", core.ErrReconciliation, err)
	}

	if InSync(required, remote) {
		c.log.Info("Reading rules in sync for sentence %d (%d rules)", sentence.ID, len(required))

		return result, nil
	}

	result.Drift = true
	c.log.Info("Reading rules drifted for sentence %d: %d local, %d remote", sentence.ID, len(required), len(remote))

	ids := lo.FilterMap(remote, func(cfg core.VocabularyConfig, _ int) (string, bool) { return cfg.ID, cfg.ID != "" })

	err = c.vocab.DeleteConfigs(ctx, ids)
	if err != nil {
		result.Undeleted = len(ids)
		c.log.Warn("Failed to delete %d remote reading rules for sentence %d, creating anyway: %v", len(ids), sentence.ID, err)
	} else {
		result.Deleted = len(ids)
	}

	for _, rule := range required {
		_, createErr := c.vocab.CreateConfig(ctx, core.VocabularyConfig{
			Pattern: rule.Pattern,
			Type:    rule.Type,
			Value:   rule.Value,
		})
		if createErr != nil {
			result.Skipped++
			c.log.Warn("Skipping reading rule %d (%q): %v", rule.ID, rule.Pattern, createErr)

			continue
		}

		result.Created++
	}

	return result, nil
}
