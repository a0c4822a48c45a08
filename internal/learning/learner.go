package learning

import (
	"context"
	"fmt"

	"github.com/rawblock/botwall/internal/store"
)

// Learner is the default task handler: it folds detection outcomes into
// the weight and reputation tables. Every operation here is idempotent
// enough to survive duplicate submissions from retried requests.
type Learner struct {
	weights    *store.Weights
	reputation *store.Reputation
}

func NewLearner(weights *store.Weights, reputation *store.Reputation) *Learner {
	return &Learner{weights: weights, reputation: reputation}
}

// Handle dispatches one task. Used as the Coordinator's Handler.
func (l *Learner) Handle(ctx context.Context, task Task) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	switch task.Type {
	case TaskPatternExtraction, TaskReputationUpdate:
		l.observePatterns(task, task.BotProbability >= 0.5)
	case TaskPatternUpdate:
		// Reinforcement from a confident verdict.
		l.observePatterns(task, task.BotProbability >= 0.5)
		l.reinforceWeights(task, task.BotProbability >= 0.5)
	case TaskModelTraining:
		// Uncertain case: record outcomes against the consensus but leave
		// weights where they are until feedback arrives.
		l.recordOutcomes(task, task.BotProbability >= 0.5)
	case TaskWeightUpdate:
		if task.Label == nil {
			return fmt.Errorf("weight update without ground-truth label")
		}
		l.recordOutcomes(task, *task.Label)
		l.reinforceWeights(task, *task.Label)
		l.observePatterns(task, *task.Label)
	case TaskDriftAnalysis, TaskRuleConsolidation:
		// Periodic maintenance lanes; pattern state is refreshed as a side
		// effect of the snapshot decay.
		if l.reputation != nil {
			l.reputation.Snapshot()
		}
	default:
		return fmt.Errorf("unknown task type %q", task.Type)
	}
	return nil
}

func (l *Learner) observePatterns(task Task, isBot bool) {
	if l.reputation == nil {
		return
	}
	for patternType, pattern := range task.Patterns {
		l.reputation.Observe(patternType, pattern, isBot)
	}
}

func (l *Learner) recordOutcomes(task Task, wasBot bool) {
	if l.weights == nil {
		return
	}
	for _, d := range task.Detectors {
		l.weights.RecordOutcome(d.Name, d.LeanedBot, wasBot)
	}
}

func (l *Learner) reinforceWeights(task Task, wasBot bool) {
	if l.weights == nil {
		return
	}
	for _, d := range task.Detectors {
		if d.LeanedBot == wasBot {
			l.weights.Adjust(d.Name, store.WeightAdjustStep*task.Confidence)
		} else {
			l.weights.Adjust(d.Name, -store.WeightAdjustStep*task.Confidence)
		}
	}
}
