package workflow

import "time"

// StepConfig is the static per-step policy row: which template the
// worker renders, how long the step may run, what comes next, and
// whether the step may suspend for external feedback.
type StepConfig struct {
	Template           string
	MaxDuration        time.Duration
	NextStep           Step
	CanWaitForFeedback bool
}

// stepConfigs is the fixed step table. Step order is linear; only
// retry_current_step may repeat a step.
var stepConfigs = map[Step]StepConfig{
	StepAnalysis: {
		Template:           "01-issue-analysis.md",
		MaxDuration:        time.Hour,
		NextStep:           StepPlanning,
		CanWaitForFeedback: true,
	},
	StepPlanning: {
		Template:           "02-planning-breakdown.md",
		MaxDuration:        2 * time.Hour,
		NextStep:           StepImplementation,
		CanWaitForFeedback: true,
	},
	StepImplementation: {
		Template:           "03-implementation.md",
		MaxDuration:        8 * time.Hour,
		NextStep:           StepPRCreation,
		CanWaitForFeedback: false,
	},
	StepPRCreation: {
		Template:           "04-pr-creation-feedback.md",
		MaxDuration:        time.Hour,
		NextStep:           StepFeedbackHandling,
		CanWaitForFeedback: false,
	},
	StepFeedbackHandling: {
		Template:           "04-pr-creation-feedback.md",
		MaxDuration:        7 * 24 * time.Hour,
		NextStep:           StepCompletion,
		CanWaitForFeedback: true,
	},
	StepCompletion: {
		Template:           "",
		MaxDuration:        time.Hour,
		NextStep:           "",
		CanWaitForFeedback: false,
	},
}

// ConfigFor returns the policy row for a step.
func ConfigFor(step Step) (StepConfig, bool) {
	cfg, ok := stepConfigs[step]
	return cfg, ok
}

// Steps returns the fixed step order.
func Steps() []Step {
	return []Step{
		StepAnalysis,
		StepPlanning,
		StepImplementation,
		StepPRCreation,
		StepFeedbackHandling,
		StepCompletion,
	}
}
