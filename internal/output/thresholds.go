package output

import (
	"fmt"
	"io"

	"github.com/torosent/loadscope/internal/threshold"
)

// ThresholdOutcome is one evaluated run assertion as it appears in reports.
type ThresholdOutcome struct {
	Threshold string  `json:"threshold" yaml:"threshold"`
	Actual    float64 `json:"actual" yaml:"actual"`
	Pass      bool    `json:"pass" yaml:"pass"`
	Message   string  `json:"message" yaml:"message"`
}

// NewThresholdOutcomes converts evaluator results for reporting.
func NewThresholdOutcomes(results []threshold.Result) []ThresholdOutcome {
	if len(results) == 0 {
		return nil
	}
	out := make([]ThresholdOutcome, len(results))
	for i, r := range results {
		out[i] = ThresholdOutcome{
			Threshold: r.Threshold.Raw,
			Actual:    r.Actual,
			Pass:      r.Pass,
			Message:   r.Message,
		}
	}
	return out
}

func printThresholds(w io.Writer, outcomes []ThresholdOutcome) {
	if len(outcomes) == 0 {
		return
	}
	passed := 0
	for _, o := range outcomes {
		if o.Pass {
			passed++
		}
	}
	fmt.Fprintf(w, "\nThresholds (%d/%d passed):\n", passed, len(outcomes))
	for _, o := range outcomes {
		fmt.Fprintf(w, "  %s\n", o.Message)
	}
}
