package condition

import (
	"github.com/vitrinelabs/vitrine/facts"
)

// Result records the outcome of a single condition, used by dry-run
// surfaces that show per-condition evaluation detail.
type Result struct {
	Key     Key    `json:"key"`
	Matched bool   `json:"matched"`
	Error   string `json:"error,omitempty"`
}

// Evaluate folds the conditions over the bag under the given policy.
// Short-circuits: all stops at the first false, any at the first true.
// Handlers are pure, so short-circuiting never changes the result. An
// unknown key fails the whole evaluation rather than reading as false.
func Evaluate(conditions []Condition, bag *facts.Bag, policy MatchPolicy) (bool, error) {
	switch policy {
	case MatchAny:
		for _, cond := range conditions {
			handler, ok := handlers[cond.Key]
			if !ok {
				return false, &UnknownKeyError{Key: cond.Key}
			}
			if handler(bag, cond.Args) {
				return true, nil
			}
		}
		return false, nil
	default:
		for _, cond := range conditions {
			handler, ok := handlers[cond.Key]
			if !ok {
				return false, &UnknownKeyError{Key: cond.Key}
			}
			if !handler(bag, cond.Args) {
				return false, nil
			}
		}
		return true, nil
	}
}

// EvaluateEach runs every condition without short-circuiting and
// returns the per-condition results alongside the combined decision.
// Unknown keys are recorded on their result instead of aborting, so a
// dry run can show everything wrong with a layout at once.
func EvaluateEach(conditions []Condition, bag *facts.Bag, policy MatchPolicy) ([]Result, bool) {
	results := make([]Result, 0, len(conditions))
	matchedAll := true
	matchedAny := false
	for _, cond := range conditions {
		handler, ok := handlers[cond.Key]
		if !ok {
			results = append(results, Result{
				Key:   cond.Key,
				Error: (&UnknownKeyError{Key: cond.Key}).Error(),
			})
			matchedAll = false
			continue
		}
		matched := handler(bag, cond.Args)
		results = append(results, Result{Key: cond.Key, Matched: matched})
		matchedAll = matchedAll && matched
		matchedAny = matchedAny || matched
	}
	if policy == MatchAny {
		return results, matchedAny
	}
	if len(conditions) == 0 {
		return results, true
	}
	return results, matchedAll
}
