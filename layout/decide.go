package layout

import (
	"github.com/vitrinelabs/vitrine/condition"
	"github.com/vitrinelabs/vitrine/facts"
)

// Decide evaluates the layout against the bag and returns the selected
// branch. A nil branch with a nil error means nothing should render:
// either the bag is not ready yet, or the conditions did not match and
// the layout has no else branch. The result depends only on the bag
// contents, never on condition order.
func Decide(l *Layout, bag *facts.Bag) (*Branch, error) {
	if !bag.Ready() {
		return nil, nil
	}
	matched, err := condition.Evaluate(l.Conditions, bag, l.Policy())
	if err != nil {
		return nil, err
	}
	if matched {
		then := l.Then
		return &then, nil
	}
	if l.Else != nil {
		els := *l.Else
		return &els, nil
	}
	return nil, nil
}

// Explanation is the full evaluation trace of one layout, used by the
// dry-run surfaces.
type Explanation struct {
	Layout     string             `json:"layout"`
	Ready      bool               `json:"ready"`
	Policy     string             `json:"policy"`
	Matched    bool               `json:"matched"`
	Branch     *Branch            `json:"branch,omitempty"`
	Conditions []condition.Result `json:"conditions,omitempty"`
}

// Explain evaluates every condition without short-circuiting and
// reports the per-condition outcomes alongside the decision. Unlike
// Decide it still walks the conditions when the bag is not ready, so
// authors can inspect a layout against partial context.
func Explain(l *Layout, bag *facts.Bag) Explanation {
	ex := Explanation{
		Layout: l.Name,
		Ready:  bag.Ready(),
		Policy: string(l.Policy()),
	}
	ex.Conditions, ex.Matched = condition.EvaluateEach(l.Conditions, bag, l.Policy())
	if !ex.Ready {
		return ex
	}
	if ex.Matched {
		then := l.Then
		ex.Branch = &then
	} else if l.Else != nil {
		els := *l.Else
		ex.Branch = &els
	}
	return ex
}
