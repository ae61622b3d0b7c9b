package layout

import (
	"fmt"

	"github.com/vitrinelabs/vitrine/condition"
)

const (
	SeverityWarning = "warning"
	SeverityError   = "error"

	CodeMissingName      = "missing-name"
	CodeDuplicateName    = "duplicate-name"
	CodeUnknownKey       = "unknown-condition-key"
	CodeMissingBranch    = "missing-then-branch"
	CodeBadPolicy        = "bad-match-policy"
	CodeNegativeQuantity = "negative-quantity"
	CodeEmptySellerSet   = "empty-seller-set"
	CodeNoConditions     = "no-conditions"
	CodeDuplicateKey     = "duplicate-condition-key"
)

// Issue is one validation finding on a layout.
type Issue struct {
	Layout   string `json:"layout"`
	Severity string `json:"severity"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s (%s)", i.Severity, i.Layout, i.Message, i.Code)
}

// HasErrors reports whether any issue carries error severity.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validate checks a single layout for authoring mistakes. Errors make
// the layout unusable; warnings flag suspicious but legal constructs.
func Validate(l *Layout) []Issue {
	var issues []Issue
	report := func(severity, code, format string, args ...interface{}) {
		issues = append(issues, Issue{
			Layout:   l.Name,
			Severity: severity,
			Code:     code,
			Message:  fmt.Sprintf(format, args...),
		})
	}

	if l.Name == "" {
		report(SeverityError, CodeMissingName, "layout has no name")
	}
	if l.Then.Name == "" && l.Then.Ref == "" {
		report(SeverityError, CodeMissingBranch, "then branch is empty")
	}
	if _, err := condition.ParseMatchPolicy(string(l.MatchPolicy)); err != nil {
		report(SeverityError, CodeBadPolicy, "match policy %q is not all or any", l.MatchPolicy)
	}
	if len(l.Conditions) == 0 {
		// Legal (an all policy matches vacuously) but almost always an
		// authoring accident.
		report(SeverityWarning, CodeNoConditions, "layout has no conditions and will always select the then branch")
	}

	seen := make(map[condition.Key]bool)
	for i, cond := range l.Conditions {
		if !condition.KnownKey(cond.Key) {
			report(SeverityError, CodeUnknownKey, "condition %d references unknown key %q", i, cond.Key)
			continue
		}
		if seen[cond.Key] {
			report(SeverityWarning, CodeDuplicateKey, "condition key %q appears more than once", cond.Key)
		}
		seen[cond.Key] = true

		switch args := cond.Args.(type) {
		case condition.QuantityArgs:
			if args.Quantity < 0 {
				report(SeverityError, CodeNegativeQuantity, "condition %d has negative quantity %d", i, args.Quantity)
			}
		case condition.SellerArgs:
			if len(args.IDs) == 0 {
				report(SeverityError, CodeEmptySellerSet, "condition %d has an empty seller id set and can never match", i)
			}
		}
	}
	return issues
}

// ValidateAll validates a collection and flags duplicate layout names.
func ValidateAll(layouts []Layout) []Issue {
	var issues []Issue
	names := make(map[string]bool)
	for i := range layouts {
		l := &layouts[i]
		if l.Name != "" && names[l.Name] {
			issues = append(issues, Issue{
				Layout:   l.Name,
				Severity: SeverityError,
				Code:     CodeDuplicateName,
				Message:  fmt.Sprintf("layout name %q is used more than once", l.Name),
			})
		}
		names[l.Name] = true
		issues = append(issues, Validate(l)...)
	}
	return issues
}
