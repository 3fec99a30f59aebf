package feasibility

import (
	"sort"

	"github.com/rmos/core/internal/canon"
)

// Engine evaluates a closed set of Rules against Inputs and derives a
// Verdict: any HARD violation forces RED; otherwise a score of at least 85
// with no SOFT violation is GREEN, a score of at least 60 is YELLOW, and a
// lower score is RED.
type Engine struct {
	rules []Rule
}

// NewEngine builds an Engine from the default rule table: core safety
// (F001-F007), parametric warnings (F010-F015), adversarial detectors
// (F020-F029), and edge policies (F030-F041).
func NewEngine() *Engine {
	e := &Engine{}
	e.rules = append(e.rules, coreSafetyRules...)
	e.rules = append(e.rules, parametricWarningRules...)
	e.rules = append(e.rules, adversarialRules...)
	e.rules = append(e.rules, edgePolicyRules...)
	sort.Slice(e.rules, func(i, j int) bool { return e.rules[i].ID < e.rules[j].ID })
	return e
}

// Evaluate runs every registered rule against in, in lexicographic rule_id
// order, and derives the verdict.
func (e *Engine) Evaluate(in Inputs) (Verdict, error) {
	fp, err := fingerprint(in)
	if err != nil {
		return Verdict{}, err
	}

	var violations []Violation
	score := 100
	hasHard := false
	hasSoft := false

	for _, rule := range e.rules {
		violated, msg, evidence := rule.Check(in)
		if !violated {
			continue
		}
		violations = append(violations, Violation{
			RuleID:   rule.ID,
			Severity: rule.Severity,
			Message:  msg,
			Evidence: evidence,
		})
		score -= rule.Penalty
		switch rule.Severity {
		case SeverityHard:
			hasHard = true
		case SeveritySoft:
			hasSoft = true
		}
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	bucket := deriveBucket(hasHard, hasSoft, score)

	return Verdict{
		Bucket:            bucket,
		Score:             score,
		Violations:        violations,
		InputsFingerprint: fp,
	}, nil
}

func deriveBucket(hasHard, hasSoft bool, score int) Bucket {
	switch {
	case hasHard:
		return BucketRed
	case score >= 85 && !hasSoft:
		return BucketGreen
	case score >= 60:
		return BucketYellow
	default:
		return BucketRed
	}
}

// fingerprint computes inputs_fingerprint: SHA-256 over canonical
// (sorted-key) JSON of {design_payload, machining_context, engine_version}.
func fingerprint(in Inputs) (string, error) {
	return canon.SHA256Hex(map[string]any{
		"design_payload":  in.DesignPayload,
		"machining_context": in.Context,
		"engine_version":   in.EngineVersion,
	})
}
