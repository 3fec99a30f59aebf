package governance

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// TruthFile is the committed, machine-readable enumeration of expected
// routes CI compares against the running routing-truth endpoint.
type TruthFile struct {
	Routes []Route `yaml:"routes"`
}

// ParseTruthFile decodes a YAML-encoded truth file.
func ParseTruthFile(data []byte) (TruthFile, error) {
	var tf TruthFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return TruthFile{}, fmt.Errorf("governance: parse truth file: %w", err)
	}
	return tf, nil
}

// GateResult is the outcome of comparing a TruthFile against a live
// RoutingTruth snapshot.
type GateResult struct {
	Missing []Route // declared in the truth file but absent from the running server; fails the gate
	New     []Route // running but undeclared; warns, does not fail
}

// Passed reports whether the gate has no missing routes.
func (g GateResult) Passed() bool { return len(g.Missing) == 0 }

// CompareTruth diffs the committed truth file against a live snapshot.
func CompareTruth(tf TruthFile, live RoutingTruth) GateResult {
	expected := make(map[string]Route, len(tf.Routes))
	for _, r := range tf.Routes {
		expected[r.Path] = r
	}
	actual := make(map[string]Route, len(live.Routes))
	for _, r := range live.Routes {
		actual[r.Path] = r
	}

	var result GateResult
	for path, r := range expected {
		if _, ok := actual[path]; !ok {
			result.Missing = append(result.Missing, r)
		}
	}
	for path, r := range actual {
		if _, ok := expected[path]; !ok {
			result.New = append(result.New, r)
		}
	}
	return result
}
