package feasibility

// adversarialRules are F020-F029: pathological inputs (zero-radius,
// contradictory constraints, non-finite values). Failure is HARD and
// forces RED.
var adversarialRules = []Rule{
	{
		ID:       "F020",
		Severity: SeverityHard,
		Penalty:  100,
		Check: func(in Inputs) (bool, string, any) {
			for _, key := range []string{"thickness_mm", "width_mm", "length_mm", "rpm", "feed_mm_min", "radius_mm"} {
				for _, v := range allValues(in.DesignPayload, key) {
					if !finite(v) {
						return true, "non-finite value in design payload", map[string]any{"field": key, "value": v}
					}
				}
			}
			return false, "", nil
		},
	},
	{
		// A requested cut radius of zero is geometrically degenerate.
		ID:       "F021",
		Severity: SeverityHard,
		Penalty:  100,
		Check: func(in Inputs) (bool, string, any) {
			radius, ok := floatField(in.DesignPayload, "radius_mm")
			if ok && radius == 0 {
				return true, "zero-radius feature is geometrically invalid", nil
			}
			return false, "", nil
		},
	},
	{
		// width_mm exceeding length_mm by a large factor, combined with
		// an op_type that assumes a rip cut, is a contradictory request.
		ID:       "F022",
		Severity: SeverityHard,
		Penalty:  100,
		Check: func(in Inputs) (bool, string, any) {
			width, okW := floatField(in.DesignPayload, "width_mm")
			length, okL := floatField(in.DesignPayload, "length_mm")
			op, okOp := stringField(in.DesignPayload, "op_type")
			if okW && okL && okOp && op == "slice" && width > length*50 {
				return true, "width/length ratio is contradictory for a slicing operation", map[string]any{"width_mm": width, "length_mm": length}
			}
			return false, "", nil
		},
	},
	{
		// A magnitude far beyond any real stock dimension indicates a
		// malformed or adversarial request rather than a legitimate part.
		ID:       "F023",
		Severity: SeverityHard,
		Penalty:  100,
		Check: func(in Inputs) (bool, string, any) {
			for _, key := range []string{"thickness_mm", "width_mm", "length_mm"} {
				if v, ok := maxValue(in.DesignPayload, key); ok && v > 100000 {
					return true, "dimension exceeds any plausible stock size", map[string]any{"field": key, "value": v}
				}
			}
			return false, "", nil
		},
	},
}
