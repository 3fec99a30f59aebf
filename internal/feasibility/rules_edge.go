package feasibility

// edgePolicyRules are F030-F041: behavior refinements near operating
// limits. Severity INFO contributes only a score penalty, never a bucket.
var edgePolicyRules = []Rule{
	{
		ID:       "F030",
		Severity: SeverityInfo,
		Penalty:  2,
		Check: func(in Inputs) (bool, string, any) {
			thickness, ok := minValue(in.DesignPayload, "thickness_mm")
			if ok && thickness < 3 {
				return true, "stock near minimum supported thickness", map[string]any{"thickness_mm": thickness}
			}
			return false, "", nil
		},
	},
	{
		ID:       "F031",
		Severity: SeverityInfo,
		Penalty:  2,
		Check: func(in Inputs) (bool, string, any) {
			length, ok := maxValue(in.DesignPayload, "length_mm")
			if ok && length > 3000 {
				return true, "long rip cut increases estimated run time materially", map[string]any{"length_mm": length}
			}
			return false, "", nil
		},
	},
	{
		ID:       "F032",
		Severity: SeverityInfo,
		Penalty:  1,
		Check: func(in Inputs) (bool, string, any) {
			if in.Context.MachineProfileID == "" {
				return true, "no machine profile supplied, using facility defaults", nil
			}
			return false, "", nil
		},
	},
	{
		ID:       "F033",
		Severity: SeverityInfo,
		Penalty:  1,
		Check: func(in Inputs) (bool, string, any) {
			strategy, ok := stringField(in.DesignPayload, "strategy")
			if ok && strategy == "" {
				return true, "no strategy specified, using tool default", nil
			}
			return false, "", nil
		},
	},
}
