package feasibility

// coreSafetyRules are F001-F007: geometric/physical preconditions. Failure
// is HARD and forces RED.
var coreSafetyRules = []Rule{
	{
		ID:       "F001",
		Severity: SeverityHard,
		Penalty:  100,
		Check: func(in Inputs) (bool, string, any) {
			thickness, ok := minValue(in.DesignPayload, "thickness_mm")
			if !ok {
				return false, "", nil
			}
			if thickness <= 0 {
				return true, "stock thickness must be positive", map[string]any{"thickness_mm": thickness}
			}
			return false, "", nil
		},
	},
	{
		ID:       "F002",
		Severity: SeverityHard,
		Penalty:  100,
		Check: func(in Inputs) (bool, string, any) {
			width, ok := minValue(in.DesignPayload, "width_mm")
			if !ok {
				return false, "", nil
			}
			if width <= 0 {
				return true, "stock width must be positive", map[string]any{"width_mm": width}
			}
			return false, "", nil
		},
	},
	{
		ID:       "F003",
		Severity: SeverityHard,
		Penalty:  100,
		Check: func(in Inputs) (bool, string, any) {
			length, ok := minValue(in.DesignPayload, "length_mm")
			if !ok {
				return false, "", nil
			}
			if length <= 0 {
				return true, "stock length must be positive", map[string]any{"length_mm": length}
			}
			return false, "", nil
		},
	},
	{
		ID:       "F004",
		Severity: SeverityHard,
		Penalty:  100,
		Check: func(in Inputs) (bool, string, any) {
			if in.Context.ToolID == "" {
				if s, ok := stringField(in.DesignPayload, "blade_id"); !ok || s == "" {
					return true, "tool/blade identifier is required", nil
				}
			}
			return false, "", nil
		},
	},
	{
		ID:       "F005",
		Severity: SeverityHard,
		Penalty:  100,
		Check: func(in Inputs) (bool, string, any) {
			rpm, ok := floatField(in.DesignPayload, "rpm")
			if !ok {
				return false, "", nil
			}
			if rpm <= 0 {
				return true, "spindle rpm must be positive", map[string]any{"rpm": rpm}
			}
			return false, "", nil
		},
	},
	{
		ID:       "F006",
		Severity: SeverityHard,
		Penalty:  100,
		Check: func(in Inputs) (bool, string, any) {
			feed, ok := floatField(in.DesignPayload, "feed_mm_min")
			if !ok {
				return false, "", nil
			}
			if feed <= 0 {
				return true, "feed rate must be positive", map[string]any{"feed_mm_min": feed}
			}
			return false, "", nil
		},
	},
	{
		ID:       "F007",
		Severity: SeverityHard,
		Penalty:  100,
		Check: func(in Inputs) (bool, string, any) {
			if in.Context.MaterialID != "" {
				return false, "", nil
			}
			if s, ok := stringField(in.DesignPayload, "material_family"); !ok || s == "" {
				return true, "material identifier is required", nil
			}
			return false, "", nil
		},
	},
}
