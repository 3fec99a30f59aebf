package feasibility

// parametricWarningRules are F010-F015: feeds/speeds/deflection/heat and
// cut-engagement envelopes. Failure is SOFT and contributes YELLOW.
var parametricWarningRules = []Rule{
	{
		// Chip load: feed_mm_min / rpm too high for the given stock
		// thickness risks tear-out.
		ID:       "F010",
		Severity: SeveritySoft,
		Penalty:  10,
		Check: func(in Inputs) (bool, string, any) {
			feed, okF := floatField(in.DesignPayload, "feed_mm_min")
			rpm, okR := floatField(in.DesignPayload, "rpm")
			if !okF || !okR || rpm == 0 {
				return false, "", nil
			}
			chipLoad := feed / rpm
			if chipLoad > 0.6 {
				return true, "chip load exceeds recommended envelope", map[string]any{"chip_load": chipLoad}
			}
			return false, "", nil
		},
	},
	{
		// Surface speed: rpm above a conservative ceiling for hardwood
		// stock risks burn.
		ID:       "F011",
		Severity: SeveritySoft,
		Penalty:  8,
		Check: func(in Inputs) (bool, string, any) {
			rpm, ok := floatField(in.DesignPayload, "rpm")
			if !ok {
				return false, "", nil
			}
			family, _ := stringField(in.DesignPayload, "material_family")
			if family == "hardwood" && rpm > 5000 {
				return true, "spindle speed high for hardwood stock", map[string]any{"rpm": rpm}
			}
			return false, "", nil
		},
	},
	{
		// Deflection: thin stock at high feed risks blade/bit deflection.
		ID:       "F012",
		Severity: SeveritySoft,
		Penalty:  8,
		Check: func(in Inputs) (bool, string, any) {
			thickness, okT := minValue(in.DesignPayload, "thickness_mm")
			feed, okF := floatField(in.DesignPayload, "feed_mm_min")
			if !okT || !okF {
				return false, "", nil
			}
			if thickness < 6 && feed > 1500 {
				return true, "thin stock at high feed risks deflection", map[string]any{"thickness_mm": thickness, "feed_mm_min": feed}
			}
			return false, "", nil
		},
	},
	{
		// Heat buildup: sustained high rpm with low feed concentrates
		// heat in the cut.
		ID:       "F013",
		Severity: SeveritySoft,
		Penalty:  6,
		Check: func(in Inputs) (bool, string, any) {
			feed, okF := floatField(in.DesignPayload, "feed_mm_min")
			rpm, okR := floatField(in.DesignPayload, "rpm")
			if !okF || !okR || feed == 0 {
				return false, "", nil
			}
			if rpm/feed > 20 {
				return true, "low feed relative to rpm risks heat buildup", map[string]any{"rpm": rpm, "feed_mm_min": feed}
			}
			return false, "", nil
		},
	},
	{
		// Depth of cut beyond available stock thickness leaves nothing
		// for the tool to engage with on the remaining passes.
		ID:       "F014",
		Severity: SeveritySoft,
		Penalty:  8,
		Check: func(in Inputs) (bool, string, any) {
			doc, okD := floatField(in.DesignPayload, "doc_mm")
			thickness, okT := minValue(in.DesignPayload, "thickness_mm")
			if !okD || !okT || thickness == 0 {
				return false, "", nil
			}
			if doc > thickness {
				return true, "depth of cut exceeds stock thickness", map[string]any{"doc_mm": doc, "thickness_mm": thickness}
			}
			return false, "", nil
		},
	},
	{
		// Width of cut beyond available stock width over-engages the
		// cutter and risks stalling the spindle.
		ID:       "F015",
		Severity: SeveritySoft,
		Penalty:  8,
		Check: func(in Inputs) (bool, string, any) {
			woc, okW := floatField(in.DesignPayload, "woc_mm")
			width, okWid := minValue(in.DesignPayload, "width_mm")
			if !okW || !okWid || width == 0 {
				return false, "", nil
			}
			if woc > width {
				return true, "width of cut exceeds stock width", map[string]any{"woc_mm": woc, "width_mm": width}
			}
			return false, "", nil
		},
	},
}
