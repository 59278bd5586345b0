package repository

import "time"

// BuildSnapshot freezes a template and its steps into an immutable
// ProcedureSnapshot. All list and map fields are deep-copied so later edits
// to the live template (or to the returned value's source) can never reach
// an in-flight procedure instance. Called exactly once, at instance creation.
func BuildSnapshot(t *Template, capturedAt time.Time) ProcedureSnapshot {
	snap := ProcedureSnapshot{
		TemplateID:        t.ID,
		TemplateName:      t.Name,
		Version:           t.Version,
		ReferenceStandard: copyStringPtr(t.ReferenceStandard),
		EstimatedTATDays:  t.EstimatedTATDays,
		CapturedAt:        capturedAt,
		Steps:             make([]SnapshotStep, 0, len(t.Steps)),
	}

	for _, s := range t.Steps {
		snap.Steps = append(snap.Steps, SnapshotStep{
			TemplateStepID:           s.ID,
			StepOrder:                s.StepOrder,
			Name:                     s.Name,
			Description:              s.Description,
			Equipment:                copyStringSlice(s.Equipment),
			Materials:                copyStringSlice(s.Materials),
			Parameters:               copyMapSlice(s.Parameters),
			PassFailCriteria:         copyMap(s.PassFailCriteria),
			EstimatedDurationMinutes: s.EstimatedDurationMinutes,
			ResponsibleRole:          s.ResponsibleRole,
			RequiresApproval:         s.RequiresApproval,
		})
	}

	return snap
}

func copyStringPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyStringSlice(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyMapSlice(in []map[string]any) []map[string]any {
	if in == nil {
		return nil
	}
	out := make([]map[string]any, 0, len(in))
	for _, m := range in {
		out = append(out, copyMap(m))
	}
	return out
}

// copyValue deep-copies the JSON-shaped values that appear inside the
// opaque structured fields (maps, slices, primitives).
func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = copyValue(e)
		}
		return out
	default:
		return val
	}
}
