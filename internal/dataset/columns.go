package dataset

import (
	"fmt"
	"slices"

	"riskgrid/internal/types"
)

// columnAliases lists, per logical field, the physical names recognized when
// no explicit binding is given. Earlier aliases win.
var columnAliases = map[string][]string{
	types.FieldTimestamp: {"timestamp", "datetime", "date", "time", "occurred_at", "event_time", "created_at", "month", "period", "ts"},
	types.FieldLatitude:  {"latitude", "lat"},
	types.FieldLongitude: {"longitude", "lon", "lng", "long"},
	types.FieldCategory:  {"category", "crime_type", "event_type", "type", "class", "kind"},
	types.FieldRiskScore: {"risk_score", "risk", "score", "severity"},
	types.FieldLabel:     {"label", "target", "is_incident", "outcome"},
}

// DetectColumnMap resolves the column bindings for a header. Fields bound in
// explicit always win and must name a header column; the rest are detected
// through columnAliases. The timestamp binding is mandatory.
func DetectColumnMap(header []string, explicit types.ColumnMap) (types.ColumnMap, error) {
	explicit = explicit.Normalized()
	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = types.NormalizeColumnName(h)
	}

	resolve := func(field, bound string) (string, error) {
		if bound != "" {
			if len(cols) > 0 && !slices.Contains(cols, bound) {
				return "", types.NewAppErrorWithDetails(types.ErrCodeValidationColumnMap,
					fmt.Sprintf("column %q bound to %s is not in the dataset header", bound, field),
					nil, map[string]any{"field": field, "column": bound})
			}
			return bound, nil
		}
		for _, alias := range columnAliases[field] {
			if slices.Contains(cols, alias) {
				return alias, nil
			}
		}
		return "", nil
	}

	var (
		out types.ColumnMap
		err error
	)
	if out.Timestamp, err = resolve(types.FieldTimestamp, explicit.Timestamp); err != nil {
		return out, err
	}
	if out.Latitude, err = resolve(types.FieldLatitude, explicit.Latitude); err != nil {
		return out, err
	}
	if out.Longitude, err = resolve(types.FieldLongitude, explicit.Longitude); err != nil {
		return out, err
	}
	if out.Category, err = resolve(types.FieldCategory, explicit.Category); err != nil {
		return out, err
	}
	if out.RiskScore, err = resolve(types.FieldRiskScore, explicit.RiskScore); err != nil {
		return out, err
	}
	if out.Label, err = resolve(types.FieldLabel, explicit.Label); err != nil {
		return out, err
	}

	if err := out.Validate(); err != nil {
		return out, err
	}
	return out, nil
}
