package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

var (
	_ sql.Scanner   = (*ArtifactSummary)(nil)
	_ driver.Valuer = ArtifactSummary{}
	_ sql.Scanner   = (*JSONMap)(nil)
	_ driver.Valuer = JSONMap(nil)
)

// scanJSONB is a generic helper that scans a JSONB database value into a Go pointer.
// It handles nil values, []byte, and string representations from different database drivers.
func scanJSONB(dest any, value any) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, dest)
}

// ArtifactSummary is the queryable subset of a TrainingArtifact stored next
// to the artifact pointer, so listing artifacts never touches blob storage.
type ArtifactSummary struct {
	ModelFamily     string  `json:"model_family"`
	FeatureCount    int     `json:"feature_count"`
	SyntheticLabels bool    `json:"synthetic_labels"`
	TrainingRows    int     `json:"training_rows"`
	Accuracy        float64 `json:"accuracy"`
	MacroF1         float64 `json:"macro_f1"`
}

// Scan implements the sql.Scanner interface for reading JSONB from the database.
func (s *ArtifactSummary) Scan(value any) error {
	return scanJSONB(s, value)
}

// Value implements the driver.Valuer interface for writing JSONB to the database.
func (s ArtifactSummary) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// JSONMap is a free-form JSON object column, used for run results and
// hyperparameter snapshots.
type JSONMap map[string]any

// Scan implements the sql.Scanner interface.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	return scanJSONB(m, value)
}

// Value implements the driver.Valuer interface.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
