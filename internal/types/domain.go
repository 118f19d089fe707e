package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Logical field names accepted in a ColumnMap.
const (
	FieldTimestamp = "timestamp"
	FieldLatitude  = "latitude"
	FieldLongitude = "longitude"
	FieldCategory  = "category"
	FieldRiskScore = "risk_score"
	FieldLabel     = "label"
)

// ColumnMap binds logical fields to normalized physical column names.
// It is resolved once per dataset before the first pass and never mutated.
type ColumnMap struct {
	Timestamp string `json:"timestamp" validate:"required"`
	Latitude  string `json:"latitude,omitempty"`
	Longitude string `json:"longitude,omitempty"`
	Category  string `json:"category,omitempty"`
	RiskScore string `json:"risk_score,omitempty"`
	Label     string `json:"label,omitempty"`
}

// NormalizeColumnName lower-cases and trims a physical column name and joins
// inner whitespace and dashes with underscores.
func NormalizeColumnName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.TrimPrefix(name, "\ufeff")
	return strings.Join(strings.FieldsFunc(name, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '-'
	}), "_")
}

// Normalized returns a copy with every physical name normalized.
func (m ColumnMap) Normalized() ColumnMap {
	return ColumnMap{
		Timestamp: NormalizeColumnName(m.Timestamp),
		Latitude:  NormalizeColumnName(m.Latitude),
		Longitude: NormalizeColumnName(m.Longitude),
		Category:  NormalizeColumnName(m.Category),
		RiskScore: NormalizeColumnName(m.RiskScore),
		Label:     NormalizeColumnName(m.Label),
	}
}

// Validate implements Validator.
func (m ColumnMap) Validate() error {
	if strings.TrimSpace(m.Timestamp) == "" {
		return NewAppError(ErrCodeValidationColumnMap, "column map must bind the timestamp field", nil)
	}
	return nil
}

// Fields returns the logical->physical bindings that are set.
func (m ColumnMap) Fields() map[string]string {
	out := make(map[string]string, 6)
	for k, v := range map[string]string{
		FieldTimestamp: m.Timestamp,
		FieldLatitude:  m.Latitude,
		FieldLongitude: m.Longitude,
		FieldCategory:  m.Category,
		FieldRiskScore: m.RiskScore,
		FieldLabel:     m.Label,
	} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// Row is one raw tabular record keyed by normalized column name.
type Row map[string]string

// EncodedRow is one dataset record reduced to a numeric feature vector plus
// its risk signal. It is owned by whichever buffer holds it.
type EncodedRow struct {
	Features  []float64  `json:"features"`
	Risk      float64    `json:"risk"`
	RawLabel  *int       `json:"raw_label,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Base feature layout. Category one-hot columns follow these five.
const (
	FeatureHour = iota
	FeatureDayOfWeek
	FeatureLatitude
	FeatureLongitude
	FeatureRiskScore
	BaseFeatureCount
)

// BaseFeatureNames lists the names of the five base features in vector order.
var BaseFeatureNames = [BaseFeatureCount]string{
	"hour_of_day",
	"day_of_week",
	"latitude",
	"longitude",
	"risk_score",
}

// OverflowCategory is the vocabulary slot absorbing categories beyond the cap.
const OverflowCategory = "__other__"

// CategoryFeatureName returns the one-hot feature name for a category.
func CategoryFeatureName(category string) string {
	return "category_" + category
}

// NormalizationConfig is the serialized form of a fitted normalizer.
type NormalizationConfig struct {
	Type    NormKind  `json:"type"`
	Means   []float64 `json:"means,omitempty"`
	StdDevs []float64 `json:"std_devs,omitempty"`
}

// ImputerConfig is the serialized form of a fitted imputer.
type ImputerConfig struct {
	Strategy string    `json:"strategy"`
	Values   []float64 `json:"values"`
}

// FeatureContribution ranks one feature's influence on the label.
type FeatureContribution struct {
	Name         string         `json:"name"`
	Contribution float64        `json:"contribution"`
	Details      map[string]any `json:"details,omitempty"`
}

// TrainingArtifact is the immutable output of a completed training run.
// It is superseded by later runs, never mutated.
type TrainingArtifact struct {
	ID                 string                `json:"id"`
	DatasetID          string                `json:"dataset_id"`
	CreatedAt          time.Time             `json:"created_at"`
	ModelFamily        string                `json:"model_family"`
	Hyperparameters    map[string]any        `json:"hyperparameters,omitempty"`
	FeatureNames       []string              `json:"feature_names"`
	FeatureMeans       []float64             `json:"feature_means"`
	FeatureStdDevs     []float64             `json:"feature_std_devs"`
	Categories         []string              `json:"categories"`
	CategoryOverflow   bool                  `json:"category_overflow"`
	ModelFile          string                `json:"model_file"`
	Normalization      NormalizationConfig   `json:"normalization"`
	Imputer            ImputerConfig         `json:"imputer"`
	FeatureImportances []FeatureContribution `json:"feature_importances"`
	SyntheticLabels    bool                  `json:"synthetic_labels"`
	RiskThreshold      float64               `json:"risk_threshold,omitempty"`
	TrainingRows       int                   `json:"training_rows"`
	ValidationRows     int                   `json:"validation_rows"`
	ValidationAccuracy float64               `json:"validation_accuracy"`
	ValidationMacroF1  float64               `json:"validation_macro_f1"`
}

// Summary returns the queryable subset stored next to the artifact pointer.
func (a *TrainingArtifact) Summary() ArtifactSummary {
	return ArtifactSummary{
		ModelFamily:     a.ModelFamily,
		FeatureCount:    len(a.FeatureNames),
		SyntheticLabels: a.SyntheticLabels,
		TrainingRows:    a.TrainingRows,
		Accuracy:        a.ValidationAccuracy,
		MacroF1:         a.ValidationMacroF1,
	}
}

// Validate checks the fields that scoring depends on. A missing field is
// fatal for a scoring run.
func (a *TrainingArtifact) Validate() error {
	var missing []string
	if a.ModelFile == "" {
		missing = append(missing, "model_file")
	}
	if len(a.FeatureNames) == 0 {
		missing = append(missing, "feature_names")
	}
	if len(a.FeatureMeans) != len(a.FeatureNames) {
		missing = append(missing, "feature_means")
	}
	if len(a.FeatureStdDevs) != len(a.FeatureNames) {
		missing = append(missing, "feature_std_devs")
	}
	if len(missing) > 0 {
		return NewAppErrorWithDetails(
			ErrCodeArtifactMissingField,
			fmt.Sprintf("artifact %s is missing required fields: %s", a.ID, strings.Join(missing, ", ")),
			nil,
			map[string]any{"fields": missing},
		)
	}
	return nil
}

// ScoredPoint is one scored location produced by a prediction run.
type ScoredPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Category  string    `json:"category,omitempty"`
	Score     float64   `json:"score"`
}

// Location is a WGS84 coordinate pair.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RunRecord is the persisted lifecycle of one pipeline run.
type RunRecord struct {
	ID         string          `json:"id"`
	Kind       RunKind         `json:"kind"`
	Status     RunStatus       `json:"status"`
	Progress   int             `json:"progress"`
	Message    string          `json:"message,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}
