package dataset

import (
	"context"
	"time"

	"riskgrid/internal/types"
)

// Synthetic risk weights.
const (
	frequencyWeight = 0.6
	recencyWeight   = 0.4
)

// Encoder turns raw rows into EncodedRows against a frozen profile.
type Encoder struct {
	profile  *Profile
	index    map[string]int
	width    int
	overflow int // slot of the overflow bucket, -1 when absent

	encoded   int
	skipped   int
	synthetic int
}

// NewEncoder freezes p for encoding.
func NewEncoder(p *Profile) *Encoder {
	e := &Encoder{
		profile:  p,
		index:    make(map[string]int, len(p.Vocabulary)),
		width:    p.FeatureCount(),
		overflow: -1,
	}
	for i, c := range p.Vocabulary {
		e.index[c] = types.BaseFeatureCount + i
	}
	if p.Overflowed {
		e.overflow = types.BaseFeatureCount + len(p.Vocabulary)
	}
	return e
}

// Width is the feature vector length produced by Encode.
func (e *Encoder) Width() int { return e.width }

// Encode converts one row. It reports false when the row has no parsable
// timestamp and must be excluded.
func (e *Encoder) Encode(row types.Row) (types.EncodedRow, bool) {
	cm := e.profile.Columns
	ts, ok := ParseTimestamp(row[cm.Timestamp])
	if !ok {
		e.skipped++
		return types.EncodedRow{}, false
	}

	features := make([]float64, e.width)
	features[types.FeatureHour] = float64(ts.Hour())
	features[types.FeatureDayOfWeek] = float64((int(ts.Weekday()) + 6) % 7)
	if cm.Latitude != "" {
		features[types.FeatureLatitude], _ = parseFloat(row[cm.Latitude])
	}
	if cm.Longitude != "" {
		features[types.FeatureLongitude], _ = parseFloat(row[cm.Longitude])
	}

	var category string
	if cm.Category != "" {
		category = NormalizeCategory(row[cm.Category])
	}
	if category != "" {
		if slot, ok := e.index[category]; ok {
			features[slot] = 1
		} else if e.overflow >= 0 {
			features[e.overflow] = 1
		}
	}

	out := types.EncodedRow{Features: features, Timestamp: &ts}

	var label int
	var hasLabel bool
	if cm.Label != "" {
		label, hasLabel = parseLabel(row[cm.Label])
		if hasLabel {
			out.RawLabel = &label
		}
	}

	if risk, ok := e.explicitRisk(row); ok {
		out.Risk = risk
	} else if hasLabel {
		out.Risk = float64(label)
	} else {
		out.Risk = e.syntheticRisk(category, ts)
		e.synthetic++
	}
	features[types.FeatureRiskScore] = out.Risk

	e.encoded++
	return out, true
}

func (e *Encoder) explicitRisk(row types.Row) (float64, bool) {
	col := e.profile.Columns.RiskScore
	if col == "" {
		return 0, false
	}
	v, ok := parseFloat(row[col])
	if !ok {
		return 0, false
	}
	return clamp01(v), true
}

// EncodeSource streams one pass of src through the encoder, calling fn for
// every row that encodes.
func (e *Encoder) EncodeSource(ctx context.Context, src RowSource, fn func(types.EncodedRow) error) error {
	_, err := forEachRow(ctx, src, func(row types.Row) error {
		enc, ok := e.Encode(row)
		if !ok {
			return nil
		}
		return fn(enc)
	})
	return err
}

// syntheticRisk blends how common the category is with how recent the row
// is within the dataset's time span. Degenerate ranges score zero.
func (e *Encoder) syntheticRisk(category string, ts time.Time) float64 {
	p := e.profile

	var freq float64
	if spread := p.MaxCategoryCount - p.MinCategoryCount; spread > 0 && category != "" {
		freq = float64(p.CategoryCounts[category]-p.MinCategoryCount) / float64(spread)
	}

	var recency float64
	if span := p.MaxTime.Sub(p.MinTime); span > 0 {
		recency = float64(ts.Sub(p.MinTime)) / float64(span)
	}

	return clamp01(frequencyWeight*clamp01(freq) + recencyWeight*clamp01(recency))
}

// Stats returns how many rows were encoded, skipped and given a synthetic
// risk score.
func (e *Encoder) Stats() (encoded, skipped, synthetic int) {
	return e.encoded, e.skipped, e.synthetic
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
