package dataset

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"riskgrid/internal/types"
)

// DefaultMaxCategories caps the category vocabulary.
const DefaultMaxCategories = 64

// Profile is what one streaming pass learns about a dataset. It is frozen
// before encoding starts.
type Profile struct {
	Columns types.ColumnMap

	Rows    int
	Skipped int

	// Vocabulary is sorted. Categories beyond the cap set Overflowed.
	Vocabulary []string
	Overflowed bool

	CategoryCounts   map[string]int
	MinCategoryCount int
	MaxCategoryCount int

	MinTime time.Time
	MaxTime time.Time

	HasExplicitRisk  bool
	HasExplicitLabel bool
}

// FeatureCount is the encoded vector length for this profile.
func (p *Profile) FeatureCount() int {
	n := types.BaseFeatureCount + len(p.Vocabulary)
	if p.Overflowed {
		n++
	}
	return n
}

// FeatureNames lists feature names in vector order.
func (p *Profile) FeatureNames() []string {
	names := make([]string, 0, p.FeatureCount())
	names = append(names, types.BaseFeatureNames[:]...)
	for _, c := range p.Vocabulary {
		names = append(names, types.CategoryFeatureName(c))
	}
	if p.Overflowed {
		names = append(names, types.CategoryFeatureName(types.OverflowCategory))
	}
	return names
}

// WithVocabulary returns a copy that encodes against a frozen vocabulary,
// keeping this profile's category counts and time span for synthetic risk.
func (p *Profile) WithVocabulary(vocab []string, overflowed bool) *Profile {
	cp := *p
	cp.Vocabulary = slices.Clone(vocab)
	cp.Overflowed = overflowed
	return &cp
}

// AnalyzerOptions tunes Analyze.
type AnalyzerOptions struct {
	MaxCategories int
	Logger        *slog.Logger
}

// Analyze streams src once, resolving the column map from the header and
// learning vocabulary, time span and whether explicit risk or label values
// exist. Rows without a parsable timestamp are skipped.
func Analyze(ctx context.Context, src RowSource, explicit types.ColumnMap, opts AnalyzerOptions) (*Profile, error) {
	if opts.MaxCategories <= 0 {
		opts.MaxCategories = DefaultMaxCategories
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rd, err := src.Open(ctx)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, types.NewAppError(types.ErrCodeInternalStorage, "failed to open dataset", err)
	}
	defer rd.Close()

	cm, err := DetectColumnMap(rd.Header(), explicit)
	if err != nil {
		return nil, err
	}

	p := &Profile{
		Columns:        cm,
		CategoryCounts: make(map[string]int),
	}

	for {
		row, err := rd.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		ts, ok := ParseTimestamp(row[cm.Timestamp])
		if !ok {
			p.Skipped++
			continue
		}
		p.Rows++
		if p.MinTime.IsZero() || ts.Before(p.MinTime) {
			p.MinTime = ts
		}
		if ts.After(p.MaxTime) {
			p.MaxTime = ts
		}

		if cm.Category != "" {
			if c := NormalizeCategory(row[cm.Category]); c != "" {
				p.CategoryCounts[c]++
			}
		}
		if !p.HasExplicitRisk && cm.RiskScore != "" {
			_, p.HasExplicitRisk = parseFloat(row[cm.RiskScore])
		}
		if !p.HasExplicitLabel && cm.Label != "" {
			_, p.HasExplicitLabel = parseLabel(row[cm.Label])
		}
	}

	p.freezeVocabulary(opts.MaxCategories)

	logger.InfoContext(ctx, "dataset analyzed",
		types.LogKeySamples, p.Rows,
		"skipped", p.Skipped,
		"categories", len(p.CategoryCounts),
		"vocabulary", len(p.Vocabulary),
		"overflowed", p.Overflowed,
		"explicit_risk", p.HasExplicitRisk,
		"explicit_label", p.HasExplicitLabel,
	)
	return p, nil
}

// freezeVocabulary keeps the maxCategories most frequent categories (ties by
// name) and records count bounds over every category seen.
func (p *Profile) freezeVocabulary(maxCategories int) {
	all := make([]string, 0, len(p.CategoryCounts))
	for c, n := range p.CategoryCounts {
		all = append(all, c)
		if p.MinCategoryCount == 0 || n < p.MinCategoryCount {
			p.MinCategoryCount = n
		}
		if n > p.MaxCategoryCount {
			p.MaxCategoryCount = n
		}
	}
	sort.Slice(all, func(i, j int) bool {
		ci, cj := p.CategoryCounts[all[i]], p.CategoryCounts[all[j]]
		if ci != cj {
			return ci > cj
		}
		return all[i] < all[j]
	})
	if len(all) > maxCategories {
		all = all[:maxCategories]
		p.Overflowed = true
	}
	sort.Strings(all)
	p.Vocabulary = all
}

// NormalizeCategory trims and case-folds a category value.
func NormalizeCategory(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func parseFloat(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// parseLabel reads a binary label. Numeric values at or above 0.5 are
// positive.
func parseLabel(raw string) (int, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "yes", "y", "t":
		return 1, true
	case "false", "no", "n", "f":
		return 0, true
	}
	v, ok := parseFloat(raw)
	if !ok {
		return 0, false
	}
	if v >= 0.5 {
		return 1, true
	}
	return 0, true
}
