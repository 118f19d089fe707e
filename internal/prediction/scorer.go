// Package prediction applies published artifacts to datasets and reduces the
// scored rows to a summary, a spatial heatmap and a feature ranking.
package prediction

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"riskgrid/internal/artifacts"
	"riskgrid/internal/config"
	"riskgrid/internal/dataset"
	"riskgrid/internal/stats"
	"riskgrid/internal/types"
)

// TopFeatures bounds the feature ranking in a response.
const TopFeatures = 5

// importanceSampleRows bounds the rows kept for the Pearson fallback.
const importanceSampleRows = 5000

// Request is one prediction run.
type Request struct {
	DatasetID string `json:"dataset_id"`
	// ArtifactID selects an artifact. Empty means the dataset's latest.
	ArtifactID string          `json:"artifact_id,omitempty"`
	Columns    types.ColumnMap `json:"columns"`

	// Center and RadiusKm restrict scoring to a disc. Both or neither.
	Center   *types.Location `json:"center,omitempty"`
	RadiusKm float64         `json:"radius_km,omitempty"`

	// ObservedAt centers a time window HorizonHours wide.
	ObservedAt   *time.Time `json:"observed_at,omitempty"`
	HorizonHours float64    `json:"horizon_hours,omitempty"`
}

// Validate implements types.Validator.
func (r Request) Validate() error {
	if r.DatasetID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "dataset_id is required", nil)
	}
	if r.RadiusKm < 0 {
		return types.NewAppError(types.ErrCodeValidationRequest, "radius_km must not be negative", nil)
	}
	if r.HorizonHours < 0 {
		return types.NewAppError(types.ErrCodeValidationRequest, "horizon_hours must not be negative", nil)
	}
	if r.RadiusKm > 0 && r.Center == nil {
		return types.NewAppError(types.ErrCodeValidationRequest, "radius_km requires center", nil)
	}
	if r.Center != nil {
		return types.ValidateLocation(r.Center.Lat, r.Center.Lon)
	}
	return nil
}

// Summary describes the score distribution of one prediction run.
type Summary struct {
	MeanScore    float64              `json:"mean_score"`
	MaxScore     float64              `json:"max_score"`
	MinScore     float64              `json:"min_score"`
	StdDev       float64              `json:"std_dev"`
	Count        int                  `json:"count"`
	Confidence   types.ConfidenceTier `json:"confidence"`
	HorizonHours float64              `json:"horizon_hours"`
	RadiusKm     float64              `json:"radius_km"`
	// Unfiltered is set when the filters matched nothing and the whole
	// dataset was scored instead.
	Unfiltered bool `json:"unfiltered"`
}

// Response is the JSON payload of a prediction run.
type Response struct {
	ArtifactID  string                      `json:"artifact_id"`
	DatasetID   string                      `json:"dataset_id"`
	Summary     Summary                     `json:"summary"`
	Heatmap     Heatmap                     `json:"heatmap"`
	TopFeatures []types.FeatureContribution `json:"top_features"`
}

// Options tunes the scorer.
type Options struct {
	MaxCategories       int
	ChunkSize           int
	DefaultHorizonHours float64
	Hotspots            int
	Confidence          ConfidencePolicy
}

// OptionsFromConfig maps the pipeline configuration section.
func OptionsFromConfig(cfg config.PipelineConfig) Options {
	return Options{
		MaxCategories:       cfg.MaxCategories,
		ChunkSize:           cfg.ScoreChunkSize,
		DefaultHorizonHours: cfg.DefaultHorizonHours,
		Confidence: ConfidencePolicy{
			HighMinSamples:   cfg.HighConfidenceMinSamples,
			HighMaxStdDev:    cfg.HighConfidenceMaxStdDev,
			HighMinScore:     cfg.HighConfidenceMinScore,
			MediumMinSamples: cfg.MediumConfidenceMinSamples,
			MediumMinScore:   cfg.MediumConfidenceMinScore,
		},
	}
}

func (o Options) withDefaults() Options {
	if o.MaxCategories <= 0 {
		o.MaxCategories = dataset.DefaultMaxCategories
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1000
	}
	if o.DefaultHorizonHours <= 0 {
		o.DefaultHorizonHours = 24
	}
	if o.Hotspots <= 0 {
		o.Hotspots = DefaultHotspots
	}
	if o.Confidence == (ConfidencePolicy{}) {
		o.Confidence = DefaultConfidencePolicy()
	}
	return o
}

// Scorer runs prediction requests. It holds no per-request state.
type Scorer struct {
	registry *artifacts.Registry
	opts     Options
	logger   *slog.Logger
}

// NewScorer returns a Scorer. A nil logger uses slog.Default().
func NewScorer(registry *artifacts.Registry, opts Options, logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{registry: registry, opts: opts.withDefaults(), logger: logger}
}

// Score loads the artifact, streams src through its frozen encoding, scores
// the rows that pass the request's filters and aggregates the result. When
// the filters leave nothing to score, the whole dataset is scored once more
// without them.
func (s *Scorer) Score(ctx context.Context, src dataset.RowSource, req Request, progress types.ProgressFunc) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	logger := types.LoggerFromContext(ctx, s.logger).With(types.LogKeyDatasetID, req.DatasetID)

	progress.Report(5, "loading artifact")
	bundle, err := s.registry.LoadBundle(ctx, req.DatasetID, req.ArtifactID)
	if err != nil {
		return nil, err
	}
	a := bundle.Artifact

	progress.Report(15, "analyzing dataset")
	profile, err := dataset.Analyze(ctx, src, req.Columns, dataset.AnalyzerOptions{
		MaxCategories: s.opts.MaxCategories,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	profile = profile.WithVocabulary(a.Categories, a.CategoryOverflow)
	if profile.FeatureCount() != bundle.Width() {
		return nil, types.NewAppError(types.ErrCodeArtifactCorrupt,
			fmt.Sprintf("artifact %s has %d feature names for %d encoded features", a.ID, bundle.Width(), profile.FeatureCount()), nil)
	}

	horizon := req.HorizonHours
	if horizon <= 0 {
		horizon = s.opts.DefaultHorizonHours
	}
	f := newFilter(req, horizon)

	progress.Report(30, "scoring")
	p, err := s.pass(ctx, src, profile, bundle, f, len(a.FeatureImportances) == 0)
	if err != nil {
		return nil, err
	}
	unfiltered := false
	if p.count == 0 && f.active() {
		logger.WarnContext(ctx, "filters matched no rows, scoring unfiltered dataset",
			types.LogKeyArtifactID, a.ID,
			"radius_km", req.RadiusKm,
			"horizon_hours", horizon,
		)
		unfiltered = true
		progress.Report(60, "scoring unfiltered dataset")
		p, err = s.pass(ctx, src, profile, bundle, filter{}, len(a.FeatureImportances) == 0)
		if err != nil {
			return nil, err
		}
	}
	if p.count == 0 {
		return nil, types.NewAppError(types.ErrCodePipelineNoScorableRows, "dataset has no scorable rows", nil)
	}

	progress.Report(90, "aggregating")
	summary := Summary{
		MeanScore:    stats.Round(p.mean, 4),
		MaxScore:     stats.Round(p.max, 4),
		MinScore:     stats.Round(p.min, 4),
		StdDev:       stats.Round(p.stdDev(), 4),
		Count:        p.count,
		HorizonHours: horizon,
		RadiusKm:     req.RadiusKm,
		Unfiltered:   unfiltered,
	}
	summary.Confidence = s.opts.Confidence.Tier(p.count, p.stdDev(), p.max)

	resp := &Response{
		ArtifactID:  a.ID,
		DatasetID:   req.DatasetID,
		Summary:     summary,
		Heatmap:     p.agg.Heatmap(s.opts.Hotspots),
		TopFeatures: topFeatures(a, p),
	}
	progress.Report(100, "prediction complete")
	logger.InfoContext(ctx, "prediction complete",
		types.LogKeyArtifactID, a.ID,
		types.LogKeySamples, p.count,
		"cells", p.agg.Len(),
		"confidence", string(summary.Confidence),
		"unfiltered", unfiltered,
	)
	return resp, nil
}

// passResult accumulates one scoring pass.
type passResult struct {
	agg *Aggregator

	count    int
	mean, m2 float64
	min, max float64

	sampleEnabled bool
	sampleX       [][]float64
	sampleTarget  []float64
}

func (p *passResult) add(score float64) {
	p.count++
	delta := score - p.mean
	p.mean += delta / float64(p.count)
	p.m2 += delta * (score - p.mean)
	if p.count == 1 || score < p.min {
		p.min = score
	}
	if p.count == 1 || score > p.max {
		p.max = score
	}
}

// stdDev is the population standard deviation of the pass's scores.
func (p *passResult) stdDev() float64 {
	if p.count < 2 {
		return 0
	}
	return math.Sqrt(p.m2 / float64(p.count))
}

type pending struct {
	row   types.EncodedRow
	label string
}

// pass streams src once, scoring filtered rows in chunks of ChunkSize.
func (s *Scorer) pass(ctx context.Context, src dataset.RowSource, profile *dataset.Profile, bundle *artifacts.Bundle,
	f filter, sample bool) (*passResult, error) {
	p := &passResult{agg: NewAggregator(), sampleEnabled: sample}
	enc := dataset.NewEncoder(profile)

	meta := make([]pending, 0, s.opts.ChunkSize)
	chunk := make([][]float64, 0, s.opts.ChunkSize)
	flush := func() error {
		_, scores, err := bundle.Score(chunk)
		if err != nil {
			return err
		}
		for i, score := range scores {
			m := meta[i]
			var ts time.Time
			if m.row.Timestamp != nil {
				ts = *m.row.Timestamp
			}
			p.agg.Add(types.ScoredPoint{
				Timestamp: ts,
				Latitude:  m.row.Features[types.FeatureLatitude],
				Longitude: m.row.Features[types.FeatureLongitude],
				Category:  m.label,
				Score:     score,
			})
			p.add(score)
		}
		chunk = chunk[:0]
		meta = meta[:0]
		return nil
	}

	err := enc.EncodeSource(ctx, src, func(row types.EncodedRow) error {
		if !f.keep(row) {
			return nil
		}
		x := slices.Clone(row.Features)
		bundle.Prepare(x)
		if p.sampleEnabled && len(p.sampleX) < importanceSampleRows {
			p.sampleX = append(p.sampleX, x)
			p.sampleTarget = append(p.sampleTarget, row.Risk)
		}
		chunk = append(chunk, x)
		meta = append(meta, pending{row: row, label: categoryOf(row.Features, bundle.Artifact)})
		if len(chunk) < s.opts.ChunkSize {
			return nil
		}
		return flush()
	})
	if err == nil && len(chunk) > 0 {
		err = flush()
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// categoryOf recovers the category slot set in an encoded vector.
func categoryOf(features []float64, a *types.TrainingArtifact) string {
	for j := types.BaseFeatureCount; j < len(features); j++ {
		if features[j] != 1 {
			continue
		}
		if k := j - types.BaseFeatureCount; k < len(a.Categories) {
			return a.Categories[k]
		}
		return types.OverflowCategory
	}
	return ""
}

// topFeatures prefers the artifact's training-time ranking and falls back to
// Pearson importance over the sampled rows against their risk signal.
func topFeatures(a *types.TrainingArtifact, p *passResult) []types.FeatureContribution {
	ranked := a.FeatureImportances
	if len(ranked) == 0 && len(p.sampleX) > 0 {
		ranked = stats.PearsonImportance(p.sampleX, p.sampleTarget, a.FeatureNames, stats.DefaultTopFeatures)
	}
	if len(ranked) > TopFeatures {
		ranked = ranked[:TopFeatures]
	}
	return append([]types.FeatureContribution{}, ranked...)
}
