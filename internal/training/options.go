// Package training runs the training pipeline (analyze, encode, split,
// search, fit, evaluate, publish) and re-evaluates published artifacts
// against labelled datasets.
package training

import (
	"context"
	"log/slog"

	"riskgrid/internal/buffer"
	"riskgrid/internal/config"
	"riskgrid/internal/dataset"
	"riskgrid/internal/stats"
	"riskgrid/internal/types"
)

// Options tunes the training and evaluation passes.
type Options struct {
	MaxCategories  int
	RiskPercentile float64

	SpillThreshold int
	SpillDir       string
	GCInterval     int
	// GC is the collection hook used by buffers and the search engine.
	GC func()

	// UnderPressure reports memory pressure after the split. Defaults to a
	// heap check against MemoryPressureBytes.
	UnderPressure       func() bool
	MemoryPressureBytes uint64
	SubsampleRatio      float64

	GridGCEvery         int
	MaxGridCombinations int
	// Seed is applied when a request does not set one.
	Seed int64

	ChunkSize int
}

// OptionsFromConfig maps the pipeline configuration section.
func OptionsFromConfig(cfg config.PipelineConfig) Options {
	return Options{
		MaxCategories:       cfg.MaxCategories,
		RiskPercentile:      cfg.RiskPercentile,
		SpillThreshold:      cfg.SpillThresholdRows,
		SpillDir:            cfg.SpillDir,
		GCInterval:          cfg.GCIntervalRows,
		MemoryPressureBytes: cfg.MemoryPressureBytes,
		SubsampleRatio:      cfg.SubsampleRatio,
		GridGCEvery:         cfg.GridGCEvery,
		MaxGridCombinations: cfg.MaxGridCombinations,
		Seed:                cfg.SearchSeed,
		ChunkSize:           cfg.ScoreChunkSize,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxCategories <= 0 {
		o.MaxCategories = dataset.DefaultMaxCategories
	}
	if o.UnderPressure == nil {
		limit := o.MemoryPressureBytes
		o.UnderPressure = func() bool { return stats.UnderMemoryPressure(limit) }
	}
	if o.SubsampleRatio <= 0 || o.SubsampleRatio > 1 {
		o.SubsampleRatio = 0.5
	}
	if o.MaxGridCombinations <= 0 {
		o.MaxGridCombinations = 256
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1000
	}
	return o
}

// encode runs the second pass: every row of src is encoded against profile
// into a sealed buffer. The caller closes the buffer.
func encode(ctx context.Context, src dataset.RowSource, profile *dataset.Profile, opts Options, logger *slog.Logger) (*buffer.RowBuffer, *dataset.Encoder, error) {
	enc := dataset.NewEncoder(profile)
	buf := buffer.New(enc.Width(), buffer.Options{
		SpillThreshold: opts.SpillThreshold,
		Dir:            opts.SpillDir,
		GCInterval:     opts.GCInterval,
		GC:             opts.GC,
		RiskPercentile: opts.RiskPercentile,
		Logger:         logger,
	})
	if err := enc.EncodeSource(ctx, src, buf.Append); err != nil {
		buf.Close()
		return nil, nil, err
	}
	if err := buf.Seal(); err != nil {
		buf.Close()
		return nil, nil, err
	}

	encoded, skipped, synthetic := enc.Stats()
	logger.InfoContext(ctx, "dataset encoded",
		types.LogKeySamples, encoded,
		types.LogKeyFeatures, enc.Width(),
		"skipped", skipped,
		"synthetic_risk", synthetic,
		"spilled", buf.Spilled(),
	)
	return buf, enc, nil
}
