package artifacts

import (
	"context"
	"fmt"

	"riskgrid/internal/classifier"
	"riskgrid/internal/stats"
	"riskgrid/internal/types"
)

// Bundle is a loaded artifact with its restored classifier and fitted
// transforms, ready to score raw encoded feature vectors.
type Bundle struct {
	Artifact   *types.TrainingArtifact
	Classifier classifier.Classifier

	imputer    *stats.Imputer
	normalizer *stats.Normalizer
}

// LoadBundle resolves an artifact (the dataset's latest when artifactID is
// empty) and restores everything scoring needs. Missing fields and a missing
// model file are fatal.
func (r *Registry) LoadBundle(ctx context.Context, datasetID, artifactID string) (*Bundle, error) {
	var (
		a   *types.TrainingArtifact
		err error
	)
	if artifactID == "" {
		a, err = r.Latest(ctx, datasetID)
	} else {
		a, err = r.Get(ctx, datasetID, artifactID)
	}
	if err != nil {
		return nil, err
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}

	clf, err := r.LoadModel(ctx, a)
	if err != nil {
		return nil, err
	}
	norm, err := stats.NormalizerFromConfig(a.Normalization)
	if err != nil {
		return nil, err
	}
	return &Bundle{
		Artifact:   a,
		Classifier: clf,
		imputer:    stats.ImputerFromConfig(a.Imputer),
		normalizer: norm,
	}, nil
}

// Width is the feature vector length the artifact was trained on.
func (b *Bundle) Width() int { return len(b.Artifact.FeatureNames) }

// Prepare imputes, standardizes and normalizes x in place with the
// training-time state.
func (b *Bundle) Prepare(x []float64) {
	b.imputer.TransformRow(x)
	stats.StandardizeRow(x, b.Artifact.FeatureMeans, b.Artifact.FeatureStdDevs)
	b.normalizer.TransformRow(x)
}

// Score returns predicted labels and positive-class probabilities for
// prepared rows.
func (b *Bundle) Score(x [][]float64) ([]int, []float64, error) {
	if len(x) == 0 {
		return nil, nil, nil
	}
	for i, row := range x {
		if len(row) != b.Width() {
			return nil, nil, types.NewAppError(types.ErrCodeArtifactCorrupt,
				fmt.Sprintf("row %d has %d features, artifact expects %d", i, len(row), b.Width()), nil)
		}
	}
	labels, err := b.Classifier.Predict(x)
	if err != nil {
		return nil, nil, err
	}
	probs, err := b.Classifier.Probabilities(x)
	if err != nil {
		return nil, nil, err
	}
	scores := make([]float64, len(probs))
	for i, p := range probs {
		scores[i] = classifier.ExtractProbability(p)
	}
	return labels, scores, nil
}
