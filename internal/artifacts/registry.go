package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/google/uuid"

	"riskgrid/internal/classifier"
	"riskgrid/internal/types"
)

// Registry publishes and resolves training artifacts. Artifacts are
// immutable: a new training run adds one and moves the dataset's latest
// pointer; rollback moves the pointer back.
type Registry struct {
	blobs    BlobStore
	pointers PointerStore
	clock    types.Clock
	logger   *slog.Logger
}

// NewRegistry returns a Registry. pointers may be nil, in which case Latest
// always scans blob storage and Rollback is unavailable.
func NewRegistry(blobs BlobStore, pointers PointerStore, clock types.Clock, logger *slog.Logger) *Registry {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{blobs: blobs, pointers: pointers, clock: clock, logger: logger}
}

// Put stores the model file and then the artifact, and finally publishes the
// pointer. It assigns ID, CreatedAt and ModelFile. Nothing is published if
// any step fails.
func (r *Registry) Put(ctx context.Context, a *types.TrainingArtifact, model []byte) error {
	if a.DatasetID == "" || strings.ContainsAny(a.DatasetID, `/\`) {
		return types.NewAppError(types.ErrCodeValidationMissingField, "artifact needs a plain dataset id", nil)
	}
	if len(model) == 0 {
		return types.NewAppError(types.ErrCodeArtifactModelMissing, "artifact has no model file", nil)
	}
	if a.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to generate artifact id", err)
		}
		a.ID = id.String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = r.clock.Now()
	}
	a.ModelFile = modelKey(a.DatasetID, a.ID)
	if err := a.Validate(); err != nil {
		return err
	}

	if err := r.blobs.Put(ctx, a.ModelFile, model); err != nil {
		return types.NewAppError(types.ErrCodeInternalStorage, "failed to store model file", err)
	}
	doc, err := json.Marshal(a)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode artifact", err)
	}
	key := artifactKey(a.DatasetID, a.ID)
	if err := r.blobs.Put(ctx, key, doc); err != nil {
		return types.NewAppError(types.ErrCodeInternalStorage, "failed to store artifact", err)
	}

	if r.pointers != nil {
		err := r.pointers.Publish(ctx, Pointer{
			DatasetID:  a.DatasetID,
			ArtifactID: a.ID,
			Key:        key,
			CreatedAt:  a.CreatedAt,
			Summary:    a.Summary(),
		})
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to publish artifact pointer", err)
		}
	}

	r.logger.InfoContext(ctx, "artifact published",
		types.LogKeyDatasetID, a.DatasetID,
		types.LogKeyArtifactID, a.ID,
		types.LogKeyModelFamily, a.ModelFamily,
		types.LogKeyFeatures, len(a.FeatureNames),
	)
	return nil
}

// Get loads one artifact.
func (r *Registry) Get(ctx context.Context, datasetID, artifactID string) (*types.TrainingArtifact, error) {
	return r.load(ctx, artifactKey(datasetID, artifactID))
}

func (r *Registry) load(ctx context.Context, key string) (*types.TrainingArtifact, error) {
	raw, err := r.blobs.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, types.NewAppError(types.ErrCodeNotFoundArtifact, fmt.Sprintf("artifact %s not found", key), err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStorage, "failed to read artifact", err)
	}
	var a types.TrainingArtifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, types.NewAppError(types.ErrCodeArtifactCorrupt, fmt.Sprintf("artifact %s is not valid JSON", key), err)
	}
	return &a, nil
}

// Latest resolves the current artifact for a dataset. Callers must resolve
// it per run rather than caching it. Without a pointer, the newest artifact
// in blob storage is used.
func (r *Registry) Latest(ctx context.Context, datasetID string) (*types.TrainingArtifact, error) {
	if r.pointers != nil {
		ptr, err := r.pointers.Latest(ctx, datasetID)
		switch {
		case err == nil:
			return r.Get(ctx, datasetID, ptr.ArtifactID)
		case !errors.Is(err, ErrNotFound):
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read artifact pointer", err)
		}
		r.logger.WarnContext(ctx, "no artifact pointer, scanning storage for newest artifact",
			types.LogKeyDatasetID, datasetID,
		)
	}
	key, err := r.Newest(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	return r.load(ctx, key)
}

// Newest scans blob storage for the most recently written artifact of a
// dataset and returns its key.
func (r *Registry) Newest(ctx context.Context, datasetID string) (string, error) {
	objs, err := r.blobs.List(ctx, datasetID+"/")
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalStorage, "failed to list artifacts", err)
	}
	objs = filterArtifacts(objs)
	if len(objs) == 0 {
		return "", types.NewAppError(types.ErrCodeNotFoundArtifact,
			fmt.Sprintf("no artifact exists for dataset %s", datasetID), nil)
	}
	sort.Slice(objs, func(i, j int) bool {
		if !objs[i].LastModified.Equal(objs[j].LastModified) {
			return objs[i].LastModified.After(objs[j].LastModified)
		}
		return objs[i].Key > objs[j].Key
	})
	return objs[0].Key, nil
}

func filterArtifacts(objs []ObjectInfo) []ObjectInfo {
	out := objs[:0]
	for _, o := range objs {
		if path.Base(o.Key) == artifactFile && strings.Count(o.Key, "/") == 2 {
			out = append(out, o)
		}
	}
	return out
}

// LoadModel restores the fitted classifier an artifact references.
func (r *Registry) LoadModel(ctx context.Context, a *types.TrainingArtifact) (classifier.Classifier, error) {
	if a.ModelFile == "" {
		return nil, types.NewAppError(types.ErrCodeArtifactModelMissing,
			fmt.Sprintf("artifact %s has no model file", a.ID), nil)
	}
	raw, err := r.blobs.Get(ctx, a.ModelFile)
	if errors.Is(err, ErrNotFound) {
		return nil, types.NewAppError(types.ErrCodeArtifactModelMissing,
			fmt.Sprintf("model file %s for artifact %s is missing", a.ModelFile, a.ID), err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStorage, "failed to read model file", err)
	}
	return classifier.UnmarshalModel(raw)
}

// Rollback makes an older artifact the dataset's latest again.
func (r *Registry) Rollback(ctx context.Context, datasetID, artifactID string) error {
	if r.pointers == nil {
		return types.NewAppError(types.ErrCodeValidationRequest, "rollback needs an artifact pointer store", nil)
	}
	if _, err := r.Get(ctx, datasetID, artifactID); err != nil {
		return err
	}
	if err := r.pointers.Promote(ctx, datasetID, artifactID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return types.NewAppError(types.ErrCodeNotFoundArtifact,
				fmt.Sprintf("artifact %s was never published for dataset %s", artifactID, datasetID), err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to move artifact pointer", err)
	}
	r.logger.InfoContext(ctx, "artifact rolled back",
		types.LogKeyDatasetID, datasetID,
		types.LogKeyArtifactID, artifactID,
	)
	return nil
}

// History lists published artifacts, newest first.
func (r *Registry) History(ctx context.Context, datasetID string, limit int) ([]Pointer, error) {
	if r.pointers == nil {
		return nil, types.NewAppError(types.ErrCodeValidationRequest, "history needs an artifact pointer store", nil)
	}
	out, err := r.pointers.History(ctx, datasetID, limit)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list artifact history", err)
	}
	return out, nil
}
