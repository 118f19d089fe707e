package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"riskgrid/internal/artifacts"
	"riskgrid/internal/types"
)

// ArtifactRepository stores artifact pointers in the artifacts and
// artifact_pointers tables. It implements artifacts.PointerStore so the
// registry can switch between the file and database backends.
type ArtifactRepository struct {
	db DBTX
}

var _ artifacts.PointerStore = (*ArtifactRepository)(nil)

// NewArtifactRepository creates a new ArtifactRepository.
func NewArtifactRepository(db DBTX) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

// Publish inserts the artifact row and moves the dataset pointer in a single
// statement, so a reader never sees a pointer to an unrecorded artifact.
func (r *ArtifactRepository) Publish(ctx context.Context, p artifacts.Pointer) error {
	_, err := r.db.Exec(ctx,
		`WITH ins AS (
		   INSERT INTO artifacts (id, dataset_id, storage_key, created_at, summary)
		   VALUES ($1, $2, $3, $4, $5)
		   RETURNING id, dataset_id
		 )
		 INSERT INTO artifact_pointers (dataset_id, artifact_id, updated_at)
		 SELECT dataset_id, id, NOW() FROM ins
		 ON CONFLICT (dataset_id) DO UPDATE
		   SET artifact_id = EXCLUDED.artifact_id, updated_at = EXCLUDED.updated_at`,
		p.ArtifactID,
		p.DatasetID,
		p.Key,
		p.CreatedAt,
		p.Summary,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to publish artifact pointer", err)
	}
	return nil
}

// Latest returns the pointer of the dataset's current artifact, or a wrapped
// artifacts.ErrNotFound when nothing was published.
func (r *ArtifactRepository) Latest(ctx context.Context, datasetID string) (artifacts.Pointer, error) {
	var p artifacts.Pointer
	err := r.db.QueryRow(ctx,
		`SELECT a.id, a.dataset_id, a.storage_key, a.created_at, a.summary
		 FROM artifact_pointers ap
		 JOIN artifacts a ON a.id = ap.artifact_id
		 WHERE ap.dataset_id = $1`,
		datasetID,
	).Scan(&p.ArtifactID, &p.DatasetID, &p.Key, &p.CreatedAt, &p.Summary)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return artifacts.Pointer{}, fmt.Errorf("dataset %s: %w", datasetID, artifacts.ErrNotFound)
		}
		return artifacts.Pointer{}, types.NewAppError(types.ErrCodeInternalDB, "failed to load latest artifact", err)
	}
	return p, nil
}

// Promote points the dataset at an artifact it already published.
func (r *ArtifactRepository) Promote(ctx context.Context, datasetID, artifactID string) error {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO artifact_pointers (dataset_id, artifact_id, updated_at)
		 SELECT dataset_id, id, NOW() FROM artifacts
		 WHERE dataset_id = $1 AND id = $2
		 ON CONFLICT (dataset_id) DO UPDATE
		   SET artifact_id = EXCLUDED.artifact_id, updated_at = EXCLUDED.updated_at`,
		datasetID,
		artifactID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to promote artifact", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("artifact %s of dataset %s: %w", artifactID, datasetID, artifacts.ErrNotFound)
	}
	return nil
}

// History lists the dataset's artifacts, newest first. A non-positive limit
// returns every row.
func (r *ArtifactRepository) History(ctx context.Context, datasetID string, limit int) ([]artifacts.Pointer, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, dataset_id, storage_key, created_at, summary
		 FROM artifacts
		 WHERE dataset_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		datasetID,
		lim,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list artifacts", err)
	}
	defer rows.Close()

	var out []artifacts.Pointer
	for rows.Next() {
		var p artifacts.Pointer
		if err := rows.Scan(&p.ArtifactID, &p.DatasetID, &p.Key, &p.CreatedAt, &p.Summary); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan artifact row", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating artifact rows", err)
	}
	return out, nil
}
