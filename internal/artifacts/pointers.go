package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"riskgrid/internal/types"
)

// Pointer records one published artifact and its queryable summary.
type Pointer struct {
	DatasetID  string                `json:"dataset_id"`
	ArtifactID string                `json:"artifact_id"`
	Key        string                `json:"key"`
	CreatedAt  time.Time             `json:"created_at"`
	Summary    types.ArtifactSummary `json:"summary"`
}

// PointerStore tracks the published artifacts of each dataset and which one
// is current.
type PointerStore interface {
	// Publish records p and makes it the latest for its dataset.
	Publish(ctx context.Context, p Pointer) error
	// Latest returns ErrNotFound when the dataset has no pointer.
	Latest(ctx context.Context, datasetID string) (Pointer, error)
	// Promote makes an already published artifact the latest again.
	Promote(ctx context.Context, datasetID, artifactID string) error
	// History lists published artifacts, newest first.
	History(ctx context.Context, datasetID string, limit int) ([]Pointer, error)
}

const pointerFile = "pointers.json"

type pointerDoc struct {
	Latest  string    `json:"latest"`
	History []Pointer `json:"history"`
}

// FilePointerStore keeps pointers as a JSON document per dataset next to a
// FileStore. It serializes access within one process only.
type FilePointerStore struct {
	root string
	mu   sync.Mutex
}

// NewFilePointerStore returns a pointer store under dir.
func NewFilePointerStore(dir string) *FilePointerStore {
	return &FilePointerStore{root: dir}
}

func (s *FilePointerStore) load(datasetID string) (pointerDoc, string, error) {
	p := filepath.Join(s.root, filepath.Base(datasetID), pointerFile)
	var doc pointerDoc
	raw, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, p, nil
	}
	if err != nil {
		return doc, p, err
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, p, fmt.Errorf("decode %s: %w", p, err)
	}
	return doc, p, nil
}

func (s *FilePointerStore) save(p string, doc pointerDoc) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (s *FilePointerStore) Publish(_ context.Context, ptr Pointer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, p, err := s.load(ptr.DatasetID)
	if err != nil {
		return err
	}
	doc.History = append(doc.History, ptr)
	doc.Latest = ptr.ArtifactID
	return s.save(p, doc)
}

func (s *FilePointerStore) Latest(_ context.Context, datasetID string) (Pointer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, _, err := s.load(datasetID)
	if err != nil {
		return Pointer{}, err
	}
	for _, ptr := range doc.History {
		if ptr.ArtifactID == doc.Latest {
			return ptr, nil
		}
	}
	return Pointer{}, fmt.Errorf("dataset %s: %w", datasetID, ErrNotFound)
}

func (s *FilePointerStore) Promote(_ context.Context, datasetID, artifactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, p, err := s.load(datasetID)
	if err != nil {
		return err
	}
	for _, ptr := range doc.History {
		if ptr.ArtifactID == artifactID {
			doc.Latest = artifactID
			return s.save(p, doc)
		}
	}
	return fmt.Errorf("artifact %s: %w", artifactID, ErrNotFound)
}

func (s *FilePointerStore) History(_ context.Context, datasetID string, limit int) ([]Pointer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, _, err := s.load(datasetID)
	if err != nil {
		return nil, err
	}
	out := append([]Pointer(nil), doc.History...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
