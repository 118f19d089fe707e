package artifacts

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskgrid/internal/classifier"
	"riskgrid/internal/hyperparams"
	"riskgrid/internal/types"
)

// --- Fakes ---

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []*s3.PutObjectInput
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = body
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, s3types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(f.objects[k]))),
			LastModified: aws.Time(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		})
	}
	return out, nil
}

type stepClock struct {
	t time.Time
}

func (c *stepClock) Now() time.Time {
	c.t = c.t.Add(time.Minute)
	return c.t
}

// --- Helpers ---

func fittedModel(t *testing.T) []byte {
	t.Helper()
	c := classifier.NewFactory(nil).New(context.Background(), hyperparams.Defaults(hyperparams.FamilyLogistic))
	require.NoError(t, c.Fit(context.Background(), [][]float64{{0, 1}, {1, 0}, {0, 0.9}, {0.9, 0}}, []int{0, 1, 0, 1}))
	data, err := classifier.MarshalModel(c)
	require.NoError(t, err)
	return data
}

func newArtifact(dataset string) *types.TrainingArtifact {
	return &types.TrainingArtifact{
		DatasetID:      dataset,
		ModelFamily:    string(hyperparams.FamilyLogistic),
		FeatureNames:   []string{"a", "b"},
		FeatureMeans:   []float64{0, 0},
		FeatureStdDevs: []float64{1, 1},
	}
}

// --- Blob stores ---

func TestFileStore_RoundTripAndList(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "ds/a1/artifact.json", []byte(`{"id":"a1"}`)))
	require.NoError(t, s.Put(ctx, "other/a2/artifact.json", []byte(`{}`)))

	got, err := s.Get(ctx, "ds/a1/artifact.json")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"a1"}`, string(got))

	objs, err := s.List(ctx, "ds/")
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "ds/a1/artifact.json", objs[0].Key)

	_, err = s.Get(ctx, "ds/missing/artifact.json")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, s.Put(ctx, "../escape", []byte("x")))
}

func TestS3Store_CompressesAndMapsMissingKeys(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	s := NewS3Store(client, "bucket", "/artifacts/")

	payload := bytes.Repeat([]byte(`{"feature":1.0}`), 200)
	require.NoError(t, s.Put(ctx, "ds/a1/model.json", payload))

	require.Len(t, client.puts, 1)
	assert.Equal(t, "artifacts/ds/a1/model.json.zst", aws.ToString(client.puts[0].Key))
	assert.Equal(t, "zstd", aws.ToString(client.puts[0].ContentEncoding))
	assert.Less(t, len(client.objects["artifacts/ds/a1/model.json.zst"]), len(payload))

	got, err := s.Get(ctx, "ds/a1/model.json")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	objs, err := s.List(ctx, "ds/")
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "ds/a1/model.json", objs[0].Key)

	_, err = s.Get(ctx, "ds/none/model.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Registry ---

func newFileRegistry(t *testing.T) (*Registry, *FileStore) {
	t.Helper()
	dir := t.TempDir()
	blobs, err := NewFileStore(dir)
	require.NoError(t, err)
	clock := &stepClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	return NewRegistry(blobs, NewFilePointerStore(dir), clock, nil), blobs
}

func TestRegistry_PutLatestRollback(t *testing.T) {
	ctx := context.Background()
	reg, _ := newFileRegistry(t)
	model := fittedModel(t)

	first := newArtifact("ds")
	require.NoError(t, reg.Put(ctx, first, model))
	require.NotEmpty(t, first.ID)
	assert.Equal(t, "ds/"+first.ID+"/model.json", first.ModelFile)

	second := newArtifact("ds")
	second.ValidationAccuracy = 0.9
	require.NoError(t, reg.Put(ctx, second, model))

	latest, err := reg.Latest(ctx, "ds")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	hist, err := reg.History(ctx, "ds", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, second.ID, hist[0].ArtifactID)
	assert.Equal(t, 0.9, hist[0].Summary.Accuracy)

	require.NoError(t, reg.Rollback(ctx, "ds", first.ID))
	latest, err = reg.Latest(ctx, "ds")
	require.NoError(t, err)
	assert.Equal(t, first.ID, latest.ID)

	c, err := reg.LoadModel(ctx, latest)
	require.NoError(t, err)
	assert.Equal(t, hyperparams.FamilyLogistic, c.Family())
}

func TestRegistry_RollbackUnknownArtifact(t *testing.T) {
	reg, _ := newFileRegistry(t)

	err := reg.Rollback(context.Background(), "ds", "nope")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeNotFoundArtifact, types.CodeOf(err))
}

func TestRegistry_LatestScansWithoutPointer(t *testing.T) {
	ctx := context.Background()
	blobs := NewS3Store(newFakeS3(), "bucket", "")
	reg := NewRegistry(blobs, nil, &stepClock{}, nil)

	_, err := reg.Latest(ctx, "ds")
	assert.Equal(t, types.ErrCodeNotFoundArtifact, types.CodeOf(err))

	older := newArtifact("ds")
	older.ID = "0001"
	newer := newArtifact("ds")
	newer.ID = "0002"
	require.NoError(t, reg.Put(ctx, older, fittedModel(t)))
	require.NoError(t, reg.Put(ctx, newer, fittedModel(t)))

	// Same modification time everywhere: the larger key wins.
	latest, err := reg.Latest(ctx, "ds")
	require.NoError(t, err)
	assert.Equal(t, "0002", latest.ID)

	err = reg.Rollback(ctx, "ds", "0001")
	assert.Equal(t, types.ErrCodeValidationRequest, types.CodeOf(err))
}

func TestRegistry_PutRejectsIncompleteArtifact(t *testing.T) {
	ctx := context.Background()
	reg, blobs := newFileRegistry(t)

	a := newArtifact("ds")
	a.FeatureMeans = nil
	err := reg.Put(ctx, a, fittedModel(t))
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeArtifactMissingField, types.CodeOf(err))

	objs, err := blobs.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, objs, "nothing may be published for a rejected artifact")

	err = reg.Put(ctx, newArtifact("a/b"), fittedModel(t))
	assert.Equal(t, types.ErrCodeValidationMissingField, types.CodeOf(err))

	err = reg.Put(ctx, newArtifact("ds"), nil)
	assert.Equal(t, types.ErrCodeArtifactModelMissing, types.CodeOf(err))
}

func TestRegistry_LoadModelMissing(t *testing.T) {
	reg, _ := newFileRegistry(t)
	a := newArtifact("ds")
	a.ID = "x"
	a.ModelFile = "ds/x/model.json"

	_, err := reg.LoadModel(context.Background(), a)
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeArtifactModelMissing, types.CodeOf(err))
}
