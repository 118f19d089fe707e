// Package dataset streams raw tabular rows, resolves column bindings,
// profiles a dataset in one pass and encodes rows into feature vectors.
package dataset

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"

	"riskgrid/internal/types"
)

// RowReader yields raw rows one at a time. Next returns io.EOF after the last
// row.
type RowReader interface {
	Header() []string
	Next(ctx context.Context) (types.Row, error)
	Close() error
}

// RowSource is a re-openable row stream. Each Open starts an independent
// pass from the first row.
type RowSource interface {
	Open(ctx context.Context) (RowReader, error)
}

// ObjectGetter is the subset of the blob storage client needed to stream a
// dataset object.
type ObjectGetter interface {
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// CSVSource streams a CSV document with a header row. Rows whose column count
// differs from the header are skipped. Documents whose name ends in ".zst"
// are decompressed on the fly.
type CSVSource struct {
	name string
	open func(ctx context.Context) (io.ReadCloser, error)
}

// NewFileSource returns a CSVSource over a local file.
func NewFileSource(path string) *CSVSource {
	return &CSVSource{
		name: path,
		open: func(context.Context) (io.ReadCloser, error) {
			return os.Open(path)
		},
	}
}

// NewObjectSource returns a CSVSource over a blob storage object.
func NewObjectSource(client ObjectGetter, bucket, key string) *CSVSource {
	return &CSVSource{
		name: key,
		open: func(ctx context.Context) (io.ReadCloser, error) {
			return client.GetObject(ctx, bucket, key)
		},
	}
}

// Open starts a new pass over the document.
func (s *CSVSource) Open(ctx context.Context) (RowReader, error) {
	rc, err := s.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", s.name, err)
	}

	var body io.Reader = rc
	var dec *zstd.Decoder
	if strings.HasSuffix(s.name, ".zst") {
		dec, err = zstd.NewReader(rc)
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("zstd reader for %s: %w", s.name, err)
		}
		body = dec
	}

	cr := csv.NewReader(body)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	cr.TrimLeadingSpace = true

	raw, err := cr.Read()
	if err != nil {
		if dec != nil {
			dec.Close()
		}
		rc.Close()
		if errors.Is(err, io.EOF) {
			return &emptyReader{}, nil
		}
		return nil, fmt.Errorf("read header of %s: %w", s.name, err)
	}
	header := make([]string, len(raw))
	for i, h := range raw {
		header[i] = types.NormalizeColumnName(h)
	}

	return &csvReader{header: header, csv: cr, body: rc, dec: dec}, nil
}

type csvReader struct {
	header []string
	csv    *csv.Reader
	body   io.Closer
	dec    *zstd.Decoder
}

func (r *csvReader) Header() []string { return r.header }

func (r *csvReader) Next(ctx context.Context) (types.Row, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := r.csv.Read()
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				continue
			}
			return nil, err
		}
		if len(rec) != len(r.header) {
			continue
		}
		row := make(types.Row, len(rec))
		for i, v := range rec {
			row[r.header[i]] = v
		}
		return row, nil
	}
}

func (r *csvReader) Close() error {
	if r.dec != nil {
		r.dec.Close()
	}
	return r.body.Close()
}

type emptyReader struct{}

func (emptyReader) Header() []string { return nil }

func (emptyReader) Next(context.Context) (types.Row, error) { return nil, io.EOF }

func (emptyReader) Close() error { return nil }

// SliceSource serves rows held in memory. Column names are normalized on Open.
type SliceSource struct {
	Rows []map[string]string
}

func (s *SliceSource) Open(context.Context) (RowReader, error) {
	seen := make(map[string]struct{})
	var header []string
	for _, r := range s.Rows {
		for k := range r {
			n := types.NormalizeColumnName(k)
			if _, ok := seen[n]; !ok {
				seen[n] = struct{}{}
				header = append(header, n)
			}
		}
	}
	return &sliceReader{rows: s.Rows, header: header}, nil
}

type sliceReader struct {
	rows   []map[string]string
	header []string
	pos    int
}

func (r *sliceReader) Header() []string { return r.header }

func (r *sliceReader) Next(ctx context.Context) (types.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.pos >= len(r.rows) {
		return nil, io.EOF
	}
	src := r.rows[r.pos]
	r.pos++
	row := make(types.Row, len(src))
	for k, v := range src {
		row[types.NormalizeColumnName(k)] = v
	}
	return row, nil
}

func (r *sliceReader) Close() error { return nil }

// forEachRow runs fn over every row of one pass.
func forEachRow(ctx context.Context, src RowSource, fn func(types.Row) error) (header []string, err error) {
	rd, err := src.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rd.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	header = rd.Header()
	for {
		row, err := rd.Next(ctx)
		if errors.Is(err, io.EOF) {
			return header, nil
		}
		if err != nil {
			return header, err
		}
		if err := fn(row); err != nil {
			return header, err
		}
	}
}
