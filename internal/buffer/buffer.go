// Package buffer holds encoded rows in a memory-bounded, append-then-read
// container that spills to a zstd-compressed temporary file.
package buffer

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"runtime"
	"time"

	"github.com/klauspost/compress/zstd"

	"riskgrid/internal/types"
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultSpillThreshold = 50_000
	DefaultGCInterval     = 100_000
	DefaultRiskPercentile = 75.0
)

var (
	ErrSealed      = errors.New("buffer: append after seal")
	ErrNotSealed   = errors.New("buffer: read before seal")
	ErrClosed      = errors.New("buffer: closed")
	ErrWidth       = errors.New("buffer: feature width mismatch")
	errCorruptTail = errors.New("buffer: truncated spill record")
)

// Options tunes a RowBuffer.
type Options struct {
	// SpillThreshold is the number of rows kept in memory. Later rows go to
	// the spill file.
	SpillThreshold int
	// Dir holds the spill file. Empty means os.TempDir().
	Dir string
	// GCInterval is the row count between collections while iterating.
	GCInterval int
	// GC is the collection hook, runtime.GC by default.
	GC func()
	// RiskPercentile picks the synthetic label cutoff.
	RiskPercentile float64
	Logger         *slog.Logger
}

// RowBuffer is an append-only sequence of EncodedRows that is sealed once
// and then read any number of times. Not safe for concurrent use.
type RowBuffer struct {
	opts  Options
	width int

	mem []types.EncodedRow

	spillPath string
	spillFile *os.File
	spillZ    *zstd.Encoder
	spillW    *bufio.Writer
	spilled   int

	labels *labelPolicy
	sealed bool
	closed bool
}

// New returns an empty buffer for rows of the given feature width.
func New(width int, opts Options) *RowBuffer {
	if opts.SpillThreshold <= 0 {
		opts.SpillThreshold = DefaultSpillThreshold
	}
	if opts.GCInterval <= 0 {
		opts.GCInterval = DefaultGCInterval
	}
	if opts.GC == nil {
		opts.GC = runtime.GC
	}
	if opts.RiskPercentile <= 0 || opts.RiskPercentile > 100 {
		opts.RiskPercentile = DefaultRiskPercentile
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RowBuffer{
		opts:   opts,
		width:  width,
		labels: newLabelPolicy(opts.RiskPercentile),
	}
}

// Width is the feature vector length of every row.
func (b *RowBuffer) Width() int { return b.width }

// Len is the number of rows appended.
func (b *RowBuffer) Len() int { return len(b.mem) + b.spilled }

// Spilled reports how many rows live in the spill file.
func (b *RowBuffer) Spilled() int { return b.spilled }

// Append adds one row.
func (b *RowBuffer) Append(row types.EncodedRow) error {
	switch {
	case b.closed:
		return ErrClosed
	case b.sealed:
		return ErrSealed
	case len(row.Features) != b.width:
		return fmt.Errorf("%w: got %d, want %d", ErrWidth, len(row.Features), b.width)
	}

	b.labels.observe(b.Len(), row)

	if len(b.mem) < b.opts.SpillThreshold {
		b.mem = append(b.mem, row)
		return nil
	}
	if b.spillW == nil {
		if err := b.openSpill(); err != nil {
			return err
		}
	}
	if err := writeRecord(b.spillW, row); err != nil {
		return fmt.Errorf("buffer: spill write: %w", err)
	}
	b.spilled++
	return nil
}

func (b *RowBuffer) openSpill() error {
	f, err := os.CreateTemp(b.opts.Dir, "riskgrid-rows-*.zst")
	if err != nil {
		return fmt.Errorf("buffer: create spill file: %w", err)
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("buffer: zstd writer: %w", err)
	}
	b.spillPath = f.Name()
	b.spillFile = f
	b.spillZ = zw
	b.spillW = bufio.NewWriterSize(zw, 1<<16)
	b.opts.Logger.Info("row buffer spilling to disk",
		"path", b.spillPath,
		"threshold", b.opts.SpillThreshold,
	)
	return nil
}

// Seal finishes writing and fixes the label policy. It is idempotent.
func (b *RowBuffer) Seal() error {
	if b.closed {
		return ErrClosed
	}
	if b.sealed {
		return nil
	}
	if b.spillW != nil {
		if err := b.spillW.Flush(); err != nil {
			return fmt.Errorf("buffer: flush spill: %w", err)
		}
		if err := b.spillZ.Close(); err != nil {
			return fmt.Errorf("buffer: close spill stream: %w", err)
		}
		if err := b.spillFile.Close(); err != nil {
			return fmt.Errorf("buffer: close spill file: %w", err)
		}
		b.spillW, b.spillZ, b.spillFile = nil, nil, nil
	}
	b.labels.finalize()
	b.sealed = true
	return nil
}

// Labels describes the label policy fixed by Seal.
func (b *RowBuffer) Labels() LabelSummary {
	return b.labels.summary()
}

// Each streams every row in append order with its resolved binary label.
// Iteration is restartable and runs the GC hook every GCInterval rows.
func (b *RowBuffer) Each(ctx context.Context, fn func(i int, row types.EncodedRow, label int) error) error {
	if b.closed {
		return ErrClosed
	}
	if !b.sealed {
		return ErrNotSealed
	}

	i := 0
	visit := func(row types.EncodedRow) error {
		if i > 0 && i%b.opts.GCInterval == 0 {
			b.opts.GC()
		}
		if err := fn(i, row, b.labels.label(i, row)); err != nil {
			return err
		}
		i++
		return nil
	}

	for _, row := range b.mem {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := visit(row); err != nil {
			return err
		}
	}
	if b.spilled == 0 {
		return nil
	}

	f, err := os.Open(b.spillPath)
	if err != nil {
		return fmt.Errorf("buffer: open spill file: %w", err)
	}
	defer f.Close()
	zr, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("buffer: zstd reader: %w", err)
	}
	defer zr.Close()
	br := bufio.NewReaderSize(zr, 1<<16)

	for n := 0; n < b.spilled; n++ {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		row, err := readRecord(br, b.width)
		if err != nil {
			return fmt.Errorf("buffer: spill record %d: %w", n, err)
		}
		if err := visit(row); err != nil {
			return err
		}
	}
	return nil
}

// Close releases memory and removes the spill file.
func (b *RowBuffer) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.mem = nil
	if b.spillZ != nil {
		b.spillZ.Close()
	}
	if b.spillFile != nil {
		b.spillFile.Close()
	}
	if b.spillPath != "" {
		if err := os.Remove(b.spillPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("buffer: remove spill file: %w", err)
		}
	}
	return nil
}

// Spill record layout, little endian:
//
//	flags uint8 (1 = has label, 2 = has timestamp)
//	risk float64
//	label int8
//	timestamp int64 unix nanoseconds
//	features width x float64
const (
	flagLabel     = 1
	flagTimestamp = 2
)

func writeRecord(w *bufio.Writer, row types.EncodedRow) error {
	var head [18]byte
	var flags byte
	if row.RawLabel != nil {
		flags |= flagLabel
		head[9] = byte(int8(*row.RawLabel))
	}
	if row.Timestamp != nil {
		flags |= flagTimestamp
		binary.LittleEndian.PutUint64(head[10:], uint64(row.Timestamp.UnixNano()))
	}
	head[0] = flags
	binary.LittleEndian.PutUint64(head[1:], math.Float64bits(row.Risk))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	var buf [8]byte
	for _, f := range row.Features {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	return nil
}

func readRecord(r io.Reader, width int) (types.EncodedRow, error) {
	var head [18]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return types.EncodedRow{}, errCorruptTail
		}
		return types.EncodedRow{}, err
	}
	row := types.EncodedRow{
		Risk:     math.Float64frombits(binary.LittleEndian.Uint64(head[1:])),
		Features: make([]float64, width),
	}
	if head[0]&flagLabel != 0 {
		label := int(int8(head[9]))
		row.RawLabel = &label
	}
	if head[0]&flagTimestamp != 0 {
		ts := time.Unix(0, int64(binary.LittleEndian.Uint64(head[10:]))).UTC()
		row.Timestamp = &ts
	}
	body := make([]byte, 8*width)
	if _, err := io.ReadFull(r, body); err != nil {
		return types.EncodedRow{}, errCorruptTail
	}
	for i := range row.Features {
		row.Features[i] = math.Float64frombits(binary.LittleEndian.Uint64(body[8*i:]))
	}
	return row, nil
}
