package embeddings

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/tphakala/birdnet-search/internal/datastore/entities"
	"github.com/tphakala/birdnet-search/internal/embedding"
	"github.com/tphakala/birdnet-search/internal/errors"
)

const (
	defaultBatchSize = 500
	maxLineBytes     = 16 << 20
)

// Inserter persists embedding rows, ignoring clip ids that already exist.
type Inserter interface {
	InsertEmbeddings(ctx context.Context, rows []entities.Embedding) (int64, error)
}

// record is one JSONL line produced by the embedding pipeline.
type record struct {
	ClipID      string    `json:"clip_id"`
	DatasetID   string    `json:"dataset_id"`
	RecordingID string    `json:"recording_id"`
	Offset      float64   `json:"offset"`
	Vector      []float32 `json:"vector"`
	ModelName   string    `json:"model_name"`
}

// ImportOptions controls an import run.
type ImportOptions struct {
	BatchSize     int    // rows per insert, 0 uses 500
	DatasetID     string // used when a line has no dataset_id
	ModelName     string // used when a line has no model_name
	SkipInvalid   bool   // count and skip malformed lines instead of failing
	ProgressEvery int    // lines between progress callbacks, 0 disables
	Progress      func(ImportStats)
}

// ImportStats summarizes an import run.
type ImportStats struct {
	Lines      int   `json:"lines"`
	Inserted   int64 `json:"inserted"`
	Duplicates int64 `json:"duplicates"`
	Invalid    int   `json:"invalid"`
}

// Import reads JSONL embeddings from r and stores them in batches. All
// vectors of a dataset must share one dimension.
func Import(ctx context.Context, store Inserter, r io.Reader, opts ImportOptions) (ImportStats, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}

	var (
		stats ImportStats
		batch = make([]entities.Embedding, 0, opts.BatchSize)
		dims  = make(map[string]int)
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := store.InsertEmbeddings(ctx, batch)
		if err != nil {
			return errors.New(err).
				Component("embeddings-import").
				Category(errors.CategoryDatabase).
				Context("line", stats.Lines).
				Build()
		}
		stats.Inserted += n
		stats.Duplicates += int64(len(batch)) - n
		batch = batch[:0]
		return nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, errors.CancelledError("import cancelled")
		}
		stats.Lines++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		row, err := parseLine(line, opts, dims)
		if err != nil {
			if opts.SkipInvalid {
				stats.Invalid++
				continue
			}
			return stats, errors.ValidationError(fmt.Sprintf("line %d: %v", stats.Lines, err))
		}
		batch = append(batch, row)

		if len(batch) >= opts.BatchSize {
			if err := flush(); err != nil {
				return stats, err
			}
		}
		if opts.Progress != nil && opts.ProgressEvery > 0 && stats.Lines%opts.ProgressEvery == 0 {
			opts.Progress(stats)
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, errors.New(err).
			Component("embeddings-import").
			Category(errors.CategoryFileIO).
			Context("line", stats.Lines+1).
			Build()
	}
	if err := flush(); err != nil {
		return stats, err
	}
	return stats, nil
}

func parseLine(line []byte, opts ImportOptions, dims map[string]int) (entities.Embedding, error) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return entities.Embedding{}, fmt.Errorf("malformed json: %w", err)
	}
	if rec.DatasetID == "" {
		rec.DatasetID = opts.DatasetID
	}
	if rec.ModelName == "" {
		rec.ModelName = opts.ModelName
	}

	switch {
	case rec.ClipID == "":
		return entities.Embedding{}, fmt.Errorf("clip_id is required")
	case len(rec.ClipID) > 64:
		return entities.Embedding{}, fmt.Errorf("clip_id longer than 64 characters")
	case rec.DatasetID == "":
		return entities.Embedding{}, fmt.Errorf("dataset_id is required")
	case len(rec.Vector) == 0:
		return entities.Embedding{}, fmt.Errorf("vector is empty")
	case rec.Offset < 0:
		return entities.Embedding{}, fmt.Errorf("offset must not be negative")
	}
	for i, v := range rec.Vector {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return entities.Embedding{}, fmt.Errorf("vector[%d] is not finite", i)
		}
	}
	if want, ok := dims[rec.DatasetID]; ok && want != len(rec.Vector) {
		return entities.Embedding{}, fmt.Errorf("dimension %d does not match dataset %s dimension %d",
			len(rec.Vector), rec.DatasetID, want)
	}
	dims[rec.DatasetID] = len(rec.Vector)

	return entities.Embedding{
		ClipID:        rec.ClipID,
		DatasetID:     rec.DatasetID,
		RecordingID:   rec.RecordingID,
		OffsetSeconds: rec.Offset,
		ModelName:     rec.ModelName,
		Dimension:     len(rec.Vector),
		Vector:        embedding.Encode(rec.Vector),
	}, nil
}
