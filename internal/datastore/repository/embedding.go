package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tphakala/birdnet-search/internal/datastore/entities"
)

// InsertEmbeddings stores new embeddings. Existing clip ids are left untouched
// since embeddings are immutable once written. Returns the number inserted.
func (s *Store) InsertEmbeddings(ctx context.Context, rows []entities.Embedding) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "clip_id"}},
			DoNothing: true,
		}).
		CreateInBatches(rows, 200)
	return result.RowsAffected, result.Error
}

// scopeDataset restricts a query to one dataset; empty means all datasets.
func scopeDataset(datasetID string) func(*gorm.DB) *gorm.DB {
	return func(q *gorm.DB) *gorm.DB {
		if datasetID == "" {
			return q
		}
		return q.Where("dataset_id = ?", datasetID)
	}
}

// ListEmbeddings returns every embedding in the dataset ordered by clip id.
func (s *Store) ListEmbeddings(ctx context.Context, datasetID string) ([]entities.Embedding, error) {
	var rows []entities.Embedding
	err := s.db.WithContext(ctx).
		Scopes(scopeDataset(datasetID)).
		Order("clip_id ASC").
		Find(&rows).Error
	return rows, err
}

// GetEmbeddings fetches embeddings for the given clip ids. Unknown ids are omitted.
func (s *Store) GetEmbeddings(ctx context.Context, clipIDs []string) ([]entities.Embedding, error) {
	var out []entities.Embedding
	for _, chunk := range chunkStrings(clipIDs, inClauseChunk) {
		var rows []entities.Embedding
		if err := s.db.WithContext(ctx).Where("clip_id IN ?", chunk).Find(&rows).Error; err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

// ListClipIDs returns the clip ids of a dataset in ascending order.
func (s *Store) ListClipIDs(ctx context.Context, datasetID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&entities.Embedding{}).
		Scopes(scopeDataset(datasetID)).
		Order("clip_id ASC").
		Pluck("clip_id", &ids).Error
	return ids, err
}

// CountEmbeddings counts embeddings of a dataset.
func (s *Store) CountEmbeddings(ctx context.Context, datasetID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&entities.Embedding{}).
		Scopes(scopeDataset(datasetID)).
		Count(&n).Error
	return n, err
}
