package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tphakala/birdnet-search/internal/datastore/entities"
	"github.com/tphakala/birdnet-search/internal/errors"
)

// CreateReference inserts a reference example.
func (s *Store) CreateReference(ctx context.Context, ref *entities.ReferenceExample) error {
	return s.db.WithContext(ctx).Create(ref).Error
}

// GetReference loads a reference example by id.
func (s *Store) GetReference(ctx context.Context, id string) (*entities.ReferenceExample, error) {
	var ref entities.ReferenceExample
	if err := s.db.WithContext(ctx).First(&ref, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReferenceNotFound
		}
		return nil, err
	}
	return &ref, nil
}

// AttachReferences links references to a session. Existing links are kept.
func (s *Store) AttachReferences(ctx context.Context, links []entities.SessionReference) error {
	if len(links) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&links).Error
}

// ListSessionReferences returns the references attached to a session, with vectors.
func (s *Store) ListSessionReferences(ctx context.Context, sessionID string) ([]entities.SessionReference, error) {
	var links []entities.SessionReference
	err := s.db.WithContext(ctx).
		Preload("Reference").
		Where("session_id = ?", sessionID).
		Order("reference_id ASC").
		Find(&links).Error
	return links, err
}
