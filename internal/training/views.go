package training

import (
	"encoding/json"
	"time"

	"github.com/tphakala/birdnet-search/internal/datastore/entities"
)

// ModelView is the API representation of a classifier version.
type ModelView struct {
	ID             uint            `json:"id"`
	SessionID      *string         `json:"session_id,omitempty"`
	CategoryID     uint            `json:"category_id"`
	CategoryName   string          `json:"category_name"`
	ModelType      string          `json:"model_type"`
	TrainingSource string          `json:"training_source"`
	TrainingConfig json.RawMessage `json:"training_config,omitempty"`
	Metrics        json.RawMessage `json:"metrics,omitempty"`
	Version        int             `json:"version"`
	Status         string          `json:"status"`
	IsActive       bool            `json:"is_active"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	FeatureDim     int             `json:"feature_dim"`
	TrainedAt      *time.Time      `json:"trained_at,omitempty"`
	DeployedAt     *time.Time      `json:"deployed_at,omitempty"`
	ArchivedAt     *time.Time      `json:"archived_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func modelView(m *entities.ClassifierModel) *ModelView {
	return &ModelView{
		ID:             m.ID,
		SessionID:      m.SessionID,
		CategoryID:     m.CategoryID,
		CategoryName:   m.CategoryName,
		ModelType:      m.ModelType,
		TrainingSource: m.TrainingSource,
		TrainingConfig: rawJSON(m.TrainingConfig),
		Metrics:        rawJSON(m.Metrics),
		Version:        m.Version,
		Status:         m.Status,
		IsActive:       m.IsActive,
		ErrorMessage:   m.ErrorMessage,
		FeatureDim:     m.FeatureDim,
		TrainedAt:      m.TrainedAt,
		DeployedAt:     m.DeployedAt,
		ArchivedAt:     m.ArchivedAt,
		CreatedAt:      m.CreatedAt,
	}
}

func rawJSON(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}
