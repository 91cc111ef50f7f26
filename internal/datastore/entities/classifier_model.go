package entities

import "time"

// Classifier model statuses.
const (
	ModelDraft    = "draft"
	ModelTraining = "training"
	ModelTrained  = "trained"
	ModelFailed   = "failed"
	ModelDeployed = "deployed"
	ModelArchived = "archived"
)

// Training sources.
const (
	TrainingSourceSession     = "session"
	TrainingSourceAnnotations = "annotations"
)

// ClassifierModel is one version of a per-category classifier.
// Once trained only Status, IsActive and the lifecycle timestamps change.
type ClassifierModel struct {
	ID             uint    `gorm:"primaryKey"`
	SessionID      *string `gorm:"type:varchar(36);index"`
	CategoryID     uint    `gorm:"not null;uniqueIndex:idx_model_category_version;index:idx_model_category_active"`
	CategoryName   string  `gorm:"type:varchar(200)"`
	ModelType      string  `gorm:"type:varchar(32);not null"`
	TrainingSource string  `gorm:"type:varchar(16);not null"`
	TrainingConfig string  `gorm:"type:text"` // JSON
	TrainingItems  string  `gorm:"type:text"` // JSON annotation items for annotation-sourced training
	Metrics        string  `gorm:"type:text"` // JSON
	Version        int     `gorm:"not null;uniqueIndex:idx_model_category_version"`
	Status         string  `gorm:"type:varchar(16);not null;index"`
	IsActive       bool    `gorm:"not null;default:false;index:idx_model_category_active"`
	ErrorMessage   string  `gorm:"type:text"`
	FeatureDim     int     `gorm:"not null;default:0"`
	Artifact       []byte  // msgpack encoded fitted model

	TrainedAt  *time.Time
	DeployedAt *time.Time
	ArchivedAt *time.Time
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for GORM.
func (ClassifierModel) TableName() string {
	return "classifier_models"
}
