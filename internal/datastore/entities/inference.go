package entities

import "time"

// Review statuses of an inference prediction.
const (
	ReviewUnreviewed = "unreviewed"
	ReviewConfirmed  = "confirmed"
	ReviewRejected   = "rejected"
	ReviewUncertain  = "uncertain"
)

// InferenceBatch applies one deployed model to a resolved clip scope.
// Counters are advanced per chunk in the same transaction as the chunk's predictions.
type InferenceBatch struct {
	ID         uint    `gorm:"primaryKey"`
	ModelID    uint    `gorm:"not null;index:idx_batch_model_scope"`
	CategoryID uint    `gorm:"not null;index"`
	SessionID  *string `gorm:"type:varchar(36);index"`
	DatasetID  string  `gorm:"type:varchar(64)"`

	ScopeFingerprint      string `gorm:"type:varchar(64);not null;index:idx_batch_model_scope"`
	ScopeJSON             string `gorm:"type:longtext"` // resolved clip id list
	IncludeAllClips       bool   `gorm:"not null;default:false"`
	ExcludeAlreadyLabeled bool   `gorm:"not null;default:false"`

	ConfidenceThreshold float64 `gorm:"not null"`
	BatchSize           int     `gorm:"not null"`
	Status              string  `gorm:"type:varchar(16);not null;index"`
	CancelRequested     bool    `gorm:"not null;default:false"`
	ErrorMessage        string  `gorm:"type:text"`

	TotalItems        int     `gorm:"not null;default:0"`
	ProcessedItems    int     `gorm:"not null;default:0"`
	MissingEmbeddings int     `gorm:"not null;default:0"`
	Progress          float64 `gorm:"not null;default:0"`

	PositiveCount     int     `gorm:"not null;default:0"`
	NegativeCount     int     `gorm:"not null;default:0"`
	ConfidenceSum     float64 `gorm:"not null;default:0"`
	AverageConfidence float64 `gorm:"not null;default:0"`

	ConfirmedCount       int `gorm:"not null;default:0"`
	RejectedCount        int `gorm:"not null;default:0"`
	UncertainReviewCount int `gorm:"not null;default:0"`

	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for GORM.
func (InferenceBatch) TableName() string {
	return "inference_batches"
}

// IsTerminal reports whether the batch reached a final status.
func (b *InferenceBatch) IsTerminal() bool {
	switch b.Status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// InferencePrediction is one scored clip of a batch.
type InferencePrediction struct {
	ID                uint    `gorm:"primaryKey"`
	BatchID           uint    `gorm:"not null;uniqueIndex:idx_prediction_batch_clip;index:idx_prediction_batch_review"`
	ClipID            string  `gorm:"type:varchar(64);not null;uniqueIndex:idx_prediction_batch_clip"`
	CategoryID        uint    `gorm:"not null"`
	Confidence        float64 `gorm:"not null;index"`
	PredictedPositive bool    `gorm:"not null;index"`

	ReviewStatus string     `gorm:"type:varchar(16);not null;default:unreviewed;index:idx_prediction_batch_review"`
	Reviewer     string     `gorm:"type:varchar(100)"`
	Notes        string     `gorm:"type:text"`
	ReviewedAt   *time.Time

	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// TableName returns the table name for GORM.
func (InferencePrediction) TableName() string {
	return "inference_predictions"
}
