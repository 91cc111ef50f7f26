package entities

import "time"

// Job statuses shared by iteration runs and inference batches.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// IterationRun records one sampling round of a session.
// The fingerprint fields decide whether a repeated request may reuse it.
type IterationRun struct {
	ID               uint   `gorm:"primaryKey"`
	SessionID        string `gorm:"type:varchar(36);not null;uniqueIndex:idx_iteration_session_number"`
	Iteration        int    `gorm:"not null;uniqueIndex:idx_iteration_session_number"`
	ParamsHash       string `gorm:"type:varchar(64);not null"`
	RequestJSON      string `gorm:"type:text"`
	LabelVersion     int64  `gorm:"not null"`
	ModelFingerprint string `gorm:"type:varchar(255)"`

	Status        string `gorm:"type:varchar(16);not null;index"`
	BoundaryAdded int    `gorm:"not null;default:0"`
	OthersAdded   int    `gorm:"not null;default:0"`
	ScoredClips   int    `gorm:"not null;default:0"`
	ErrorMessage  string `gorm:"type:text"`

	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for GORM.
func (IterationRun) TableName() string {
	return "iteration_runs"
}
