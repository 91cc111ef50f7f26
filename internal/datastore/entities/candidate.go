package entities

import "time"

// Label states. Exactly one applies to a candidate at any time.
const (
	LabelNone      = "none"
	LabelCategory  = "category"
	LabelNegative  = "negative"
	LabelUncertain = "uncertain"
	LabelSkipped   = "skipped"
)

// Sample types record why a candidate was surfaced.
const (
	SampleEasyPositive   = "easy_positive"
	SampleBoundary       = "boundary"
	SampleOthers         = "others"
	SampleActiveLearning = "active_learning"
)

// Candidate is a clip surfaced in a session. A clip appears at most once per
// session; IterationAdded never changes after insert. Version drives
// compare-and-swap label updates.
type Candidate struct {
	ID              uint     `gorm:"primaryKey"`
	SessionID       string   `gorm:"type:varchar(36);not null;uniqueIndex:idx_candidate_session_clip;index:idx_candidate_session_state"`
	ClipID          string   `gorm:"type:varchar(64);not null;uniqueIndex:idx_candidate_session_clip"`
	Similarity      float64  `gorm:"not null"`
	ClassifierScore *float64 // set when a classifier scored the clip
	Rank            int      `gorm:"column:result_rank;not null"` // rank is reserved in MySQL 8
	SampleType      string   `gorm:"type:varchar(20);not null"`
	IterationAdded  int      `gorm:"not null;index"`

	LabelState string     `gorm:"type:varchar(16);not null;default:none;index:idx_candidate_session_state"`
	CategoryID *uint      `gorm:"index"`
	LabeledAt  *time.Time `gorm:"index"`
	Version    int        `gorm:"not null;default:1"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for GORM.
func (Candidate) TableName() string {
	return "search_candidates"
}

// IsLabeled reports whether the candidate carries any label decision.
func (c *Candidate) IsLabeled() bool {
	return c.LabelState != LabelNone && c.LabelState != ""
}
