package entities

import "time"

// Distance metrics supported by the embedding index.
const (
	MetricCosine    = "cosine"
	MetricEuclidean = "euclidean"
)

// Session is one active-learning search. Counter columns are maintained by
// SQL increments on every label transition; TotalResults always equals
// LabeledCount + UnlabeledCount.
type Session struct {
	ID        string `gorm:"primaryKey;type:varchar(36)"`
	Name      string `gorm:"type:varchar(200);not null"`
	DatasetID string `gorm:"type:varchar(64);index"` // empty means every embedding

	// Sampling parameters
	EasyPositiveK       int     `gorm:"not null"`
	BoundaryN           int     `gorm:"not null"`
	BoundaryM           int     `gorm:"not null"`
	OthersP             int     `gorm:"not null"`
	Metric              string  `gorm:"type:varchar(16);not null"`
	SimilarityThreshold float64 `gorm:"not null"`
	Seed                int64   `gorm:"not null"`

	CurrentIteration int        `gorm:"not null;default:0"`
	IsCompleted      bool       `gorm:"not null;default:false"`
	CompletedAt      *time.Time

	// Derived counters
	TotalResults   int `gorm:"not null;default:0"`
	LabeledCount   int `gorm:"not null;default:0"`
	UnlabeledCount int `gorm:"not null;default:0"`
	NegativeCount  int `gorm:"not null;default:0"`
	UncertainCount int `gorm:"not null;default:0"`
	SkippedCount   int `gorm:"not null;default:0"`

	// LabelVersion increments on every label transition
	LabelVersion int64 `gorm:"not null;default:0"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`

	Categories []SessionCategory `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
}

// TableName returns the table name for GORM.
func (Session) TableName() string {
	return "search_sessions"
}

// SessionCategory is a target category of a session.
// TagCount is the number of candidates currently assigned to it.
type SessionCategory struct {
	ID          uint   `gorm:"primaryKey"`
	SessionID   string `gorm:"type:varchar(36);not null;uniqueIndex:idx_category_session_key;uniqueIndex:idx_category_session_name"`
	Name        string `gorm:"type:varchar(200);not null;uniqueIndex:idx_category_session_name"`
	ShortcutKey int    `gorm:"not null;uniqueIndex:idx_category_session_key"` // 1-9
	TagCount    int    `gorm:"not null;default:0"`
}

// TableName returns the table name for GORM.
func (SessionCategory) TableName() string {
	return "session_categories"
}
