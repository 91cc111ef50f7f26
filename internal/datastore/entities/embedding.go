package entities

import "time"

// Embedding is a precomputed, immutable vector for one clip.
// Vector holds Dimension little-endian float32 values.
type Embedding struct {
	ID            uint      `gorm:"primaryKey"`
	ClipID        string    `gorm:"type:varchar(64);not null;uniqueIndex"`
	DatasetID     string    `gorm:"type:varchar(64);not null;index"`
	RecordingID   string    `gorm:"type:varchar(64);index"`
	OffsetSeconds float64   `gorm:"not null;default:0"`
	ModelName     string    `gorm:"type:varchar(100)"`
	Dimension     int       `gorm:"not null"`
	Vector        []byte    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

// TableName returns the table name for GORM.
func (Embedding) TableName() string {
	return "embeddings"
}
