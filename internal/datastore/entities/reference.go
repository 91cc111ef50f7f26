package entities

import "time"

// Reference source types.
const (
	ReferenceSourceClip     = "clip"     // seed clip with an embedding row
	ReferenceSourceExternal = "external" // audio embedded outside the dataset
)

// ReferenceExample is a seed vector used to bootstrap sessions.
// OwnerSessionID is nil for library references, which any session may attach.
type ReferenceExample struct {
	ID             string    `gorm:"primaryKey;type:varchar(36)"`
	OwnerSessionID *string   `gorm:"type:varchar(36);index"`
	SourceType     string    `gorm:"type:varchar(16);not null"`
	ClipID         *string   `gorm:"type:varchar(64)"`
	Name           string    `gorm:"type:varchar(200)"`
	SourceURI      string    `gorm:"type:varchar(500)"`
	Dimension      int       `gorm:"not null"`
	Vector         []byte    `gorm:"not null"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
}

// TableName returns the table name for GORM.
func (ReferenceExample) TableName() string {
	return "reference_examples"
}

// SessionReference attaches a reference to a session, optionally scoped to one category.
type SessionReference struct {
	SessionID   string `gorm:"primaryKey;type:varchar(36)"`
	ReferenceID string `gorm:"primaryKey;type:varchar(36)"`
	CategoryID  *uint  `gorm:"index"`

	Reference *ReferenceExample `gorm:"foreignKey:ReferenceID;constraint:OnDelete:CASCADE"`
}

// TableName returns the table name for GORM.
func (SessionReference) TableName() string {
	return "session_references"
}
