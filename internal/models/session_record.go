package models

import "time"

// SessionRecord is the archived copy of a collaboration session. Snapshot
// holds the full session document; the remaining columns are indexed
// projections used for listing and pruning.
type SessionRecord struct {
	ID           string     `gorm:"primaryKey;size:36"`
	Query        string     `gorm:"type:text;not null"`
	Status       string     `gorm:"size:16;not null;index"`
	Phase        string     `gorm:"size:16"`
	Priority     string     `gorm:"size:16;default:normal"`
	Industry     string     `gorm:"size:100;index"`
	ErrorCount   int        `gorm:"default:0"`
	QualityScore float64    `gorm:"default:0"`
	CostEstimate float64    `gorm:"default:0"`
	DurationMs   int64      `gorm:"default:0"`
	Error        string     `gorm:"type:text"`
	Snapshot     string     `gorm:"type:json;not null"`
	CreatedAt    time.Time  `gorm:"index"`
	CompletedAt  *time.Time `gorm:"index"`
	UpdatedAt    time.Time

	Insights []InsightRecord `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
}

// TableName overrides the default GORM table name.
func (SessionRecord) TableName() string { return "sessions" }

// InsightRecord is one role's contribution to an archived session.
type InsightRecord struct {
	ID           uint    `gorm:"primaryKey;autoIncrement"`
	SessionID    string  `gorm:"size:36;not null;uniqueIndex:idx_session_role"`
	Role         string  `gorm:"size:32;not null;uniqueIndex:idx_session_role;index"`
	Source       string  `gorm:"size:16;not null"` // "provider" or "fallback"
	Confidence   float64 `gorm:"default:0"`
	Attempts     int     `gorm:"default:0"`
	Model        string  `gorm:"size:64"`
	CoreAnalysis string  `gorm:"type:text"`
	CreatedAt    time.Time
}

// TableName overrides the default GORM table name.
func (InsightRecord) TableName() string { return "session_insights" }
