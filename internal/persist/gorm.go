package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/roundtable/internal/db"
	"github.com/zulandar/roundtable/internal/models"
	"github.com/zulandar/roundtable/internal/session"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormArchive stores sessions in a SQL database through GORM (sqlite or
// mysql). Tables must already exist; see db.AutoMigrate.
type GormArchive struct {
	db *gorm.DB
}

// NewGorm wraps an open GORM connection.
func NewGorm(gdb *gorm.DB) *GormArchive {
	return &GormArchive{db: gdb}
}

// Get loads a session snapshot by id.
func (a *GormArchive) Get(ctx context.Context, id string) (*session.Session, error) {
	var rec models.SessionRecord
	err := a.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("persist: get %s: %w", id, err)
	}
	s, err := unmarshalSnapshot([]byte(rec.Snapshot))
	if err != nil {
		return nil, fmt.Errorf("persist: decode %s: %w", id, err)
	}
	return s, nil
}

// Put upserts the session row and one row per role insight.
func (a *GormArchive) Put(ctx context.Context, s *session.Session) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("persist: put: id is required")
	}
	rec, err := toRecord(s)
	if err != nil {
		return fmt.Errorf("persist: put %s: %w", s.ID, err)
	}

	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "phase", "error_count", "quality_score", "cost_estimate",
				"duration_ms", "error", "snapshot", "completed_at", "updated_at",
			}),
		}).Omit(clause.Associations).Create(&rec)
		if result.Error != nil {
			return result.Error
		}
		if len(rec.Insights) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "role"}},
			DoUpdates: clause.AssignmentColumns([]string{"source", "confidence", "attempts", "model", "core_analysis"}),
		}).Create(&rec.Insights).Error
	})
	if err != nil {
		return fmt.Errorf("persist: put %s: %w", s.ID, err)
	}
	return nil
}

// Delete removes a session and its insights.
func (a *GormArchive) Delete(ctx context.Context, id string) error {
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&models.InsightRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&models.SessionRecord{}).Error
	})
	if err != nil {
		return fmt.Errorf("persist: delete %s: %w", id, err)
	}
	return nil
}

// ListActive returns archived sessions that have not reached a terminal
// status, oldest first.
func (a *GormArchive) ListActive(ctx context.Context) ([]*session.Session, error) {
	var recs []models.SessionRecord
	err := a.db.WithContext(ctx).
		Where("status IN ?", activeStatuses).
		Order("created_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("persist: list active: %w", err)
	}
	out := make([]*session.Session, 0, len(recs))
	for _, rec := range recs {
		s, err := unmarshalSnapshot([]byte(rec.Snapshot))
		if err != nil {
			return nil, fmt.Errorf("persist: decode %s: %w", rec.ID, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Prune deletes terminal sessions completed before the cutoff.
func (a *GormArchive) Prune(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		err := tx.Model(&models.SessionRecord{}).
			Where("status IN ? AND completed_at < ?", terminalStatuses, before.UTC()).
			Pluck("id", &ids).Error
		if err != nil || len(ids) == 0 {
			return err
		}
		if err := tx.Where("session_id IN ?", ids).Delete(&models.InsightRecord{}).Error; err != nil {
			return err
		}
		result := tx.Where("id IN ?", ids).Delete(&models.SessionRecord{})
		deleted = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return 0, fmt.Errorf("persist: prune: %w", err)
	}
	return deleted, nil
}

// Close releases the database connection.
func (a *GormArchive) Close() error {
	return db.Close(a.db)
}

func toRecord(s *session.Session) (models.SessionRecord, error) {
	snap, err := marshalSnapshot(s)
	if err != nil {
		return models.SessionRecord{}, err
	}
	rec := models.SessionRecord{
		ID:           s.ID,
		Query:        s.Query,
		Status:       string(s.Status),
		Phase:        s.Phase,
		Priority:     string(s.Options.Priority),
		Industry:     s.Context.Industry,
		ErrorCount:   s.Metadata.ErrorCount,
		QualityScore: s.Metadata.QualityScore,
		CostEstimate: s.Metadata.CostEstimate,
		DurationMs:   s.Metadata.TotalDuration,
		Error:        s.Error,
		Snapshot:     snap,
		CreatedAt:    s.CreatedAt.UTC(),
	}
	if s.CompletedAt != nil {
		t := s.CompletedAt.UTC()
		rec.CompletedAt = &t
	}
	for _, role := range session.Roles {
		in, ok := s.Insights[role]
		if !ok {
			continue
		}
		rec.Insights = append(rec.Insights, models.InsightRecord{
			SessionID:    s.ID,
			Role:         string(role),
			Source:       in.Source,
			Confidence:   in.Confidence,
			Attempts:     in.Attempts,
			Model:        in.Model,
			CoreAnalysis: in.CoreAnalysis,
			CreatedAt:    in.GeneratedAt,
		})
	}
	return rec, nil
}
