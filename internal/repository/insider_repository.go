package repository

import (
	"context"

	"github.com/yourorg/form4-ingest/internal/model"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// InsiderRepository handles database operations for reporting owners
type InsiderRepository struct {
	db     sqlx.ExtContext
	logger *zap.Logger
}

// NewInsiderRepository creates a new insider repository
func NewInsiderRepository(db sqlx.ExtContext, logger *zap.Logger) *InsiderRepository {
	return &InsiderRepository{
		db:     db,
		logger: logger,
	}
}

// Upsert finds or creates the insider identified by (name, company). On
// conflict the relationship flags are OR-ed with the stored ones, so a
// flag once set stays set. The stored row is written back to insider.
func (r *InsiderRepository) Upsert(ctx context.Context, insider *model.Insider) error {
	query := r.db.Rebind(`
		INSERT INTO insiders (company_id, name, cik, is_director, is_officer, is_ten_percent_owner, is_other, officer_title)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name, company_id) DO UPDATE SET
			cik = CASE WHEN excluded.cik = '' THEN insiders.cik ELSE excluded.cik END,
			is_director = insiders.is_director OR excluded.is_director,
			is_officer = insiders.is_officer OR excluded.is_officer,
			is_ten_percent_owner = insiders.is_ten_percent_owner OR excluded.is_ten_percent_owner,
			is_other = insiders.is_other OR excluded.is_other,
			officer_title = CASE WHEN excluded.officer_title = '' THEN insiders.officer_title ELSE excluded.officer_title END
		RETURNING id, company_id, name, cik, is_director, is_officer, is_ten_percent_owner, is_other, officer_title
	`)

	var stored model.Insider
	err := sqlx.GetContext(ctx, r.db, &stored, query,
		insider.CompanyID,
		insider.Name,
		insider.CIK,
		insider.IsDirector,
		insider.IsOfficer,
		insider.IsTenPercentOwner,
		insider.IsOther,
		insider.OfficerTitle,
	)
	if err != nil {
		r.logger.Error("Failed to upsert insider",
			zap.Error(err),
			zap.String("name", insider.Name),
			zap.Int64("company_id", insider.CompanyID))
		return err
	}

	*insider = stored
	return nil
}
