package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/yourorg/form4-ingest/internal/model"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// CompanyRepository handles database operations for issuers
type CompanyRepository struct {
	db     sqlx.ExtContext
	logger *zap.Logger
}

// NewCompanyRepository creates a new company repository
func NewCompanyRepository(db sqlx.ExtContext, logger *zap.Logger) *CompanyRepository {
	return &CompanyRepository{
		db:     db,
		logger: logger,
	}
}

// FindByCIK returns the company with the given zero-padded CIK, or nil
func (r *CompanyRepository) FindByCIK(ctx context.Context, cik string) (*model.Company, error) {
	query := r.db.Rebind(`
		SELECT id, cik, ticker, name, created_at
		FROM companies
		WHERE cik = ?
	`)

	var company model.Company
	err := sqlx.GetContext(ctx, r.db, &company, query, cik)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error("Failed to get company by CIK", zap.Error(err), zap.String("cik", cik))
		return nil, err
	}

	return &company, nil
}

// FindByTicker returns the company with the given ticker, or nil
func (r *CompanyRepository) FindByTicker(ctx context.Context, ticker string) (*model.Company, error) {
	query := r.db.Rebind(`
		SELECT id, cik, ticker, name, created_at
		FROM companies
		WHERE ticker = ?
		ORDER BY id
		LIMIT 1
	`)

	var company model.Company
	err := sqlx.GetContext(ctx, r.db, &company, query, model.NormalizeTicker(ticker))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error("Failed to get company by ticker", zap.Error(err), zap.String("ticker", ticker))
		return nil, err
	}

	return &company, nil
}

// Upsert inserts the company or refreshes the existing row for its CIK.
// A stored ticker is kept; an empty one is filled in. The row id is
// written back to company.ID.
func (r *CompanyRepository) Upsert(ctx context.Context, company *model.Company) error {
	query := r.db.Rebind(`
		INSERT INTO companies (cik, ticker, name)
		VALUES (?, ?, ?)
		ON CONFLICT (cik) DO UPDATE SET
			name = CASE WHEN excluded.name = '' THEN companies.name ELSE excluded.name END,
			ticker = CASE WHEN companies.ticker = '' THEN excluded.ticker ELSE companies.ticker END
		RETURNING id
	`)

	err := sqlx.GetContext(ctx, r.db, &company.ID, query,
		company.CIK,
		model.NormalizeTicker(company.Ticker),
		company.Name,
	)
	if err != nil {
		r.logger.Error("Failed to upsert company", zap.Error(err), zap.String("cik", company.CIK))
		return err
	}

	return nil
}
