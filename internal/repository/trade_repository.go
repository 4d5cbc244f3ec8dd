package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/yourorg/form4-ingest/internal/model"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const defaultTradeLimit = 100

// TradeRepository handles database operations for insider trades
type TradeRepository struct {
	db     sqlx.ExtContext
	logger *zap.Logger
}

// NewTradeRepository creates a new trade repository
func NewTradeRepository(db sqlx.ExtContext, logger *zap.Logger) *TradeRepository {
	return &TradeRepository{
		db:     db,
		logger: logger,
	}
}

// Exists reports whether a trade with the given dedup key is stored
func (r *TradeRepository) Exists(ctx context.Context, key model.DedupKey) (bool, error) {
	query := r.db.Rebind(`
		SELECT COUNT(*)
		FROM trades
		WHERE accession_number = ?
		  AND transaction_date = ?
		  AND transaction_code = ?
		  AND shares = ?
		  AND line_number = ?
	`)

	var count int
	err := sqlx.GetContext(ctx, r.db, &count, query,
		key.AccessionNumber,
		dateOnly(key.TransactionDate),
		string(key.Code),
		key.Shares,
		key.LineNumber,
	)
	if err != nil {
		r.logger.Error("Failed to check trade existence",
			zap.Error(err),
			zap.String("accession", key.AccessionNumber),
			zap.Int("line", key.LineNumber))
		return false, err
	}

	return count > 0, nil
}

// Insert stores a trade unless one with the same dedup key exists. It
// reports whether a row was written and sets trade.ID when it was.
func (r *TradeRepository) Insert(ctx context.Context, trade *model.Trade) (bool, error) {
	query := r.db.Rebind(`
		INSERT INTO trades (
			company_id, insider_id, accession_number, line_number, filing_date,
			transaction_date, transaction_code, is_purchase, acquired_disposed,
			shares, price_per_share, total_value, shares_owned_following
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
		RETURNING id
	`)

	var id int64
	err := sqlx.GetContext(ctx, r.db, &id, query,
		trade.CompanyID,
		trade.InsiderID,
		trade.AccessionNumber,
		trade.LineNumber,
		dateOnly(trade.FilingDate),
		dateOnly(trade.TransactionDate),
		string(trade.TransactionCode),
		trade.IsPurchase,
		trade.AcquiredDisposed,
		trade.Shares,
		trade.PricePerShare,
		trade.TotalValue,
		trade.SharesOwnedFollowing,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
			r.logger.Debug("Trade already stored",
				zap.String("accession", trade.AccessionNumber),
				zap.Int("line", trade.LineNumber))
			return false, nil
		}
		r.logger.Error("Failed to insert trade",
			zap.Error(err),
			zap.String("accession", trade.AccessionNumber),
			zap.Int("line", trade.LineNumber))
		return false, err
	}

	trade.ID = id
	return true, nil
}

// ListByCompany returns the most recent trades for a company
func (r *TradeRepository) ListByCompany(ctx context.Context, companyID int64, limit int) ([]model.Trade, error) {
	if limit <= 0 {
		limit = defaultTradeLimit
	}

	query := r.db.Rebind(`
		SELECT id, company_id, insider_id, accession_number, line_number, filing_date,
		       transaction_date, transaction_code, is_purchase, acquired_disposed,
		       shares, price_per_share, total_value, shares_owned_following, created_at
		FROM trades
		WHERE company_id = ?
		ORDER BY transaction_date DESC, id DESC
		LIMIT ?
	`)

	trades := []model.Trade{}
	err := sqlx.SelectContext(ctx, r.db, &trades, query, companyID, limit)
	if err != nil {
		r.logger.Error("Failed to list trades", zap.Error(err), zap.Int64("company_id", companyID))
		return nil, err
	}

	return trades, nil
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
