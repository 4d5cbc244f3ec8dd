package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yourorg/form4-ingest/internal/model"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const defaultHistoryLimit = 50

// ScrapeHistoryRepository handles database operations for run audit rows
type ScrapeHistoryRepository struct {
	db     sqlx.ExtContext
	logger *zap.Logger
}

// NewScrapeHistoryRepository creates a new scrape history repository
func NewScrapeHistoryRepository(db sqlx.ExtContext, logger *zap.Logger) *ScrapeHistoryRepository {
	return &ScrapeHistoryRepository{
		db:     db,
		logger: logger,
	}
}

const historyColumns = `id, ticker, started_at, completed_at, status, filings_found, trades_created, error_message, duration_seconds`

// Insert stores a new run row and sets h.ID
func (r *ScrapeHistoryRepository) Insert(ctx context.Context, h *model.ScrapeHistory) error {
	query := r.db.Rebind(`
		INSERT INTO scrape_history (ticker, started_at, status, filings_found, trades_created)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id
	`)

	err := sqlx.GetContext(ctx, r.db, &h.ID, query,
		h.Ticker,
		h.StartedAt.UTC(),
		string(h.Status),
		h.FilingsFound,
		h.TradesCreated,
	)
	if err != nil {
		r.logger.Error("Failed to insert scrape history", zap.Error(err), zap.String("ticker", h.Ticker))
		return err
	}

	return nil
}

// Update writes the counters and terminal state of a run
func (r *ScrapeHistoryRepository) Update(ctx context.Context, h *model.ScrapeHistory) error {
	query := r.db.Rebind(`
		UPDATE scrape_history
		SET ticker = ?,
		    completed_at = ?,
		    status = ?,
		    filings_found = ?,
		    trades_created = ?,
		    error_message = ?,
		    duration_seconds = ?
		WHERE id = ?
	`)

	var completedAt interface{}
	if h.CompletedAt != nil {
		completedAt = h.CompletedAt.UTC()
	}

	result, err := r.db.ExecContext(ctx, query,
		h.Ticker,
		completedAt,
		string(h.Status),
		h.FilingsFound,
		h.TradesCreated,
		h.ErrorMessage,
		h.DurationSeconds,
		h.ID,
	)
	if err != nil {
		r.logger.Error("Failed to update scrape history", zap.Error(err), zap.Int64("id", h.ID))
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("scrape history %d: %w", h.ID, sql.ErrNoRows)
	}

	return nil
}

// Get returns one run row, or nil
func (r *ScrapeHistoryRepository) Get(ctx context.Context, id int64) (*model.ScrapeHistory, error) {
	query := r.db.Rebind(`SELECT ` + historyColumns + ` FROM scrape_history WHERE id = ?`)

	var h model.ScrapeHistory
	err := sqlx.GetContext(ctx, r.db, &h, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error("Failed to get scrape history", zap.Error(err), zap.Int64("id", id))
		return nil, err
	}

	return &h, nil
}

// List returns the newest runs, optionally only those for one ticker
func (r *ScrapeHistoryRepository) List(ctx context.Context, ticker string, limit int) ([]model.ScrapeHistory, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	query := `SELECT ` + historyColumns + ` FROM scrape_history`
	args := []interface{}{}
	if ticker != "" {
		query += ` WHERE ticker = ?`
		args = append(args, model.NormalizeTicker(ticker))
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	history := []model.ScrapeHistory{}
	err := sqlx.SelectContext(ctx, r.db, &history, r.db.Rebind(query), args...)
	if err != nil {
		r.logger.Error("Failed to list scrape history", zap.Error(err), zap.String("ticker", ticker))
		return nil, err
	}

	return history, nil
}

// FindStale returns runs still marked running that started before the
// cutoff. These are left behind by a process that died mid-run.
func (r *ScrapeHistoryRepository) FindStale(ctx context.Context, startedBefore time.Time) ([]model.ScrapeHistory, error) {
	query := r.db.Rebind(`
		SELECT ` + historyColumns + `
		FROM scrape_history
		WHERE status = ? AND started_at < ?
		ORDER BY started_at
	`)

	stale := []model.ScrapeHistory{}
	err := sqlx.SelectContext(ctx, r.db, &stale, query, string(model.ScrapeStatusRunning), startedBefore.UTC())
	if err != nil {
		r.logger.Error("Failed to find stale scrape runs", zap.Error(err))
		return nil, err
	}

	return stale, nil
}
