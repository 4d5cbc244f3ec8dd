package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yourorg/form4-ingest/internal/model"

	"github.com/jackc/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

// TradeWriter is the set of writes performed for one filing. The same
// operations are available on the Store and inside WithinTx.
type TradeWriter interface {
	FindCompanyByCIK(ctx context.Context, cik string) (*model.Company, error)
	UpsertCompany(ctx context.Context, company *model.Company) error
	UpsertInsider(ctx context.Context, insider *model.Insider) error
	InsertTrade(ctx context.Context, trade *model.Trade) (bool, error)
}

// Store bundles the repositories behind one connection pool
type Store struct {
	db        *sqlx.DB
	companies *CompanyRepository
	insiders  *InsiderRepository
	trades    *TradeRepository
	history   *ScrapeHistoryRepository
	logger    *zap.Logger
}

// NewStore creates a store over an open connection pool
func NewStore(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{
		db:        db,
		companies: NewCompanyRepository(db, logger),
		insiders:  NewInsiderRepository(db, logger),
		trades:    NewTradeRepository(db, logger),
		history:   NewScrapeHistoryRepository(db, logger),
		logger:    logger,
	}
}

// Migrate creates the schema for the connected dialect
func (s *Store) Migrate(ctx context.Context) error {
	file := "migrations/postgres.sql"
	if s.db.DriverName() == "sqlite" {
		file = "migrations/sqlite.sql"
	}

	script, err := migrations.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", file, err)
	}

	for _, stmt := range strings.Split(string(script), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			s.logger.Error("Migration statement failed", zap.Error(err), zap.String("file", file))
			return fmt.Errorf("migration %s: %w", file, err)
		}
	}

	s.logger.Info("Schema migrated", zap.String("driver", s.db.DriverName()))
	return nil
}

// WithinTx runs fn in one transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func (s *Store) WithinTx(ctx context.Context, fn func(TradeWriter) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.Error("Failed to begin transaction", zap.Error(err))
		return err
	}
	defer tx.Rollback()

	writer := &txWriter{
		companies: NewCompanyRepository(tx, s.logger),
		insiders:  NewInsiderRepository(tx, s.logger),
		trades:    NewTradeRepository(tx, s.logger),
	}
	if err := fn(writer); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("Failed to commit transaction", zap.Error(err))
		return err
	}
	return nil
}

func (s *Store) FindCompanyByCIK(ctx context.Context, cik string) (*model.Company, error) {
	return s.companies.FindByCIK(ctx, cik)
}

func (s *Store) FindCompanyByTicker(ctx context.Context, ticker string) (*model.Company, error) {
	return s.companies.FindByTicker(ctx, ticker)
}

func (s *Store) UpsertCompany(ctx context.Context, company *model.Company) error {
	return s.companies.Upsert(ctx, company)
}

func (s *Store) UpsertInsider(ctx context.Context, insider *model.Insider) error {
	return s.insiders.Upsert(ctx, insider)
}

func (s *Store) TradeExists(ctx context.Context, key model.DedupKey) (bool, error) {
	return s.trades.Exists(ctx, key)
}

func (s *Store) InsertTrade(ctx context.Context, trade *model.Trade) (bool, error) {
	return s.trades.Insert(ctx, trade)
}

func (s *Store) ListTrades(ctx context.Context, companyID int64, limit int) ([]model.Trade, error) {
	return s.trades.ListByCompany(ctx, companyID, limit)
}

func (s *Store) InsertScrapeHistory(ctx context.Context, h *model.ScrapeHistory) error {
	return s.history.Insert(ctx, h)
}

func (s *Store) UpdateScrapeHistory(ctx context.Context, h *model.ScrapeHistory) error {
	return s.history.Update(ctx, h)
}

func (s *Store) ListScrapeHistory(ctx context.Context, ticker string, limit int) ([]model.ScrapeHistory, error) {
	return s.history.List(ctx, ticker, limit)
}

func (s *Store) FindStaleRuns(ctx context.Context, startedBefore time.Time) ([]model.ScrapeHistory, error) {
	return s.history.FindStale(ctx, startedBefore)
}

type txWriter struct {
	companies *CompanyRepository
	insiders  *InsiderRepository
	trades    *TradeRepository
}

func (w *txWriter) FindCompanyByCIK(ctx context.Context, cik string) (*model.Company, error) {
	return w.companies.FindByCIK(ctx, cik)
}

func (w *txWriter) UpsertCompany(ctx context.Context, company *model.Company) error {
	return w.companies.Upsert(ctx, company)
}

func (w *txWriter) UpsertInsider(ctx context.Context, insider *model.Insider) error {
	return w.insiders.Upsert(ctx, insider)
}

func (w *txWriter) InsertTrade(ctx context.Context, trade *model.Trade) (bool, error) {
	return w.trades.Insert(ctx, trade)
}

// isUniqueViolation recognises duplicate-key errors from every supported
// driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}

	return false
}
