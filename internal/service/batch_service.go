package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yourorg/form4-ingest/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Scraper runs ingestion for one company
type Scraper interface {
	Run(ctx context.Context, identifier string, daysBack, maxFilings int) (*model.ScrapeResult, error)
}

// BatchService runs a watchlist through the scraper one company at a time
type BatchService struct {
	scraper      Scraper
	companyDelay time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// NewBatchService creates a new batch service. companyDelay is the pause
// between two companies.
func NewBatchService(scraper Scraper, companyDelay time.Duration, logger *zap.Logger) *BatchService {
	return &BatchService{
		scraper:      scraper,
		companyDelay: companyDelay,
		now:          time.Now,
		logger:       logger,
	}
}

// RunAll scrapes every company of the watchlist. A failing company is
// recorded and the loop moves on; filings already committed for earlier
// companies are unaffected. When ctx is cancelled the remaining companies
// are recorded as failed.
func (s *BatchService) RunAll(ctx context.Context, watchlist []string, daysBack, maxFilingsPerCompany int) *model.BatchSummary {
	summary := &model.BatchSummary{
		RunID:     uuid.New().String(),
		StartedAt: s.now().UTC(),
		Succeeded: []string{},
		Failed:    []model.CompanyFailure{},
	}
	logger := s.logger.With(zap.String("run_id", summary.RunID))
	logger.Info("Starting batch scrape", zap.Int("companies", len(watchlist)))

	for i, identifier := range watchlist {
		identifier = strings.TrimSpace(identifier)
		if identifier == "" {
			continue
		}

		if i > 0 && s.companyDelay > 0 {
			if err := sleep(ctx, s.companyDelay); err != nil {
				s.failRemaining(summary, watchlist[i:], err)
				break
			}
		}
		if err := ctx.Err(); err != nil {
			s.failRemaining(summary, watchlist[i:], err)
			break
		}

		result, err := s.runOne(ctx, identifier, daysBack, maxFilingsPerCompany)
		if result != nil {
			summary.TotalFilings += result.FilingsProcessed
			summary.TotalTrades += result.TradesCreated
		}
		if err != nil {
			logger.Warn("Company scrape failed", zap.String("identifier", identifier), zap.Error(err))
			summary.Failed = append(summary.Failed, model.CompanyFailure{Identifier: identifier, Error: err.Error()})
			continue
		}
		summary.Succeeded = append(summary.Succeeded, identifier)
	}

	summary.Duration = s.now().UTC().Sub(summary.StartedAt)
	logger.Info("Batch scrape finished",
		zap.Int("succeeded", len(summary.Succeeded)),
		zap.Int("failed", len(summary.Failed)),
		zap.Int("filings", summary.TotalFilings),
		zap.Int("trades", summary.TotalTrades),
		zap.Duration("duration", summary.Duration))

	return summary
}

func (s *BatchService) runOne(ctx context.Context, identifier string, daysBack, maxFilings int) (result *model.ScrapeResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Company scrape panicked",
				zap.String("identifier", identifier),
				zap.Any("panic", r),
				zap.Stack("stack"))
			result = nil
			err = fmt.Errorf("scrape of %s panicked: %v", identifier, r)
		}
	}()

	return s.scraper.Run(ctx, identifier, daysBack, maxFilings)
}

func (s *BatchService) failRemaining(summary *model.BatchSummary, remaining []string, cause error) {
	for _, identifier := range remaining {
		identifier = strings.TrimSpace(identifier)
		if identifier == "" {
			continue
		}
		summary.Failed = append(summary.Failed, model.CompanyFailure{
			Identifier: identifier,
			Error:      fmt.Sprintf("not started: %v", cause),
		})
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
