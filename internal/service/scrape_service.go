package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/yourorg/form4-ingest/internal/apperror"
	"github.com/yourorg/form4-ingest/internal/client"
	"github.com/yourorg/form4-ingest/internal/model"
	"github.com/yourorg/form4-ingest/internal/parser"
	"github.com/yourorg/form4-ingest/internal/repository"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultDaysBack   = 30
	DefaultMaxFilings = 50

	tracerName = "github.com/yourorg/form4-ingest/internal/service"
)

// Store is the persistence the ingestion path needs
type Store interface {
	repository.TradeWriter
	FindCompanyByTicker(ctx context.Context, ticker string) (*model.Company, error)
	TradeExists(ctx context.Context, key model.DedupKey) (bool, error)
	InsertScrapeHistory(ctx context.Context, h *model.ScrapeHistory) error
	UpdateScrapeHistory(ctx context.Context, h *model.ScrapeHistory) error
	WithinTx(ctx context.Context, fn func(repository.TradeWriter) error) error
}

// FilingIndex lists a filer's Form 4 filings and locates their XML
type FilingIndex interface {
	ListRecentFilings(ctx context.Context, identifier string, daysBack, maxFilings int) (*model.CompanyRef, []model.FilingRef, error)
	DocumentURL(ctx context.Context, ref model.FilingRef) (string, error)
}

// Parser turns a Form 4 document into transactions and rejects
type Parser interface {
	ParseDetailed(data []byte) parser.Result
}

// EventPublisher receives newly stored trades and finalized runs
type EventPublisher interface {
	PublishTrades(ctx context.Context, trades []model.InsiderTransaction) error
	PublishScrape(ctx context.Context, h *model.ScrapeHistory) error
}

// ScrapeService ingests the recent Form 4 filings of one company
type ScrapeService struct {
	store     Store
	index     FilingIndex
	fetcher   client.Fetcher
	parser    Parser
	publisher EventPublisher
	now       func() time.Time
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewScrapeService creates a new scrape service. publisher may be nil.
func NewScrapeService(
	store Store,
	index FilingIndex,
	fetcher client.Fetcher,
	form4Parser Parser,
	publisher EventPublisher,
	logger *zap.Logger,
) *ScrapeService {
	return &ScrapeService{
		store:     store,
		index:     index,
		fetcher:   fetcher,
		parser:    form4Parser,
		publisher: publisher,
		now:       time.Now,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
	}
}

// filingOutcome is what one committed filing contributed to the run
type filingOutcome struct {
	created    []model.InsiderTransaction
	rejects    []parser.Reject
	duplicates int
}

// Run ingests up to maxFilings Form 4 filings from the last daysBack days
// for a ticker or CIK. A ScrapeHistory row is written before any network
// call and is always finalized, also on panic or cancellation. Errors in
// individual filings are collected in the result and do not fail the run;
// an error is returned only when the company could not be listed or the
// run was interrupted.
func (s *ScrapeService) Run(ctx context.Context, identifier string, daysBack, maxFilings int) (result *model.ScrapeResult, err error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, errors.New("identifier is required")
	}
	if daysBack <= 0 {
		daysBack = DefaultDaysBack
	}
	if maxFilings <= 0 {
		maxFilings = DefaultMaxFilings
	}

	ctx, span := s.tracer.Start(ctx, "scrape.run", trace.WithAttributes(
		attribute.String("scrape.identifier", identifier),
		attribute.Int("scrape.days_back", daysBack),
		attribute.Int("scrape.max_filings", maxFilings),
	))
	defer span.End()

	// Use what we already know about the company to label the run and
	// skip the ticker lookup
	lookup, known := s.lookupKnown(ctx, identifier)

	history := &model.ScrapeHistory{
		Ticker:    runLabel(identifier, known),
		StartedAt: s.now().UTC(),
		Status:    model.ScrapeStatusRunning,
	}
	if err := s.store.InsertScrapeHistory(ctx, history); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "history insert failed")
		return nil, fmt.Errorf("failed to record scrape run for %s: %w", identifier, err)
	}

	result = &model.ScrapeResult{
		HistoryID:  history.ID,
		Identifier: identifier,
		Ticker:     history.Ticker,
		Status:     model.ScrapeStatusRunning,
		Errors:     []string{},
	}
	if known != nil {
		result.CIK = known.CIK
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Scrape run panicked",
				zap.String("identifier", identifier),
				zap.Any("panic", r),
				zap.Stack("stack"))
			err = fmt.Errorf("scrape run for %s panicked: %v", identifier, r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.finalize(ctx, history, result, err)
	}()

	s.logger.Info("Starting scrape run",
		zap.String("identifier", identifier),
		zap.Int64("history_id", history.ID),
		zap.Int("days_back", daysBack),
		zap.Int("max_filings", maxFilings))

	company, filings, err := s.index.ListRecentFilings(ctx, lookup, daysBack, maxFilings)
	if err != nil {
		s.logger.Error("Failed to list filings", zap.String("identifier", identifier), zap.Error(err))
		return result, fmt.Errorf("failed to list filings for %s: %w", identifier, err)
	}

	result.CIK = company.CIK
	if company.Ticker != "" {
		result.Ticker = company.Ticker
		if known == nil || known.Ticker == "" {
			history.Ticker = company.Ticker
		}
	}
	result.FilingsFound = len(filings)
	span.SetAttributes(attribute.String("scrape.cik", company.CIK), attribute.Int("scrape.filings_found", len(filings)))

	for _, ref := range filings {
		if ctx.Err() != nil {
			return result, fmt.Errorf("scrape run for %s interrupted: %w", identifier, ctx.Err())
		}

		outcome, err := s.processFiling(ctx, company, ref)
		for _, reject := range outcome.rejects {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", ref.AccessionNumber, reject))
		}
		if err != nil {
			s.logger.Warn("Failed to process filing",
				zap.String("accession", ref.AccessionNumber),
				zap.String("identifier", identifier),
				zap.Error(err))
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", ref.AccessionNumber, err))
			if ctx.Err() != nil {
				return result, fmt.Errorf("scrape run for %s interrupted: %w", identifier, ctx.Err())
			}
			continue
		}

		result.FilingsProcessed++
		result.TradesCreated += len(outcome.created)

		if len(outcome.created) > 0 && s.publisher != nil {
			if err := s.publisher.PublishTrades(ctx, outcome.created); err != nil {
				s.logger.Warn("Failed to publish trades",
					zap.String("accession", ref.AccessionNumber),
					zap.Error(err))
			}
		}
	}

	return result, nil
}

// lookupKnown resolves an identifier against stored companies. A known
// ticker is swapped for its CIK so the SEC ticker file is not needed.
func (s *ScrapeService) lookupKnown(ctx context.Context, identifier string) (string, *model.Company) {
	var (
		company *model.Company
		err     error
	)

	if model.IsCIK(identifier) {
		cik, _ := model.NormalizeCIK(identifier)
		company, err = s.store.FindCompanyByCIK(ctx, cik)
	} else {
		company, err = s.store.FindCompanyByTicker(ctx, identifier)
	}
	if err != nil {
		s.logger.Warn("Company lookup failed, resolving through SEC",
			zap.String("identifier", identifier),
			zap.Error(err))
		return identifier, nil
	}
	if company == nil {
		return identifier, nil
	}

	return company.CIK, company
}

func runLabel(identifier string, known *model.Company) string {
	if known != nil && known.Ticker != "" {
		return known.Ticker
	}
	if model.IsCIK(identifier) {
		cik, _ := model.NormalizeCIK(identifier)
		return cik
	}
	return model.NormalizeTicker(identifier)
}

// processFiling fetches, parses and stores one filing. Its writes commit
// together or not at all. A panic while handling the filing becomes the
// filing's error.
func (s *ScrapeService) processFiling(ctx context.Context, company *model.CompanyRef, ref model.FilingRef) (outcome filingOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Filing processing panicked",
				zap.String("accession", ref.AccessionNumber),
				zap.Any("panic", r),
				zap.Stack("stack"))
			err = fmt.Errorf("filing %s panicked: %v", ref.AccessionNumber, r)
		}
	}()

	url, err := s.index.DocumentURL(ctx, ref)
	if err != nil {
		return outcome, fmt.Errorf("failed to locate document: %w", err)
	}

	body, status, err := s.fetcher.Fetch(ctx, url, nil)
	if err != nil {
		return outcome, err
	}
	if status != http.StatusOK {
		return outcome, apperror.NewNetworkError(url, status, fmt.Errorf("unexpected status fetching Form 4"))
	}

	parsed := s.parser.ParseDetailed(body)
	outcome.rejects = parsed.Rejects
	if parsed.DecodeErr != nil {
		return outcome, fmt.Errorf("unreadable Form 4 document: %w", parsed.DecodeErr)
	}

	// Stamp the filing identity and drop lines stored by an earlier run
	var fresh []model.InsiderTransaction
	for _, txn := range parsed.Transactions {
		txn.AccessionNumber = ref.AccessionNumber
		txn.FilingDate = ref.FilingDate

		exists, err := s.store.TradeExists(ctx, txn.DedupKey())
		if err != nil {
			return outcome, fmt.Errorf("failed to check existing trades: %w", err)
		}
		if exists {
			outcome.duplicates++
			continue
		}
		fresh = append(fresh, txn)
	}

	if len(fresh) == 0 {
		s.logger.Debug("No new trades in filing",
			zap.String("accession", ref.AccessionNumber),
			zap.Int("duplicates", outcome.duplicates),
			zap.Int("rejects", len(outcome.rejects)))
		return outcome, nil
	}

	var created []model.InsiderTransaction
	err = s.store.WithinTx(ctx, func(w repository.TradeWriter) error {
		created = created[:0]

		issuer := issuerCompany(fresh[0], company)
		if err := w.UpsertCompany(ctx, issuer); err != nil {
			return fmt.Errorf("failed to upsert company %s: %w", issuer.CIK, err)
		}

		insiders := make(map[string]*model.Insider)
		for _, txn := range fresh {
			name := insiderName(txn)
			insider, ok := insiders[name]
			if !ok {
				insider = &model.Insider{
					CompanyID:         issuer.ID,
					Name:              name,
					CIK:               txn.InsiderCIK,
					IsDirector:        txn.Relationship.IsDirector,
					IsOfficer:         txn.Relationship.IsOfficer,
					IsTenPercentOwner: txn.Relationship.IsTenPercentOwner,
					IsOther:           txn.Relationship.IsOther,
					OfficerTitle:      txn.Relationship.OfficerTitle,
				}
				if err := w.UpsertInsider(ctx, insider); err != nil {
					return fmt.Errorf("failed to upsert insider %q: %w", name, err)
				}
				insiders[name] = insider
			}

			trade := model.NewTrade(txn, issuer.ID, insider.ID)
			inserted, err := w.InsertTrade(ctx, &trade)
			if err != nil {
				return fmt.Errorf("failed to insert trade line %d: %w", txn.LineNumber, err)
			}
			if !inserted {
				outcome.duplicates++
				continue
			}
			created = append(created, txn)
		}
		return nil
	})
	if err != nil {
		return outcome, err
	}

	outcome.created = created
	s.logger.Info("Stored filing",
		zap.String("accession", ref.AccessionNumber),
		zap.Int("trades", len(created)),
		zap.Int("duplicates", outcome.duplicates),
		zap.Int("rejects", len(outcome.rejects)))

	return outcome, nil
}

// issuerCompany prefers the issuer block of the filing and falls back to
// the company the identifier resolved to
func issuerCompany(txn model.InsiderTransaction, resolved *model.CompanyRef) *model.Company {
	company := &model.Company{
		CIK:    txn.IssuerCIK,
		Ticker: txn.IssuerTicker,
		Name:   txn.IssuerName,
	}
	if company.CIK == "" {
		company.CIK = resolved.CIK
	}
	if company.Ticker == "" && company.CIK == resolved.CIK {
		company.Ticker = resolved.Ticker
	}
	if company.Name == "" && company.CIK == resolved.CIK {
		company.Name = resolved.Name
	}
	return company
}

func insiderName(txn model.InsiderTransaction) string {
	if txn.InsiderName != "" {
		return txn.InsiderName
	}
	if txn.InsiderCIK != "" {
		return "CIK " + txn.InsiderCIK
	}
	return "Unknown reporting owner"
}

// finalize moves the history row out of running. It runs on a context
// detached from the caller so a cancelled run is still recorded.
func (s *ScrapeService) finalize(ctx context.Context, history *model.ScrapeHistory, result *model.ScrapeResult, runErr error) {
	ctx = context.WithoutCancel(ctx)

	status := model.ScrapeStatusSuccess
	message := summarizeErrors(result.Errors)
	if runErr != nil {
		status = model.ScrapeStatusFailed
		message = runErr.Error()
	}

	history.FilingsFound = result.FilingsFound
	history.TradesCreated = result.TradesCreated
	history.Finalize(status, s.now().UTC(), message)

	result.Status = status
	result.Duration = history.CompletedAt.Sub(history.StartedAt)

	if err := s.store.UpdateScrapeHistory(ctx, history); err != nil {
		s.logger.Error("Failed to finalize scrape history",
			zap.Int64("history_id", history.ID),
			zap.String("status", string(status)),
			zap.Error(err))
	}

	s.logger.Info("Scrape run finished",
		zap.String("identifier", result.Identifier),
		zap.String("status", string(status)),
		zap.Int("filings_found", result.FilingsFound),
		zap.Int("filings_processed", result.FilingsProcessed),
		zap.Int("trades_created", result.TradesCreated),
		zap.Int("errors", len(result.Errors)),
		zap.Duration("duration", result.Duration))

	if s.publisher != nil {
		if err := s.publisher.PublishScrape(ctx, history); err != nil {
			s.logger.Warn("Failed to publish scrape run", zap.Int64("history_id", history.ID), zap.Error(err))
		}
	}
}

func summarizeErrors(errs []string) string {
	switch len(errs) {
	case 0:
		return ""
	case 1:
		return errs[0]
	default:
		return fmt.Sprintf("%d errors; first: %s", len(errs), errs[0])
	}
}
