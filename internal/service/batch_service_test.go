package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/yourorg/form4-ingest/internal/model"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scraperFunc func(ctx context.Context, identifier string, daysBack, maxFilings int) (*model.ScrapeResult, error)

func (f scraperFunc) Run(ctx context.Context, identifier string, daysBack, maxFilings int) (*model.ScrapeResult, error) {
	return f(ctx, identifier, daysBack, maxFilings)
}

func TestRunAllContainsCompanyFailure(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
	)
	scraper := scraperFunc(func(ctx context.Context, identifier string, daysBack, maxFilings int) (*model.ScrapeResult, error) {
		mu.Lock()
		calls = append(calls, identifier)
		mu.Unlock()

		assert.Equal(t, 7, daysBack)
		assert.Equal(t, 3, maxFilings)
		if identifier == "BAD" {
			return &model.ScrapeResult{Identifier: identifier, Status: model.ScrapeStatusFailed}, errors.New("company not found: BAD")
		}
		return &model.ScrapeResult{Identifier: identifier, Status: model.ScrapeStatusSuccess, FilingsProcessed: 2, TradesCreated: 3}, nil
	})

	summary := NewBatchService(scraper, 0, zap.NewNop()).RunAll(context.Background(), []string{"MSFT", "BAD", "AAPL"}, 7, 3)

	_, err := uuid.Parse(summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, []string{"MSFT", "BAD", "AAPL"}, calls)
	assert.Equal(t, []string{"MSFT", "AAPL"}, summary.Succeeded)
	if diff := cmp.Diff([]model.CompanyFailure{{Identifier: "BAD", Error: "company not found: BAD"}}, summary.Failed); diff != "" {
		t.Errorf("failed companies mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 4, summary.TotalFilings)
	assert.Equal(t, 6, summary.TotalTrades)
}

func TestRunAllRecoversPanic(t *testing.T) {
	scraper := scraperFunc(func(ctx context.Context, identifier string, daysBack, maxFilings int) (*model.ScrapeResult, error) {
		if identifier == "BOOM" {
			panic("unexpected nil")
		}
		return &model.ScrapeResult{Identifier: identifier}, nil
	})

	summary := NewBatchService(scraper, 0, zap.NewNop()).RunAll(context.Background(), []string{"BOOM", "MSFT"}, 30, 10)

	assert.Equal(t, []string{"MSFT"}, summary.Succeeded)
	require.Len(t, summary.Failed, 1)
	assert.Equal(t, "BOOM", summary.Failed[0].Identifier)
	assert.Contains(t, summary.Failed[0].Error, "panicked")
}

func TestRunAllWaitsBetweenCompanies(t *testing.T) {
	var starts []time.Time
	scraper := scraperFunc(func(ctx context.Context, identifier string, daysBack, maxFilings int) (*model.ScrapeResult, error) {
		starts = append(starts, time.Now())
		return &model.ScrapeResult{Identifier: identifier}, nil
	})

	NewBatchService(scraper, 50*time.Millisecond, zap.NewNop()).RunAll(context.Background(), []string{"A", "B", "C"}, 30, 10)

	require.Len(t, starts, 3)
	assert.GreaterOrEqual(t, starts[1].Sub(starts[0]), 50*time.Millisecond)
	assert.GreaterOrEqual(t, starts[2].Sub(starts[1]), 50*time.Millisecond)
}

func TestRunAllCancellationFailsRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scraper := scraperFunc(func(ctx context.Context, identifier string, daysBack, maxFilings int) (*model.ScrapeResult, error) {
		cancel()
		return &model.ScrapeResult{Identifier: identifier}, nil
	})

	summary := NewBatchService(scraper, time.Hour, zap.NewNop()).RunAll(ctx, []string{"A", "B", "C"}, 30, 10)

	assert.Equal(t, []string{"A"}, summary.Succeeded)
	require.Len(t, summary.Failed, 2)
	assert.Equal(t, "B", summary.Failed[0].Identifier)
	assert.Equal(t, "C", summary.Failed[1].Identifier)
	assert.Contains(t, summary.Failed[0].Error, context.Canceled.Error())
}

func TestRunAllSkipsBlankEntries(t *testing.T) {
	var calls []string
	scraper := scraperFunc(func(ctx context.Context, identifier string, daysBack, maxFilings int) (*model.ScrapeResult, error) {
		calls = append(calls, identifier)
		return &model.ScrapeResult{Identifier: identifier}, nil
	})

	summary := NewBatchService(scraper, 0, zap.NewNop()).RunAll(context.Background(), []string{" MSFT ", "", "  "}, 30, 10)

	assert.Equal(t, []string{"MSFT"}, calls)
	assert.Equal(t, []string{"MSFT"}, summary.Succeeded)
	assert.Empty(t, summary.Failed)
}

// Three companies where the second cannot be listed: the first and third
// still have their trades stored and their own history rows.
func TestRunAllPartialFailureEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.sec.addCompany("0000789019", msftFilings()...)
	env.sec.failSubmissions("0000320193", http.StatusInternalServerError)
	env.sec.addCompany("0001318605", fixtureFiling{
		accession: "0000899243-24-000001",
		daysAgo:   1,
		document:  "tsla-form4.xml",
		body:      form4XML("0001318605", "TSLA", "Musk Elon", form4Line{"S", recentDate(2), "10,000", "180.00"}),
	})

	batch := NewBatchService(env.service(nil), 0, zap.NewNop())
	summary := batch.RunAll(context.Background(), []string{"MSFT", "AAPL", "TSLA"}, 30, 50)

	assert.Equal(t, []string{"MSFT", "TSLA"}, summary.Succeeded)
	require.Len(t, summary.Failed, 1)
	assert.Equal(t, "AAPL", summary.Failed[0].Identifier)
	assert.Equal(t, 3, summary.TotalTrades)
	assert.Equal(t, 3, summary.TotalFilings)

	rows := env.history(t)
	require.Len(t, rows, 3)
	statuses := map[string]model.ScrapeStatus{}
	for _, row := range rows {
		statuses[row.Ticker] = row.Status
	}
	assert.Equal(t, map[string]model.ScrapeStatus{
		"MSFT": model.ScrapeStatusSuccess,
		"AAPL": model.ScrapeStatusFailed,
		"TSLA": model.ScrapeStatusSuccess,
	}, statuses)

	msft, err := env.store.FindCompanyByTicker(context.Background(), "MSFT")
	require.NoError(t, err)
	trades, err := env.store.ListTrades(context.Background(), msft.ID, 10)
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}
