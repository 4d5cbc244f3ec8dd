package service

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yourorg/form4-ingest/internal/client"
	"github.com/yourorg/form4-ingest/internal/model"
	"github.com/yourorg/form4-ingest/internal/parser"
	"github.com/yourorg/form4-ingest/internal/ratelimit"
	"github.com/yourorg/form4-ingest/internal/repository"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testUserAgent = "Form4 Ingest Tests ops@form4-ingest.dev"

type form4Line struct {
	code   string
	date   string
	shares string
	price  string
}

func form4XML(issuerCIK, ticker, owner string, lines ...form4Line) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<?xml version="1.0"?>
<ownershipDocument>
  <documentType>4</documentType>
  <issuer>
    <issuerCik>%s</issuerCik>
    <issuerName>MICROSOFT CORP</issuerName>
    <issuerTradingSymbol>%s</issuerTradingSymbol>
  </issuer>
  <reportingOwner>
    <reportingOwnerId>
      <rptOwnerCik>0001513142</rptOwnerCik>
      <rptOwnerName>%s</rptOwnerName>
    </reportingOwnerId>
    <reportingOwnerRelationship>
      <isOfficer>1</isOfficer>
      <officerTitle>EVP</officerTitle>
    </reportingOwnerRelationship>
  </reportingOwner>
  <nonDerivativeTable>`, issuerCIK, ticker, owner)
	for _, l := range lines {
		fmt.Fprintf(&b, `
    <nonDerivativeTransaction>
      <securityTitle><value>Common Stock</value></securityTitle>
      <transactionDate><value>%s</value></transactionDate>
      <transactionCoding><transactionCode>%s</transactionCode></transactionCoding>
      <transactionAmounts>
        <transactionShares><value>%s</value></transactionShares>
        <transactionPricePerShare><value>%s</value></transactionPricePerShare>
        <transactionAcquiredDisposedCode><value>A</value></transactionAcquiredDisposedCode>
      </transactionAmounts>
    </nonDerivativeTransaction>`, l.date, l.code, l.shares, l.price)
	}
	b.WriteString(`
  </nonDerivativeTable>
</ownershipDocument>`)
	return b.String()
}

type fixtureFiling struct {
	accession string
	form      string
	daysAgo   int
	document  string
	body      string
	status    int
}

// secServer is a fake of the EDGAR endpoints the ingestion path reads
type secServer struct {
	t       *testing.T
	server  *httptest.Server
	mu      sync.Mutex
	filings map[string][]fixtureFiling
	broken  map[string]int
	hits    map[string]int
}

func newSECServer(t *testing.T) *secServer {
	t.Helper()
	s := &secServer{
		t:       t,
		filings: make(map[string][]fixtureFiling),
		broken:  make(map[string]int),
		hits:    make(map[string]int),
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.server.Close)
	return s
}

func (s *secServer) addCompany(cik string, filings ...fixtureFiling) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filings[cik] = filings
}

func (s *secServer) failSubmissions(cik string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broken[cik] = status
}

func (s *secServer) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits[r.URL.Path]++

	if r.Header.Get("User-Agent") != testUserAgent {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	if r.URL.Path == "/files/company_tickers.json" {
		fmt.Fprint(w, `{
  "0": {"cik_str": 789019, "ticker": "MSFT", "title": "MICROSOFT CORP"},
  "1": {"cik_str": 320193, "ticker": "AAPL", "title": "Apple Inc."},
  "2": {"cik_str": 1318605, "ticker": "TSLA", "title": "Tesla, Inc."}
}`)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/submissions/CIK") {
		cik := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/submissions/CIK"), ".json")
		if status, ok := s.broken[cik]; ok {
			w.WriteHeader(status)
			return
		}
		filings, ok := s.filings[cik]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.writeSubmissions(w, cik, filings)
		return
	}

	for _, filings := range s.filings {
		for _, f := range filings {
			if strings.HasSuffix(r.URL.Path, "/"+f.document) {
				if f.status != 0 {
					w.WriteHeader(f.status)
					return
				}
				fmt.Fprint(w, f.body)
				return
			}
		}
	}

	w.WriteHeader(http.StatusNotFound)
}

func (s *secServer) writeSubmissions(w http.ResponseWriter, cik string, filings []fixtureFiling) {
	var acc, dates, forms, docs []string
	for _, f := range filings {
		form := f.form
		if form == "" {
			form = "4"
		}
		acc = append(acc, fmt.Sprintf("%q", f.accession))
		dates = append(dates, fmt.Sprintf("%q", time.Now().UTC().AddDate(0, 0, -f.daysAgo).Format(time.DateOnly)))
		forms = append(forms, fmt.Sprintf("%q", form))
		docs = append(docs, fmt.Sprintf("%q", f.document))
	}

	ticker := map[string]string{"0000789019": "MSFT", "0000320193": "AAPL", "0001318605": "TSLA"}[cik]
	fmt.Fprintf(w, `{"cik":%q,"name":"FIXTURE CO","tickers":[%q],"filings":{"recent":{
"accessionNumber":[%s],"filingDate":[%s],"reportDate":[%s],"form":[%s],"primaryDocument":[%s]}}}`,
		strings.TrimLeft(cik, "0"), ticker,
		strings.Join(acc, ","), strings.Join(dates, ","), strings.Join(dates, ","),
		strings.Join(forms, ","), strings.Join(docs, ","))
}

func (s *secServer) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func recentDate(daysAgo int) string {
	return time.Now().UTC().AddDate(0, 0, -daysAgo).Format(time.DateOnly)
}

// msftFilings is two Form 4 filings with one open-market purchase each
func msftFilings() []fixtureFiling {
	return []fixtureFiling{
		{
			accession: "0001062993-24-000005",
			daysAgo:   2,
			document:  "form4-a.xml",
			body:      form4XML("0000789019", "MSFT", "Hood Amy", form4Line{"P", recentDate(3), "1,000", "50.50"}),
		},
		{
			accession: "0000789019-24-000010",
			form:      "10-Q",
			daysAgo:   3,
			document:  "msft-10q.htm",
		},
		{
			accession: "0001062993-24-000004",
			daysAgo:   5,
			document:  "form4-b.xml",
			body:      form4XML("0000789019", "MSFT", "Smith Brad", form4Line{"P", recentDate(6), "200", "410.25"}),
		},
	}
}

type testEnv struct {
	sec     *secServer
	store   *repository.Store
	index   *client.FilingIndexClient
	fetcher client.Fetcher
	parser  *parser.Form4Parser
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := sqlx.Connect("sqlite", filepath.Join(t.TempDir(), "form4.db")+"?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := repository.NewStore(db, zap.NewNop())
	require.NoError(t, store.Migrate(context.Background()))

	sec := newSECServer(t)
	fetcher, err := client.NewRateLimitedFetcher(testUserAgent, ratelimit.NewLocal(1000, time.Second), zap.NewNop(),
		client.WithThrottleRetries(1), client.WithInitialBackoff(time.Millisecond))
	require.NoError(t, err)

	env := &testEnv{
		sec:     sec,
		store:   store,
		fetcher: fetcher,
		parser:  parser.NewForm4Parser(zap.NewNop()),
	}
	env.index = newTestEnvIndex(env)
	return env
}

func (e *testEnv) service(publisher EventPublisher) *ScrapeService {
	return NewScrapeService(e.store, e.index, e.fetcher, e.parser, publisher, zap.NewNop())
}

func (e *testEnv) history(t *testing.T) []model.ScrapeHistory {
	t.Helper()
	rows, err := e.store.ListScrapeHistory(context.Background(), "", 100)
	require.NoError(t, err)
	return rows
}

type recordingPublisher struct {
	mu      sync.Mutex
	trades  []model.InsiderTransaction
	scrapes []model.ScrapeHistory
}

func (p *recordingPublisher) PublishTrades(ctx context.Context, trades []model.InsiderTransaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trades = append(p.trades, trades...)
	return nil
}

func (p *recordingPublisher) PublishScrape(ctx context.Context, h *model.ScrapeHistory) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scrapes = append(p.scrapes, *h)
	return nil
}

// panickingParser panics on documents containing marker and parses the
// rest normally
type panickingParser struct {
	next   Parser
	marker string
}

func (p panickingParser) ParseDetailed(data []byte) parser.Result {
	if bytes.Contains(data, []byte(p.marker)) {
		panic("parser exploded")
	}
	return p.next.ParseDetailed(data)
}

type panickingIndex struct{}

func (panickingIndex) ListRecentFilings(ctx context.Context, identifier string, daysBack, maxFilings int) (*model.CompanyRef, []model.FilingRef, error) {
	panic("index exploded")
}

func (panickingIndex) DocumentURL(ctx context.Context, ref model.FilingRef) (string, error) {
	return "", nil
}

// cancellingFetcher cancels the run when the first Form 4 document is requested
type cancellingFetcher struct {
	next   client.Fetcher
	cancel context.CancelFunc
	once   sync.Once
}

func (f *cancellingFetcher) Fetch(ctx context.Context, url string, headers map[string]string) ([]byte, int, error) {
	if strings.HasSuffix(url, ".xml") {
		f.once.Do(f.cancel)
	}
	return f.next.Fetch(ctx, url, headers)
}

func newTestEnvIndex(e *testEnv) *client.FilingIndexClient {
	return client.NewFilingIndexClient(e.fetcher, e.sec.server.URL, e.sec.server.URL, time.Hour, zap.NewNop())
}
