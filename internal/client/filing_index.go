package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/yourorg/form4-ingest/internal/apperror"
	"github.com/yourorg/form4-ingest/internal/model"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	SECBaseURL     = "https://www.sec.gov"
	SECDataBaseURL = "https://data.sec.gov"

	FormInsiderTrade          = "4"
	FormInsiderTradeAmendment = "4/A"
)

// submissions is the subset of data.sec.gov/submissions/CIK##########.json
// the index needs
type submissions struct {
	CIK     string   `json:"cik"`
	Name    string   `json:"name"`
	Tickers []string `json:"tickers"`
	Filings struct {
		Recent filingArrays  `json:"recent"`
		Files  []filingsFile `json:"files"`
	} `json:"filings"`
}

// filingsFile points at a page of older filings. Pages hold the same
// parallel arrays as recent, at the top level.
type filingsFile struct {
	Name        string `json:"name"`
	FilingCount int    `json:"filingCount"`
	FilingFrom  string `json:"filingFrom"`
	FilingTo    string `json:"filingTo"`
}

// filingArrays holds parallel arrays; index i across all slices is one filing
type filingArrays struct {
	AccessionNumber []string `json:"accessionNumber"`
	FilingDate      []string `json:"filingDate"`
	ReportDate      []string `json:"reportDate"`
	Form            []string `json:"form"`
	PrimaryDocument []string `json:"primaryDocument"`
}

type tickerEntry struct {
	CIK    int64  `json:"cik_str"`
	Ticker string `json:"ticker"`
	Title  string `json:"title"`
}

// FilingIndexClient lists recent Form 4 filings for an issuer
type FilingIndexClient struct {
	fetcher     Fetcher
	baseURL     string
	dataBaseURL string
	tickerTTL   time.Duration
	now         func() time.Time
	logger      *zap.Logger

	mu            sync.Mutex
	tickers       map[string]model.CompanyRef
	tickersLoaded time.Time
	tickerFetch   singleflight.Group
}

// NewFilingIndexClient creates a filing index client on top of the shared
// fetcher. Empty base URLs default to the public SEC hosts.
func NewFilingIndexClient(fetcher Fetcher, baseURL, dataBaseURL string, tickerTTL time.Duration, logger *zap.Logger) *FilingIndexClient {
	if baseURL == "" {
		baseURL = SECBaseURL
	}
	if dataBaseURL == "" {
		dataBaseURL = SECDataBaseURL
	}
	if tickerTTL <= 0 {
		tickerTTL = 24 * time.Hour
	}
	return &FilingIndexClient{
		fetcher:     fetcher,
		baseURL:     strings.TrimRight(baseURL, "/"),
		dataBaseURL: strings.TrimRight(dataBaseURL, "/"),
		tickerTTL:   tickerTTL,
		now:         time.Now,
		logger:      logger,
	}
}

// ListRecentFilings resolves identifier (ticker or CIK) and returns its Form 4
// filings filed within the last daysBack days, newest first, capped at
// maxFilings (zero means no cap).
func (c *FilingIndexClient) ListRecentFilings(ctx context.Context, identifier string, daysBack, maxFilings int) (*model.CompanyRef, []model.FilingRef, error) {
	company, err := c.resolve(ctx, identifier)
	if err != nil {
		return nil, nil, err
	}

	subs, err := c.fetchSubmissions(ctx, company.CIK, identifier)
	if err != nil {
		return nil, nil, err
	}

	if company.Name == "" {
		company.Name = subs.Name
	}
	if company.Ticker == "" && len(subs.Tickers) > 0 {
		company.Ticker = model.NormalizeTicker(subs.Tickers[0])
	}

	today := c.now().UTC().Truncate(24 * time.Hour)
	cutoff := today.AddDate(0, 0, -daysBack)

	refs := c.collect(nil, subs.Filings.Recent, company.CIK, cutoff, maxFilings)

	// recent holds only the latest ~1000 filings; older ones inside the
	// window sit in paged files
	for _, file := range subs.Filings.Files {
		if maxFilings > 0 && len(refs) >= maxFilings {
			break
		}
		if to, err := time.Parse(time.DateOnly, file.FilingTo); err == nil && to.Before(cutoff) {
			continue
		}

		page, err := c.fetchFilingsPage(ctx, file.Name)
		if err != nil {
			c.logger.Warn("Skipping older filings page",
				zap.String("cik", company.CIK),
				zap.String("file", file.Name),
				zap.Error(err))
			continue
		}
		refs = c.collect(refs, *page, company.CIK, cutoff, maxFilings)
	}

	c.logger.Info("Listed recent Form 4 filings",
		zap.String("identifier", identifier),
		zap.String("cik", company.CIK),
		zap.Int("daysBack", daysBack),
		zap.Int("filings", len(refs)))

	return company, refs, nil
}

// collect appends the Form 4 filings of arrays filed on or after cutoff to
// refs, stopping at maxFilings
func (c *FilingIndexClient) collect(refs []model.FilingRef, arrays filingArrays, cik string, cutoff time.Time, maxFilings int) []model.FilingRef {
	for i := range arrays.AccessionNumber {
		if maxFilings > 0 && len(refs) >= maxFilings {
			break
		}

		form := at(arrays.Form, i)
		if form != FormInsiderTrade && form != FormInsiderTradeAmendment {
			continue
		}

		filingDate, err := time.Parse(time.DateOnly, at(arrays.FilingDate, i))
		if err != nil {
			c.logger.Warn("Skipping filing with unparsable filing date",
				zap.String("accession", arrays.AccessionNumber[i]),
				zap.String("filingDate", at(arrays.FilingDate, i)))
			continue
		}
		if filingDate.Before(cutoff) {
			continue
		}

		ref := model.FilingRef{
			AccessionNumber: arrays.AccessionNumber[i],
			CIK:             cik,
			Form:            form,
			FilingDate:      filingDate,
			PrimaryDocument: at(arrays.PrimaryDocument, i),
		}
		if rd, err := time.Parse(time.DateOnly, at(arrays.ReportDate, i)); err == nil {
			ref.ReportDate = rd
		}
		ref.DocumentURL = c.documentURL(ref.CIK, ref.AccessionNumber, ref.PrimaryDocument)
		ref.IndexURL = c.indexURL(ref.CIK, ref.AccessionNumber)

		refs = append(refs, ref)
	}
	return refs
}

func (c *FilingIndexClient) fetchFilingsPage(ctx context.Context, name string) (*filingArrays, error) {
	url := fmt.Sprintf("%s/submissions/%s", c.dataBaseURL, name)

	body, status, err := c.fetcher.Fetch(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apperror.NewNetworkError(url, status, fmt.Errorf("unexpected status fetching filings page"))
	}

	var page filingArrays
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to decode filings page %s: %w", name, err)
	}
	return &page, nil
}

// ResolveCIK maps a ticker to its issuer using SEC's company ticker file
func (c *FilingIndexClient) ResolveCIK(ctx context.Context, ticker string) (*model.CompanyRef, error) {
	ticker = model.NormalizeTicker(ticker)
	if ticker == "" {
		return nil, &apperror.CompanyNotFoundError{Identifier: ticker}
	}

	tickers, err := c.loadTickers(ctx)
	if err != nil {
		return nil, err
	}

	// SEC writes share classes with a dash (BRK-B)
	for _, candidate := range []string{ticker, strings.ReplaceAll(ticker, ".", "-")} {
		if ref, ok := tickers[candidate]; ok {
			return &ref, nil
		}
	}

	return nil, &apperror.CompanyNotFoundError{Identifier: ticker}
}

// DocumentURL returns the URL of the filing's XML ownership document. When
// the primary document is not XML the filing index page is scraped for it.
func (c *FilingIndexClient) DocumentURL(ctx context.Context, ref model.FilingRef) (string, error) {
	if strings.HasSuffix(strings.ToLower(ref.DocumentURL), ".xml") {
		return ref.DocumentURL, nil
	}

	body, status, err := c.fetcher.Fetch(ctx, ref.IndexURL, nil)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", apperror.NewNetworkError(ref.IndexURL, status, fmt.Errorf("unexpected status fetching filing index"))
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to parse filing index %s: %w", ref.IndexURL, err)
	}

	var found string
	doc.Find("table.tableFile a[href], table a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		lower := strings.ToLower(href)
		if !strings.HasSuffix(lower, ".xml") || strings.Contains(lower, "/xsl") {
			return true
		}
		found = href
		return false
	})

	if found == "" {
		return "", fmt.Errorf("no XML document listed in filing index %s", ref.IndexURL)
	}
	if strings.HasPrefix(found, "/") {
		found = c.baseURL + found
	}

	return found, nil
}

func (c *FilingIndexClient) resolve(ctx context.Context, identifier string) (*model.CompanyRef, error) {
	if model.IsCIK(identifier) {
		cik, _ := model.NormalizeCIK(identifier)
		return &model.CompanyRef{CIK: cik}, nil
	}
	return c.ResolveCIK(ctx, identifier)
}

func (c *FilingIndexClient) fetchSubmissions(ctx context.Context, cik, identifier string) (*submissions, error) {
	url := fmt.Sprintf("%s/submissions/CIK%s.json", c.dataBaseURL, cik)

	body, status, err := c.fetcher.Fetch(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, &apperror.CompanyNotFoundError{Identifier: identifier}
	}
	if status != http.StatusOK {
		c.logger.Error("SEC submissions error response",
			zap.Int("statusCode", status),
			zap.String("cik", cik))
		return nil, apperror.NewNetworkError(url, status, fmt.Errorf("unexpected status fetching submissions"))
	}

	var subs submissions
	if err := json.Unmarshal(body, &subs); err != nil {
		c.logger.Error("Failed to decode SEC submissions", zap.Error(err), zap.String("cik", cik))
		return nil, apperror.NewNetworkError(url, status, fmt.Errorf("failed to decode submissions: %w", err))
	}

	return &subs, nil
}

// loadTickers returns the cached ticker map, downloading it when stale.
// Concurrent callers share one download.
func (c *FilingIndexClient) loadTickers(ctx context.Context) (map[string]model.CompanyRef, error) {
	c.mu.Lock()
	if c.tickers != nil && c.now().Sub(c.tickersLoaded) < c.tickerTTL {
		tickers := c.tickers
		c.mu.Unlock()
		return tickers, nil
	}
	c.mu.Unlock()

	v, err, _ := c.tickerFetch.Do("company_tickers", func() (interface{}, error) {
		// a download may have finished since the check above
		c.mu.Lock()
		if c.tickers != nil && c.now().Sub(c.tickersLoaded) < c.tickerTTL {
			tickers := c.tickers
			c.mu.Unlock()
			return tickers, nil
		}
		c.mu.Unlock()
		return c.fetchTickers(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]model.CompanyRef), nil
}

func (c *FilingIndexClient) fetchTickers(ctx context.Context) (map[string]model.CompanyRef, error) {
	url := c.baseURL + "/files/company_tickers.json"
	body, status, err := c.fetcher.Fetch(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apperror.NewNetworkError(url, status, fmt.Errorf("unexpected status fetching company tickers"))
	}

	var raw map[string]tickerEntry
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, apperror.NewNetworkError(url, status, fmt.Errorf("failed to decode company tickers: %w", err))
	}

	tickers := make(map[string]model.CompanyRef, len(raw))
	for _, e := range raw {
		t := model.NormalizeTicker(e.Ticker)
		if t == "" {
			continue
		}
		tickers[t] = model.CompanyRef{
			CIK:    fmt.Sprintf("%010d", e.CIK),
			Ticker: t,
			Name:   e.Title,
		}
	}

	c.mu.Lock()
	c.tickers = tickers
	c.tickersLoaded = c.now()
	c.mu.Unlock()
	c.logger.Debug("Loaded SEC ticker map", zap.Int("tickers", len(tickers)))

	return tickers, nil
}

// documentURL builds the archive URL for a filing document. Form 4 primary
// documents often point at the XSL rendering (xslF345X05/doc4.xml); the raw
// XML sits next to it without the prefix.
func (c *FilingIndexClient) documentURL(cik, accession, primaryDocument string) string {
	doc := primaryDocument
	if i := strings.LastIndex(doc, "/"); i >= 0 {
		doc = doc[i+1:]
	}
	return fmt.Sprintf("%s/Archives/edgar/data/%s/%s/%s",
		c.baseURL,
		strings.TrimLeft(cik, "0"),
		strings.ReplaceAll(accession, "-", ""),
		doc,
	)
}

func (c *FilingIndexClient) indexURL(cik, accession string) string {
	return fmt.Sprintf("%s/Archives/edgar/data/%s/%s/%s-index.htm",
		c.baseURL,
		strings.TrimLeft(cik, "0"),
		strings.ReplaceAll(accession, "-", ""),
		accession,
	)
}

func at(values []string, i int) string {
	if i < len(values) {
		return values[i]
	}
	return ""
}
