package model

import (
	"time"
)

// ScrapeStatus is the lifecycle state of a ScrapeHistory row
type ScrapeStatus string

const (
	ScrapeStatusRunning ScrapeStatus = "running"
	ScrapeStatusSuccess ScrapeStatus = "success"
	ScrapeStatusFailed  ScrapeStatus = "failed"
)

// ScrapeHistory is the audit row written for every ingestion run
type ScrapeHistory struct {
	ID              int64        `json:"id" db:"id"`
	Ticker          string       `json:"ticker" db:"ticker"`
	StartedAt       time.Time    `json:"started_at" db:"started_at"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty" db:"completed_at"`
	Status          ScrapeStatus `json:"status" db:"status"`
	FilingsFound    int          `json:"filings_found" db:"filings_found"`
	TradesCreated   int          `json:"trades_created" db:"trades_created"`
	ErrorMessage    *string      `json:"error_message,omitempty" db:"error_message"`
	DurationSeconds *float64     `json:"duration_seconds,omitempty" db:"duration_seconds"`
}

// Finalize moves a running row into a terminal state
func (h *ScrapeHistory) Finalize(status ScrapeStatus, completedAt time.Time, errMsg string) {
	h.Status = status
	h.CompletedAt = &completedAt
	duration := completedAt.Sub(h.StartedAt).Seconds()
	h.DurationSeconds = &duration
	if errMsg != "" {
		h.ErrorMessage = &errMsg
	} else {
		h.ErrorMessage = nil
	}
}

// FilingRef points at one Form 4 filing in the EDGAR archive
type FilingRef struct {
	AccessionNumber string    `json:"accession_number"`
	CIK             string    `json:"cik"`
	Form            string    `json:"form"`
	FilingDate      time.Time `json:"filing_date"`
	ReportDate      time.Time `json:"report_date,omitempty"`
	PrimaryDocument string    `json:"primary_document"`
	DocumentURL     string    `json:"document_url"`
	IndexURL        string    `json:"index_url"`
}

// CompanyRef is the filer an identifier resolved to
type CompanyRef struct {
	CIK    string `json:"cik"`
	Ticker string `json:"ticker"`
	Name   string `json:"name"`
}

// ScrapeRequest triggers ingestion for one company
type ScrapeRequest struct {
	Identifier string `json:"identifier" binding:"required"`
	DaysBack   int    `json:"days_back" binding:"omitempty,min=1,max=3650"`
	MaxFilings int    `json:"max_filings" binding:"omitempty,min=1,max=1000"`
}

// BatchRequest triggers ingestion for a watchlist
type BatchRequest struct {
	Watchlist            []string `json:"watchlist" binding:"omitempty,dive,required"`
	DaysBack             int      `json:"days_back" binding:"omitempty,min=1,max=3650"`
	MaxFilingsPerCompany int      `json:"max_filings_per_company" binding:"omitempty,min=1,max=1000"`
}

// ScrapeResult summarises one orchestrator run
type ScrapeResult struct {
	HistoryID        int64         `json:"history_id"`
	Identifier       string        `json:"identifier"`
	Ticker           string        `json:"ticker,omitempty"`
	CIK              string        `json:"cik,omitempty"`
	Status           ScrapeStatus  `json:"status"`
	FilingsFound     int           `json:"filings_found"`
	FilingsProcessed int           `json:"filings_processed"`
	TradesCreated    int           `json:"trades_created"`
	Errors           []string      `json:"errors"`
	Duration         time.Duration `json:"duration"`
}

// CompanyFailure records why one watchlist entry failed
type CompanyFailure struct {
	Identifier string `json:"identifier"`
	Error      string `json:"error"`
}

// BatchSummary aggregates a watchlist run
type BatchSummary struct {
	RunID        string           `json:"run_id"`
	StartedAt    time.Time        `json:"started_at"`
	Duration     time.Duration    `json:"duration"`
	Succeeded    []string         `json:"succeeded"`
	Failed       []CompanyFailure `json:"failed"`
	TotalFilings int              `json:"total_filings"`
	TotalTrades  int              `json:"total_trades"`
}
