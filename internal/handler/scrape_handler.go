package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/yourorg/form4-ingest/internal/apperror"
	"github.com/yourorg/form4-ingest/internal/middleware"
	"github.com/yourorg/form4-ingest/internal/model"
	"github.com/yourorg/form4-ingest/internal/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Scraper runs ingestion for one company
type Scraper interface {
	Run(ctx context.Context, identifier string, daysBack, maxFilings int) (*model.ScrapeResult, error)
}

// BatchRunner runs ingestion for a watchlist
type BatchRunner interface {
	RunAll(ctx context.Context, watchlist []string, daysBack, maxFilingsPerCompany int) *model.BatchSummary
}

// HistoryReader lists ScrapeHistory rows
type HistoryReader interface {
	ListScrapeHistory(ctx context.Context, ticker string, limit int) ([]model.ScrapeHistory, error)
	FindStaleRuns(ctx context.Context, startedBefore time.Time) ([]model.ScrapeHistory, error)
}

// Defaults are applied to requests that leave a field empty
type Defaults struct {
	DaysBack             int
	MaxFilingsPerCompany int
	Watchlist            []string
	StaleAfter           time.Duration
}

// ScrapeHandler handles ingestion trigger requests
type ScrapeHandler struct {
	scraper  Scraper
	batch    BatchRunner
	history  HistoryReader
	defaults Defaults
	now      func() time.Time
	logger   *zap.Logger
}

// NewScrapeHandler creates a new scrape handler
func NewScrapeHandler(scraper Scraper, batch BatchRunner, history HistoryReader, defaults Defaults, logger *zap.Logger) *ScrapeHandler {
	return &ScrapeHandler{
		scraper:  scraper,
		batch:    batch,
		history:  history,
		defaults: defaults,
		now:      time.Now,
		logger:   logger,
	}
}

// Scrape ingests recent Form 4 filings for one ticker or CIK
// POST /api/v1/scrape
func (h *ScrapeHandler) Scrape(c *gin.Context) {
	var req model.ScrapeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	daysBack := req.DaysBack
	if daysBack == 0 {
		daysBack = h.defaults.DaysBack
	}
	maxFilings := req.MaxFilings
	if maxFilings == 0 {
		maxFilings = h.defaults.MaxFilingsPerCompany
	}

	result, err := h.scraper.Run(c.Request.Context(), req.Identifier, daysBack, maxFilings)
	if err != nil {
		middleware.LoggerFrom(c, h.logger).Warn("Scrape run failed", zap.String("identifier", req.Identifier), zap.Error(err))
		_ = c.Error(err)
		c.JSON(apperror.HTTPStatus(err), gin.H{
			"error":  err.Error(),
			"result": result,
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// ScrapeAll ingests every company of the watchlist
// POST /api/v1/scrape-all
func (h *ScrapeHandler) ScrapeAll(c *gin.Context) {
	var req model.BatchRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.SendErrorResponse(c, http.StatusBadRequest, err.Error())
			return
		}
	}

	watchlist := req.Watchlist
	if len(watchlist) == 0 {
		watchlist = h.defaults.Watchlist
	}
	if len(watchlist) == 0 {
		utils.SendErrorResponse(c, http.StatusBadRequest, "watchlist is empty")
		return
	}

	daysBack := req.DaysBack
	if daysBack == 0 {
		daysBack = h.defaults.DaysBack
	}
	maxFilings := req.MaxFilingsPerCompany
	if maxFilings == 0 {
		maxFilings = h.defaults.MaxFilingsPerCompany
	}

	summary := h.batch.RunAll(c.Request.Context(), watchlist, daysBack, maxFilings)
	c.JSON(http.StatusOK, summary)
}

// ListHistory returns the newest scrape runs
// GET /api/v1/scrape-history
func (h *ScrapeHandler) ListHistory(c *gin.Context) {
	ticker := c.Query("ticker")
	limit := utils.ParseLimit(c, 50, 500)

	rows, err := h.history.ListScrapeHistory(c.Request.Context(), ticker, limit)
	if err != nil {
		middleware.LoggerFrom(c, h.logger).Error("Failed to list scrape history", zap.Error(err))
		utils.SendErrorResponse(c, http.StatusInternalServerError, "Failed to retrieve scrape history")
		return
	}

	utils.SendListResponse(c, http.StatusOK, rows, len(rows))
}

// ListStale returns runs stuck in running for longer than the stale window
// GET /api/v1/scrape-history/stale
func (h *ScrapeHandler) ListStale(c *gin.Context) {
	cutoff := h.now().Add(-h.defaults.StaleAfter)

	rows, err := h.history.FindStaleRuns(c.Request.Context(), cutoff)
	if err != nil {
		middleware.LoggerFrom(c, h.logger).Error("Failed to find stale scrape runs", zap.Error(err))
		utils.SendErrorResponse(c, http.StatusInternalServerError, "Failed to retrieve stale runs")
		return
	}

	utils.SendListResponse(c, http.StatusOK, rows, len(rows))
}

// RegisterRoutes mounts the ingestion routes on a router group
func (h *ScrapeHandler) RegisterRoutes(v1 *gin.RouterGroup) {
	v1.POST("/scrape", h.Scrape)
	v1.POST("/scrape-all", h.ScrapeAll)

	history := v1.Group("/scrape-history")
	{
		history.GET("", h.ListHistory)
		history.GET("/stale", h.ListStale)
	}
}
