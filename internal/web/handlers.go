package web

import (
	"cmp"
	"context"
	"errors"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/camuig/coin-arena/internal/backtest"
	"github.com/camuig/coin-arena/internal/ledger"
	"github.com/camuig/coin-arena/internal/market"
	"github.com/camuig/coin-arena/internal/risk"
	"github.com/camuig/coin-arena/internal/storage"
)

const (
	defaultListLimit  = 50
	maxListLimit      = 1000
	maxHistoryDays    = 365
	leaderboardTrades = 100
	closeAllSignal    = "manual_close"
)

func (s *Server) handleModels(c *gin.Context) {
	models, err := s.svc.Store.ListModels(c.Request.Context())
	if err != nil {
		s.internalError(c, "list models", err)
		return
	}
	c.JSON(http.StatusOK, models)
}

func (s *Server) handleModel(c *gin.Context) {
	id, ok := modelID(c)
	if !ok {
		return
	}
	model, err := s.svc.Store.GetModel(c.Request.Context(), id)
	if err != nil {
		s.modelError(c, err)
		return
	}
	c.JSON(http.StatusOK, model)
}

type createModelRequest struct {
	Name           string  `json:"name" binding:"required"`
	APIKey         string  `json:"api_key"`
	APIURL         string  `json:"api_url"`
	ModelName      string  `json:"model_name"`
	InitialCapital float64 `json:"initial_capital"`
	SystemPrompt   string  `json:"system_prompt"`
	Active         *bool   `json:"active"`
}

func (s *Server) handleCreateModel(c *gin.Context) {
	var req createModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	model := &storage.Model{
		Name:           strings.TrimSpace(req.Name),
		APIKey:         req.APIKey,
		APIURL:         req.APIURL,
		ModelName:      req.ModelName,
		InitialCapital: req.InitialCapital,
		SystemPrompt:   req.SystemPrompt,
		Active:         req.Active == nil || *req.Active,
	}
	if model.InitialCapital == 0 {
		model.InitialCapital = s.config.Trading.InitialCapital
	}
	if model.Name == "" || model.InitialCapital < 0 || math.IsNaN(model.InitialCapital) || math.IsInf(model.InitialCapital, 0) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and a positive initial_capital are required"})
		return
	}
	if !s.nameAvailable(c, model.Name, 0) {
		return
	}

	if err := s.svc.Store.CreateModel(ctx, model); err != nil {
		s.internalError(c, "create model", err)
		return
	}
	s.logger.Info("model created", "model_id", model.ID, "name", model.Name, "initial_capital", model.InitialCapital)
	c.JSON(http.StatusCreated, model)
}

func (s *Server) handleUpdateModel(c *gin.Context) {
	id, ok := modelID(c)
	if !ok {
		return
	}
	var changes storage.ModelChanges
	if err := c.ShouldBindJSON(&changes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(changes.Columns()) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no changes"})
		return
	}
	if changes.Name != nil {
		name := strings.TrimSpace(*changes.Name)
		if name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "name must not be empty"})
			return
		}
		if !s.nameAvailable(c, name, id) {
			return
		}
		changes.Name = &name
	}

	ctx := c.Request.Context()
	if err := s.svc.Store.UpdateModel(ctx, id, changes); err != nil {
		s.modelError(c, err)
		return
	}
	model, err := s.svc.Store.GetModel(ctx, id)
	if err != nil {
		s.modelError(c, err)
		return
	}
	s.logger.Info("model updated", "model_id", id, "fields", strings.Join(lo.Keys(changes.Columns()), ","))
	c.JSON(http.StatusOK, model)
}

// nameAvailable writes 409 when another model already uses name.
func (s *Server) nameAvailable(c *gin.Context, name string, self uint) bool {
	models, err := s.svc.Store.ListModels(c.Request.Context())
	if err != nil {
		s.internalError(c, "list models", err)
		return false
	}
	if lo.ContainsBy(models, func(m storage.Model) bool { return m.Name == name && m.ID != self }) {
		c.JSON(http.StatusConflict, gin.H{"error": "model name already exists"})
		return false
	}
	return true
}

type activeRequest struct {
	Active *bool `json:"active" binding:"required"`
}

func (s *Server) handleSetActive(c *gin.Context) {
	id, ok := modelID(c)
	if !ok {
		return
	}
	var req activeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.svc.Store.SetModelActive(c.Request.Context(), id, *req.Active); err != nil {
		s.modelError(c, err)
		return
	}
	s.logger.Info("model activity changed", "model_id", id, "active", *req.Active)
	c.JSON(http.StatusOK, gin.H{"id": id, "active": *req.Active})
}

func (s *Server) handleDeleteModel(c *gin.Context) {
	id, ok := modelID(c)
	if !ok {
		return
	}
	if err := s.svc.Store.DeleteModel(c.Request.Context(), id); err != nil {
		s.modelError(c, err)
		return
	}
	s.logger.Info("model deleted", "model_id", id)
	c.Status(http.StatusNoContent)
}

func (s *Server) handlePortfolio(c *gin.Context) {
	id, ok := modelID(c)
	if !ok {
		return
	}
	view, ok := s.snapshot(c, id)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleTrades(c *gin.Context) {
	id, ok := modelID(c)
	if !ok {
		return
	}
	trades, err := s.svc.Store.ListTrades(c.Request.Context(), id, listLimit(c))
	if err != nil {
		s.internalError(c, "list trades", err)
		return
	}
	c.JSON(http.StatusOK, trades)
}

func (s *Server) handleConversations(c *gin.Context) {
	id, ok := modelID(c)
	if !ok {
		return
	}
	convs, err := s.svc.Store.ListConversations(c.Request.Context(), id, listLimit(c))
	if err != nil {
		s.internalError(c, "list conversations", err)
		return
	}
	c.JSON(http.StatusOK, convs)
}

func (s *Server) handleAccountValues(c *gin.Context) {
	id, ok := modelID(c)
	if !ok {
		return
	}
	values, err := s.svc.Store.ListAccountValues(c.Request.Context(), id, listLimit(c))
	if err != nil {
		s.internalError(c, "list account values", err)
		return
	}
	c.JSON(http.StatusOK, values)
}

func (s *Server) handleRisk(c *gin.Context) {
	id, ok := modelID(c)
	if !ok {
		return
	}
	view, ok := s.snapshot(c, id)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.svc.Risk.Metrics(c.Request.Context(), view))
}

func (s *Server) handlePerformance(c *gin.Context) {
	id, ok := modelID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	model, err := s.svc.Store.GetModel(ctx, id)
	if err != nil {
		s.modelError(c, err)
		return
	}
	trades, err := s.svc.Store.ListTrades(ctx, id, maxListLimit)
	if err != nil {
		s.internalError(c, "list trades", err)
		return
	}
	history, err := s.svc.Store.ListAccountValues(ctx, id, s.config.Risk.HistoryLimit)
	if err != nil {
		s.internalError(c, "list account values", err)
		return
	}
	c.JSON(http.StatusOK, risk.Analyze(trades, history, model.InitialCapital))
}

// handlePositionSize checks a proposed quantity of coin against the sizing rules.
func (s *Server) handlePositionSize(c *gin.Context) {
	id, ok := modelID(c)
	if !ok {
		return
	}
	coin := strings.ToUpper(c.Query("coin"))
	if !s.config.IsSupported(coin) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported coin"})
		return
	}
	quantity, err := strconv.ParseFloat(c.Query("quantity"), 64)
	if err != nil || quantity <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid quantity"})
		return
	}
	riskPerTrade, _ := strconv.ParseFloat(c.Query("risk_per_trade"), 64)

	prices := s.currentPrices(c)
	price, ok := prices[coin]
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no price for " + coin})
		return
	}
	view, ok := s.snapshotAt(c, id, prices)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"coin":           coin,
		"price":          price,
		"check":          s.svc.Risk.CheckPositionSize(view, quantity, price),
		"optimal_amount": s.svc.Risk.OptimalPositionSize(view, riskPerTrade),
	})
}

func (s *Server) handleExecute(c *gin.Context) {
	id, ok := modelID(c)
	if !ok {
		return
	}
	res, err := s.svc.Trigger.Trigger(c.Request.Context(), id)
	if err != nil {
		s.modelError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleCloseAll(c *gin.Context) {
	id, ok := modelID(c)
	if !ok {
		return
	}
	out, err := s.svc.Liquidator.CloseAll(c.Request.Context(), id, closeAllSignal)
	if err != nil {
		s.modelError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type leaderboardEntry struct {
	ModelID     uint    `json:"model_id"`
	ModelName   string  `json:"model_name"`
	TotalValue  float64 `json:"total_value"`
	TotalReturn float64 `json:"total_return"`
	SharpeRatio float64 `json:"sharpe_ratio"`
	WinRate     float64 `json:"win_rate"`
	MaxDrawdown float64 `json:"max_drawdown"`
	TotalTrades int     `json:"total_trades"`
}

var leaderboardOrder = map[string]func(a, b leaderboardEntry) int{
	"returns":  func(a, b leaderboardEntry) int { return cmp.Compare(b.TotalReturn, a.TotalReturn) },
	"sharpe":   func(a, b leaderboardEntry) int { return cmp.Compare(b.SharpeRatio, a.SharpeRatio) },
	"win_rate": func(a, b leaderboardEntry) int { return cmp.Compare(b.WinRate, a.WinRate) },
	"drawdown": func(a, b leaderboardEntry) int { return cmp.Compare(a.MaxDrawdown, b.MaxDrawdown) },
}

// handleLeaderboard ranks every model; sort_by is returns (default), sharpe, win_rate or drawdown.
func (s *Server) handleLeaderboard(c *gin.Context) {
	order, ok := leaderboardOrder[c.DefaultQuery("sort_by", "returns")]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sort_by must be one of returns, sharpe, win_rate, drawdown"})
		return
	}
	ctx := c.Request.Context()
	models, err := s.svc.Store.ListModels(ctx)
	if err != nil {
		s.internalError(c, "list models", err)
		return
	}

	prices := s.currentPrices(c)
	board := make([]leaderboardEntry, 0, len(models))
	for _, m := range models {
		entry, err := s.leaderboardEntry(ctx, m, prices)
		if err != nil {
			s.internalError(c, "rank model", err)
			return
		}
		board = append(board, entry)
	}
	slices.SortStableFunc(board, order)
	c.JSON(http.StatusOK, board)
}

func (s *Server) leaderboardEntry(ctx context.Context, m storage.Model, prices map[string]float64) (leaderboardEntry, error) {
	view, err := ledger.New(s.svc.Store, m.ID).Snapshot(ctx, prices)
	if err != nil {
		return leaderboardEntry{}, err
	}
	trades, err := s.svc.Store.ListTrades(ctx, m.ID, leaderboardTrades)
	if err != nil {
		return leaderboardEntry{}, err
	}
	history, err := s.svc.Store.ListAccountValues(ctx, m.ID, s.config.Risk.HistoryLimit)
	if err != nil {
		return leaderboardEntry{}, err
	}
	report := risk.Analyze(trades, history, m.InitialCapital)

	entry := leaderboardEntry{
		ModelID:     m.ID,
		ModelName:   m.Name,
		TotalValue:  view.TotalValue,
		SharpeRatio: report.Risk.SharpeRatio,
		WinRate:     report.Trading.WinRate,
		MaxDrawdown: report.Risk.MaxDrawdown,
		TotalTrades: len(trades),
	}
	if m.InitialCapital > 0 {
		entry.TotalReturn = (view.TotalValue - m.InitialCapital) / m.InitialCapital * 100
	}
	return entry, nil
}

func (s *Server) handleHistorical(c *gin.Context) {
	coin := strings.ToUpper(c.Param("coin"))
	if !s.config.IsSupported(coin) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported coin"})
		return
	}
	days, err := strconv.Atoi(c.DefaultQuery("days", strconv.Itoa(s.config.Indicators.HistoryDays)))
	if err != nil || days < 1 || days > maxHistoryDays {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be within [1, 365]"})
		return
	}
	points := s.svc.History.GetHistoricalPrices(c.Request.Context(), coin, days)
	if points == nil {
		points = []market.PricePoint{}
	}
	c.JSON(http.StatusOK, points)
}

type backtestRequest struct {
	// ModelID replays a stored model; otherwise the inline settings are used.
	ModelID        uint     `json:"model_id"`
	APIKey         string   `json:"api_key"`
	APIURL         string   `json:"api_url"`
	ModelName      string   `json:"model_name"`
	SystemPrompt   string   `json:"system_prompt"`
	Coins          []string `json:"coins"`
	Days           int      `json:"days"`
	InitialCapital float64  `json:"initial_capital"`
}

func (s *Server) handleBacktest(c *gin.Context) {
	var req backtestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	model := &storage.Model{
		Name:         "backtest",
		APIKey:       req.APIKey,
		APIURL:       req.APIURL,
		ModelName:    req.ModelName,
		SystemPrompt: req.SystemPrompt,
	}
	if req.ModelID != 0 {
		stored, err := s.svc.Store.GetModel(ctx, req.ModelID)
		if err != nil {
			s.modelError(c, err)
			return
		}
		model = stored
		if req.InitialCapital == 0 {
			req.InitialCapital = stored.InitialCapital
		}
	}

	res, err := s.svc.Backtester.Run(ctx, backtest.Request{
		Model:          model,
		Coins:          lo.Map(req.Coins, func(coin string, _ int) string { return strings.ToUpper(strings.TrimSpace(coin)) }),
		Days:           req.Days,
		InitialCapital: req.InitialCapital,
	})
	switch {
	case errors.Is(err, backtest.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, backtest.ErrNoHistory):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case err != nil:
		s.internalError(c, "run backtest", err)
	default:
		c.JSON(http.StatusOK, res)
	}
}

func (s *Server) handlePrices(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Prices.GetCurrentPrices(c.Request.Context(), s.config.Trading.Coins))
}

func (s *Server) currentPrices(c *gin.Context) map[string]float64 {
	quotes := s.svc.Prices.GetCurrentPrices(c.Request.Context(), s.config.Trading.Coins)
	return lo.MapValues(quotes, func(q market.Quote, _ string) float64 { return q.Price })
}

func (s *Server) snapshot(c *gin.Context, id uint) (*ledger.Portfolio, bool) {
	return s.snapshotAt(c, id, s.currentPrices(c))
}

func (s *Server) snapshotAt(c *gin.Context, id uint, prices map[string]float64) (*ledger.Portfolio, bool) {
	view, err := ledger.New(s.svc.Store, id).Snapshot(c.Request.Context(), prices)
	if err != nil {
		s.modelError(c, err)
		return nil, false
	}
	return view, true
}

func modelID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid model id"})
		return 0, false
	}
	return uint(id), true
}

func listLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	return min(limit, maxListLimit)
}

func (s *Server) modelError(c *gin.Context, err error) {
	if ledger.IsNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": "model not found"})
		return
	}
	s.internalError(c, "load model", err)
}

func (s *Server) internalError(c *gin.Context, op string, err error) {
	s.logger.Error(op, "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
