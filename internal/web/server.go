package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/camuig/coin-arena/internal/backtest"
	"github.com/camuig/coin-arena/internal/config"
	"github.com/camuig/coin-arena/internal/engine"
	"github.com/camuig/coin-arena/internal/ledger"
	"github.com/camuig/coin-arena/internal/logger"
	"github.com/camuig/coin-arena/internal/market"
	"github.com/camuig/coin-arena/internal/risk"
	"github.com/camuig/coin-arena/internal/storage"
)

type Store interface {
	ledger.Store
	CreateModel(ctx context.Context, m *storage.Model) error
	ListModels(ctx context.Context) ([]storage.Model, error)
	UpdateModel(ctx context.Context, id uint, changes storage.ModelChanges) error
	SetModelActive(ctx context.Context, id uint, active bool) error
	DeleteModel(ctx context.Context, id uint) error
	ListTrades(ctx context.Context, modelID uint, limit int) ([]storage.Trade, error)
	ListConversations(ctx context.Context, modelID uint, limit int) ([]storage.Conversation, error)
	ListAccountValues(ctx context.Context, modelID uint, limit int) ([]storage.AccountValue, error)
}

type Prices interface {
	GetCurrentPrices(ctx context.Context, coins []string) map[string]market.Quote
}

type History interface {
	GetHistoricalPrices(ctx context.Context, coin string, days int) []market.PricePoint
}

type RiskReporter interface {
	Metrics(ctx context.Context, view *ledger.Portfolio) risk.Metrics
	CheckPositionSize(view *ledger.Portfolio, quantity, price float64) risk.SizeCheck
	OptimalPositionSize(view *ledger.Portfolio, riskPerTrade float64) float64
}

type Trigger interface {
	Trigger(ctx context.Context, modelID uint) (*engine.Result, error)
}

type Liquidator interface {
	CloseAll(ctx context.Context, modelID uint, signal string) (*engine.Liquidation, error)
}

type Backtester interface {
	Run(ctx context.Context, req backtest.Request) (*backtest.Result, error)
}

// Services are the collaborators behind the API.
type Services struct {
	Store      Store
	Prices     Prices
	History    History
	Risk       RiskReporter
	Trigger    Trigger
	Liquidator Liquidator
	Backtester Backtester
}

type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	svc        Services
	config     *config.Config
	logger     *logger.Logger
}

func NewServer(svc Services, cfg *config.Config, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		svc:    svc,
		config: cfg,
		logger: log,
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	s.register(r.Group("/api"))
	s.engine = r

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Web.Port),
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		// A manual cycle waits on the LLM; backtests make one call per step and are bounded
		// by the request context instead.
		WriteTimeout: cfg.AI.Timeout*time.Duration(max(cfg.AI.MaxAttempts, 1)) + 30*time.Second,
	}

	return s
}

func (s *Server) register(api *gin.RouterGroup) {
	api.GET("/models", s.handleModels)
	api.POST("/models", s.handleCreateModel)
	models := api.Group("/models/:id")
	models.GET("", s.handleModel)
	models.PUT("", s.handleUpdateModel)
	models.PATCH("", s.handleSetActive)
	models.DELETE("", s.handleDeleteModel)
	models.GET("/portfolio", s.handlePortfolio)
	models.GET("/trades", s.handleTrades)
	models.GET("/conversations", s.handleConversations)
	models.GET("/account-values", s.handleAccountValues)
	models.GET("/risk", s.handleRisk)
	models.GET("/performance", s.handlePerformance)
	models.GET("/position-size", s.handlePositionSize)
	models.POST("/execute", s.handleExecute)
	models.POST("/close-all", s.handleCloseAll)
	api.GET("/leaderboard", s.handleLeaderboard)
	api.GET("/market/prices", s.handlePrices)
	api.GET("/market/historical/:coin", s.handleHistorical)
	api.POST("/backtest", s.handleBacktest)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start).String())
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Start() error {
	s.logger.Info("web server starting", "port", s.config.Web.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
