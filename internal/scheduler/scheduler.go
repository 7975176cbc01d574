package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/camuig/coin-arena/internal/config"
	"github.com/camuig/coin-arena/internal/engine"
	"github.com/camuig/coin-arena/internal/logger"
	"github.com/camuig/coin-arena/internal/storage"
)

type CycleRunner interface {
	RunCycle(ctx context.Context, modelID uint) *engine.Result
}

type ModelLister interface {
	ListActiveModels(ctx context.Context) ([]storage.Model, error)
	GetModel(ctx context.Context, id uint) (*storage.Model, error)
}

type Scheduler struct {
	runner CycleRunner
	models ModelLister
	config config.TradingConfig
	logger *logger.Logger
}

func NewScheduler(runner CycleRunner, models ModelLister, cfg config.TradingConfig, log *logger.Logger) *Scheduler {
	return &Scheduler{
		runner: runner,
		models: models,
		config: cfg,
		logger: log,
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	interval := s.config.Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "interval", interval.String(), "max_parallel_models", s.config.MaxParallelModels)

	// Run immediately on start
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one round and backs off after a scheduler-level failure.
func (s *Scheduler) tick(ctx context.Context) {
	if err := s.runRound(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("scheduler round failed, backing off", "error", err, "backoff", s.config.RetryBackoff.String())
		s.backoff(ctx)
	}
}

func (s *Scheduler) backoff(ctx context.Context) {
	if s.config.RetryBackoff <= 0 {
		return
	}
	t := time.NewTimer(s.config.RetryBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// runRound cycles every active model, bounded by MaxParallelModels.
func (s *Scheduler) runRound(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in scheduler round", "panic", fmt.Sprint(r))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	models, err := s.models.ListActiveModels(ctx)
	if err != nil {
		return fmt.Errorf("list active models: %w", err)
	}
	if len(models) == 0 {
		s.logger.Info("no active models, skipping round")
		return nil
	}

	s.logger.Info("starting trading round", "models", len(models))

	var g errgroup.Group
	if s.config.MaxParallelModels > 0 {
		g.SetLimit(s.config.MaxParallelModels)
	}
	for _, m := range models {
		g.Go(func() error {
			s.runModel(ctx, m.ID)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) runModel(ctx context.Context, modelID uint) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in model cycle", "model_id", modelID, "panic", fmt.Sprint(r))
		}
	}()

	res := s.runner.RunCycle(ctx, modelID)
	if res != nil && !res.Success {
		s.logger.Warn("model cycle failed", "model_id", modelID, "cycle_id", res.CycleID, "error", res.Error)
	}
}

// Trigger runs one cycle for the model on demand, sharing the model's lock with the
// scheduled cycles.
func (s *Scheduler) Trigger(ctx context.Context, modelID uint) (*engine.Result, error) {
	if _, err := s.models.GetModel(ctx, modelID); err != nil {
		return nil, fmt.Errorf("get model: %w", err)
	}
	res := s.runner.RunCycle(ctx, modelID)
	if res == nil {
		return nil, errors.New("cycle produced no result")
	}
	return res, nil
}
