// Command closeall closes every open position at current prices.
//
// When the bot's web API answers at -addr, positions are closed through it so each model's
// cycle lock is held during the close. Otherwise the database is written directly, which
// is only safe while the bot is stopped.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/samber/lo"

	"github.com/camuig/coin-arena/internal/config"
	"github.com/camuig/coin-arena/internal/executor"
	"github.com/camuig/coin-arena/internal/ledger"
	"github.com/camuig/coin-arena/internal/logger"
	"github.com/camuig/coin-arena/internal/market"
	"github.com/camuig/coin-arena/internal/storage"
)

const closeSignal = "manual_close"

type tally struct {
	closed, skipped, failed int
}

func (t *tally) add(results []executor.Execution) {
	for _, x := range results {
		switch {
		case x.Success:
			fmt.Printf("  [OK]   %s %s: closed @ %.4f, P&L %.2f\n", x.Coin, x.Side, x.Price, x.PnL)
			t.closed++
		case x.Price == 0:
			fmt.Fprintf(os.Stderr, "  [SKIP] %s %s: %s\n", x.Coin, x.Side, x.Error)
			t.skipped++
		default:
			fmt.Fprintf(os.Stderr, "  [FAIL] %s %s: %s\n", x.Coin, x.Side, x.Error)
			t.failed++
		}
	}
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	modelName := flag.String("model", "", "close positions of this model only (default: all models)")
	dryRun := flag.Bool("dry-run", false, "show positions without closing")
	addr := flag.String("addr", "", "bot web API address (default: http://127.0.0.1:<web.port>)")
	direct := flag.Bool("direct", false, "write the database directly; the bot must be stopped")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	ctx := context.Background()

	if *addr == "" {
		*addr = fmt.Sprintf("http://127.0.0.1:%d", cfg.Web.Port)
	}

	var t tally
	if !*direct {
		bot := newBotClient(*addr, time.Minute)
		err = closeViaBot(ctx, bot, *modelName, *dryRun, &t)
		if errors.Is(err, errBotDown) {
			fmt.Fprintf(os.Stderr, "bot API not reachable at %s, writing the database directly (the bot must be stopped)\n", *addr)
			err = closeDirect(ctx, cfg, log, *modelName, *dryRun, &t)
		}
	} else {
		err = closeDirect(ctx, cfg, log, *modelName, *dryRun, &t)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "closeall error: %v\n", err)
		os.Exit(1)
	}

	if *dryRun {
		fmt.Println("Dry run: no positions closed.")
		return
	}
	fmt.Printf("\nDone: %d closed, %d skipped, %d failed.\n", t.closed, t.skipped, t.failed)
	if t.failed > 0 {
		os.Exit(1)
	}
}

func selectModels(models []storage.Model, name string) ([]storage.Model, error) {
	if name == "" {
		return models, nil
	}
	m, ok := lo.Find(models, func(m storage.Model) bool { return m.Name == name })
	if !ok {
		return nil, fmt.Errorf("model %q: %w", name, storage.ErrNotFound)
	}
	return []storage.Model{m}, nil
}

func closeViaBot(ctx context.Context, bot *botClient, name string, dryRun bool, t *tally) error {
	all, err := bot.Models(ctx)
	if err != nil {
		return err
	}
	models, err := selectModels(all, name)
	if err != nil {
		return err
	}

	for _, m := range models {
		view, err := bot.Portfolio(ctx, m.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[%s] portfolio error: %v\n", m.Name, err)
			t.failed++
			continue
		}
		if !printPositions(m.Name, view) || dryRun {
			continue
		}
		out, err := bot.CloseAll(ctx, m.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[%s] close-all error: %v\n", m.Name, err)
			t.failed++
			continue
		}
		t.add(out.Closed)
	}
	return nil
}

func closeDirect(ctx context.Context, cfg *config.Config, log *logger.Logger, name string, dryRun bool, t *tally) error {
	db, err := storage.NewDatabase(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	repo := storage.NewRepository(db)

	all, err := repo.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	models, err := selectModels(all, name)
	if err != nil {
		return err
	}

	cache := market.NewCache(ctx, repo, log)
	priceSources, historySources, limiters := market.NewSources(cfg.Market)
	agg := market.NewAggregator(cache, limiters, priceSources, historySources, cfg.Market, log)
	quotes := agg.GetCurrentPrices(ctx, cfg.Trading.Coins)
	prices := lo.MapValues(quotes, func(q market.Quote, _ string) float64 { return q.Price })
	exec := executor.NewExecutor(nil, cfg.Trading, log)

	for _, m := range models {
		book := ledger.New(repo, m.ID)
		view, err := book.Snapshot(ctx, prices)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[%s] snapshot error: %v\n", m.Name, err)
			t.failed++
			continue
		}
		if !printPositions(m.Name, view) || dryRun {
			continue
		}

		t.add(exec.CloseAll(ctx, m.Name, book, view, prices, closeSignal))

		after, err := book.Snapshot(ctx, prices)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[%s] snapshot error: %v\n", m.Name, err)
			t.failed++
			continue
		}
		if err := book.RecordSnapshot(ctx, after.TotalValue, after.Cash, after.PositionsValue); err != nil {
			fmt.Fprintf(os.Stderr, "[%s] record snapshot error: %v\n", m.Name, err)
			t.failed++
		}
	}
	return nil
}

// printPositions reports whether the model has anything to close.
func printPositions(name string, view *ledger.Portfolio) bool {
	if len(view.Positions) == 0 {
		fmt.Printf("[%s] No open positions.\n", name)
		return false
	}
	fmt.Printf("[%s] Found %d position(s):\n\n", name, len(view.Positions))
	for _, p := range view.Positions {
		cur := "n/a"
		if p.CurrentPrice != nil {
			cur = fmt.Sprintf("%.4f", *p.CurrentPrice)
		}
		fmt.Printf("  %s %s: %.4f @ %.4f (%dx), current %s, P&L %.2f\n",
			p.Coin, p.Side, p.Quantity, p.AvgPrice, p.Leverage, cur, p.PnL)
	}
	fmt.Println()
	return true
}
