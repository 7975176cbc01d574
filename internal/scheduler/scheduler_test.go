package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/coin-arena/internal/config"
	"github.com/camuig/coin-arena/internal/engine"
	"github.com/camuig/coin-arena/internal/logger"
	"github.com/camuig/coin-arena/internal/storage"
	"github.com/camuig/coin-arena/internal/storage/storagetest"
)

type fakeRunner struct {
	mu       sync.Mutex
	calls    map[uint]int
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	panicFor uint
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{calls: make(map[uint]int)}
}

func (f *fakeRunner) RunCycle(_ context.Context, modelID uint) *engine.Result {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[modelID]++
	f.mu.Unlock()

	if modelID == f.panicFor {
		panic("boom")
	}
	time.Sleep(f.delay)
	return &engine.Result{ModelID: modelID, Success: true, State: engine.StateDone}
}

func (f *fakeRunner) count(modelID uint) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[modelID]
}

func seedModels(t *testing.T, mem *storagetest.Memory, n int) []uint {
	t.Helper()
	ids := make([]uint, 0, n)
	for i := 0; i < n; i++ {
		m := &storage.Model{Name: string(rune('a' + i)), Active: true}
		require.NoError(t, mem.CreateModel(context.Background(), m))
		ids = append(ids, m.ID)
	}
	return ids
}

func testConfig() config.TradingConfig {
	cfg := config.Default().Trading
	cfg.Interval = time.Hour
	cfg.RetryBackoff = 10 * time.Millisecond
	return cfg
}

func TestRun_ImmediateFirstRoundCoversActiveModels(t *testing.T) {
	mem := storagetest.NewMemory()
	ids := seedModels(t, mem, 3)
	inactive := &storage.Model{Name: "off"}
	require.NoError(t, mem.CreateModel(context.Background(), inactive))

	runner := newFakeRunner()
	s := NewScheduler(runner, mem, testConfig(), logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			if runner.count(id) != 1 {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, runner.count(inactive.ID))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRunRound_BoundedParallelism(t *testing.T) {
	mem := storagetest.NewMemory()
	seedModels(t, mem, 6)
	runner := newFakeRunner()
	runner.delay = 20 * time.Millisecond

	cfg := testConfig()
	cfg.MaxParallelModels = 2
	s := NewScheduler(runner, mem, cfg, logger.Nop())

	require.NoError(t, s.runRound(context.Background()))
	assert.LessOrEqual(t, runner.peak.Load(), int32(2))
	assert.GreaterOrEqual(t, runner.peak.Load(), int32(1))
}

func TestRunRound_ModelPanicIsContained(t *testing.T) {
	mem := storagetest.NewMemory()
	ids := seedModels(t, mem, 2)
	runner := newFakeRunner()
	runner.panicFor = ids[0]
	s := NewScheduler(runner, mem, testConfig(), logger.Nop())

	require.NoError(t, s.runRound(context.Background()))
	assert.Equal(t, 1, runner.count(ids[1]))
}

func TestRunRound_ListFailure(t *testing.T) {
	mem := storagetest.NewMemory()
	mem.Fail["ListActiveModels"] = errors.New("database is locked")
	s := NewScheduler(newFakeRunner(), mem, testConfig(), logger.Nop())

	err := s.runRound(context.Background())
	assert.ErrorContains(t, err, "list active models")
}

func TestTick_BacksOffAfterFailure(t *testing.T) {
	mem := storagetest.NewMemory()
	mem.Fail["ListActiveModels"] = errors.New("database is locked")
	cfg := testConfig()
	cfg.RetryBackoff = 50 * time.Millisecond
	s := NewScheduler(newFakeRunner(), mem, cfg, logger.Nop())

	start := time.Now()
	s.tick(context.Background())
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestTick_BackoffStopsOnCancel(t *testing.T) {
	mem := storagetest.NewMemory()
	mem.Fail["ListActiveModels"] = errors.New("database is locked")
	cfg := testConfig()
	cfg.RetryBackoff = time.Hour
	s := NewScheduler(newFakeRunner(), mem, cfg, logger.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.backoff(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("backoff ignored cancellation")
	}
}

func TestTrigger(t *testing.T) {
	mem := storagetest.NewMemory()
	ids := seedModels(t, mem, 1)
	runner := newFakeRunner()
	s := NewScheduler(runner, mem, testConfig(), logger.Nop())

	res, err := s.Trigger(context.Background(), ids[0])
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, runner.count(ids[0]))

	_, err = s.Trigger(context.Background(), 999)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
