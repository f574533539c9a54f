// Package pipeline drives the parallel refresh of moving-average metrics for
// the whole ticker universe and publishes the aggregated snapshot.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	appconfig "maflow/config"
	"maflow/internal/aggregate"
	"maflow/internal/metric"
	"maflow/internal/provider"
	"maflow/internal/publish"
	"maflow/internal/universe"
	"maflow/logger"
)

// RunState tracks where a refresh run currently is.
type RunState string

const (
	StateIdle             RunState = "IDLE"
	StateResolvingTickers RunState = "RESOLVING_UNIVERSE"
	StateFetching         RunState = "FETCHING"
	StateAggregating      RunState = "AGGREGATING"
	StatePublishing       RunState = "PUBLISHING"
	StateSucceeded        RunState = "SUCCEEDED"
	StateFailed           RunState = "FAILED"
)

var (
	// ErrAllTickersFailed means no ticker in the universe produced a metric.
	ErrAllTickersFailed = errors.New("every ticker in the universe failed")

	// ErrSuccessRateBelowFloor means too few tickers succeeded to publish a
	// trustworthy snapshot.
	ErrSuccessRateBelowFloor = errors.New("success rate below configured floor")
)

// TickerFailure records one ticker that produced no metric this run.
type TickerFailure struct {
	Symbol string
	Err    error
}

// Result is the outcome of one refresh run.
type Result struct {
	RunID    string
	Record   aggregate.PublishedRecord
	Failures []TickerFailure
	Elapsed  time.Duration
}

// Archiver persists the per-ticker metrics of a completed run. Archive
// failures never fail the run.
type Archiver interface {
	Archive(ctx context.Context, runID string, metrics []metric.StockMetric) error
}

// Notifier is told about completed runs so it can alert on interesting ones.
type Notifier interface {
	RunCompleted(ctx context.Context, record aggregate.PublishedRecord)
}

// MultiNotifier fans run completions out to several notifiers.
type MultiNotifier []Notifier

func (m MultiNotifier) RunCompleted(ctx context.Context, record aggregate.PublishedRecord) {
	for _, n := range m {
		n.RunCompleted(ctx, record)
	}
}

// Runner drives one full refresh: resolve the universe, fetch history and
// compute metrics across a bounded worker pool, aggregate, then publish the
// snapshot to every configured store.
type Runner struct {
	cfg        *appconfig.Config
	provider   provider.HistoryProvider
	publishers []publish.Publisher
	lock       *RunLock
	archiver   Archiver
	notifier   Notifier
	policy     RetryPolicy
	log        *logger.Log

	mu    sync.RWMutex
	state RunState
}

type job struct {
	symbol string
}

type outcome struct {
	symbol string
	metric metric.StockMetric
	err    error
}

func NewRunner(cfg *appconfig.Config, prov provider.HistoryProvider, publishers []publish.Publisher) *Runner {
	r := &Runner{
		cfg:        cfg,
		provider:   prov,
		publishers: publishers,
		lock:       NewRunLock(cfg.Pipeline.RunLock),
		policy:     policyFromConfig(cfg.Pipeline.Retry),
		log:        logger.GetLogger(),
		state:      StateIdle,
	}
	r.log.WithComponent("pipeline").WithFields(logger.Fields{
		"workers":   cfg.Pipeline.MaxWorkers,
		"ma_period": cfg.Pipeline.MAPeriod,
	}).Info("pipeline runner initialized")
	return r
}

// WithArchiver attaches a run archiver.
func (r *Runner) WithArchiver(a Archiver) *Runner {
	r.archiver = a
	return r
}

// WithNotifier attaches a run notifier.
func (r *Runner) WithNotifier(n Notifier) *Runner {
	r.notifier = n
	return r
}

// State returns the runner's current phase.
func (r *Runner) State() RunState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Runner) setState(s RunState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Run executes one refresh end to end. Per-ticker failures are logged and
// omitted from the snapshot; only a fully failed universe, a success rate
// below the floor, or a publish failure fail the run.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if err := r.lock.Acquire(ctx); err != nil {
		return nil, err
	}
	defer r.lock.Release(ctx)

	runID := uuid.New().String()
	start := time.Now()
	log := r.log.WithComponent("pipeline").WithFields(logger.Fields{"run_id": runID})
	log.Info("refresh run starting")

	r.setState(StateResolvingTickers)
	symbols := universe.Resolve(r.cfg.Universe.Base, r.cfg.Universe.Custom)
	if len(symbols) == 0 {
		r.setState(StateFailed)
		return nil, fmt.Errorf("run %s: empty ticker universe", runID)
	}
	log.WithFields(logger.Fields{"tickers": len(symbols)}).Info("universe resolved")

	r.setState(StateFetching)
	metrics, failures := r.fetchAll(ctx, symbols)
	if err := ctx.Err(); err != nil {
		r.setState(StateFailed)
		return nil, fmt.Errorf("run %s cancelled: %w", runID, err)
	}

	for _, f := range failures {
		logger.IncrementHistoryFailure()
		log.WithFields(logger.Fields{
			"symbol":    f.Symbol,
			"error":     f.Err.Error(),
			"permanent": provider.IsPermanent(f.Err),
		}).Warn("ticker omitted from snapshot")
	}

	if len(metrics) == 0 {
		r.setState(StateFailed)
		return nil, fmt.Errorf("run %s: %w", runID, ErrAllTickersFailed)
	}
	if floor := r.cfg.Pipeline.MinSuccessRatio; floor > 0 {
		ratio := float64(len(metrics)) / float64(len(symbols))
		if ratio < floor {
			r.setState(StateFailed)
			return nil, fmt.Errorf("run %s: %d/%d tickers succeeded (%.2f < %.2f): %w",
				runID, len(metrics), len(symbols), ratio, floor, ErrSuccessRateBelowFloor)
		}
	}

	r.setState(StateAggregating)
	record := aggregate.Aggregate(metrics, time.Since(start))

	r.setState(StatePublishing)
	for _, p := range r.publishers {
		if err := p.Publish(ctx, record); err != nil {
			r.setState(StateFailed)
			return nil, fmt.Errorf("run %s: publish: %w", runID, err)
		}
	}

	if r.archiver != nil {
		if err := r.archiver.Archive(ctx, runID, metrics); err != nil {
			log.WithError(err).Warn("run archive failed, snapshot already published")
		}
	}
	if r.notifier != nil {
		r.notifier.RunCompleted(ctx, record)
	}

	elapsed := time.Since(start)
	r.setState(StateSucceeded)
	log.WithFields(logger.Fields{
		"processed":  record.Metadata.TotalCount,
		"failed":     len(failures),
		"near_ma":    record.Metadata.NearMACount,
		"duration_s": elapsed.Seconds(),
	}).Info("refresh run completed")

	r.log.LogMetric("pipeline", "tickers_processed", record.Metadata.TotalCount, "count", logger.Fields{"run_id": runID})
	r.log.LogMetric("pipeline", "tickers_failed", len(failures), "count", logger.Fields{"run_id": runID})
	r.log.LogMetric("pipeline", "processing_seconds", elapsed.Seconds(), "gauge", logger.Fields{"run_id": runID})

	return &Result{
		RunID:    runID,
		Record:   record,
		Failures: failures,
		Elapsed:  elapsed,
	}, nil
}

// fetchAll fans the universe out over a bounded pool of workers. Each worker
// fetches history and computes the metric for one symbol at a time; one
// ticker's failure never disturbs another's.
func (r *Runner) fetchAll(ctx context.Context, symbols []string) ([]metric.StockMetric, []TickerFailure) {
	workers := r.cfg.Pipeline.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	if workers > len(symbols) {
		workers = len(symbols)
	}

	jobs := make(chan job)
	results := make(chan outcome)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go r.worker(ctx, &wg, jobs, results)
	}

	go func() {
		defer close(jobs)
		for _, s := range symbols {
			select {
			case jobs <- job{symbol: s}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var (
		metrics  []metric.StockMetric
		failures []TickerFailure
	)
	for out := range results {
		if out.err != nil {
			failures = append(failures, TickerFailure{Symbol: out.symbol, Err: out.err})
			continue
		}
		metrics = append(metrics, out.metric)
	}
	return metrics, failures
}

func (r *Runner) worker(ctx context.Context, wg *sync.WaitGroup, jobs <-chan job, results chan<- outcome) {
	defer wg.Done()
	for j := range jobs {
		if ctx.Err() != nil {
			return
		}
		m, err := r.process(ctx, j.symbol)
		select {
		case results <- outcome{symbol: j.symbol, metric: m, err: err}:
		case <-ctx.Done():
			return
		}
	}
}

// process fetches one symbol's history with bounded retries and computes its
// metric.
func (r *Runner) process(ctx context.Context, symbol string) (metric.StockMetric, error) {
	var series provider.PriceSeries
	err := retryFetch(ctx, r.policy, func() error {
		var ferr error
		series, ferr = r.provider.History(ctx, symbol, r.cfg.Provider.LookbackDays)
		return ferr
	})
	if err != nil {
		return metric.StockMetric{}, fmt.Errorf("fetch history: %w", err)
	}
	return metric.Compute(symbol, series, r.cfg.Pipeline.MAPeriod, r.cfg.Pipeline.NearThreshold)
}
