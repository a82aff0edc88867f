package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/loomctl/loom/errors"
)

// RunnerConfig tunes the periodic driver.
type RunnerConfig struct {
	// PulseInterval is how often the engine is pulsed.
	PulseInterval time.Duration
	// PullInterval is how often newly due jobs are pulled from the dispatcher.
	PullInterval time.Duration
	// PullBatchSize caps how many jobs one pull may claim.
	PullBatchSize int
	// PullRateLimit caps dispatcher pulls per second across intervals, so a
	// fast-draining bucket cannot hammer the central store.
	PullRateLimit rate.Limit
	// AgentConnectionID identifies this worker's connection to the master.
	AgentConnectionID string
}

func (c *RunnerConfig) applyDefaults() {
	if c.PulseInterval <= 0 {
		c.PulseInterval = time.Second
	}
	if c.PullInterval <= 0 {
		c.PullInterval = 5 * time.Second
	}
	if c.PullBatchSize <= 0 {
		c.PullBatchSize = onboardingDefaultPull
	}
	if c.PullRateLimit <= 0 {
		c.PullRateLimit = rate.Limit(1)
	}
}

const onboardingDefaultPull = 32

// Runner drives one engine: it pulses on a short interval and, on a longer
// one, pulls newly due jobs from the upstream dispatcher into onboarding.
type Runner struct {
	engine     *Engine
	dispatcher Dispatcher
	cfg        RunnerConfig
	limiter    *rate.Limiter
	log        *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewRunner builds the tick driver for one engine.
func NewRunner(ctx context.Context, engine *Engine, dispatcher Dispatcher, cfg RunnerConfig, log *zap.SugaredLogger) *Runner {
	cfg.applyDefaults()
	runnerCtx, cancel := context.WithCancel(ctx)
	return &Runner{
		engine:     engine,
		dispatcher: dispatcher,
		cfg:        cfg,
		limiter:    rate.NewLimiter(cfg.PullRateLimit, 1),
		log:        log,
		ctx:        runnerCtx,
		cancel:     cancel,
	}
}

// Start launches the tick loop. Idempotent.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	r.wg.Add(1)
	go r.run()
	r.log.Infow("runner started",
		"pulse_interval", r.cfg.PulseInterval,
		"pull_interval", r.cfg.PullInterval)
}

// Stop halts the tick loop and flushes buffered work back to the master.
// Running tasks finish or hit their own timeout independently.
func (r *Runner) Stop(ctx context.Context) error {
	r.cancel()
	r.wg.Wait()
	r.log.Infow("runner stopped, flushing to master")
	return r.engine.FlushToMaster(ctx)
}

func (r *Runner) run() {
	defer r.wg.Done()

	pulse := time.NewTicker(r.cfg.PulseInterval)
	defer pulse.Stop()
	pull := time.NewTicker(r.cfg.PullInterval)
	defer pull.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-pulse.C:
			if err := r.engine.Pulse(r.ctx); err != nil && r.ctx.Err() == nil {
				r.log.Warnw("pulse failed", "error", err)
			}
		case <-pull.C:
			if err := r.pullDueJobs(); err != nil && r.ctx.Err() == nil {
				r.log.Warnw("dispatcher pull failed", "error", err)
			}
		}
	}
}

// pullDueJobs claims jobs that became due for this bucket and offers each to
// the engine. TooEarly jobs stay claimed in the store and are re-offered on a
// later pull.
func (r *Runner) pullDueJobs() error {
	if !r.limiter.Allow() {
		return nil
	}

	max := r.cfg.PullBatchSize
	if avail := r.engine.OnboardingAvailability(); avail < max {
		max = avail
	}
	if max <= 0 {
		return nil
	}

	windowEnd := time.Now().UTC().Add(r.engine.cfg.OnboardingWindow)
	jobs, err := r.dispatcher.DequeueToProcessing(r.ctx, r.cfg.AgentConnectionID, r.engine.bucketID, max, windowEnd)
	if err != nil {
		return errors.Wrap(err, "dequeue due jobs")
	}

	for _, j := range jobs {
		result, err := r.engine.TryOnboard(r.ctx, j, false)
		if err != nil {
			r.log.Warnw("onboarding attempt errored",
				"job_id", j.ID, "error", err)
			continue
		}
		r.log.Debugw("onboarding attempt",
			"job_id", j.ID, "result", result.String())
	}
	return nil
}
