package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/loomctl/loom/config"
	"github.com/loomctl/loom/engine"
	"github.com/loomctl/loom/errors"
	"github.com/loomctl/loom/job"
	"github.com/loomctl/loom/logger"
	"github.com/loomctl/loom/store"
)

// statsInterval is how often the periodic engine snapshot is logged.
const statsInterval = 30 * time.Second

// WorkerCmd runs the execution engine for one bucket.
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the execution worker for one bucket",
	Long: `Run the execution worker for one bucket in foreground mode.

The worker will:
- Pull due jobs for its bucket from the dispatcher
- Buffer them in the time-ordered onboarding pen
- Execute them under priority-derived concurrency ceilings
- Flush buffered work back to the master on shutdown (Ctrl+C)`,
	RunE: runWorker,
}

func init() {
	WorkerCmd.Flags().String("bucket", "", "Bucket ID to own (overrides config)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := logger.Initialize(cfg.Logging.JSON); err != nil {
		return errors.Wrap(err, "initialize logger")
	}
	log := logger.Logger

	if bucket, _ := cmd.Flags().GetString("bucket"); bucket != "" {
		cfg.Worker.BucketID = bucket
	}
	if cfg.Worker.BucketID == "" {
		return errors.New("no bucket configured: set worker.bucket_id or pass --bucket")
	}
	if !job.IsValidPriority(cfg.Worker.Priority) {
		return errors.Newf("invalid worker priority %q", cfg.Worker.Priority)
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	jobs := store.NewJobStore(database, log)
	locks := store.NewLockStore(database)
	buckets := store.NewBucketStore(database)
	schedules := store.NewScheduleStore(database)
	dispatcher := store.NewDispatcher(database, log)

	// Handlers are registered by the embedding application; the standalone
	// binary ships only the echo handler for smoke testing.
	registry := engine.NewHandlerRegistry()
	registry.Register(echoHandler{log: log})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := engine.NewEngine(ctx, cfg.Worker.BucketID, job.Priority(cfg.Worker.Priority),
		engine.Config{
			BatchSize:           cfg.Worker.BatchSize,
			ParallelismFactor:   cfg.Worker.ParallelismFactor,
			OnboardingWindow:    cfg.Worker.OnboardingWindow(),
			HeldOnMasterBackoff: cfg.Worker.HeldOnMasterBackoff(),
			BucketStaleness:     cfg.Worker.BucketStaleness(),
			NodeStart:           time.Now().UTC(),
		},
		jobs, locks, buckets, schedules, registry, log)

	runner := engine.NewRunner(ctx, eng, dispatcher, engine.RunnerConfig{
		PulseInterval:     cfg.Worker.PulseInterval(),
		PullInterval:      cfg.Worker.PullInterval(),
		PullBatchSize:     cfg.Worker.BatchSize,
		PullRateLimit:     rate.Limit(1),
		AgentConnectionID: cfg.Worker.AgentConnectionID,
	}, log)

	// Hot-reload logging preferences when the config file changes.
	if cfgPath != "" {
		watcher, err := config.NewWatcher(cfgPath)
		if err != nil {
			log.Warnw("config watcher unavailable", "error", err)
		} else {
			watcher.OnReload(func(next *config.Config) error {
				if next.Logging.JSON != logger.JSONOutput {
					return logger.Initialize(next.Logging.JSON)
				}
				return nil
			})
			watcher.Start()
			defer watcher.Close()
		}
	}

	runner.Start()
	log.Infow("worker started",
		"bucket_id", cfg.Worker.BucketID,
		"priority", cfg.Worker.Priority,
		"batch_size", cfg.Worker.BatchSize,
		"parallelism_factor", cfg.Worker.ParallelismFactor,
	)
	fmt.Printf("loom worker started for bucket %s (Ctrl+C to stop)\n", cfg.Worker.BucketID)

	statsDone := make(chan struct{})
	go logStats(ctx, eng, log, statsDone)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down, flushing buffered jobs to master...")

	// Bounded window for the flush so a wedged database cannot hang shutdown.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := runner.Stop(stopCtx); err != nil {
		log.Errorw("flush to master incomplete", "error", err)
	}
	cancel()
	<-statsDone

	stats := eng.Snapshot()
	fmt.Printf("loom worker stopped (executed=%d succeeded=%d failed=%d held=%d)\n",
		stats.Executed, stats.Succeeded, stats.Failed, stats.HeldOnMaster)
	return nil
}

func logStats(ctx context.Context, eng *engine.Engine, log *zap.SugaredLogger, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := eng.Snapshot()
			log.Infow("engine snapshot",
				"onboarding", s.Onboarding,
				"running", s.Running,
				"waiting", s.Waiting,
				"executed", s.Executed,
				"succeeded", s.Succeeded,
				"failed", s.Failed,
				"held_on_master", s.HeldOnMaster,
			)
		}
	}
}

// echoHandler logs its payload and succeeds. Registered so a fresh install
// can exercise the full pipeline end to end.
type echoHandler struct {
	log *zap.SugaredLogger
}

func (h echoHandler) DefinitionID() string { return "loom.echo" }

func (h echoHandler) Execute(ctx context.Context, j *job.Job) error {
	h.log.Infow("echo", "job_id", j.ID, "payload", string(j.Payload))
	return nil
}
