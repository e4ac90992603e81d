package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// per-loop counters, written only by the owning loop
type workerStats struct {
	processed  atomic.Int64
	failed     atomic.Int64
	pollErrors atomic.Int64
}

// runs a fixed number of independent receive/process loops against one queue
type WorkerPool struct {
	config    ProcessorConfig
	processor *MessageProcessor
	stats     []*workerStats
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	sleep     func(ctx context.Context, d time.Duration)

	cleanupInterval time.Duration
}

func NewWorkerPool(config ProcessorConfig, processor *MessageProcessor) (*WorkerPool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	stats := make([]*workerStats, config.Concurrency)
	for i := range stats {
		stats[i] = &workerStats{}
	}

	return &WorkerPool{
		config:    config,
		processor: processor,
		stats:     stats,
		sleep:     sleepContext,

		cleanupInterval: dedupCleanupInterval,
	}, nil
}

// Start launches the poll loops and returns immediately.
func (wp *WorkerPool) Start(ctx context.Context) {
	ctx, wp.cancel = context.WithCancel(ctx)

	log.Info().Int("workers", wp.config.Concurrency).Str("queue_url", wp.config.QueueURL).Msg("Starting worker pool")

	for i := 1; i <= wp.config.Concurrency; i++ {
		wp.wg.Add(1)
		go wp.pollLoop(ctx, i)
	}

	// dedup retention runs even when stats logging is off
	if wp.config.StatsInterval > 0 || wp.processor.dedupStore != nil {
		wp.wg.Add(1)
		go wp.monitor(ctx)
	}
}

// Stop signals every loop to exit and waits for in-flight messages to finish.
func (wp *WorkerPool) Stop() {
	if wp.cancel != nil {
		wp.cancel()
	}
	wp.wg.Wait()
}

func (wp *WorkerPool) pollLoop(ctx context.Context, workerID int) {
	defer wp.wg.Done()

	wl := log.With().Int("worker_id", workerID).Logger()
	stats := wp.stats[workerID-1]

	wl.Info().Msg("Worker started")
	defer wl.Info().Msg("Worker stopped")

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := wp.processor.receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			stats.pollErrors.Add(1)
			wl.Error().Err(err).Dur("backoff", wp.config.PollBackoff).Msg("Failed to receive messages from SQS")
			wp.sleep(ctx, wp.config.PollBackoff)
			continue
		}

		if job == nil {
			continue
		}

		if wp.runJob(ctx, workerID, job) {
			stats.processed.Add(1)
		} else {
			stats.failed.Add(1)
		}
	}
}

// An in-flight message finishes even when the pool is stopping, so a stored
// artifact still gets acked. It is bounded by the lease; past that SQS has
// already handed the message to someone else.
func (wp *WorkerPool) runJob(ctx context.Context, workerID int, job *WorkerJob) bool {
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), wp.leaseDuration())
	defer cancel()

	return wp.handleJob(jobCtx, workerID, job)
}

// a zero visibility timeout on receive means the queue default applies
func (wp *WorkerPool) leaseDuration() time.Duration {
	if wp.config.VisibilitySeconds > 0 {
		return time.Duration(wp.config.VisibilitySeconds) * time.Second
	}
	return defaultVisibilitySeconds * time.Second
}

// recovery to prevent worker crashes
func (wp *WorkerPool) handleJob(ctx context.Context, workerID int, job *WorkerJob) (acked bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Int("worker_id", workerID).
				Str("message_id", job.MessageID).
				Interface("panic", r).
				Msg("Worker recovered from panic")
			// don't delete message on panic, let SQS retry
			acked = false
		}
	}()

	return wp.processor.Process(ctx, job)
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
