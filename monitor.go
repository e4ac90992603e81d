package main

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog/log"
)

const (
	dedupCleanupInterval = 1 * time.Hour
	dedupRetention       = 7 * 24 * time.Hour
)

func (wp *WorkerPool) monitor(ctx context.Context) {
	defer wp.wg.Done()

	// a nil channel never fires, so a disabled ticker just drops out of the select
	var statsC, cleanupC <-chan time.Time

	if wp.config.StatsInterval > 0 {
		statsTicker := time.NewTicker(wp.config.StatsInterval)
		defer statsTicker.Stop()
		statsC = statsTicker.C
	}

	if wp.processor.dedupStore != nil {
		cleanupTicker := time.NewTicker(wp.cleanupInterval)
		defer cleanupTicker.Stop()
		cleanupC = cleanupTicker.C
	}

	for {
		select {
		case <-statsC:
			wp.logWorkerStats()
			wp.logQueueStats(ctx)
		case <-cleanupC:
			wp.cleanupDeduplicationStore(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (wp *WorkerPool) logWorkerStats() {
	var processed, failed, pollErrors int64
	for i, s := range wp.stats {
		p, f, e := s.processed.Load(), s.failed.Load(), s.pollErrors.Load()
		processed += p
		failed += f
		pollErrors += e

		log.Debug().
			Int("worker_id", i+1).
			Int64("processed", p).
			Int64("failed", f).
			Int64("poll_errors", e).
			Msg("Worker metrics")
	}

	log.Info().
		Int("workers", len(wp.stats)).
		Int64("processed", processed).
		Int64("failed", failed).
		Int64("poll_errors", pollErrors).
		Msg("Worker pool metrics")
}

func (wp *WorkerPool) logQueueStats(ctx context.Context) {
	result, err := wp.processor.sqsClient.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(wp.config.QueueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("Failed to fetch queue stats")
		}
		return
	}

	log.Info().
		Str("available", result.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)]).
		Str("in_flight", result.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible)]).
		Str("delayed", result.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessagesDelayed)]).
		Msg("SQS queue stats")
}

func (wp *WorkerPool) cleanupDeduplicationStore(ctx context.Context) {
	if wp.processor.dedupStore == nil {
		return
	}
	if err := wp.processor.dedupStore.Cleanup(ctx, dedupRetention); err != nil {
		log.Error().Err(err).Msg("Failed to cleanup deduplication store")
		return
	}
	log.Debug().Msg("Cleaned up old deduplication entries")
}
