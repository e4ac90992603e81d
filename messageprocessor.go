package main

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// turns one leased message into a stored artifact, acking only on success
type MessageProcessor struct {
	config      ProcessorConfig
	sqsClient   SQSClientInterface
	store       ObjectStore
	transformer Transformer
	db          DatabaseInterface  // optional thumbnail ledger
	dedupStore  DeduplicationStore // optional
	quiet       bool               // only logs stats and errors
}

func NewMessageProcessor(config ProcessorConfig, sqsClient SQSClientInterface, store ObjectStore, transformer Transformer, db DatabaseInterface, dedupStore DeduplicationStore, quiet bool) *MessageProcessor {
	return &MessageProcessor{
		config:      config,
		sqsClient:   sqsClient,
		store:       store,
		transformer: transformer,
		db:          db,
		dedupStore:  dedupStore,
		quiet:       quiet,
	}
}

// receive long-polls for a single message. A nil job with a nil error means
// the wait elapsed with nothing available.
func (mp *MessageProcessor) receive(ctx context.Context) (*WorkerJob, error) {
	result, err := mp.sqsClient.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(mp.config.QueueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     mp.config.WaitSeconds,
		VisibilityTimeout:   mp.config.VisibilitySeconds,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, err
	}
	if len(result.Messages) == 0 {
		return nil, nil
	}

	return newWorkerJob(result.Messages[0]), nil
}

func newWorkerJob(sqsMsg types.Message) *WorkerJob {
	job := &WorkerJob{
		MessageID:     aws.ToString(sqsMsg.MessageId),
		ReceiptHandle: sqsMsg.ReceiptHandle,
		Body:          aws.ToString(sqsMsg.Body),
	}
	if v, ok := sqsMsg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		job.ReceiveCount, _ = strconv.Atoi(v)
	}
	return job
}

// Process runs decode, fetch, transform and store for one message. The
// message is deleted only after the artifact write succeeds; any failure
// leaves it on the queue with an extended visibility timeout. Reports
// whether the message was acknowledged.
func (mp *MessageProcessor) Process(ctx context.Context, job *WorkerJob) bool {
	startTime := time.Now()
	ml := log.With().Str("message_id", job.MessageID).Int("receive_count", job.ReceiveCount).Logger()

	defer func() {
		ml.Debug().Dur("duration", time.Since(startTime)).Msg("Message processing complete")
	}()

	item, err := DecodeWorkItem(job.Body)
	if err != nil {
		ml.Error().Err(err).Msg("Failed to decode message, leaving it for redelivery")
		mp.releaseForRetry(ctx, job, ml)
		return false
	}

	ml = ml.With().Str("bucket", item.Bucket).Str("key", item.Key).Logger()
	mp.logSuccess(ml, "Processing message")

	if mp.alreadyProcessed(ctx, job, ml) {
		mp.deleteMessage(ctx, job, ml)
		return true
	}

	result, err := mp.handleWorkItem(ctx, item, ml)
	if err != nil {
		ml.Error().Err(err).Msg("Failed to process message, will be retried")
		mp.releaseForRetry(ctx, job, ml)
		return false
	}

	mp.logSuccess(ml.With().Str("dest_bucket", result.bucket).Str("dest_key", result.key).Int("bytes", result.size).Logger(), "Stored thumbnail")

	mp.recordArtifact(ctx, job, item, result, ml)
	mp.deleteMessage(ctx, job, ml)
	return true
}

type storedArtifact struct {
	bucket string
	key    string
	size   int
}

func (mp *MessageProcessor) handleWorkItem(ctx context.Context, item WorkItem, ml zerolog.Logger) (storedArtifact, error) {
	src, err := mp.store.Get(ctx, item.Bucket, item.Key)
	if err != nil {
		return storedArtifact{}, err
	}

	out, err := mp.transformer.Transform(src)
	if err != nil {
		return storedArtifact{}, err
	}

	dest := storedArtifact{
		bucket: mp.destBucket(item),
		key:    DeriveKey(item.Key, mp.config.SourcePrefix, mp.config.DestPrefix),
		size:   len(out),
	}
	if dest.bucket == item.Bucket && dest.key == item.Key {
		ml.Warn().Msg("Key has no source prefix, thumbnail replaces the source object")
	}

	if err := mp.store.Put(ctx, dest.bucket, dest.key, out, mp.transformer.ContentType()); err != nil {
		return storedArtifact{}, err
	}
	return dest, nil
}

func (mp *MessageProcessor) destBucket(item WorkItem) string {
	if mp.config.DestBucket != "" {
		return mp.config.DestBucket
	}
	return item.Bucket
}

// a lookup failure falls through to normal processing, the transform is idempotent
func (mp *MessageProcessor) alreadyProcessed(ctx context.Context, job *WorkerJob, ml zerolog.Logger) bool {
	if mp.dedupStore == nil || job.MessageID == "" {
		return false
	}

	processed, err := mp.dedupStore.IsProcessed(ctx, job.MessageID)
	if err != nil {
		ml.Warn().Err(err).Msg("Failed to check if message was processed")
		return false
	}
	if processed {
		ml.Info().Msg("Duplicate delivery of processed message, skipping transform")
	}
	return processed
}

// ledger and dedup bookkeeping never hold back the ack
func (mp *MessageProcessor) recordArtifact(ctx context.Context, job *WorkerJob, item WorkItem, result storedArtifact, ml zerolog.Logger) {
	if mp.db != nil {
		err := mp.db.CreateThumbnailLog(ctx, CreateThumbnailLogParams{
			MessageID:   job.MessageID,
			Bucket:      item.Bucket,
			SourceKey:   item.Key,
			DestBucket:  result.bucket,
			DestKey:     result.key,
			SizeBytes:   int64(result.size),
			ContentType: mp.transformer.ContentType(),
			CreatedAt:   time.Now().UTC(),
		})
		if err != nil {
			ml.Error().Err(err).Msg("Failed to save thumbnail log")
		}
	}

	if mp.dedupStore != nil && job.MessageID != "" {
		if err := mp.dedupStore.MarkProcessed(ctx, job.MessageID, result.key); err != nil {
			ml.Error().Err(err).Msg("Failed to mark message as processed")
		}
	}
}

func (mp *MessageProcessor) deleteMessage(ctx context.Context, job *WorkerJob, ml zerolog.Logger) {
	_, err := mp.sqsClient.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(mp.config.QueueURL),
		ReceiptHandle: job.ReceiptHandle,
	})
	if err != nil {
		// artifact is stored, a redelivery just rewrites it
		ml.Error().Err(err).Msg("Failed to delete message from SQS")
		return
	}
	ml.Debug().Msg("Message deleted from SQS")
}

// releaseForRetry pushes the visibility deadline out so the message is not
// handed to another worker straight away. If that call fails the original
// deadline still lapses and SQS redelivers.
func (mp *MessageProcessor) releaseForRetry(ctx context.Context, job *WorkerJob, ml zerolog.Logger) {
	seconds := mp.config.RetryVisibilitySeconds
	_, err := mp.sqsClient.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(mp.config.QueueURL),
		ReceiptHandle:     job.ReceiptHandle,
		VisibilityTimeout: seconds,
	})
	if err != nil {
		ml.Debug().Err(err).Msg("Failed to extend visibility timeout")
		return
	}
	ml.Debug().Int32("seconds", seconds).Msg("Extended message visibility timeout")
}

func (mp *MessageProcessor) logSuccess(l zerolog.Logger, msg string) {
	if mp.quiet {
		l.Debug().Msg(msg)
	} else {
		l.Info().Msg(msg)
	}
}
