package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

type SQSClientInterface interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// flags shared by every command that talks to AWS
func awsFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "region",
			Usage:   "AWS region, falls back to the SDK default chain",
			EnvVars: []string{"AWS_REGION"},
		},
		&cli.StringFlag{
			Name:    "access-key-id",
			Usage:   "Static AWS access key id (optional)",
			EnvVars: []string{"AWS_ACCESS_KEY_ID"},
		},
		&cli.StringFlag{
			Name:    "secret-access-key",
			Usage:   "Static AWS secret access key (optional)",
			EnvVars: []string{"AWS_SECRET_ACCESS_KEY"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			EnvVars: []string{"LOG_LEVEL"},
		},
	}
}

func notifierFlags() []cli.Flag {
	return append(awsFlags(),
		&cli.StringFlag{
			Name:     "topic-arn",
			Usage:    "SNS topic that receives work items",
			Required: true,
			EnvVars:  []string{"TOPIC_ARN"},
		},
		&cli.StringFlag{
			Name:    "sns-endpoint",
			Usage:   "Custom SNS endpoint (e.g. localstack)",
			EnvVars: []string{"SNS_ENDPOINT"},
		},
	)
}

func startFlags() []cli.Flag {
	return append(awsFlags(),
		&cli.StringFlag{
			Name:     "queue-url",
			Usage:    "AWS SQS queue URL",
			Required: true,
			EnvVars:  []string{"SQS_QUEUE_URL"},
		},
		&cli.StringFlag{
			Name:    "dest-bucket",
			Usage:   "Bucket for thumbnails, defaults to the source object's bucket",
			EnvVars: []string{"DEST_BUCKET"},
		},
		&cli.IntFlag{
			Name:    "concurrency",
			Usage:   "Number of independent polling workers",
			Value:   defaultConcurrency,
			EnvVars: []string{"WORKER_CONCURRENCY"},
		},
		&cli.IntFlag{
			Name:    "wait-seconds",
			Usage:   "Long-poll wait per receive call",
			Value:   defaultWaitSeconds,
			EnvVars: []string{"WAIT_TIME_SECONDS"},
		},
		&cli.IntFlag{
			Name:    "visibility-seconds",
			Usage:   "Visibility timeout requested on receive",
			Value:   defaultVisibilitySeconds,
			EnvVars: []string{"VISIBILITY_TIMEOUT_SECONDS"},
		},
		&cli.IntFlag{
			Name:    "retry-visibility-seconds",
			Usage:   "Visibility extension applied when processing fails",
			Value:   defaultRetryVisibilitySeconds,
			EnvVars: []string{"RETRY_VISIBILITY_SECONDS"},
		},
		&cli.DurationFlag{
			Name:    "poll-backoff",
			Usage:   "Delay after a failed receive call",
			Value:   defaultPollBackoff,
			EnvVars: []string{"POLL_ERROR_BACKOFF"},
		},
		&cli.StringFlag{
			Name:    "source-prefix",
			Usage:   "Key prefix of source images",
			Value:   defaultSourcePrefix,
			EnvVars: []string{"SOURCE_PREFIX"},
		},
		&cli.StringFlag{
			Name:    "dest-prefix",
			Usage:   "Key prefix that replaces the source prefix for thumbnails",
			Value:   defaultDestPrefix,
			EnvVars: []string{"DEST_PREFIX"},
		},
		&cli.IntFlag{
			Name:    "thumb-width",
			Value:   defaultThumbWidth,
			EnvVars: []string{"THUMB_WIDTH"},
		},
		&cli.IntFlag{
			Name:    "thumb-height",
			Value:   defaultThumbHeight,
			EnvVars: []string{"THUMB_HEIGHT"},
		},
		&cli.IntFlag{
			Name:    "jpeg-quality",
			Value:   defaultJPEGQuality,
			EnvVars: []string{"JPEG_QUALITY"},
		},
		&cli.Int64Flag{
			Name:    "max-object-bytes",
			Usage:   "Reject source objects larger than this (0 disables)",
			Value:   defaultMaxObjectBytes,
			EnvVars: []string{"MAX_OBJECT_BYTES"},
		},
		&cli.StringFlag{
			Name:    "s3-endpoint",
			Usage:   "Custom S3 endpoint (e.g. MinIO, localstack)",
			EnvVars: []string{"S3_ENDPOINT"},
		},
		&cli.BoolFlag{
			Name:    "path-style",
			Usage:   "Use path-style S3 addressing",
			EnvVars: []string{"S3_USE_PATH_STYLE"},
		},
		&cli.StringFlag{
			Name:    "sqs-endpoint",
			Usage:   "Custom SQS endpoint (e.g. localstack)",
			EnvVars: []string{"SQS_ENDPOINT"},
		},
		&cli.StringFlag{
			Name:    "db-url",
			Usage:   "Postgres URL for the thumbnail ledger, empty disables it",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.StringFlag{
			Name:    "dedup-type",
			Usage:   "Deduplication store type (none, memory, postgres)",
			Value:   "none",
			EnvVars: []string{"DEDUP_TYPE"},
		},
		&cli.DurationFlag{
			Name:    "stats-interval",
			Usage:   "How often to log queue and worker stats (0 disables)",
			Value:   10 * time.Second,
			EnvVars: []string{"STATS_INTERVAL"},
		},
		&cli.BoolFlag{
			Name:    "quiet",
			Usage:   "Suppress successful message processing logs (only show metrics and errors)",
			Value:   false,
			EnvVars: []string{"QUIET"},
		},
	)
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	app := &cli.App{
		Name:  "thumbnailer",
		Usage: "Turn S3 uploads into thumbnails via SNS/SQS",
		Commands: []*cli.Command{
			{
				Name:   "start",
				Usage:  "Start the SQS thumbnail worker pool",
				Flags:  startFlags(),
				Action: startProcessor,
			},
			{
				Name:  "notify",
				Usage: "Publish the work item for one S3 event document (file or stdin)",
				Flags: append(notifierFlags(),
					&cli.StringFlag{
						Name:    "event-file",
						Usage:   "Path to an S3 event JSON document, - for stdin",
						Value:   "-",
						EnvVars: []string{"EVENT_FILE"},
					},
				),
				Action: notifyOnce,
			},
			{
				Name:   "lambda",
				Usage:  "Run the notifier as an AWS Lambda handler",
				Flags:  notifierFlags(),
				Action: startLambda,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("Application failed")
	}
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func loadAWSConfig(ctx context.Context, c *cli.Context) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if region := c.String("region"); region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	if id, secret := c.String("access-key-id"), c.String("secret-access-key"); id != "" && secret != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(id, secret, ""),
		))
	}

	awsCFG, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCFG, nil
}

func processorConfigFromCLI(c *cli.Context) (ProcessorConfig, error) {
	cfg := DefaultProcessorConfig()
	cfg.QueueURL = c.String("queue-url")
	cfg.DestBucket = c.String("dest-bucket")
	cfg.Concurrency = c.Int("concurrency")

	var errs []error
	for name, dst := range map[string]*int32{
		"wait-seconds":             &cfg.WaitSeconds,
		"visibility-seconds":       &cfg.VisibilitySeconds,
		"retry-visibility-seconds": &cfg.RetryVisibilitySeconds,
	} {
		v, err := int32Setting(name, c.Int(name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*dst = v
	}

	cfg.PollBackoff = c.Duration("poll-backoff")
	cfg.SourcePrefix = c.String("source-prefix")
	cfg.DestPrefix = c.String("dest-prefix")
	cfg.StatsInterval = c.Duration("stats-interval")
	return cfg, errors.Join(errs...)
}

func startProcessor(c *cli.Context) error {
	setLogLevel(c.String("log-level"))

	// validate before touching AWS so a bad deployment never starts a loop
	processorConfig, err := processorConfigFromCLI(c)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := processorConfig.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	awsCFG, err := loadAWSConfig(c.Context, c)
	if err != nil {
		return err
	}

	sqsClient := sqs.NewFromConfig(awsCFG, func(o *sqs.Options) {
		if ep := c.String("sqs-endpoint"); ep != "" {
			o.BaseEndpoint = aws.String(ep)
		}
	})

	s3Client := s3.NewFromConfig(awsCFG, func(o *s3.Options) {
		if ep := c.String("s3-endpoint"); ep != "" {
			o.BaseEndpoint = aws.String(ep)
		}
		o.UsePathStyle = c.Bool("path-style")
	})

	var db *Database
	if dbURL := c.String("db-url"); dbURL != "" {
		db, err = NewDatabase(dbURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
	}

	var dedupStore DeduplicationStore

	dedupType := c.String("dedup-type")
	switch dedupType {
	case "none", "":
	case "postgres":
		if db == nil {
			return fmt.Errorf("dedup-type postgres requires --db-url")
		}
		dedupStore = NewPostgresDeduplicationStore(db.db)
	case "memory":
		dedupStore = NewInMemoryDeduplicationStore()
	default:
		return fmt.Errorf("invalid dedup-type: %s", dedupType)
	}
	if dedupStore != nil {
		defer dedupStore.Close()
	}

	// a nil *Database must not become a non-nil interface
	var ledger DatabaseInterface
	if db != nil {
		ledger = db
	}

	processor := NewMessageProcessor(
		processorConfig,
		sqsClient,
		NewS3ObjectStore(s3Client, c.Int64("max-object-bytes")),
		NewThumbnailTransformer(c.Int("thumb-width"), c.Int("thumb-height"), c.Int("jpeg-quality")),
		ledger,
		dedupStore,
		c.Bool("quiet"),
	)

	pool, err := NewWorkerPool(processorConfig, processor)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}

	// shutdown setup
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Info().Msg("Starting SQS thumbnail processor")
	pool.Start(context.Background())

	// wait for shutdown signal / ctrl-c or sigterm which is what docker sends
	<-sigChan
	log.Info().Msg("Shutting down, waiting for in-flight messages")
	pool.Stop()

	return nil
}

func newNotifier(c *cli.Context) (*Notifier, error) {
	awsCFG, err := loadAWSConfig(c.Context, c)
	if err != nil {
		return nil, err
	}

	snsClient := sns.NewFromConfig(awsCFG, func(o *sns.Options) {
		if ep := c.String("sns-endpoint"); ep != "" {
			o.BaseEndpoint = aws.String(ep)
		}
	})
	return NewNotifier(snsClient, c.String("topic-arn")), nil
}

func notifyOnce(c *cli.Context) error {
	setLogLevel(c.String("log-level"))

	event, err := readS3Event(c.String("event-file"), os.Stdin)
	if err != nil {
		return err
	}

	notifier, err := newNotifier(c)
	if err != nil {
		return err
	}

	_, err = notifier.HandleEvent(c.Context, event)
	return err
}

func readS3Event(path string, stdin io.Reader) (events.S3Event, error) {
	var r io.Reader = stdin
	if path != "-" && path != "" {
		f, err := os.Open(path)
		if err != nil {
			return events.S3Event{}, fmt.Errorf("failed to open event file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var event events.S3Event
	if err := json.NewDecoder(r).Decode(&event); err != nil {
		return events.S3Event{}, fmt.Errorf("failed to parse S3 event: %w", err)
	}
	return event, nil
}

func startLambda(c *cli.Context) error {
	setLogLevel(c.String("log-level"))

	notifier, err := newNotifier(c)
	if err != nil {
		return err
	}

	lambda.Start(notifier.LambdaHandler)
	return nil
}
