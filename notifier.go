package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/rs/zerolog/log"
)

var ErrNoRecords = errors.New("no S3 record in event")

type SNSClientInterface interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// translates object-created events into work items on the fan-out topic
type Notifier struct {
	snsClient SNSClientInterface
	topicArn  string
}

func NewNotifier(snsClient SNSClientInterface, topicArn string) *Notifier {
	return &Notifier{snsClient: snsClient, topicArn: topicArn}
}

// HandleEvent publishes the first record of event as a work item. Errors are
// returned to the caller so the invoking platform can retry.
func (n *Notifier) HandleEvent(ctx context.Context, event events.S3Event) (WorkItem, error) {
	if len(event.Records) == 0 {
		return WorkItem{}, ErrNoRecords
	}
	rec := event.Records[0]

	// keys arrive form-encoded, e.g. spaces as '+'; unlike a URI-component
	// decode, '+' becomes a space here
	key, err := url.QueryUnescape(rec.S3.Object.Key)
	if err != nil {
		return WorkItem{}, fmt.Errorf("failed to url-decode key %q: %w", rec.S3.Object.Key, err)
	}

	item := WorkItem{Bucket: rec.S3.Bucket.Name, Key: key}
	if err := item.Validate(); err != nil {
		return WorkItem{}, err
	}

	body, err := json.Marshal(item)
	if err != nil {
		return WorkItem{}, fmt.Errorf("failed to marshal work item: %w", err)
	}

	out, err := n.snsClient.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Message:  aws.String(string(body)),
	})
	if err != nil {
		return WorkItem{}, fmt.Errorf("failed to publish to SNS: %w", err)
	}

	log.Info().
		Str("bucket", item.Bucket).
		Str("key", item.Key).
		Str("sns_message_id", aws.ToString(out.MessageId)).
		Msg("Published work item")

	return item, nil
}

type LambdaResponse struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// LambdaHandler adapts HandleEvent to the Lambda runtime.
func (n *Notifier) LambdaHandler(ctx context.Context, event events.S3Event) (LambdaResponse, error) {
	if _, err := n.HandleEvent(ctx, event); err != nil {
		log.Error().Err(err).Msg("Notifier failed")
		return LambdaResponse{}, err
	}
	return LambdaResponse{StatusCode: 200, Body: "OK"}, nil
}
