package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingBucket = errors.New("work item has no bucket")
	ErrMissingKey    = errors.New("work item has no key")
)

// the unit of work carried in a queue message body
type WorkItem struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

func (w WorkItem) Validate() error {
	if strings.TrimSpace(w.Bucket) == "" {
		return ErrMissingBucket
	}
	if strings.TrimSpace(w.Key) == "" {
		return ErrMissingKey
	}
	return nil
}

// wraps a received SQS message with the receipt handle needed to ack or extend it
type WorkerJob struct {
	MessageID     string
	ReceiptHandle *string
	Body          string
	ReceiveCount  int
}

// body shape SNS uses when raw message delivery is disabled on the subscription
type snsEnvelope struct {
	Type     string `json:"Type"`
	Message  string `json:"Message"`
	TopicArn string `json:"TopicArn"`
}

// DecodeWorkItem parses a message body into a WorkItem, unwrapping an SNS
// notification envelope if the subscription is not using raw delivery.
func DecodeWorkItem(body string) (WorkItem, error) {
	var env snsEnvelope
	if err := json.Unmarshal([]byte(body), &env); err == nil && env.Type == "Notification" && env.Message != "" {
		body = env.Message
	}

	var item WorkItem
	if err := json.Unmarshal([]byte(body), &item); err != nil {
		return WorkItem{}, fmt.Errorf("failed to parse message body: %w", err)
	}
	if err := item.Validate(); err != nil {
		return WorkItem{}, err
	}
	return item, nil
}
