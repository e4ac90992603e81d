package main

import (
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	defaultConcurrency            = 2
	defaultWaitSeconds            = 20
	defaultVisibilitySeconds      = 30
	defaultRetryVisibilitySeconds = 60
	defaultPollBackoff            = 2 * time.Second
	defaultSourcePrefix           = "raw-images/"
	defaultDestPrefix             = "thumbnails/"
	defaultMaxObjectBytes         = 25 << 20

	// SQS hard limits
	maxWaitSeconds       = 20
	maxVisibilitySeconds = 12 * 60 * 60
)

type ProcessorConfig struct {
	QueueURL               string
	DestBucket             string // empty means write back to the work item's bucket
	Concurrency            int
	WaitSeconds            int32
	VisibilitySeconds      int32
	RetryVisibilitySeconds int32
	PollBackoff            time.Duration
	SourcePrefix           string
	DestPrefix             string
	StatsInterval          time.Duration
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		Concurrency:            defaultConcurrency,
		WaitSeconds:            defaultWaitSeconds,
		VisibilitySeconds:      defaultVisibilitySeconds,
		RetryVisibilitySeconds: defaultRetryVisibilitySeconds,
		PollBackoff:            defaultPollBackoff,
		SourcePrefix:           defaultSourcePrefix,
		DestPrefix:             defaultDestPrefix,
	}
}

// Validate rejects configurations that would make every poll loop fail, so
// the pool refuses to start instead of spinning on errors.
func (c ProcessorConfig) Validate() error {
	var errs []error

	if c.QueueURL == "" {
		errs = append(errs, errors.New("queue url is required"))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	if c.WaitSeconds < 0 || c.WaitSeconds > maxWaitSeconds {
		errs = append(errs, fmt.Errorf("wait seconds must be between 0 and %d, got %d", maxWaitSeconds, c.WaitSeconds))
	}
	if c.VisibilitySeconds < 0 || c.VisibilitySeconds > maxVisibilitySeconds {
		errs = append(errs, fmt.Errorf("visibility seconds must be between 0 and %d, got %d", maxVisibilitySeconds, c.VisibilitySeconds))
	}
	if c.RetryVisibilitySeconds < 0 || c.RetryVisibilitySeconds > maxVisibilitySeconds {
		errs = append(errs, fmt.Errorf("retry visibility seconds must be between 0 and %d, got %d", maxVisibilitySeconds, c.RetryVisibilitySeconds))
	}
	if c.PollBackoff <= 0 {
		errs = append(errs, fmt.Errorf("poll backoff must be positive, got %s", c.PollBackoff))
	}
	if c.SourcePrefix == "" {
		errs = append(errs, errors.New("source prefix is required"))
	}
	if c.StatsInterval < 0 {
		errs = append(errs, fmt.Errorf("stats interval must not be negative, got %s", c.StatsInterval))
	}

	return errors.Join(errs...)
}

// int32Setting narrows a flag value for the SQS API without silently wrapping.
func int32Setting(name string, v int) (int32, error) {
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, fmt.Errorf("%s out of range: %d", name, v)
	}
	return int32(v), nil
}
