package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var ErrObjectTooLarge = errors.New("object exceeds size limit")

type S3ClientInterface interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type ObjectStore interface {
	// reads the whole object into memory
	Get(ctx context.Context, bucket, key string) ([]byte, error)

	Put(ctx context.Context, bucket, key string, body []byte, contentType string) error
}

type S3ObjectStore struct {
	client   S3ClientInterface
	maxBytes int64
}

// maxBytes <= 0 disables the size guard
func NewS3ObjectStore(client S3ClientInterface, maxBytes int64) *S3ObjectStore {
	return &S3ObjectStore{client: client, maxBytes: maxBytes}
}

func (s *S3ObjectStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer out.Body.Close()

	if s.maxBytes > 0 && aws.ToInt64(out.ContentLength) > s.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrObjectTooLarge, aws.ToInt64(out.ContentLength))
	}

	var r io.Reader = out.Body
	if s.maxBytes > 0 {
		// one extra byte tells us the body ran past the limit
		r = io.LimitReader(out.Body, s.maxBytes+1)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrObjectTooLarge, s.maxBytes)
	}

	return data, nil
}

func (s *S3ObjectStore) Put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}
