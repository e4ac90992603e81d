package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockS3Client struct {
	mock.Mock
}

func (m *MockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.GetObjectOutput), args.Error(1)
}

func (m *MockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.PutObjectOutput), args.Error(1)
}

func TestS3ObjectStoreGet(t *testing.T) {
	tests := []struct {
		name          string
		body          string
		contentLength *int64
		maxBytes      int64
		getErr        error
		expectErr     error
	}{
		{name: "reads whole body", body: "image-bytes", maxBytes: 1024},
		{name: "no limit", body: strings.Repeat("x", 4096), maxBytes: 0},
		{name: "declared length over limit", body: "tiny", contentLength: aws.Int64(2048), maxBytes: 1024, expectErr: ErrObjectTooLarge},
		{name: "streamed body over limit", body: strings.Repeat("x", 1025), maxBytes: 1024, expectErr: ErrObjectTooLarge},
		{name: "get error", getErr: errors.New("NoSuchKey"), maxBytes: 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockS3 := new(MockS3Client)
			matcher := mock.MatchedBy(func(in *s3.GetObjectInput) bool {
				return *in.Bucket == "b1" && *in.Key == "raw-images/foo.png"
			})
			if tt.getErr != nil {
				mockS3.On("GetObject", mock.Anything, matcher).Return(nil, tt.getErr)
			} else {
				mockS3.On("GetObject", mock.Anything, matcher).Return(&s3.GetObjectOutput{
					Body:          io.NopCloser(strings.NewReader(tt.body)),
					ContentLength: tt.contentLength,
				}, nil)
			}

			store := NewS3ObjectStore(mockS3, tt.maxBytes)
			data, err := store.Get(context.Background(), "b1", "raw-images/foo.png")

			switch {
			case tt.getErr != nil:
				assert.ErrorIs(t, err, tt.getErr)
			case tt.expectErr != nil:
				assert.ErrorIs(t, err, tt.expectErr)
				assert.Nil(t, data)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.body, string(data))
			}
			mockS3.AssertExpectations(t)
		})
	}
}

func TestS3ObjectStorePut(t *testing.T) {
	mockS3 := new(MockS3Client)
	body := []byte("thumbnail")

	var captured *s3.PutObjectInput
	mockS3.On("PutObject", mock.Anything, mock.Anything).Return(&s3.PutObjectOutput{}, nil).Run(func(args mock.Arguments) {
		captured = args.Get(1).(*s3.PutObjectInput)
	})

	store := NewS3ObjectStore(mockS3, 0)
	require.NoError(t, store.Put(context.Background(), "b1", "thumbnails/foo.png", body, "image/jpeg"))

	require.NotNil(t, captured)
	assert.Equal(t, "b1", aws.ToString(captured.Bucket))
	assert.Equal(t, "thumbnails/foo.png", aws.ToString(captured.Key))
	assert.Equal(t, "image/jpeg", aws.ToString(captured.ContentType))
	assert.Equal(t, int64(len(body)), aws.ToInt64(captured.ContentLength))

	got, err := io.ReadAll(captured.Body)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(body, got))
}

func TestS3ObjectStorePutError(t *testing.T) {
	mockS3 := new(MockS3Client)
	mockS3.On("PutObject", mock.Anything, mock.Anything).Return(nil, errors.New("AccessDenied"))

	store := NewS3ObjectStore(mockS3, 0)
	err := store.Put(context.Background(), "b1", "thumbnails/foo.png", []byte("x"), "image/jpeg")

	assert.ErrorContains(t, err, "AccessDenied")
	mockS3.AssertExpectations(t)
}

func TestThumbnailTransformer(t *testing.T) {
	transformer := NewThumbnailTransformer(32, 24, 90)
	src := testPNG(t, 100, 50)

	out, err := transformer.Transform(src)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", transformer.ContentType())

	again, err := transformer.Transform(src)
	require.NoError(t, err)
	assert.Equal(t, out, again)

	_, err = transformer.Transform([]byte("definitely not an image"))
	assert.ErrorContains(t, err, "decode image")
}

func TestThumbnailTransformerDefaults(t *testing.T) {
	transformer := NewThumbnailTransformer(0, -1, 101)

	assert.Equal(t, defaultThumbWidth, transformer.width)
	assert.Equal(t, defaultThumbHeight, transformer.height)
	assert.Equal(t, defaultJPEGQuality, transformer.quality)
}
