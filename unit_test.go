package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/disintegration/imaging"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// runs before all tests and configures the test environment
func TestMain(m *testing.M) {
	// we do not need logging during the tests
	zerolog.SetGlobalLevel(zerolog.Disabled)

	code := m.Run()

	os.Exit(code)
}

type MockDeduplicationStore struct {
	mock.Mock
}

func (m *MockDeduplicationStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	args := m.Called(ctx, messageID)
	return args.Bool(0), args.Error(1)
}

func (m *MockDeduplicationStore) MarkProcessed(ctx context.Context, messageID, objectKey string) error {
	args := m.Called(ctx, messageID, objectKey)
	return args.Error(0)
}

func (m *MockDeduplicationStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	args := m.Called(ctx, olderThan)
	return args.Error(0)
}

func (m *MockDeduplicationStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

type MockSQSClient struct {
	mock.Mock
}

func (m *MockSQSClient) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.ReceiveMessageOutput), args.Error(1)
}

func (m *MockSQSClient) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.DeleteMessageOutput), args.Error(1)
}

func (m *MockSQSClient) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.ChangeMessageVisibilityOutput), args.Error(1)
}

func (m *MockSQSClient) GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.GetQueueAttributesOutput), args.Error(1)
}

type MockObjectStore struct {
	mock.Mock
}

func (m *MockObjectStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	args := m.Called(ctx, bucket, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockObjectStore) Put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	args := m.Called(ctx, bucket, key, body, contentType)
	return args.Error(0)
}

type MockDatabase struct {
	mock.Mock
}

func (m *MockDatabase) CreateThumbnailLog(ctx context.Context, params CreateThumbnailLogParams) error {
	args := m.Called(ctx, params)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}

type stubTransformer struct {
	out []byte
	err error
}

func (s stubTransformer) Transform(src []byte) ([]byte, error) {
	return s.out, s.err
}

func (s stubTransformer) ContentType() string {
	return "image/jpeg"
}

// in-memory object store, safe for concurrent workers
type memObjectStore struct {
	mu           sync.Mutex
	objects      map[string][]byte
	contentTypes map[string]string
	puts         int
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{
		objects:      make(map[string][]byte),
		contentTypes: make(map[string]string),
	}
}

func (s *memObjectStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("no such key: %s/%s", bucket, key)
	}
	return append([]byte(nil), data...), nil
}

func (s *memObjectStore) Put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects[bucket+"/"+key] = append([]byte(nil), body...)
	s.contentTypes[bucket+"/"+key] = contentType
	s.puts++
	return nil
}

func (s *memObjectStore) object(bucket, key string) ([]byte, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.objects[bucket+"/"+key]
	return data, s.contentTypes[bucket+"/"+key], ok
}

func testConfig() ProcessorConfig {
	cfg := DefaultProcessorConfig()
	cfg.QueueURL = "test-queue-url"
	cfg.PollBackoff = 50 * time.Millisecond
	return cfg
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 40, B: 40, A: 255})
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

func testJob(body string) *WorkerJob {
	return &WorkerJob{
		MessageID:     xid.New().String(),
		ReceiptHandle: aws.String("receipt-" + xid.New().String()),
		Body:          body,
		ReceiveCount:  1,
	}
}

func TestDecodeWorkItem(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		expected  WorkItem
		expectErr error
	}{
		{
			name:     "valid work item",
			body:     `{"bucket":"b1","key":"raw-images/foo.png"}`,
			expected: WorkItem{Bucket: "b1", Key: "raw-images/foo.png"},
		},
		{
			name:     "sns envelope",
			body:     `{"Type":"Notification","TopicArn":"arn:aws:sns:us-east-1:1:t","Message":"{\"bucket\":\"b2\",\"key\":\"raw-images/a b.png\"}"}`,
			expected: WorkItem{Bucket: "b2", Key: "raw-images/a b.png"},
		},
		{
			name:      "missing bucket",
			body:      `{"key":"raw-images/foo.png"}`,
			expectErr: ErrMissingBucket,
		},
		{
			name:      "missing key",
			body:      `{"bucket":"b1"}`,
			expectErr: ErrMissingKey,
		},
		{
			name: "invalid json",
			body: `{invalid json}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, err := DecodeWorkItem(tt.body)

			if tt.expected == (WorkItem{}) {
				assert.Error(t, err)
				if tt.expectErr != nil {
					assert.ErrorIs(t, err, tt.expectErr)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, item)
		})
	}
}

func TestDeriveKey(t *testing.T) {
	tests := []struct {
		key      string
		expected string
	}{
		{key: "raw-images/a/b.png", expected: "thumbnails/a/b.png"},
		{key: "other/x.png", expected: "other/x.png"},
		{key: "raw-images/raw-images/x.png", expected: "thumbnails/raw-images/x.png"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.expected, DeriveKey(tt.key, "raw-images/", "thumbnails/"))
		})
	}

	assert.Equal(t, "raw-images/x.png", DeriveKey("raw-images/x.png", "", "thumbnails/"))
}

func TestProcessSuccessDeletesAfterStore(t *testing.T) {
	mockSQS := new(MockSQSClient)
	mockStore := new(MockObjectStore)
	ctx := context.Background()

	var mu sync.Mutex
	var calls []string
	record := func(name string) func(mock.Arguments) {
		return func(mock.Arguments) {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, name)
		}
	}

	job := testJob(`{"bucket":"b1","key":"raw-images/foo.png"}`)
	thumb := []byte("thumbnail-bytes")

	mockStore.On("Get", mock.Anything, "b1", "raw-images/foo.png").Return([]byte("source"), nil).Run(record("get"))
	mockStore.On("Put", mock.Anything, "b1", "thumbnails/foo.png", thumb, "image/jpeg").Return(nil).Run(record("put"))
	mockSQS.On("DeleteMessage", mock.Anything, mock.MatchedBy(func(input *sqs.DeleteMessageInput) bool {
		return *input.ReceiptHandle == *job.ReceiptHandle && *input.QueueUrl == "test-queue-url"
	})).Return(&sqs.DeleteMessageOutput{}, nil).Run(record("delete"))

	processor := NewMessageProcessor(testConfig(), mockSQS, mockStore, stubTransformer{out: thumb}, nil, nil, false)

	acked := processor.Process(ctx, job)

	assert.True(t, acked)
	assert.Equal(t, []string{"get", "put", "delete"}, calls)
	mockSQS.AssertNotCalled(t, "ChangeMessageVisibility", mock.Anything, mock.Anything)
	mockSQS.AssertExpectations(t)
	mockStore.AssertExpectations(t)
}

func TestProcessFailuresExtendVisibility(t *testing.T) {
	validBody := `{"bucket":"b1","key":"raw-images/foo.png"}`

	tests := []struct {
		name         string
		body         string
		getErr       error
		transformErr error
		putErr       error
		expectGet    bool
		expectPut    bool
	}{
		{
			name: "malformed body",
			body: `{not json`,
		},
		{
			name: "missing key",
			body: `{"bucket":"b1"}`,
		},
		{
			name:      "fetch error",
			body:      validBody,
			getErr:    errors.New("NoSuchKey"),
			expectGet: true,
		},
		{
			name:         "transform error",
			body:         validBody,
			transformErr: errors.New("unsupported image"),
			expectGet:    true,
		},
		{
			name:      "store error",
			body:      validBody,
			putErr:    errors.New("SlowDown"),
			expectGet: true,
			expectPut: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockSQS := new(MockSQSClient)
			mockStore := new(MockObjectStore)
			job := testJob(tt.body)

			if tt.expectGet {
				if tt.getErr != nil {
					mockStore.On("Get", mock.Anything, "b1", "raw-images/foo.png").Return(nil, tt.getErr)
				} else {
					mockStore.On("Get", mock.Anything, "b1", "raw-images/foo.png").Return([]byte("source"), nil)
				}
			}
			if tt.expectPut {
				mockStore.On("Put", mock.Anything, "b1", "thumbnails/foo.png", mock.Anything, "image/jpeg").Return(tt.putErr)
			}

			mockSQS.On("ChangeMessageVisibility", mock.Anything, mock.MatchedBy(func(input *sqs.ChangeMessageVisibilityInput) bool {
				return *input.ReceiptHandle == *job.ReceiptHandle && input.VisibilityTimeout == 60
			})).Return(&sqs.ChangeMessageVisibilityOutput{}, nil)

			transformer := stubTransformer{out: []byte("thumb"), err: tt.transformErr}
			processor := NewMessageProcessor(testConfig(), mockSQS, mockStore, transformer, nil, nil, false)

			acked := processor.Process(context.Background(), job)

			assert.False(t, acked)
			mockSQS.AssertNotCalled(t, "DeleteMessage", mock.Anything, mock.Anything)
			mockSQS.AssertNumberOfCalls(t, "ChangeMessageVisibility", 1)
			mockStore.AssertExpectations(t)
			if !tt.expectPut {
				mockStore.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			}
		})
	}
}

func TestProcessSwallowsVisibilityExtensionFailure(t *testing.T) {
	mockSQS := new(MockSQSClient)
	mockStore := new(MockObjectStore)
	job := testJob(`{"bucket":"b1","key":"raw-images/foo.png"}`)

	mockStore.On("Get", mock.Anything, "b1", "raw-images/foo.png").Return(nil, errors.New("connection reset"))
	mockSQS.On("ChangeMessageVisibility", mock.Anything, mock.Anything).Return(nil, errors.New("ReceiptHandleIsInvalid"))

	processor := NewMessageProcessor(testConfig(), mockSQS, mockStore, stubTransformer{}, nil, nil, false)

	assert.NotPanics(t, func() {
		assert.False(t, processor.Process(context.Background(), job))
	})
	mockSQS.AssertNotCalled(t, "DeleteMessage", mock.Anything, mock.Anything)
	mockSQS.AssertExpectations(t)
}

func TestProcessDeleteFailureStillReportsStored(t *testing.T) {
	mockSQS := new(MockSQSClient)
	store := newMemObjectStore()
	require.NoError(t, store.Put(context.Background(), "b1", "raw-images/foo.png", []byte("src"), "image/png"))

	mockSQS.On("DeleteMessage", mock.Anything, mock.Anything).Return(nil, errors.New("throttled"))

	processor := NewMessageProcessor(testConfig(), mockSQS, store, stubTransformer{out: []byte("thumb")}, nil, nil, false)

	acked := processor.Process(context.Background(), testJob(`{"bucket":"b1","key":"raw-images/foo.png"}`))

	assert.True(t, acked)
	data, _, ok := store.object("b1", "thumbnails/foo.png")
	assert.True(t, ok)
	assert.Equal(t, []byte("thumb"), data)
	mockSQS.AssertNotCalled(t, "ChangeMessageVisibility", mock.Anything, mock.Anything)
}

func TestProcessUsesDestBucket(t *testing.T) {
	mockSQS := new(MockSQSClient)
	store := newMemObjectStore()
	require.NoError(t, store.Put(context.Background(), "uploads", "raw-images/foo.png", []byte("src"), "image/png"))

	mockSQS.On("DeleteMessage", mock.Anything, mock.Anything).Return(&sqs.DeleteMessageOutput{}, nil)

	cfg := testConfig()
	cfg.DestBucket = "thumbs"
	processor := NewMessageProcessor(cfg, mockSQS, store, stubTransformer{out: []byte("thumb")}, nil, nil, false)

	assert.True(t, processor.Process(context.Background(), testJob(`{"bucket":"uploads","key":"raw-images/foo.png"}`)))

	_, _, ok := store.object("thumbs", "thumbnails/foo.png")
	assert.True(t, ok)
	_, _, ok = store.object("uploads", "thumbnails/foo.png")
	assert.False(t, ok)
}

func TestProcessWithoutSourcePrefixOverwritesSource(t *testing.T) {
	var logs bytes.Buffer
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	log.Logger = zerolog.New(&logs)
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	mockSQS := new(MockSQSClient)
	store := newMemObjectStore()
	require.NoError(t, store.Put(context.Background(), "b1", "uploads/foo.png", []byte("src"), "image/png"))

	mockSQS.On("DeleteMessage", mock.Anything, mock.Anything).Return(&sqs.DeleteMessageOutput{}, nil)

	processor := NewMessageProcessor(testConfig(), mockSQS, store, stubTransformer{out: []byte("thumb")}, nil, nil, false)
	job := testJob(`{"bucket":"b1","key":"uploads/foo.png"}`)
	job.ReceiveCount = 2

	assert.True(t, processor.Process(context.Background(), job))

	data, contentType, ok := store.object("b1", "uploads/foo.png")
	require.True(t, ok)
	assert.Equal(t, "thumb", string(data))
	assert.Equal(t, "image/jpeg", contentType)
	mockSQS.AssertNumberOfCalls(t, "DeleteMessage", 1)

	out := logs.String()
	assert.Contains(t, out, "thumbnail replaces the source object")
	assert.Contains(t, out, `"message_id":"`+job.MessageID+`"`)
	assert.Contains(t, out, `"receive_count":2`)
	assert.Contains(t, out, `"key":"uploads/foo.png"`)
}

func TestProcessIsIdempotent(t *testing.T) {
	mockSQS := new(MockSQSClient)
	store := newMemObjectStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "b1", "raw-images/foo.png", testPNG(t, 40, 30), "image/png"))

	mockSQS.On("DeleteMessage", mock.Anything, mock.Anything).Return(&sqs.DeleteMessageOutput{}, nil)

	processor := NewMessageProcessor(testConfig(), mockSQS, store, NewThumbnailTransformer(16, 16, 80), nil, nil, false)
	body := `{"bucket":"b1","key":"raw-images/foo.png"}`

	require.True(t, processor.Process(ctx, testJob(body)))
	first, firstType, ok := store.object("b1", "thumbnails/foo.png")
	require.True(t, ok)

	// duplicate delivery of the same work item
	require.True(t, processor.Process(ctx, testJob(body)))
	second, secondType, ok := store.object("b1", "thumbnails/foo.png")
	require.True(t, ok)

	assert.Equal(t, first, second)
	assert.Equal(t, firstType, secondType)
	mockSQS.AssertNumberOfCalls(t, "DeleteMessage", 2)
}

func TestProcessDeduplication(t *testing.T) {
	tests := []struct {
		name          string
		processed     bool
		lookupErr     error
		expectProcess bool
	}{
		{name: "first delivery", processed: false, expectProcess: true},
		{name: "already processed", processed: true, expectProcess: false},
		{name: "lookup error falls through", lookupErr: errors.New("db down"), expectProcess: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockSQS := new(MockSQSClient)
			mockStore := new(MockObjectStore)
			mockDedup := new(MockDeduplicationStore)
			job := testJob(`{"bucket":"b1","key":"raw-images/foo.png"}`)

			mockDedup.On("IsProcessed", mock.Anything, job.MessageID).Return(tt.processed, tt.lookupErr)
			mockSQS.On("DeleteMessage", mock.Anything, mock.Anything).Return(&sqs.DeleteMessageOutput{}, nil)
			if tt.expectProcess {
				mockStore.On("Get", mock.Anything, "b1", "raw-images/foo.png").Return([]byte("src"), nil)
				mockStore.On("Put", mock.Anything, "b1", "thumbnails/foo.png", mock.Anything, "image/jpeg").Return(nil)
				mockDedup.On("MarkProcessed", mock.Anything, job.MessageID, "thumbnails/foo.png").Return(nil)
			}

			processor := NewMessageProcessor(testConfig(), mockSQS, mockStore, stubTransformer{out: []byte("t")}, nil, mockDedup, false)

			assert.True(t, processor.Process(context.Background(), job))
			mockSQS.AssertNumberOfCalls(t, "DeleteMessage", 1)
			mockStore.AssertExpectations(t)
			mockDedup.AssertExpectations(t)
			if !tt.expectProcess {
				mockStore.AssertNotCalled(t, "Get", mock.Anything, mock.Anything, mock.Anything)
			}
		})
	}
}

func TestProcessLedgerFailureDoesNotBlockAck(t *testing.T) {
	mockSQS := new(MockSQSClient)
	mockDB := new(MockDatabase)
	store := newMemObjectStore()
	require.NoError(t, store.Put(context.Background(), "b1", "raw-images/foo.png", []byte("src"), "image/png"))

	job := testJob(`{"bucket":"b1","key":"raw-images/foo.png"}`)

	mockDB.On("CreateThumbnailLog", mock.Anything, mock.MatchedBy(func(p CreateThumbnailLogParams) bool {
		return p.MessageID == job.MessageID &&
			p.Bucket == "b1" &&
			p.SourceKey == "raw-images/foo.png" &&
			p.DestBucket == "b1" &&
			p.DestKey == "thumbnails/foo.png" &&
			p.SizeBytes == 5 &&
			p.ContentType == "image/jpeg"
	})).Return(assert.AnError)
	mockSQS.On("DeleteMessage", mock.Anything, mock.Anything).Return(&sqs.DeleteMessageOutput{}, nil)

	processor := NewMessageProcessor(testConfig(), mockSQS, store, stubTransformer{out: []byte("thumb")}, mockDB, nil, true)

	assert.True(t, processor.Process(context.Background(), job))
	mockDB.AssertExpectations(t)
	mockSQS.AssertNumberOfCalls(t, "DeleteMessage", 1)
}

// input {"bucket":"b1","key":"raw-images/foo.png"} with a 10x10 source image
func TestEndToEndThumbnail(t *testing.T) {
	mockSQS := new(MockSQSClient)
	store := newMemObjectStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "b1", "raw-images/foo.png", testPNG(t, 10, 10), "image/png"))

	job := testJob(`{"bucket":"b1","key":"raw-images/foo.png"}`)
	mockSQS.On("DeleteMessage", mock.Anything, mock.MatchedBy(func(input *sqs.DeleteMessageInput) bool {
		return *input.ReceiptHandle == *job.ReceiptHandle
	})).Return(&sqs.DeleteMessageOutput{}, nil)

	processor := NewMessageProcessor(testConfig(), mockSQS, store, NewThumbnailTransformer(0, 0, 0), nil, nil, false)

	require.True(t, processor.Process(ctx, job))

	data, contentType, ok := store.object("b1", "thumbnails/foo.png")
	require.True(t, ok)
	assert.Equal(t, "image/jpeg", contentType)

	img, format, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, defaultThumbWidth, img.Bounds().Dx())
	assert.Equal(t, defaultThumbHeight, img.Bounds().Dy())

	mockSQS.AssertExpectations(t)
}
