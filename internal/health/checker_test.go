package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Mock S3 client
type mockS3Client struct {
	err error
}

func (m *mockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &s3.HeadBucketOutput{}, nil
}

// Mock DynamoDB client
type mockDynamoDBClient struct {
	err error
}

func (m *mockDynamoDBClient) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &dynamodb.DescribeTableOutput{}, nil
}

// Mock SQS client
type mockSQSClient struct {
	err error
}

func (m *mockSQSClient) GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.GetQueueAttributesOutput{}, nil
}

func testConfig() *Config {
	return &Config{
		ServiceName:     "test-service",
		S3Client:        &mockS3Client{},
		DynamoDBClient:  &mockDynamoDBClient{},
		SQSClient:       &mockSQSClient{},
		RawBucket:       "raw-bucket",
		ProcessedBucket: "processed-bucket",
		DynamoDBTable:   "jobs-table",
		SQSQueueURL:     "https://sqs.test",
		Logger:          slog.New(slog.NewJSONHandler(os.Stderr, nil)),
		CacheTTL:        time.Second,
		CheckTimeout:    time.Second,
		DeepCheckLimit:  time.Millisecond,
	}
}

func TestChecker_Check_Shallow(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	checker := NewChecker(DefaultConfig("test-service", logger))

	status := checker.Check(context.Background(), false)

	if status.Status != "healthy" {
		t.Errorf("Status = %s, want healthy", status.Status)
	}
	if status.Service != "test-service" {
		t.Errorf("Service = %s, want test-service", status.Service)
	}
	if len(status.Checks) != 0 {
		t.Errorf("Checks should be empty for shallow check, got %d", len(status.Checks))
	}
}

func TestChecker_Check_Deep_AllHealthy(t *testing.T) {
	checker := NewChecker(testConfig())

	status := checker.Check(context.Background(), true)

	if status.Status != "healthy" {
		t.Errorf("Status = %s, want healthy", status.Status)
	}
	if len(status.Checks) != 4 {
		t.Errorf("Checks should have 4 entries, got %d", len(status.Checks))
	}
	for _, name := range []string{"s3_raw", "s3_processed", "dynamodb", "sqs"} {
		if status.Checks[name].Status != "healthy" {
			t.Errorf("%s check status = %s, want healthy", name, status.Checks[name].Status)
		}
	}
}

func TestChecker_Check_Deep_DynamoDBUnhealthy(t *testing.T) {
	cfg := testConfig()
	cfg.DynamoDBClient = &mockDynamoDBClient{err: errors.New("table missing")}
	checker := NewChecker(cfg)

	status := checker.Check(context.Background(), true)

	if status.Status != "degraded" {
		t.Errorf("Status = %s, want degraded", status.Status)
	}
	if status.Checks["dynamodb"].Status != "unhealthy" {
		t.Errorf("dynamodb check status = %s, want unhealthy", status.Checks["dynamodb"].Status)
	}
	if status.Checks["dynamodb"].Error != "table missing" {
		t.Errorf("dynamodb check error = %s, want 'table missing'", status.Checks["dynamodb"].Error)
	}
}

func TestChecker_Check_Deep_NoQueueConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.SQSQueueURL = ""
	checker := NewChecker(cfg)

	status := checker.Check(context.Background(), true)

	if _, ok := status.Checks["sqs"]; ok {
		t.Error("sqs check present without a configured queue")
	}
	if status.Status != "healthy" {
		t.Errorf("Status = %s, want healthy", status.Status)
	}
}

func TestChecker_Check_Caching(t *testing.T) {
	cfg := testConfig()
	cfg.CacheTTL = time.Hour
	checker := NewChecker(cfg)

	first := checker.Check(context.Background(), true)
	second := checker.Check(context.Background(), false)

	if first != second {
		t.Error("shallow check within TTL should return the cached status")
	}
}

func TestChecker_Handler(t *testing.T) {
	checker := NewChecker(testConfig())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	checker.Handler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want 200", rec.Code)
	}

	var status Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if status.Status != "healthy" {
		t.Errorf("Status = %s, want healthy", status.Status)
	}
}

func TestChecker_DeepHandler_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.DeepCheckLimit = time.Hour
	checker := NewChecker(cfg)
	checker.RecordDeepCheck()

	req := httptest.NewRequest(http.MethodGet, "/health/deep", nil)
	rec := httptest.NewRecorder()
	checker.DeepHandler()(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status code = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}
