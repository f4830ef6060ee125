package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/marcy-dev/dash-pipeline/pkg/models"
)

// MaxCASAttempts bounds retries of the optimistic read-modify-write loop
// under contention from concurrent deliveries.
const MaxCASAttempts = 3

// DynamoDBAPI defines the DynamoDB operations the job store needs.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// JobStore persists per-video processing state in DynamoDB.
type JobStore struct {
	client    DynamoDBAPI
	tableName string
}

// NewJobStore creates a JobStore backed by the given client.
func NewJobStore(client DynamoDBAPI, tableName string) *JobStore {
	return &JobStore{
		client:    client,
		tableName: tableName,
	}
}

func jobKey(videoID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: fmt.Sprintf("VIDEO#%s", videoID)},
		"sk": &types.AttributeValueMemberS{Value: "METADATA"},
	}
}

// GetJob retrieves the job record for videoID. A missing record is not an
// error: it returns (nil, nil). Store-level failures are returned as errors.
func (s *JobStore) GetJob(ctx context.Context, videoID string) (*models.JobRecord, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            jobKey(videoID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get job %s: %v", models.ErrStateStore, videoID, err)
	}

	if result.Item == nil {
		return nil, nil
	}

	var record models.JobRecord
	if err := attributevalue.UnmarshalMap(result.Item, &record); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal job %s: %v", models.ErrStateStore, videoID, err)
	}

	return &record, nil
}

// UpdateJob applies a merge-upsert: only fields set in update are written,
// the record is created if absent, and the version counter is bumped.
func (s *JobStore) UpdateJob(ctx context.Context, videoID string, update models.JobUpdate) error {
	return s.applyUpdate(ctx, videoID, update, nil)
}

// RunTransaction executes fn with read-then-write atomicity against the job
// record for videoID. fn receives the current record (nil when absent) and
// returns the merge-update to apply; an error from fn aborts the transaction
// and is returned unchanged. Atomicity is enforced by a version-conditioned
// write retried on contention.
func (s *JobStore) RunTransaction(ctx context.Context, videoID string, fn func(record *models.JobRecord) (models.JobUpdate, error)) error {
	for attempt := 0; attempt < MaxCASAttempts; attempt++ {
		record, err := s.GetJob(ctx, videoID)
		if err != nil {
			return err
		}

		update, err := fn(record)
		if err != nil {
			return err
		}

		var seen int64
		if record != nil {
			seen = record.Version
		}

		err = s.applyUpdate(ctx, videoID, update, &seen)
		if err == nil {
			return nil
		}

		var condErr *types.ConditionalCheckFailedException
		if !errors.As(err, &condErr) {
			return err
		}
		// Lost the race with a concurrent attempt; re-read and retry.
	}

	return fmt.Errorf("%w: contention on job %s", models.ErrTransactionAborted, videoID)
}

// applyUpdate builds and executes the UpdateItem call. When expectVersion is
// non-nil the write is conditioned on the stored version (0 means the record
// must not exist yet).
func (s *JobStore) applyUpdate(ctx context.Context, videoID string, update models.JobUpdate, expectVersion *int64) error {
	now := time.Now().UTC().Format(time.RFC3339)

	names := map[string]string{
		"#updated_at": "updated_at",
		"#video_id":   "video_id",
		"#version":    "version",
	}
	values := map[string]types.AttributeValue{
		":updated_at": &types.AttributeValueMemberS{Value: now},
		":video_id":   &types.AttributeValueMemberS{Value: videoID},
	}
	setParts := []string{
		"#updated_at = :updated_at",
		"#video_id = if_not_exists(#video_id, :video_id)",
	}

	setString := func(attr, val string) {
		names["#"+attr] = attr
		values[":"+attr] = &types.AttributeValueMemberS{Value: val}
		setParts = append(setParts, fmt.Sprintf("#%s = :%s", attr, attr))
	}
	setInt := func(attr string, val int) {
		names["#"+attr] = attr
		values[":"+attr] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", val)}
		setParts = append(setParts, fmt.Sprintf("#%s = :%s", attr, attr))
	}

	if update.Status != nil {
		setString("status", string(*update.Status))
	}
	if update.Stage != nil {
		setString("stage", string(*update.Stage))
	}
	if update.TranscodingProgress != nil {
		setInt("transcoding_progress", *update.TranscodingProgress)
	}
	if update.RetryCount != nil {
		setInt("retry_count", *update.RetryCount)
	}
	if update.ErrorMessage != nil {
		setString("error_message", *update.ErrorMessage)
	}
	if update.Filename != nil {
		setString("filename", *update.Filename)
	}
	if update.OwnerID != nil {
		setString("owner_id", *update.OwnerID)
	}
	if update.DurationSeconds != nil {
		names["#duration_seconds"] = "duration_seconds"
		values[":duration_seconds"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%g", *update.DurationSeconds)}
		setParts = append(setParts, "#duration_seconds = :duration_seconds")
	}
	if update.SetCreatedAt {
		names["#created_at"] = "created_at"
		values[":created_at"] = &types.AttributeValueMemberS{Value: now}
		setParts = append(setParts, "#created_at = if_not_exists(#created_at, :created_at)")
	}

	input := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       jobKey(videoID),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}

	if expectVersion == nil {
		values[":one"] = &types.AttributeValueMemberN{Value: "1"}
		values[":zero"] = &types.AttributeValueMemberN{Value: "0"}
		setParts = append(setParts, "#version = if_not_exists(#version, :zero) + :one")
	} else if *expectVersion == 0 {
		values[":new_version"] = &types.AttributeValueMemberN{Value: "1"}
		setParts = append(setParts, "#version = :new_version")
		input.ConditionExpression = aws.String("attribute_not_exists(pk)")
	} else {
		values[":new_version"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", *expectVersion+1)}
		values[":seen_version"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", *expectVersion)}
		setParts = append(setParts, "#version = :new_version")
		input.ConditionExpression = aws.String("#version = :seen_version")
	}

	input.UpdateExpression = aws.String("SET " + strings.Join(setParts, ", "))

	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return err
		}
		return fmt.Errorf("%w: failed to update job %s: %v", models.ErrStateStore, videoID, err)
	}

	return nil
}
