package storage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/marcy-dev/dash-pipeline/pkg/models"
)

type fakeDynamoDB struct {
	item    map[string]types.AttributeValue
	getErr  error
	getSeen int

	updates    []*dynamodb.UpdateItemInput
	updateErrs []error
}

func (f *fakeDynamoDB) GetItem(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.getSeen++
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &dynamodb.GetItemOutput{Item: f.item}, nil
}

func (f *fakeDynamoDB) UpdateItem(_ context.Context, params *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updates = append(f.updates, params)
	if len(f.updateErrs) > 0 {
		err := f.updateErrs[0]
		f.updateErrs = f.updateErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func marshalRecord(t *testing.T, record models.JobRecord) map[string]types.AttributeValue {
	t.Helper()
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	return item
}

func TestGetJobMissingRecord(t *testing.T) {
	store := NewJobStore(&fakeDynamoDB{}, "videos")

	record, err := store.GetJob(context.Background(), "v1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if record != nil {
		t.Errorf("GetJob() = %+v, want nil for missing record", record)
	}
}

func TestGetJobUnmarshalsRecord(t *testing.T) {
	fake := &fakeDynamoDB{
		item: marshalRecord(t, models.JobRecord{
			VideoID:    "v1",
			Status:     models.StatusFailed,
			RetryCount: 3,
			Version:    7,
		}),
	}
	store := NewJobStore(fake, "videos")

	record, err := store.GetJob(context.Background(), "v1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if record.Status != models.StatusFailed || record.RetryCount != 3 || record.Version != 7 {
		t.Errorf("GetJob() = %+v", record)
	}
}

func TestUpdateJobExpression(t *testing.T) {
	fake := &fakeDynamoDB{}
	store := NewJobStore(fake, "videos")

	status := models.StatusProcessing
	progress := 40
	err := store.UpdateJob(context.Background(), "v1", models.JobUpdate{
		Status:              &status,
		TranscodingProgress: &progress,
	})
	if err != nil {
		t.Fatalf("UpdateJob() error = %v", err)
	}
	if len(fake.updates) != 1 {
		t.Fatalf("UpdateItem called %d times, want 1", len(fake.updates))
	}

	input := fake.updates[0]
	expr := *input.UpdateExpression
	for _, want := range []string{
		"#status = :status",
		"#transcoding_progress = :transcoding_progress",
		"#updated_at = :updated_at",
		"#version = if_not_exists(#version, :zero) + :one",
	} {
		if !strings.Contains(expr, want) {
			t.Errorf("UpdateExpression = %q, missing %q", expr, want)
		}
	}
	if input.ConditionExpression != nil {
		t.Errorf("plain update carries condition %q", *input.ConditionExpression)
	}
	if pk := input.Key["pk"].(*types.AttributeValueMemberS).Value; pk != "VIDEO#v1" {
		t.Errorf("pk = %q, want VIDEO#v1", pk)
	}
}

func TestRunTransactionCreatesRecordGuarded(t *testing.T) {
	fake := &fakeDynamoDB{}
	store := NewJobStore(fake, "videos")

	err := store.RunTransaction(context.Background(), "v1", func(record *models.JobRecord) (models.JobUpdate, error) {
		if record != nil {
			t.Errorf("fn received record %+v, want nil", record)
		}
		status := models.StatusProcessing
		return models.JobUpdate{Status: &status, SetCreatedAt: true}, nil
	})
	if err != nil {
		t.Fatalf("RunTransaction() error = %v", err)
	}

	input := fake.updates[0]
	if input.ConditionExpression == nil || *input.ConditionExpression != "attribute_not_exists(pk)" {
		t.Errorf("ConditionExpression = %v, want attribute_not_exists(pk)", input.ConditionExpression)
	}
	if !strings.Contains(*input.UpdateExpression, "#created_at = if_not_exists(#created_at, :created_at)") {
		t.Errorf("UpdateExpression = %q, missing created_at guard", *input.UpdateExpression)
	}
}

func TestRunTransactionConditionsOnSeenVersion(t *testing.T) {
	fake := &fakeDynamoDB{
		item: marshalRecord(t, models.JobRecord{VideoID: "v1", Status: models.StatusFailed, Version: 4}),
	}
	store := NewJobStore(fake, "videos")

	err := store.RunTransaction(context.Background(), "v1", func(record *models.JobRecord) (models.JobUpdate, error) {
		status := models.StatusProcessing
		return models.JobUpdate{Status: &status}, nil
	})
	if err != nil {
		t.Fatalf("RunTransaction() error = %v", err)
	}

	input := fake.updates[0]
	if input.ConditionExpression == nil || *input.ConditionExpression != "#version = :seen_version" {
		t.Errorf("ConditionExpression = %v, want version guard", input.ConditionExpression)
	}
	if got := input.ExpressionAttributeValues[":seen_version"].(*types.AttributeValueMemberN).Value; got != "4" {
		t.Errorf("seen_version = %s, want 4", got)
	}
	if got := input.ExpressionAttributeValues[":new_version"].(*types.AttributeValueMemberN).Value; got != "5" {
		t.Errorf("new_version = %s, want 5", got)
	}
}

func TestRunTransactionFnErrorAbortsWithoutWrite(t *testing.T) {
	fake := &fakeDynamoDB{
		item: marshalRecord(t, models.JobRecord{VideoID: "v1", Status: models.StatusProcessing, Version: 2}),
	}
	store := NewJobStore(fake, "videos")

	err := store.RunTransaction(context.Background(), "v1", func(*models.JobRecord) (models.JobUpdate, error) {
		return models.JobUpdate{}, models.ErrAlreadyInFlight
	})
	if !errors.Is(err, models.ErrAlreadyInFlight) {
		t.Fatalf("RunTransaction() error = %v, want ErrAlreadyInFlight", err)
	}
	if len(fake.updates) != 0 {
		t.Errorf("aborted transaction wrote %d updates, want 0", len(fake.updates))
	}
}

func TestRunTransactionRetriesOnContention(t *testing.T) {
	fake := &fakeDynamoDB{
		item:       marshalRecord(t, models.JobRecord{VideoID: "v1", Version: 1}),
		updateErrs: []error{&types.ConditionalCheckFailedException{}, nil},
	}
	store := NewJobStore(fake, "videos")

	calls := 0
	err := store.RunTransaction(context.Background(), "v1", func(*models.JobRecord) (models.JobUpdate, error) {
		calls++
		status := models.StatusProcessing
		return models.JobUpdate{Status: &status}, nil
	})
	if err != nil {
		t.Fatalf("RunTransaction() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("fn called %d times, want 2 (re-read after contention)", calls)
	}
	if len(fake.updates) != 2 {
		t.Errorf("UpdateItem called %d times, want 2", len(fake.updates))
	}
}

func TestRunTransactionAbortsAfterMaxContention(t *testing.T) {
	fake := &fakeDynamoDB{
		item: marshalRecord(t, models.JobRecord{VideoID: "v1", Version: 1}),
		updateErrs: []error{
			&types.ConditionalCheckFailedException{},
			&types.ConditionalCheckFailedException{},
			&types.ConditionalCheckFailedException{},
		},
	}
	store := NewJobStore(fake, "videos")

	err := store.RunTransaction(context.Background(), "v1", func(*models.JobRecord) (models.JobUpdate, error) {
		status := models.StatusProcessing
		return models.JobUpdate{Status: &status}, nil
	})
	if !errors.Is(err, models.ErrTransactionAborted) {
		t.Fatalf("RunTransaction() error = %v, want ErrTransactionAborted", err)
	}
	if len(fake.updates) != MaxCASAttempts {
		t.Errorf("UpdateItem called %d times, want %d", len(fake.updates), MaxCASAttempts)
	}
}

func TestRunTransactionStoreErrorPropagates(t *testing.T) {
	storeDown := errors.New("throttled")
	fake := &fakeDynamoDB{getErr: storeDown}
	store := NewJobStore(fake, "videos")

	err := store.RunTransaction(context.Background(), "v1", func(*models.JobRecord) (models.JobUpdate, error) {
		return models.JobUpdate{}, nil
	})
	if !errors.Is(err, models.ErrStateStore) {
		t.Fatalf("RunTransaction() error = %v, want ErrStateStore", err)
	}
	if fake.getSeen != 1 {
		t.Errorf("GetItem called %d times, want 1 (no retry on store failure)", fake.getSeen)
	}
}
