package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/marcy-dev/dash-pipeline/pkg/models"
)

type fakeSQS struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeSQS) ReceiveMessage(context.Context, *sqs.ReceiveMessageInput, ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	return &sqs.ReceiveMessageOutput{}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, *params.ReceiptHandle)
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) deletedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func newTestConsumer(f *fixture, client SQSAPI) *Consumer {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewConsumer(client, f.orch, "https://sqs.test/queue", 2, log)
}

func TestConsumerDeletesAcknowledgedMessage(t *testing.T) {
	f := newFixture(t)
	client := &fakeSQS{}
	c := newTestConsumer(f, client)

	body := string(deliveryBody(t, "owner1-20.mp4"))
	c.handle(context.Background(), types.Message{
		Body:          aws.String(body),
		ReceiptHandle: aws.String("rh-1"),
	})

	if got := client.deletedHandles(); len(got) != 1 || got[0] != "rh-1" {
		t.Errorf("deleted handles = %v, want [rh-1]", got)
	}
	if f.jobs.record == nil || f.jobs.record.Status != models.StatusProcessed {
		t.Error("job not processed")
	}
}

func TestConsumerLeavesRetriableMessage(t *testing.T) {
	f := newFixture(t)
	f.transcoder.err = errors.New("encoder crashed")
	f.transcoder.emit = nil
	client := &fakeSQS{}
	c := newTestConsumer(f, client)

	body := string(deliveryBody(t, "owner1-21.mp4"))
	c.handle(context.Background(), types.Message{
		Body:          aws.String(body),
		ReceiptHandle: aws.String("rh-2"),
	})

	// The message stays in flight so the visibility timeout drives the retry.
	if got := client.deletedHandles(); len(got) != 0 {
		t.Errorf("deleted handles = %v, want none", got)
	}
}

func TestConsumerDeletesMalformedMessage(t *testing.T) {
	f := newFixture(t)
	client := &fakeSQS{}
	c := newTestConsumer(f, client)

	c.handle(context.Background(), types.Message{
		Body:          aws.String("not json"),
		ReceiptHandle: aws.String("rh-3"),
	})

	if got := client.deletedHandles(); len(got) != 1 {
		t.Errorf("malformed message not deleted, handles = %v", got)
	}
}

func TestConsumerNilBody(t *testing.T) {
	f := newFixture(t)
	client := &fakeSQS{}
	c := newTestConsumer(f, client)

	c.handle(context.Background(), types.Message{ReceiptHandle: aws.String("rh-4")})

	if got := client.deletedHandles(); len(got) != 1 {
		t.Errorf("nil-body message not deleted, handles = %v", got)
	}
}
