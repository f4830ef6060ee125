package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/marcy-dev/dash-pipeline/internal/logger"
	"github.com/marcy-dev/dash-pipeline/pkg/models"
)

// SQSAPI is the subset of the SQS client the consumer uses.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Consumer long-polls the queue and feeds deliveries to the orchestrator.
// An acknowledged outcome deletes the message; a retry outcome leaves it for
// redelivery after the visibility timeout.
type Consumer struct {
	client        SQSAPI
	orchestrator  *Orchestrator
	queueURL      string
	maxConcurrent int
	log           *slog.Logger
}

// NewConsumer creates a queue consumer bound to queueURL.
func NewConsumer(client SQSAPI, orchestrator *Orchestrator, queueURL string, maxConcurrent int, log *slog.Logger) *Consumer {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Consumer{
		client:        client,
		orchestrator:  orchestrator,
		queueURL:      queueURL,
		maxConcurrent: maxConcurrent,
		log:           log,
	}
}

// Run polls until ctx is canceled, waiting for in-flight jobs to finish
// before returning.
func (c *Consumer) Run(ctx context.Context) {
	logger.Info(ctx, c.log, "Queue consumer started",
		"queueUrl", c.queueURL,
		"maxConcurrent", c.maxConcurrent,
	)

	sem := make(chan struct{}, c.maxConcurrent)

	for {
		select {
		case <-ctx.Done():
			c.drain(sem)
			logger.Info(context.Background(), c.log, "Queue consumer stopped")
			return
		default:
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            &c.queueURL,
			MaxNumberOfMessages: int32(min(10, c.maxConcurrent)),
			WaitTimeSeconds:     20,
		})
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Error(ctx, c.log, "Failed to receive messages", "error", err)
			time.Sleep(5 * time.Second)
			continue
		}

		for _, msg := range out.Messages {
			sem <- struct{}{}
			go func(msg types.Message) {
				defer func() { <-sem }()
				c.handle(ctx, msg)
			}(msg)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg types.Message) {
	var body []byte
	if msg.Body != nil {
		body = []byte(*msg.Body)
	}

	outcome := c.orchestrator.Process(ctx, body)
	if outcome != models.OutcomeAck {
		// Leave the message in flight; SQS redelivers it once the
		// visibility timeout lapses.
		return
	}

	deleteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	_, err := c.client.DeleteMessage(deleteCtx, &sqs.DeleteMessageInput{
		QueueUrl:      &c.queueURL,
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		logger.Warn(ctx, c.log, "Failed to delete processed message", "error", err)
	}
}

func (c *Consumer) drain(sem chan struct{}) {
	for i := 0; i < c.maxConcurrent; i++ {
		sem <- struct{}{}
	}
}
