package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/novabuild/bidalert/internal/metrics"
)

// BidEvent is the SQS payload announcing a new or updated bid.
type BidEvent struct {
	BidNumber string `json:"bidNumber"`
}

// SQSConfig holds queue settings for the bid event stream.
type SQSConfig struct {
	Region   string
	QueueURL string
}

// sqsAPI is the slice of the SQS client the consumer uses.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Consumer long-polls the bid event queue and hands each event to the
// dispatcher. Events that fail to dispatch stay on the queue and come
// back after the visibility timeout; malformed payloads are deleted so
// they cannot poison the stream.
type Consumer struct {
	client     sqsAPI
	queueURL   string
	dispatcher *Dispatcher
	logger     *zap.Logger
}

// NewConsumer builds a consumer with a real SQS client.
func NewConsumer(ctx context.Context, cfg SQSConfig, dispatcher *Dispatcher, logger *zap.Logger) (*Consumer, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs consumer initialized", zap.String("queue_url", cfg.QueueURL))
	return &Consumer{
		client:     sqs.NewFromConfig(awsCfg),
		queueURL:   cfg.QueueURL,
		dispatcher: dispatcher,
		logger:     logger,
	}, nil
}

// newConsumerWithClient is the seam tests use.
func newConsumerWithClient(client sqsAPI, queueURL string, dispatcher *Dispatcher, logger *zap.Logger) *Consumer {
	return &Consumer{client: client, queueURL: queueURL, dispatcher: dispatcher, logger: logger}
}

// Run polls until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("sqs poll failed", zap.Error(err))
			c.sleep(ctx, 5*time.Second)
		}
	}
}

func (c *Consumer) poll(ctx context.Context) error {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	})
	if err != nil {
		return fmt.Errorf("sqs receive failed: %w", err)
	}

	metrics.SetSQSMessagesInFlight(len(out.Messages))
	for _, msg := range out.Messages {
		c.handle(ctx, aws.ToString(msg.Body), aws.ToString(msg.ReceiptHandle))
	}
	metrics.SetSQSMessagesInFlight(0)
	return nil
}

func (c *Consumer) handle(ctx context.Context, body, receiptHandle string) {
	var event BidEvent
	if err := json.Unmarshal([]byte(body), &event); err != nil || event.BidNumber == "" {
		c.logger.Warn("dropping malformed bid event", zap.String("body", body))
		c.delete(ctx, receiptHandle)
		return
	}

	if _, err := c.dispatcher.Dispatch(ctx, event.BidNumber); err != nil {
		// Leave the message for redelivery.
		c.logger.Error("dispatch failed",
			zap.String("bid_number", event.BidNumber),
			zap.Error(err),
		)
		return
	}
	c.delete(ctx, receiptHandle)
}

func (c *Consumer) delete(ctx context.Context, receiptHandle string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		c.logger.Warn("sqs delete failed", zap.Error(err))
	}
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
