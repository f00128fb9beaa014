// Package queue exports per-request usage records to a billing queue.
// Records are fire-and-forget: a publish failure is logged by the
// caller and never fails the request that produced it.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/mosaicdocs/aicore/internal/repository"
)

// UsageEvent is the queue envelope for one usage record.
type UsageEvent struct {
	Schema    string                 `json:"schema"`
	Record    repository.UsageRecord `json:"record"`
	EmittedAt time.Time              `json:"emitted_at"`
}

const usageEventSchema = "aicore.usage.v1"

type Exporter interface {
	Publish(ctx context.Context, record repository.UsageRecord) error
}

type SQSExporter struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSExporter(ctx context.Context, region, queueURL string) (*SQSExporter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSQSExporterWithConfig(cfg, queueURL), nil
}

func NewSQSExporterWithConfig(cfg aws.Config, queueURL string) *SQSExporter {
	return &SQSExporter{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (e *SQSExporter) Publish(ctx context.Context, record repository.UsageRecord) error {
	body, err := json.Marshal(UsageEvent{
		Schema:    usageEventSchema,
		Record:    record,
		EmittedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(e.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"OrgID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(record.OrgID),
			},
			"RequestID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(record.RequestID),
			},
		},
	}

	if _, err := e.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send usage event: %w", err)
	}
	return nil
}

// Receive pulls up to maxMessages usage events with long polling.
// Intended for downstream billing consumers and integration tests.
func (e *SQSExporter) Receive(ctx context.Context, maxMessages int) ([]UsageEvent, []string, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(e.queueURL),
		MaxNumberOfMessages:   int32(maxMessages),
		WaitTimeSeconds:       20,
		MessageAttributeNames: []string{"All"},
	}

	result, err := e.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, nil, fmt.Errorf("receive usage events: %w", err)
	}

	events := make([]UsageEvent, 0, len(result.Messages))
	receipts := make([]string, 0, len(result.Messages))
	for _, msg := range result.Messages {
		var event UsageEvent
		if err := json.Unmarshal([]byte(*msg.Body), &event); err != nil {
			slog.Warn("failed to unmarshal usage event", "error", err)
			continue
		}
		events = append(events, event)
		receipts = append(receipts, *msg.ReceiptHandle)
	}

	return events, receipts, nil
}

func (e *SQSExporter) Delete(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(e.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	if _, err := e.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("delete usage event: %w", err)
	}
	return nil
}

// InMemoryExporter collects records in process. Used when no queue is
// configured and in tests.
type InMemoryExporter struct {
	mu      sync.Mutex
	records []repository.UsageRecord
}

func NewInMemoryExporter() *InMemoryExporter {
	return &InMemoryExporter{}
}

func (e *InMemoryExporter) Publish(ctx context.Context, record repository.UsageRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append(e.records, record)
	return nil
}

func (e *InMemoryExporter) Records() []repository.UsageRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]repository.UsageRecord, len(e.records))
	copy(result, e.records)
	return result
}
