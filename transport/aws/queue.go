package aws

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/aws/aws-sdk-go-v2/aws"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	errspkg "github.com/drblury/conditionflow/internal/runtime/errors"
	"github.com/drblury/conditionflow/transport"
)

const (
	// MaxWaitTime is the longest long-poll SQS accepts.
	MaxWaitTime = 20 * time.Second

	attributeReceiveCount = string(types.MessageSystemAttributeNameApproximateReceiveCount)
)

// QueueAPI is the subset of the SQS client the queue uses.
type QueueAPI interface {
	ReceiveMessage(ctx context.Context, params *amazonsqs.ReceiveMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *amazonsqs.DeleteMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.DeleteMessageOutput, error)
}

// Queue long-polls one SQS queue. Ack deletes the message; Release leaves it
// in flight so SQS redelivers it once the visibility timeout lapses.
type Queue struct {
	client   QueueAPI
	queueURL string
	logger   watermill.LoggerAdapter
	closed   atomic.Bool
}

// NewQueue returns a queue reading from queueURL.
func NewQueue(client QueueAPI, queueURL string, logger watermill.LoggerAdapter) *Queue {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Queue{client: client, queueURL: queueURL, logger: logger}
}

func (q *Queue) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]*transport.Message, error) {
	if q.closed.Load() {
		return nil, errspkg.ErrQueueClosed
	}

	out, err := q.client.ReceiveMessage(ctx, &amazonsqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(q.queueURL),
		MaxNumberOfMessages:         int32(transport.SQSCapabilities.ClampBatch(maxMessages)),
		WaitTimeSeconds:             waitSeconds(wait),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
		MessageAttributeNames:       []string{"All"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive from %s: %w", q.queueURL, err)
	}

	batch := make([]*transport.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		batch = append(batch, toMessage(m))
	}
	return batch, nil
}

func (q *Queue) Ack(ctx context.Context, msg *transport.Message) error {
	receipt, err := receiptHandle(msg)
	if err != nil {
		return err
	}
	_, err = q.client.DeleteMessage(ctx, &amazonsqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message %s: %w", msg.ID, err)
	}
	return nil
}

func (q *Queue) Release(ctx context.Context, msg *transport.Message) error {
	if _, err := receiptHandle(msg); err != nil {
		return err
	}
	q.logger.Debug("Leaving message for redelivery", watermill.LogFields{
		"message_id":     msg.ID,
		"delivery_count": msg.DeliveryCount,
	})
	return nil
}

func (q *Queue) Close() error {
	q.closed.Store(true)
	return nil
}

func waitSeconds(wait time.Duration) int32 {
	if wait <= 0 {
		return 0
	}
	if wait > MaxWaitTime {
		wait = MaxWaitTime
	}
	return int32(wait / time.Second)
}

func receiptHandle(msg *transport.Message) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("message is nil")
	}
	receipt, ok := msg.Handle.(string)
	if !ok || receipt == "" {
		return "", fmt.Errorf("message %s has no receipt handle", msg.ID)
	}
	return receipt, nil
}

func toMessage(m types.Message) *transport.Message {
	metadata := make(map[string]string, len(m.Attributes)+len(m.MessageAttributes))
	for k, v := range m.Attributes {
		metadata[k] = v
	}
	for k, v := range m.MessageAttributes {
		if v.StringValue != nil {
			metadata[k] = *v.StringValue
		}
	}

	count, _ := strconv.Atoi(m.Attributes[attributeReceiveCount])
	return &transport.Message{
		ID:            aws.ToString(m.MessageId),
		Payload:       []byte(aws.ToString(m.Body)),
		Metadata:      metadata,
		DeliveryCount: count,
		Handle:        aws.ToString(m.ReceiptHandle),
	}
}
