package events

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"github.com/cimillas/ultimate-ticket/services/tickets/internal/domain"
)

type enqueuer interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// QueuePublisher sends ticket events to an Azure Storage queue as base64 JSON.
type QueuePublisher struct {
	queue enqueuer
}

func NewQueuePublisher(connStr, queueName string) (*QueuePublisher, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    30 * time.Second,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, fmt.Errorf("queue client: %w", err)
	}
	return newQueuePublisher(q), nil
}

func newQueuePublisher(q enqueuer) *QueuePublisher {
	return &QueuePublisher{queue: q}
}

func (p *QueuePublisher) Publish(ctx context.Context, ev domain.TicketEvent) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	content := base64.StdEncoding.EncodeToString(payload)
	if _, err := p.queue.EnqueueMessage(ctx, content, nil); err != nil {
		return fmt.Errorf("enqueue ticket event %s: %w", ev.DedupKey(), err)
	}
	return nil
}
