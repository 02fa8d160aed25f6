package fanout

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/conditionflow/internal/runtime/errors"
	"github.com/drblury/conditionflow/internal/runtime/ids"
	"github.com/drblury/conditionflow/internal/runtime/jsoncodec"
)

// Metadata keys set on forwarded messages.
const (
	MetadataEventType  = "event_type"
	MetadataResourceID = "resource_id"
)

// Forwarder publishes update events to a broker topic so other processes can
// fan them out to their own subscribers.
type Forwarder struct {
	publisher message.Publisher
	topic     string
	newID     func() string
}

// NewForwarder returns a forwarder publishing to topic.
func NewForwarder(publisher message.Publisher, topic string) (*Forwarder, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	return &Forwarder{publisher: publisher, topic: topic, newID: ids.CreateULID}, nil
}

func (f *Forwarder) Notify(ctx context.Context, resourceID string) error {
	payload, err := jsoncodec.Marshal(NewEvent(resourceID))
	if err != nil {
		return fmt.Errorf("failed to encode update event: %w", err)
	}

	msg := message.NewMessage(f.newID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetadataEventType, EventResortConditionsUpdated)
	msg.Metadata.Set(MetadataResourceID, resourceID)

	if err := f.publisher.Publish(f.topic, msg); err != nil {
		return fmt.Errorf("failed to forward update for %s to %s: %w", resourceID, f.topic, err)
	}
	return nil
}
