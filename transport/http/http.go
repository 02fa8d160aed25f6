// Package http provides push ingestion over HTTP. Producers POST a message
// body to /<queue topic> on the ingest address; the request is answered once
// the consumer settles the message, with 200 on ack and 500 on release so
// the producer can retry.
package http

import (
	"context"
	"fmt"
	"io"
	nethttp "net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/conditionflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// HeaderMessageID optionally carries the producer's message id.
const HeaderMessageID = "X-Message-Id"

// MaxBodyBytes caps one pushed message.
const MaxBodyBytes = 256 << 10

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register registers the HTTP transport with the default registry.
func Register() {
	transport.Register(TransportName, Build, transport.HTTPCapabilities)
}

// Build starts the ingest listener. A publisher posting update events to the
// webhook URL is attached when one is configured.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	var publisher message.Publisher
	if webhook := cfg.GetHTTPWebhookURL(); webhook != "" {
		base := strings.TrimSuffix(webhook, "/") + "/"
		pub, err := PublisherFactory(
			http.PublisherConfig{
				MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
					return http.DefaultMarshalMessageFunc(base+topic, msg)
				},
			},
			logger,
		)
		if err != nil {
			return transport.Transport{}, err
		}
		publisher = pub
	}

	subscriber, err := SubscriberFactory(
		cfg.GetHTTPIngestAddress(),
		http.SubscriberConfig{UnmarshalMessageFunc: UnmarshalMessage},
		logger,
	)
	if err != nil {
		if publisher != nil {
			_ = publisher.Close()
		}
		return transport.Transport{}, err
	}

	tr, err := transport.FromWatermill(publisher, subscriber, "/"+cfg.GetQueueTopic(), logger)
	if err != nil {
		return transport.Transport{}, err
	}

	// Routes are registered by Subscribe, so the server starts afterwards.
	if s, ok := subscriber.(*http.Subscriber); ok {
		go func() {
			if err := s.StartHTTPServer(); err != nil && err != nethttp.ErrServerClosed {
				logger.Error("Failed to start HTTP ingest server", err, watermill.LogFields{"address": cfg.GetHTTPIngestAddress()})
			}
		}()
	}
	return tr, nil
}

// UnmarshalMessage takes the raw request body as payload. The id comes from
// HeaderMessageID or is generated.
func UnmarshalMessage(topic string, r *nethttp.Request) (*message.Message, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > MaxBodyBytes {
		return nil, fmt.Errorf("message body exceeds %d bytes", MaxBodyBytes)
	}

	id := strings.TrimSpace(r.Header.Get(HeaderMessageID))
	if id == "" {
		id = watermill.NewUUID()
	}
	msg := message.NewMessage(id, body)
	if ct := r.Header.Get("Content-Type"); ct != "" {
		msg.Metadata.Set("content_type", ct)
	}
	msg.Metadata.Set("remote_addr", r.RemoteAddr)
	return msg, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}
