// Package conditionflow ingests resort condition reports from a message
// queue, stores them as an append-only history per resource and pushes a
// change notification to websocket subscribers of that resource.
//
// Config selects the queue transport and the record store. NewService wires
// the consumer, the processor, the subscriber fanout and the HTTP read API;
// Start runs them until the context is cancelled.
//
// # Transports
//
// The consumer polls one of the registered queue transports:
//   - sqs: AWS SQS long polling, with LocalStack support
//   - channel: In-memory Go channels for testing
//   - kafka, rabbitmq, nats, jetstream: broker subscriptions via Watermill
//   - sqlite: Embedded lease queue with retry delay and dead letters
//   - postgres: PostgreSQL lease queue using SKIP LOCKED
//   - http: Push ingestion, answered once the message is settled
//   - file: Replays a newline delimited file
//
// Import transport/transports and store/stores to register every backend.
//
// # Processing
//
// Each message decodes to a Payload. A payload that is malformed or names an
// unknown resource is acknowledged and dropped; a store failure leaves the
// message on the queue for redelivery. A stored observation is announced to
// the subscribers of its resource as a ResortConditionsUpdated event.
//
// # Read API
//
// The HTTP API lists resources, pages through a resource's history newest
// first with an opaque cursor, streams the full history as NDJSON and compares
// recent snow reports across resources. /hubs/resource-conditions accepts
// websocket subscribe and unsubscribe frames; /healthz reports consumer
// progress and /metrics exposes Prometheus metrics.
package conditionflow
