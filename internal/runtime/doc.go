/*
Package runtime wires the conditions ingestion service together.

# Architecture Overview

A pull consumer polls a queue (SQS by default) and hands every message body
to the processor. The processor validates it, stores one observation per
message and announces the resource id through the fanout, which pushes an
update event to every websocket connection subscribed to that resource. The
HTTP read API serves the catalog, keyset paginated history, a full history
stream and a cross-resource comparison report.

# Package Structure

## Core Service (service.go)

The Service builds the store and transport from their registries, then
wires:
  - the ingest consumer and processor
  - the subscriber fanout and websocket hub
  - the history reader and HTTP router
  - the Prometheus registry behind /metrics

Start runs the consumer and the HTTP server in one errgroup and shuts the
server down when the context ends.

## Status (status.go, resources.go)

Outcome counters, a rolling latency window and a coarse process usage
sample are reported on /healthz.

## Catalog seeding (catalog.go)

An optional YAML or JSON file of resources is written to the store at
startup.

# Sub-packages

  - config: koanf based configuration with validation
  - errors: sentinel and typed errors
  - fanout: subscriber registry, fanout, forwarder and websocket hub
  - history: keyset paginated history reader
  - httpapi: chi router for the read API
  - ids: monotonic ULID generation
  - ingest: processor and queue consumer
  - jsoncodec: JSON encoding backed by sonic
  - logging: ServiceLogger and its Watermill adapters
  - metrics: Prometheus collectors
  - records: observation, resource and cursor types
*/
package runtime
