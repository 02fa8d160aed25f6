// Package file replays messages from a newline delimited file. Lines written
// by Publisher carry an envelope with topic and metadata; any other non-empty
// line is taken as a raw payload, which lets captured queue bodies be fed
// back through the consumer.
package file

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/conditionflow/internal/runtime/jsoncodec"
	"github.com/drblury/conditionflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "file"

// DefaultFilePath is the default file path if none is specified.
const DefaultFilePath = "conditions.ndjson"

var (
	// PollInterval is how long the subscriber sleeps at end of file.
	PollInterval = 50 * time.Millisecond
	// RedeliveryDelay is the pause before a released message is sent again.
	RedeliveryDelay = 100 * time.Millisecond
)

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return &Publisher{filePath: filePath, logger: logger}, nil
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return &Subscriber{filePath: filePath, logger: logger}, nil
}

func init() {
	Register()
}

// Register registers the file transport with the default registry.
func Register() {
	transport.Register(TransportName, Build, transport.FileCapabilities)
}

// Build creates a queue tailing the configured file. Published messages are
// appended to the same file.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	filePath := cfg.GetQueueFile()
	if filePath == "" {
		filePath = DefaultFilePath
	}

	pub, err := PublisherFactory(filePath, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	sub, err := SubscriberFactory(filePath, logger)
	if err != nil {
		_ = pub.Close()
		return transport.Transport{}, err
	}
	return transport.FromWatermill(pub, sub, cfg.GetQueueTopic(), logger)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.FileCapabilities
}

// envelope is one line written by Publisher.
type envelope struct {
	UUID     string            `json:"uuid"`
	Topic    string            `json:"topic"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload"`
}

// Publisher appends envelopes to a file.
type Publisher struct {
	filePath string
	logger   watermill.LoggerAdapter
	mu       sync.Mutex
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.OpenFile(p.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, msg := range messages {
		if err := jsoncodec.Encode(w, envelope{
			UUID:     msg.UUID,
			Topic:    topic,
			Metadata: msg.Metadata,
			Payload:  msg.Payload,
		}); err != nil {
			return err
		}
	}
	return w.Flush()
}

func (p *Publisher) Close() error {
	return nil
}

// Subscriber tails a file and hands out one message at a time, waiting for
// it to be acked before reading on. A nacked message is sent again.
type Subscriber struct {
	filePath string
	logger   watermill.LoggerAdapter

	wg sync.WaitGroup
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	f, err := os.OpenFile(s.filePath, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}

	out := make(chan *message.Message)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		defer f.Close()
		s.tail(ctx, f, topic, out)
	}()
	return out, nil
}

func (s *Subscriber) tail(ctx context.Context, f *os.File, topic string, out chan<- *message.Message) {
	reader := bufio.NewReader(f)
	var partial []byte
	line := 0
	for {
		chunk, err := reader.ReadBytes('\n')
		partial = append(partial, chunk...)
		if errors.Is(err, io.EOF) {
			// Keep an incomplete trailing line until its newline arrives.
			select {
			case <-ctx.Done():
				return
			case <-time.After(PollInterval):
			}
			continue
		}
		if err != nil {
			s.logger.Error("Failed to read queue file", err, watermill.LogFields{"file": s.filePath})
			return
		}

		raw := bytes.TrimSpace(partial)
		partial = nil
		line++
		if len(raw) == 0 {
			continue
		}
		msg, ok := s.decode(raw, topic, line)
		if !ok {
			continue
		}
		if !s.deliver(ctx, out, msg) {
			return
		}
	}
}

func (s *Subscriber) decode(raw []byte, topic string, line int) (*message.Message, bool) {
	var env envelope
	if err := jsoncodec.Unmarshal(raw, &env); err == nil && env.UUID != "" && env.Topic != "" {
		if env.Topic != topic {
			return nil, false
		}
		msg := message.NewMessage(env.UUID, env.Payload)
		for k, v := range env.Metadata {
			msg.Metadata.Set(k, v)
		}
		return msg, true
	}

	msg := message.NewMessage(watermill.NewUUID(), append([]byte(nil), raw...))
	msg.Metadata.Set("file_line", strconv.Itoa(line))
	return msg, true
}

// deliver sends msg until it is acked. It returns false when ctx is done.
func (s *Subscriber) deliver(ctx context.Context, out chan<- *message.Message, msg *message.Message) bool {
	for {
		select {
		case out <- msg:
		case <-ctx.Done():
			return false
		}

		select {
		case <-msg.Acked():
			return true
		case <-msg.Nacked():
			s.logger.Debug("Message released, redelivering", watermill.LogFields{"uuid": msg.UUID})
			msg = msg.Copy()
			select {
			case <-time.After(RedeliveryDelay):
			case <-ctx.Done():
				return false
			}
		case <-ctx.Done():
			return false
		}
	}
}

// Close waits for running subscriptions to observe their cancelled context.
func (s *Subscriber) Close() error {
	s.wg.Wait()
	return nil
}
