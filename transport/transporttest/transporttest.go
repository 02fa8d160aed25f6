// Package transporttest provides configuration and Watermill stubs for
// transport tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Config implements transport.Config with plain fields.
type Config struct {
	QueueSystem        string
	QueueURL           string
	QueueTopic         string
	NotifyTopic        string
	KafkaBrokers       []string
	KafkaConsumerGroup string
	RabbitMQURL        string
	NATSURL            string
	JetStreamStream    string
	JetStreamDurable   string
	AWSRegion          string
	AWSAccountID       string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSEndpoint        string
	SQLiteFile         string
	PostgresURL        string
	PostgresSchema     string
	QueueFile          string
	HTTPIngestAddress  string
	HTTPWebhookURL     string
}

func (c *Config) GetQueueSystem() string        { return c.QueueSystem }
func (c *Config) GetQueueURL() string           { return c.QueueURL }
func (c *Config) GetQueueTopic() string         { return c.QueueTopic }
func (c *Config) GetNotifyTopic() string        { return c.NotifyTopic }
func (c *Config) GetKafkaBrokers() []string     { return c.KafkaBrokers }
func (c *Config) GetKafkaConsumerGroup() string { return c.KafkaConsumerGroup }
func (c *Config) GetRabbitMQURL() string        { return c.RabbitMQURL }
func (c *Config) GetNATSURL() string            { return c.NATSURL }
func (c *Config) GetJetStreamStream() string    { return c.JetStreamStream }
func (c *Config) GetJetStreamDurable() string   { return c.JetStreamDurable }
func (c *Config) GetAWSRegion() string          { return c.AWSRegion }
func (c *Config) GetAWSAccountID() string       { return c.AWSAccountID }
func (c *Config) GetAWSAccessKeyID() string     { return c.AWSAccessKeyID }
func (c *Config) GetAWSSecretAccessKey() string { return c.AWSSecretAccessKey }
func (c *Config) GetAWSEndpoint() string        { return c.AWSEndpoint }
func (c *Config) GetSQLiteFile() string         { return c.SQLiteFile }
func (c *Config) GetPostgresURL() string        { return c.PostgresURL }
func (c *Config) GetPostgresSchema() string     { return c.PostgresSchema }
func (c *Config) GetQueueFile() string          { return c.QueueFile }
func (c *Config) GetHTTPIngestAddress() string  { return c.HTTPIngestAddress }
func (c *Config) GetHTTPWebhookURL() string     { return c.HTTPWebhookURL }

// Publisher records published messages per topic.
type Publisher struct {
	mu        sync.Mutex
	published map[string][]*message.Message
	Err       error
	Closed    bool
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	if p.Err != nil {
		return p.Err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.published == nil {
		p.published = make(map[string][]*message.Message)
	}
	p.published[topic] = append(p.published[topic], messages...)
	return nil
}

// Messages returns what was published to topic.
func (p *Publisher) Messages(topic string) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.published[topic]...)
}

func (p *Publisher) Close() error {
	p.Closed = true
	return nil
}

// Subscriber records subscribed topics and hands out one open channel.
type Subscriber struct {
	mu     sync.Mutex
	Topics []string
	Err    error
	Closed bool
	ch     chan *message.Message
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Topics = append(s.Topics, topic)
	if s.ch == nil {
		s.ch = make(chan *message.Message, 16)
	}
	return s.ch, nil
}

// Deliver pushes msg to subscribers.
func (s *Subscriber) Deliver(msg *message.Message) {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	ch <- msg
}

func (s *Subscriber) Close() error {
	s.Closed = true
	return nil
}
