package conditionflow

import (
	runtimepkg "github.com/drblury/conditionflow/internal/runtime"
	configpkg "github.com/drblury/conditionflow/internal/runtime/config"
	errspkg "github.com/drblury/conditionflow/internal/runtime/errors"
	"github.com/drblury/conditionflow/internal/runtime/fanout"
	"github.com/drblury/conditionflow/internal/runtime/history"
	idspkg "github.com/drblury/conditionflow/internal/runtime/ids"
	"github.com/drblury/conditionflow/internal/runtime/ingest"
	jsoncodec "github.com/drblury/conditionflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/conditionflow/internal/runtime/logging"
	"github.com/drblury/conditionflow/internal/runtime/records"
	storepkg "github.com/drblury/conditionflow/store"
	transportpkg "github.com/drblury/conditionflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Status              = runtimepkg.Status
	ConsumerStats       = runtimepkg.ConsumerStats

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	Observation   = records.Observation
	Resource      = records.Resource
	Page          = records.Page
	Cursor        = records.Cursor
	ComparisonRow = records.ComparisonRow

	// Message processing
	Payload          = ingest.Payload
	Outcome          = ingest.Outcome
	MessageProcessor = ingest.MessageProcessor
	Processor        = ingest.Processor
	Consumer         = ingest.Consumer
	ConsumerConfig   = ingest.ConsumerConfig
	ConsumerState    = ingest.State

	// Subscriber fanout
	Notifier     = fanout.Notifier
	NotifierFunc = fanout.NotifierFunc
	Event        = fanout.Event

	HistoryReader = history.Reader
	HistoryConfig = history.Config

	// Queue transports
	Queue                 = transportpkg.Queue
	QueueMessage          = transportpkg.Message
	Transport             = transportpkg.Transport
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities

	// Record stores
	Store         = storepkg.Store
	RecordStore   = storepkg.RecordStore
	Catalog       = storepkg.Catalog
	StoreBuilder  = storepkg.Builder
	StoreConfig   = storepkg.Config
	StoreRegistry = storepkg.Registry

	ValidationError       = errspkg.ValidationError
	UnknownResourceError  = errspkg.UnknownResourceError
	TransientError        = errspkg.TransientError
	FatalError            = errspkg.FatalError
	ConfigValidationError = errspkg.ConfigValidationError
)

// Processing outcomes. Processed and both Skipped outcomes delete the message
// from the queue; Failed leaves it for redelivery.
const (
	Processed              = ingest.Processed
	SkippedInvalid         = ingest.SkippedInvalid
	SkippedUnknownResource = ingest.SkippedUnknownResource
	Failed                 = ingest.Failed
)

// EventResortConditionsUpdated is the event type sent to subscribers.
const EventResortConditionsUpdated = fanout.EventResortConditionsUpdated

var (
	NewService     = runtimepkg.NewService
	LoadConfig     = configpkg.Load
	DefaultConfig  = configpkg.Default
	ValidateConfig = configpkg.ValidateConfig
	LoadResources  = runtimepkg.LoadResources

	NewProcessor     = ingest.NewProcessor
	NewConsumer      = ingest.NewConsumer
	DecodePayload    = ingest.Decode
	WithClock        = ingest.WithClock
	WithIDGenerator  = ingest.WithIDGenerator
	NewHistoryReader = history.NewReader

	ParseResourceID  = records.ParseResourceID
	ParseCursor      = records.ParseCursor
	ParseCursorToken = records.ParseToken

	// Use RegisterTransport and BuildTransport with the transport packages.
	// Import all of them via: _ "github.com/drblury/conditionflow/transport/transports"
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build

	// Import all stores via: _ "github.com/drblury/conditionflow/store/stores"
	DefaultStoreRegistry = storepkg.DefaultRegistry
	RegisterStore        = storepkg.Register
	BuildStore           = storepkg.Build

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode
	Decode    = jsoncodec.Decode

	ErrStoreRequired     = errspkg.ErrStoreRequired
	ErrQueueRequired     = errspkg.ErrQueueRequired
	ErrProcessorRequired = errspkg.ErrProcessorRequired
	ErrNotifierRequired  = errspkg.ErrNotifierRequired
	ErrPublisherRequired = errspkg.ErrPublisherRequired
	ErrTopicRequired     = errspkg.ErrTopicRequired
	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired
	ErrQueueClosed       = errspkg.ErrQueueClosed
	ErrStoreClosed       = errspkg.ErrStoreClosed
	ErrResourceNotFound  = errspkg.ErrResourceNotFound
	ErrInvalidResourceID = errspkg.ErrInvalidResourceID

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	DiscardLogger             = loggingpkg.Discard
	ParseLogLevel             = loggingpkg.ParseLevel

	CreateULID = idspkg.CreateULID
)
