// Package fanout delivers "resource changed" events to live subscribers.
//
// A Registry maps resource ids to subscribed connections. Fanout.Notify looks
// up the subscribers of one resource and enqueues the event on each
// connection without blocking; slow connections lose the event. Hub serves
// the websocket surface and Forwarder republishes events onto a broker topic.
package fanout

import "context"

// EventResortConditionsUpdated is the only event type the service emits.
const EventResortConditionsUpdated = "ResortConditionsUpdated"

// Event is the frame pushed to subscribers.
type Event struct {
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

// EventData carries the resource that changed.
type EventData struct {
	ResourceID string `json:"resourceId"`
}

// NewEvent returns the update event for resourceID.
func NewEvent(resourceID string) Event {
	return Event{Type: EventResortConditionsUpdated, Data: EventData{ResourceID: resourceID}}
}

// Conn is one subscriber connection.
type Conn interface {
	// ID identifies the connection for the lifetime of the process.
	ID() string
	// Send enqueues ev without blocking and reports whether it was accepted.
	Send(ev Event) bool
}

// Notifier announces that a resource has new data.
type Notifier interface {
	Notify(ctx context.Context, resourceID string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, resourceID string) error

func (f NotifierFunc) Notify(ctx context.Context, resourceID string) error {
	return f(ctx, resourceID)
}
