package commandqueue

import "time"

// EventType identifies a queue lifecycle event
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventClosed    EventType = "closed"
)

// Completion statuses carried by EventCompleted
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusClosed  = "closed"
)

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Event represents a queue event
type Event struct {
	Type      EventType
	Queue     string
	CommandID string
	Method    string
	Timestamp time.Time
	Status    string // set on EventCompleted
	Err       error  // set on EventCompleted when Status is not success
	Data      map[string]interface{}
}

// On registers an event handler for a specific event type. Handlers run
// synchronously on the goroutine that emitted the event.
func (q *Queue) On(eventType EventType, handler EventHandler) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()

	q.eventHandlers[eventType] = append(q.eventHandlers[eventType], handler)
}

// Off removes all handlers for the event type
func (q *Queue) Off(eventType EventType) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()

	delete(q.eventHandlers, eventType)
}

func (q *Queue) emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Queue = q.name

	q.eventMu.RLock()
	handlers := q.eventHandlers[event.Type]
	q.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
