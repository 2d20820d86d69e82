package events

// Event is a structured state change emitted by an engine.
type Event interface {
	EventType() string
}

// Emitter delivers events to downstream sinks such as the websocket hub or
// the redis stream publisher.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards every event.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}
