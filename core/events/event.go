package events

// Event is a structured change reported by the RAMM engine: a swap, or
// liquidity moved by a reserve projection.
type Event interface {
	EventType() string
}

// Emitter receives engine events. Implementations must not block the caller
// for long since emission happens on the swap path.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards every event. Engines start with it until a real
// emitter is attached.
type NoopEmitter struct{}

// Emit implements Emitter.
func (NoopEmitter) Emit(Event) {}
