package emit

// Emitter receives observability events from the engine.
//
// Implementations must be safe for concurrent use (rows are processed
// in parallel) and must never block or panic: a slow or failing
// observability backend must not stall row processing. Drop or buffer
// instead.
type Emitter interface {
	// Emit delivers one event. Errors are handled internally.
	Emit(event Event)
}

// MultiEmitter fans events out to several backends.
type MultiEmitter []Emitter

// Emit implements Emitter.
func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
