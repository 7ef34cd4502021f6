package emit

// NullEmitter discards every event. Useful as a default when no
// observability backend is configured, and in benchmarks where emit
// overhead would pollute measurements.
type NullEmitter struct{}

// NewNullEmitter returns an emitter that drops all events.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit implements Emitter by doing nothing.
func (n *NullEmitter) Emit(Event) {}
