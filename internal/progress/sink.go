package progress

import "context"

// Sink consumes batches of events forwarded by the Hub. Implementations must
// be safe for repeated calls and honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts individual events without blocking the caller.
type Emitter interface {
	Emit(evt Event)
}

// Publisher delivers lifecycle events to subscribers. Bus satisfies it.
type Publisher interface {
	Publish(evt Event)
}
