package bus

// Handler observes every message published on a Bus, regardless of which
// peer sent it — including this process's own publishes, so a single
// process can run multiple endpoints against one in-memory bus during
// tests.
type Handler func(Message)

// Bus is the message bus contract consumed by the rest of the grid:
// publish is best-effort and unordered and may silently drop a message;
// subscribe delivers every observed message to one local handler.
type Bus interface {
	// Publish sends m to the bus. It does not block on delivery and does
	// not report delivery failures — the bus is explicitly allowed to drop
	// messages.
	Publish(m Message)

	// Subscribe registers handler to receive every message this bus
	// observes. Returns an unsubscribe function.
	Subscribe(handler Handler) (unsubscribe func())

	// Close releases resources held by the bus. Closing a bus before any
	// storage built on it is closed is a programmer error; see the grid
	// facade's lifecycle notes.
	Close() error
}
