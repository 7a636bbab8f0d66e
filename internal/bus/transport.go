package bus

import "context"

// MessageHandler is called for each message delivered to a
// subscription. Implementations must be safe for concurrent use; the
// transport may deliver to distinct subscriptions concurrently, but
// preserves order within one subscription.
type MessageHandler func(subject string, payload []byte)

// Transport is the wire-level abstraction the Bus Client builds
// publish/request/subscribe/stream semantics on top of. The production
// implementation is MQTT (mqttTransport, internal/bus/mqtt.go); tests
// and in-process tools use MemTransport (internal/bus/mem.go).
type Transport interface {
	// Publish sends payload on subject, fire-and-forget.
	Publish(ctx context.Context, subject string, payload []byte) error

	// Subscribe delivers messages on subject (subject may contain the
	// wildcards "*" and ">") to handler until the returned cancel func
	// is called.
	Subscribe(subject string, handler MessageHandler) (cancel func(), err error)

	// Connected reports whether the transport currently has a live
	// connection to its broker.
	Connected() bool

	// AwaitConnection blocks until the transport connects or ctx expires.
	AwaitConnection(ctx context.Context) error

	// Close releases all resources and disconnects.
	Close() error
}
