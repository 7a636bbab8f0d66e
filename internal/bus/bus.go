// Package bus implements the Bus Client (C1): the subject-hierarchical
// message bus that every other component talks over. Subjects use dot
// notation ("ai.llm.request") with "*" (one segment) and ">" (one or
// more trailing segments) wildcards; the production Transport maps
// these onto MQTT topics ("ai/llm/request", "+", "#") over
// eclipse/paho.golang's autopaho connection manager, the same library
// this codebase's existing MQTT integration depends on.
//
// Four primitives ride on top of a Transport: fire-and-forget
// Publish, correlated single-reply Request, ordered per-subscription
// Subscribe, and chunked Stream (server-sent-event style, terminated
// by a {"done": true} sentinel chunk).
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/brackwood/nexus/internal/errs"
)

// BinaryThreshold is the payload size above which binary artifacts
// (audio, images) must be passed by file path instead of inline bytes.
const BinaryThreshold = 256 * 1024

// Error kinds surfaced to callers, matching the bus-level error
// taxonomy: Timeout, NoResponders, Disconnected. Request does not
// detect a missing responder: with no subscriber on the subject it
// waits out its timeout and returns ErrTimeout, so nothing in this
// package returns ErrNoResponders.
var (
	ErrTimeout      = fmt.Errorf("bus: timeout")
	ErrNoResponders = fmt.Errorf("bus: no responders")
	ErrDisconnected = fmt.Errorf("bus: disconnected")
)

// envelope is the wire format for Request/reply correlation. Ordinary
// Publish/Subscribe traffic is a bare JSON object with no envelope;
// Request wraps the caller's payload with routing metadata the way
// the spec's "every request carries a client-assigned reply subject"
// rule requires.
type envelope struct {
	ReplyTo       string          `json:"reply_to,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Bus is the Bus Client. Safe for concurrent use.
type Bus struct {
	transport Transport
	clientID  string
	logger    *slog.Logger
}

// New wraps a Transport as a Bus Client. clientID namespaces this
// process's reply inbox subjects so concurrent Request calls from
// different processes don't collide.
func New(transport Transport, clientID string, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{transport: transport, clientID: clientID, logger: logger}
}

// NewMQTT connects a Bus Client over MQTT. It returns once the dial is
// initiated; use AwaitConnection or a connwatch.Watcher (see
// HealthProbe) to learn when the first connection succeeds.
func NewMQTT(ctx context.Context, cfg MQTTConfig, logger *slog.Logger) (*Bus, error) {
	t, err := newMQTTTransport(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "nexus"
	}
	return New(t, clientID, logger), nil
}

// AwaitConnection blocks until the underlying transport connects.
func (b *Bus) AwaitConnection(ctx context.Context) error {
	return b.transport.AwaitConnection(ctx)
}

// Connected reports whether the transport currently has a live connection.
func (b *Bus) Connected() bool {
	return b.transport.Connected()
}

// HealthProbe returns a probe suitable for connwatch.Watcher, wrapping
// the underlying transport's connection state when it supports one.
func (b *Bus) HealthProbe() func(ctx context.Context) error {
	if mt, ok := b.transport.(*mqttTransport); ok {
		return mt.HealthProbe()
	}
	return func(ctx context.Context) error {
		if b.transport.Connected() {
			return nil
		}
		return ErrDisconnected
	}
}

// Close releases the underlying transport.
func (b *Bus) Close() error {
	return b.transport.Close()
}

// Publish sends payload on subject, fire-and-forget. Payload is
// marshaled to JSON.
func (b *Bus) Publish(ctx context.Context, subject string, payload any) error {
	if !b.transport.Connected() {
		return ErrDisconnected
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("publish %s: encode payload: %w", subject, err)
	}
	return b.transport.Publish(ctx, subject, data)
}

// Subscribe delivers payloads for subject to handler until the
// returned cancel func is called. Payloads are handed over as raw
// JSON without being decoded here; decoding (and handling a malformed
// message) is left to handler.
func (b *Bus) Subscribe(subject string, handler func(subject string, payload json.RawMessage)) (cancel func(), err error) {
	return b.transport.Subscribe(subject, func(subj string, data []byte) {
		handler(subj, json.RawMessage(data))
	})
}

// Request performs a correlated single-reply RPC: publish on subject
// with a freshly generated correlation id and a reply subject unique
// to this call, then wait for a matching reply or timeout.
func (b *Bus) Request(ctx context.Context, subject string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if !b.transport.Connected() {
		return nil, ErrDisconnected
	}

	corrID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("request %s: generate correlation id: %w", subject, err)
	}
	replySubject := fmt.Sprintf("_inbox.%s.%s", b.clientID, corrID.String())

	reqData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("request %s: encode payload: %w", subject, err)
	}
	env := envelope{ReplyTo: replySubject, CorrelationID: corrID.String(), Payload: reqData}
	envData, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("request %s: encode envelope: %w", subject, err)
	}

	replyCh := make(chan json.RawMessage, 1)
	cancel, err := b.transport.Subscribe(replySubject, func(_ string, data []byte) {
		var reply envelope
		if err := json.Unmarshal(data, &reply); err != nil {
			return
		}
		if reply.CorrelationID != corrID.String() {
			return
		}
		select {
		case replyCh <- reply.Payload:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("request %s: subscribe reply: %w", subject, err)
	}
	defer cancel()

	if err := b.transport.Publish(ctx, subject, envData); err != nil {
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}

	reqCtx, reqCancel := context.WithTimeout(ctx, timeout)
	defer reqCancel()

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-reqCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrTimeout
	}
}

// HandleRequests subscribes subject and invokes fn for each incoming
// Request, publishing fn's return value (or an {error:{...}} object on
// error) back to the caller's reply subject. This is how a Service
// Host answers ai.llm.request-style RPCs.
func (b *Bus) HandleRequests(subject string, fn func(ctx context.Context, payload json.RawMessage) (any, error)) (cancel func(), err error) {
	return b.transport.Subscribe(subject, func(_ string, data []byte) {
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			b.logger.Warn("bus request envelope decode failed", "subject", subject, "error", err)
			return
		}
		if env.ReplyTo == "" {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		result, err := fn(ctx, env.Payload)
		var reply envelope
		reply.CorrelationID = env.CorrelationID
		if err != nil {
			reply.Payload, _ = json.Marshal(map[string]any{
				"error": map[string]any{"kind": errs.KindOf(err), "message": err.Error()},
			})
		} else {
			data, merr := json.Marshal(result)
			if merr != nil {
				reply.Payload, _ = json.Marshal(map[string]any{
					"error": map[string]any{"kind": errs.BackendError, "message": merr.Error()},
				})
			} else {
				reply.Payload = data
			}
		}

		replyData, err := json.Marshal(reply)
		if err != nil {
			b.logger.Error("bus reply encode failed", "subject", subject, "error", err)
			return
		}
		if err := b.transport.Publish(context.Background(), env.ReplyTo, replyData); err != nil {
			b.logger.Warn("bus reply publish failed", "subject", env.ReplyTo, "error", err)
		}
	})
}

// killSubject returns the subject a Stream cancellation is published on
// for one in-flight request, scoped by correlation id so concurrent
// Stream calls on the same subject never cancel each other.
func killSubject(subject, correlationID string) string {
	return subject + ".kill." + correlationID
}

// StreamChunk is one element of a Stream response.
type StreamChunk struct {
	Data json.RawMessage
	Done bool
}

// Stream issues a request and returns a channel of progress chunks
// published on a reply subject, terminated by a chunk carrying
// {"done": true}. The channel is closed once the terminal chunk
// arrives, ctx is cancelled, or no chunk arrives within idleTimeout.
func (b *Bus) Stream(ctx context.Context, subject string, payload any, idleTimeout time.Duration) (<-chan StreamChunk, error) {
	if !b.transport.Connected() {
		return nil, ErrDisconnected
	}

	corrID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("stream %s: generate correlation id: %w", subject, err)
	}
	replySubject := fmt.Sprintf("_inbox.%s.%s", b.clientID, corrID.String())

	reqData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("stream %s: encode payload: %w", subject, err)
	}
	env := envelope{ReplyTo: replySubject, CorrelationID: corrID.String(), Payload: reqData}
	envData, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("stream %s: encode envelope: %w", subject, err)
	}

	out := make(chan StreamChunk)
	activity := make(chan struct{}, 1)
	terminal := make(chan struct{}, 1)
	done := make(chan struct{})

	cancel, err := b.transport.Subscribe(replySubject, func(_ string, data []byte) {
		var reply envelope
		if err := json.Unmarshal(data, &reply); err != nil {
			return
		}
		if reply.CorrelationID != corrID.String() {
			return
		}
		var probe struct {
			Done bool `json:"done"`
		}
		_ = json.Unmarshal(reply.Payload, &probe)

		select {
		case activity <- struct{}{}:
		default:
		}

		select {
		case out <- StreamChunk{Data: reply.Payload, Done: probe.Done}:
			if probe.Done {
				select {
				case terminal <- struct{}{}:
				default:
				}
			}
		case <-done:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("stream %s: subscribe reply: %w", subject, err)
	}

	if err := b.transport.Publish(ctx, subject, envData); err != nil {
		cancel()
		return nil, fmt.Errorf("stream %s: %w", subject, err)
	}

	go func() {
		defer cancel()
		defer close(out)
		defer close(done)
		idle := time.NewTimer(idleTimeout)
		defer idle.Stop()
		for {
			select {
			case <-ctx.Done():
				b.publishKill(subject, corrID.String())
				return
			case <-terminal:
				return
			case <-activity:
				if !idle.Stop() {
					<-idle.C
				}
				idle.Reset(idleTimeout)
			case <-idle.C:
				b.publishKill(subject, corrID.String())
				return
			}
		}
	}()

	return out, nil
}

// publishKill notifies a HandleStream handler that the caller gave up
// on this request, so it can cancel its own work (spec §4.5/§5: image
// generation cancellation must reach the service via a kill subject).
// Best-effort: there may be no handler left listening, and the
// original ctx is already done, so this always uses its own short-lived
// context rather than the caller's.
func (b *Bus) publishKill(subject, correlationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.transport.Publish(ctx, killSubject(subject, correlationID), []byte("{}")); err != nil {
		b.logger.Debug("stream kill publish failed", "subject", subject, "correlation_id", correlationID, "error", err)
	}
}

// PublishChunk sends one progress chunk to a stream's reply subject.
// Service Hosts call this while producing a Stream response; the
// final call MUST set done=true.
func (b *Bus) PublishChunk(ctx context.Context, replyTo, correlationID string, payload any, done bool) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("publish chunk: encode payload: %w", err)
	}

	var merged map[string]any
	if err := json.Unmarshal(data, &merged); err != nil {
		merged = map[string]any{"value": json.RawMessage(data)}
	}
	merged["done"] = done

	mergedData, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("publish chunk: encode merged payload: %w", err)
	}

	env := envelope{CorrelationID: correlationID, Payload: mergedData}
	envData, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("publish chunk: encode envelope: %w", err)
	}
	return b.transport.Publish(ctx, replyTo, envData)
}

// StreamSink is the server-side handle a Stream handler uses to emit
// progress chunks back to the caller that issued Stream.
type StreamSink struct {
	b             *Bus
	replyTo       string
	correlationID string
}

// Send publishes a non-terminal progress chunk.
func (s *StreamSink) Send(ctx context.Context, payload any) error {
	return s.b.PublishChunk(ctx, s.replyTo, s.correlationID, payload, false)
}

// Done publishes the terminal chunk, closing the caller's Stream channel.
func (s *StreamSink) Done(ctx context.Context, payload any) error {
	return s.b.PublishChunk(ctx, s.replyTo, s.correlationID, payload, true)
}

// HandleStream subscribes subject and invokes fn once per incoming
// Stream request, in its own goroutine, with a StreamSink bound to
// that request's reply subject. fn must eventually call sink.Done;
// HandleStream itself never synthesizes a terminal chunk.
//
// fn's ctx is cancelled if the caller's Stream gives up on the request
// (local ctx cancellation or idle timeout) and publishes to this
// request's kill subject (see killSubject); fn must check ctx and stop
// its work promptly when that happens. This is how long-running
// handlers like image generation learn a caller stopped listening.
func (b *Bus) HandleStream(subject string, fn func(ctx context.Context, payload json.RawMessage, sink *StreamSink)) (cancel func(), err error) {
	return b.transport.Subscribe(subject, func(_ string, data []byte) {
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			b.logger.Warn("bus stream envelope decode failed", "subject", subject, "error", err)
			return
		}
		if env.ReplyTo == "" {
			return
		}
		sink := &StreamSink{b: b, replyTo: env.ReplyTo, correlationID: env.CorrelationID}

		ctx, cancelCtx := context.WithCancel(context.Background())
		var unsubKill func()
		if env.CorrelationID != "" {
			sub, kerr := b.transport.Subscribe(killSubject(subject, env.CorrelationID), func(_ string, _ []byte) {
				cancelCtx()
			})
			if kerr != nil {
				b.logger.Warn("bus stream kill subscribe failed", "subject", subject, "error", kerr)
			} else {
				unsubKill = sub
			}
		}

		go func() {
			defer cancelCtx()
			if unsubKill != nil {
				defer unsubKill()
			}
			fn(ctx, env.Payload, sink)
		}()
	})
}
