// Package bus implements the gateway's event bus: a single-process
// publish/subscribe fan-out point for lifecycle and telemetry events,
// consumed by SSE clients attached to /debug/stream.
//
// Architecture: a single hub goroutine owns the subscriber registry and
// handles registration, unregistration, and broadcasting. This avoids
// needing a lock on the subscriber map — all registry mutations happen
// in the hub goroutine via channels. Publish is non-blocking from the
// caller's perspective: it hands the event to the hub and returns.
package bus

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// subscriberQueueSize is the fixed capacity of each subscriber's
// outbound queue. A slow subscriber drops events rather than blocking
// the publisher.
const subscriberQueueSize = 512

var (
	subscriberGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_bus_subscribers",
		Help: "Number of currently attached event bus subscribers.",
	})
	publishedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_bus_events_published_total",
		Help: "Total number of events published to the bus.",
	})
	droppedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_bus_events_dropped_total",
		Help: "Total number of per-subscriber event drops due to a full queue.",
	})
)

// Event is a tagged, timestamped, JSON-serializable message published
// on the bus.
type Event struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	Timestamp string `json:"timestamp"`
}

// Subscriber represents a single SSE client's attachment to the bus.
// Its lifetime is the lifetime of one HTTP connection.
type Subscriber struct {
	ID       string
	outbound chan []byte
	done     chan struct{}
}

// Outbound returns the channel of encoded SSE frames ready to write to
// the client.
func (s *Subscriber) Outbound() <-chan []byte {
	return s.outbound
}

// encoded is the wire-ready SSE frame produced once per publish and
// offered to every subscriber, so serialization happens exactly once
// per event regardless of subscriber count.
type encoded struct {
	eventType string
	frame     []byte
}

type registerMsg struct {
	sub *Subscriber
}

type unregisterMsg struct {
	id string
}

// Bus is the in-process event bus. Safe for concurrent publish and
// subscribe from many producer and consumer goroutines.
type Bus struct {
	publishCh   chan encoded
	registerCh  chan registerMsg
	unregisterCh chan *Subscriber
	closeCh     chan struct{}
}

// New creates and starts a Bus. The hub goroutine runs until Close is
// called.
func New() *Bus {
	b := &Bus{
		publishCh:    make(chan encoded, 1024),
		registerCh:   make(chan registerMsg),
		unregisterCh: make(chan *Subscriber),
		closeCh:      make(chan struct{}),
	}
	go b.run()
	return b
}

// run is the hub event loop. All subscriber-map mutation happens here,
// so no lock is needed on the map itself.
func (b *Bus) run() {
	subs := make(map[string]*Subscriber)

	for {
		select {
		case msg := <-b.registerCh:
			subs[msg.sub.ID] = msg.sub
			subscriberGauge.Set(float64(len(subs)))
			slog.Debug("bus subscriber attached", "id", msg.sub.ID, "total", len(subs))

		case sub := <-b.unregisterCh:
			if _, ok := subs[sub.ID]; ok {
				delete(subs, sub.ID)
				close(sub.outbound)
				subscriberGauge.Set(float64(len(subs)))
				slog.Debug("bus subscriber detached", "id", sub.ID, "total", len(subs))
			}

		case enc := <-b.publishCh:
			for _, sub := range subs {
				select {
				case sub.outbound <- enc.frame:
				default:
					// Subscriber's queue is full — drop for this
					// subscriber only. Other subscribers, and the
					// publisher, are unaffected.
					droppedCounter.Inc()
				}
			}

		case <-b.closeCh:
			for _, sub := range subs {
				close(sub.outbound)
			}
			return
		}
	}
}

// Publish serializes the payload once into an SSE frame and offers it
// to every current subscriber. The frame's data line is the payload
// alone; the Event's timestamp is not written into it. Never blocks
// the caller beyond handing the message to the hub's buffered channel.
func (b *Bus) Publish(eventType string, payload any) {
	evt := Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}

	data, err := json.Marshal(evt.Payload)
	if err != nil {
		slog.Error("bus: failed to marshal event payload", "type", eventType, "error", err)
		data = []byte("{}")
	}

	frame := make([]byte, 0, len(eventType)+len(data)+32)
	frame = append(frame, "event: "...)
	frame = append(frame, eventType...)
	frame = append(frame, "\ndata: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)

	publishedCounter.Inc()

	select {
	case b.publishCh <- encoded{eventType: eventType, frame: frame}:
	case <-b.closeCh:
	}
}

// Subscribe attaches a new subscriber to the bus and returns it. The
// caller must arrange for Unsubscribe to be called when the underlying
// connection closes (typically when the HTTP request's context is done).
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{
		ID:       uuid.NewString(),
		outbound: make(chan []byte, subscriberQueueSize),
		done:     make(chan struct{}),
	}

	select {
	case b.registerCh <- registerMsg{sub: sub}:
	case <-b.closeCh:
	}
	return sub
}

// Unsubscribe removes a subscriber from the bus and releases its
// queue. Idempotent.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	select {
	case b.unregisterCh <- sub:
	case <-b.closeCh:
	}
}

// Close shuts down the hub goroutine and releases all subscribers.
func (b *Bus) Close() {
	select {
	case <-b.closeCh:
		return
	default:
		close(b.closeCh)
	}
}

// KeepAliveFrame is the SSE comment line sent to idle subscribers every
// 30s to keep intermediaries from closing the connection.
var KeepAliveFrame = []byte(": keep-alive\n\n")

// KeepAliveInterval is how often a keep-alive is sent when no other
// event has gone out.
const KeepAliveInterval = 30 * time.Second
