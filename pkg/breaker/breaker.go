// Package breaker implements the cross-cutting circuit breaker: a
// broadcast bus of supervisory events that every long-running worker
// subscribes to at construction and races against its primary work at
// every suspension point, per spec.md §4.6.
package breaker

import (
	"fmt"
	"sync"
)

// Side identifies which leg of the bridge an event concerns.
type Side string

const (
	SideAzero Side = "azero"
	SideEth   Side = "eth"
)

// Kind enumerates the tagged variants of a Circuit-Breaker Event
// (spec.md §3, "Circuit-Breaker Event").
type Kind int

const (
	// KindHandlerFailure covers reverted votes and future-committee
	// misconfiguration (spec.md §4.3 error taxonomy). The taxonomy's
	// third class, a defensive recomputed-hash mismatch, has no handler
	// call site: see DESIGN.md's Open Question decisions for why.
	KindHandlerFailure Kind = iota
	// KindBridgeHalted fires when a Most contract reports halted/paused.
	KindBridgeHalted
	// KindAdvisoryEmergency fires when an advisory contract flips to
	// emergency.
	KindAdvisoryEmergency
	// KindRpcFailure fires on repeated/fatal RPC-layer failure.
	KindRpcFailure
)

func (k Kind) String() string {
	switch k {
	case KindHandlerFailure:
		return "handler_failure"
	case KindBridgeHalted:
		return "bridge_halted"
	case KindAdvisoryEmergency:
		return "advisory_emergency"
	case KindRpcFailure:
		return "rpc_failure"
	default:
		return "unknown"
	}
}

// Event is the single value type broadcast on the bus.
type Event struct {
	Kind Kind

	// Side is set for BridgeHalted, RpcFailure and HandlerFailure.
	Side Side

	// AdvisoryID is set for AdvisoryEmergency.
	AdvisoryID string

	// Reason is a short operator-facing description, logged at the
	// point of escalation alongside digest/block-range/error-class
	// context per spec.md §7.
	Reason string

	// Err is the underlying error, if any; nil for halted/emergency
	// events, which are not error conditions but deliberate on-chain
	// signals.
	Err error
}

func (e Event) String() string {
	switch e.Kind {
	case KindBridgeHalted:
		return fmt.Sprintf("bridge_halted(%s)", e.Side)
	case KindRpcFailure:
		return fmt.Sprintf("rpc_failure(%s): %v", e.Side, e.Err)
	case KindAdvisoryEmergency:
		return fmt.Sprintf("advisory_emergency(%s)", e.AdvisoryID)
	default:
		return fmt.Sprintf("handler_failure(%s): %s", e.Side, e.Reason)
	}
}

// Breaker is a broadcast bus: Trip delivers Event to every current and
// future Subscriber exactly once. It never blocks the publisher on a slow
// subscriber — each subscriber gets its own buffered channel.
type Breaker struct {
	mu       sync.Mutex
	tripped  bool
	event    Event
	subs     []chan Event
	tripOnce sync.Once
	done     chan struct{}

	// onTrip, if set, is called with every tripping Event before any
	// subscriber is notified. It exists so callers (pkg/metrics) can
	// observe trips without pkg/breaker importing pkg/metrics.
	onTrip func(Event)
}

// New constructs an un-tripped Breaker.
func New() *Breaker {
	return &Breaker{
		done: make(chan struct{}),
	}
}

// OnTrip registers a callback invoked exactly once, with the tripping
// Event, the moment Trip fires. Must be called before Trip; typically set
// right after New to wire SPEC_FULL.md §3.6's breaker_trips_total metric.
func (b *Breaker) OnTrip(f func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = f
}

// Subscribe registers a new listener and returns a channel that receives
// the tripping Event exactly once, then is never sent to again. If the
// breaker has already tripped, the channel is pre-loaded with the event
// so a late subscriber still observes it.
func (b *Breaker) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 1)
	if b.tripped {
		ch <- b.event
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Done returns a channel that is closed the instant the breaker trips,
// for workers that only need a cancellation signal and not the Event
// payload (mirrors the teacher's `quit chan struct{}` idiom).
func (b *Breaker) Done() <-chan struct{} {
	return b.done
}

// Trip publishes ev to every subscriber and marks the breaker tripped.
// Only the first call has an effect; subsequent calls are no-ops, so the
// first worker to detect a failure wins and every other worker observes
// exactly that event, even if several would have tripped concurrently.
func (b *Breaker) Trip(ev Event) {
	b.tripOnce.Do(func() {
		b.mu.Lock()
		b.tripped = true
		b.event = ev
		subs := b.subs
		b.subs = nil
		onTrip := b.onTrip
		b.mu.Unlock()

		if onTrip != nil {
			onTrip(ev)
		}
		for _, ch := range subs {
			ch <- ev
		}
		close(b.done)
	})
}

// Tripped reports whether the breaker has already tripped, and the event
// that tripped it if so.
func (b *Breaker) Tripped() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.event, b.tripped
}
