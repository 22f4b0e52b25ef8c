// Package endpoint implements the per-storage request/response layer
// described in §4.1: it multiplexes correlated request/response pairs
// over the bus, with batching, timeouts and fan-out to remote peers. Each
// distribution strategy owns exactly one Endpoint and registers inbound
// handlers on it; the endpoint never knows which strategy it belongs to.
package endpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	fglog "github.com/forestgiant/log"
	"github.com/forestgiant/gridkv"
	"github.com/forestgiant/gridkv/bus"
	gometrics "github.com/armon/go-metrics"
)

// Coordinator is the subset of the Raft coordinator's surface the
// endpoint needs for destination selection and notification forwarding
// (§4.1 "Destination selection", §4.6 "Exposed to strategies").
type Coordinator interface {
	RemoteEndpointIDs() []gridkv.EndpointID
	CurrentLeaderID() (gridkv.EndpointID, bool)
	OnLeaderChanged(func(gridkv.EndpointID)) (unsubscribe func())
	OnPeerJoined(func(gridkv.EndpointID)) (unsubscribe func())
	OnPeerDetached(func(gridkv.EndpointID)) (unsubscribe func())
}

// HandlerFunc processes one inbound message of a specific Kind. It
// returns a non-nil response only when the inbound message was a
// TypeRequest; the endpoint publishes that response automatically.
// Returning nil for a request is a protocol error (logged, dropped).
type HandlerFunc func(bus.Message) *bus.Message

// Destination selects which remote endpoints a Send/Notify call targets.
type Destination struct {
	unicast   gridkv.EndpointID
	broadcast bool
	leader    bool
}

// Unicast targets exactly one endpoint.
func Unicast(id gridkv.EndpointID) Destination { return Destination{unicast: id} }

// Broadcast targets every currently-known remote endpoint.
func Broadcast() Destination { return Destination{broadcast: true} }

// ToLeader targets the current Raft leader.
func ToLeader() Destination { return Destination{leader: true} }

// Result is the merged outcome of a request across every destination
// that answered, or every destination the caller expected if the
// deadline elapsed first.
type Result struct {
	// Values maps an encoded key (as a string) to the last value observed
	// for it across all responses, last-writer-wins on collision. Callers
	// that need every responder's value for a key (§4.4's merge-reduce)
	// should use PerResponder instead.
	Values map[string][]byte
	// PerResponder maps an encoded key to every responder's raw value for
	// it, one entry per responder that reported a value, in the order
	// responses arrived.
	PerResponder map[string][][]byte
	// OldValues maps an encoded key to the pre-write value a responder
	// reported (used by update-entries-request replies).
	OldValues map[string][]byte
	// DeletedKeys collects every key any responder reported as actually
	// deleted.
	DeletedKeys map[string]bool
	// Responders lists which destinations answered before the deadline.
	Responders []gridkv.EndpointID
	// Missing lists expected destinations that had not answered when the
	// waiter stopped waiting (the deadline elapsed, ctx was done, or the
	// endpoint closed). A destination that left mid-flight has its slot
	// satisfied with an empty response and is not listed here.
	Missing []gridkv.EndpointID
}

func newResult() *Result {
	return &Result{
		Values:       make(map[string][]byte),
		PerResponder: make(map[string][][]byte),
		OldValues:    make(map[string][]byte),
		DeletedKeys:  make(map[string]bool),
	}
}

func (r *Result) merge(from *Result) {
	for k, v := range from.Values {
		r.Values[k] = v
	}
	for k, vs := range from.PerResponder {
		r.PerResponder[k] = append(r.PerResponder[k], vs...)
	}
	for k, v := range from.OldValues {
		r.OldValues[k] = v
	}
	for k := range from.DeletedKeys {
		r.DeletedKeys[k] = true
	}
	r.Responders = append(r.Responders, from.Responders...)
}

type waiterState int

const (
	statePending waiterState = iota
	stateResolved
	stateTimedOut
)

type waiter struct {
	mu        sync.Mutex
	state     waiterState
	expected  map[gridkv.EndpointID]bool
	responded map[gridkv.EndpointID]bool
	result    *Result
	done      chan struct{}
}

func newWaiter(expected []gridkv.EndpointID) *waiter {
	exp := make(map[gridkv.EndpointID]bool, len(expected))
	for _, id := range expected {
		exp[id] = true
	}
	return &waiter{
		expected:  exp,
		responded: make(map[gridkv.EndpointID]bool),
		result:    newResult(),
		done:      make(chan struct{}),
	}
}

// complete reports whether every expected responder has answered.
func (w *waiter) complete() bool {
	return len(w.responded) >= len(w.expected)
}

// Config bundles an Endpoint's tunables, mirroring §6's enumerated
// configuration keys.
type Config struct {
	StorageID        gridkv.StorageID
	Protocol         bus.ProtocolTag
	RequestTimeout   time.Duration
	MaxMessageKeys   int
	MaxMessageValues int
	Logger           *fglog.Logger
	Metrics          *gometrics.Metrics
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = gridkv.DefaultRequestTimeoutMS * time.Millisecond
	}
	if cfg.MaxMessageKeys <= 0 {
		cfg.MaxMessageKeys = gridkv.DefaultMaxMessageKeys
	}
	if cfg.MaxMessageValues <= 0 {
		cfg.MaxMessageValues = gridkv.DefaultMaxMessageValues
	}
	if cfg.Logger == nil {
		discard := fglog.Logger{}
		cfg.Logger = &discard
	}
	return cfg
}

// Endpoint multiplexes correlated request/response pairs for one storage
// over a Bus.
type Endpoint struct {
	self        gridkv.EndpointID
	bus         bus.Bus
	coordinator Coordinator
	cfg         Config

	unsubscribeBus          func()
	unsubscribePeerDetached func()

	mu       sync.Mutex
	handlers map[bus.Kind]HandlerFunc
	waiters  map[gridkv.CorrelationID]*waiter
	closed   bool
}

// New constructs an Endpoint for one storage, subscribing it to b
// immediately. coordinator may be nil, in which case Broadcast/ToLeader
// destinations have no known peers and resolve to empty results.
func New(self gridkv.EndpointID, b bus.Bus, coordinator Coordinator, cfg Config) *Endpoint {
	e := &Endpoint{
		self:        self,
		bus:         b,
		coordinator: coordinator,
		cfg:         cfg.withDefaults(),
		handlers:    make(map[bus.Kind]HandlerFunc),
		waiters:     make(map[gridkv.CorrelationID]*waiter),
	}
	e.unsubscribeBus = b.Subscribe(e.handleMessage)
	if coordinator != nil {
		e.unsubscribePeerDetached = coordinator.OnPeerDetached(e.handlePeerDetached)
	}
	return e
}

// handlePeerDetached satisfies every open waiter's slot for id immediately
// with an empty response (§4.1: "responders that leave mid-flight satisfy
// their slot immediately with an empty response") rather than leaving the
// caller blocked until the full request timeout.
func (e *Endpoint) handlePeerDetached(id gridkv.EndpointID) {
	type resolved struct {
		corr gridkv.CorrelationID
		w    *waiter
	}
	var done []resolved

	e.mu.Lock()
	for corr, w := range e.waiters {
		w.mu.Lock()
		if w.state == statePending && w.expected[id] && !w.responded[id] {
			w.responded[id] = true
			if w.complete() {
				w.state = stateResolved
				done = append(done, resolved{corr, w})
			}
		}
		w.mu.Unlock()
	}
	for _, r := range done {
		delete(e.waiters, r.corr)
	}
	e.mu.Unlock()

	for _, r := range done {
		close(r.w.done)
	}
}

// RegisterHandler binds handler as the inbound processor for kind. A
// strategy calls this once per message kind it understands; kinds with
// no registered handler are logged and dropped (§7 "Protocol" errors).
func (e *Endpoint) RegisterHandler(kind bus.Kind, handler HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = handler
}

// OpenWaiters reports how many requests are currently blocked awaiting a
// response, for instrumentation (see metrics.NewGaugeFunc).
func (e *Endpoint) OpenWaiters() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.waiters)
}

func (e *Endpoint) handleMessage(m bus.Message) {
	if m.Storage != e.cfg.StorageID || m.Protocol != e.cfg.Protocol {
		return
	}

	switch m.Type {
	case bus.TypeResponse:
		e.resolve(m)
		return
	case bus.TypeRequest, bus.TypeNotification:
		if !m.IsBroadcast() && m.Destination != e.self {
			// Addressed to a different peer; the bus fans every message
			// out to every subscriber regardless of Destination, so each
			// endpoint must drop traffic that isn't actually for it.
			return
		}
		if m.IsBroadcast() && m.Source == e.self {
			// Broadcast targets remote endpoints only; the bus also hands
			// this endpoint its own broadcasts, which are dropped here.
			return
		}
		e.mu.Lock()
		handler, ok := e.handlers[m.Kind]
		e.mu.Unlock()
		if !ok {
			e.cfg.Logger.Error("endpoint: unhandled inbound kind", "storage", string(e.cfg.StorageID), "kind", string(m.Kind))
			return
		}
		resp := handler(m)
		if m.Type == bus.TypeRequest {
			if resp == nil {
				e.cfg.Logger.Error("endpoint: handler returned no response for request", "kind", string(m.Kind))
				return
			}
			resp.Protocol = m.Protocol
			resp.Type = bus.TypeResponse
			resp.Kind = m.Kind
			resp.Source = e.self
			resp.Destination = m.Source
			resp.Correlation = m.Correlation
			resp.Storage = e.cfg.StorageID
			e.bus.Publish(*resp)
		}
		return
	default:
		e.cfg.Logger.Error("endpoint: unexpected message type", "type", string(m.Type))
	}
}

func (e *Endpoint) resolve(m bus.Message) {
	e.mu.Lock()
	w, ok := e.waiters[m.Correlation]
	e.mu.Unlock()
	if !ok {
		// Either unknown, or arrived after the waiter already resolved.
		return
	}

	w.mu.Lock()
	if w.state != statePending {
		w.mu.Unlock()
		return
	}
	if !w.expected[m.Source] || w.responded[m.Source] {
		w.mu.Unlock()
		return
	}
	w.responded[m.Source] = true

	partial := newResult()
	for i, k := range m.Keys {
		key := string(k)
		if i < len(m.Values) {
			if _, dup := partial.Values[key]; dup {
				e.cfg.Logger.Error("endpoint: duplicate key in response merge", "storage", string(e.cfg.StorageID), "key", key)
			}
			partial.Values[key] = m.Values[i]
			partial.PerResponder[key] = append(partial.PerResponder[key], m.Values[i])
		}
	}
	for i, k := range m.Keys {
		if i < len(m.OldValues) {
			partial.OldValues[string(k)] = m.OldValues[i]
		}
	}
	for _, k := range m.DeletedKeys {
		partial.DeletedKeys[string(k)] = true
	}
	partial.Responders = []gridkv.EndpointID{m.Source}
	w.result.merge(partial)

	done := w.complete()
	if done {
		w.state = stateResolved
	}
	w.mu.Unlock()

	if done {
		e.finishWaiter(m.Correlation, w)
	}
}

func (e *Endpoint) finishWaiter(id gridkv.CorrelationID, w *waiter) {
	e.mu.Lock()
	delete(e.waiters, id)
	e.mu.Unlock()
	close(w.done)
}

func (e *Endpoint) destinationIDs(dest Destination) ([]gridkv.EndpointID, bool) {
	switch {
	case dest.unicast != "":
		return []gridkv.EndpointID{dest.unicast}, true
	case dest.leader:
		if e.coordinator == nil {
			return nil, false
		}
		id, ok := e.coordinator.CurrentLeaderID()
		if !ok {
			return nil, false
		}
		return []gridkv.EndpointID{id}, true
	case dest.broadcast:
		if e.coordinator == nil {
			return nil, true
		}
		return e.coordinator.RemoteEndpointIDs(), true
	default:
		return nil, false
	}
}

// Send issues a correlated request carrying keys/values to dest, splitting
// into chunks of at most cfg.MaxMessageKeys/MaxMessageValues and merging
// every chunk's result. It blocks until every expected destination has
// responded or ctx/the configured timeout expires, whichever first —
// matching §5's "every endpoint request call" suspension point.
func (e *Endpoint) Send(ctx context.Context, kind bus.Kind, keys, values [][]byte, dest Destination) (*Result, error) {
	if len(keys) == 0 {
		return newResult(), nil
	}

	ids, ok := e.destinationIDs(dest)
	if !ok {
		return newResult(), fmt.Errorf("endpoint: no destination resolvable for request kind %q", kind)
	}
	if len(ids) == 0 {
		return newResult(), nil
	}

	chunks := Batch(keys, values, e.cfg.MaxMessageKeys, e.cfg.MaxMessageValues)
	final := newResult()
	for _, c := range chunks {
		r, err := e.sendOne(ctx, kind, c.Keys, c.Values, ids)
		if err != nil {
			return final, err
		}
		final.merge(r)
		final.Missing = append(final.Missing, r.Missing...)
	}
	return final, nil
}

func (e *Endpoint) sendOne(ctx context.Context, kind bus.Kind, keys, values [][]byte, ids []gridkv.EndpointID) (*Result, error) {
	corr := gridkv.NewCorrelationID()
	w := newWaiter(ids)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return newResult(), fmt.Errorf("endpoint: closed")
	}
	e.waiters[corr] = w
	e.mu.Unlock()

	msg := bus.Message{
		Protocol:    e.cfg.Protocol,
		Type:        bus.TypeRequest,
		Kind:        kind,
		Source:      e.self,
		Correlation: corr,
		Storage:     e.cfg.StorageID,
		Keys:        keys,
		Values:      values,
	}

	if len(ids) == 1 {
		msg.Destination = ids[0]
		e.bus.Publish(msg)
	} else {
		e.bus.Publish(msg) // broadcast: Destination left zero
	}

	deadline := time.NewTimer(e.cfg.RequestTimeout)
	defer deadline.Stop()

	select {
	case <-w.done:
	case <-deadline.C:
		e.timeoutWaiter(corr, w)
	case <-ctx.Done():
		e.timeoutWaiter(corr, w)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	var missing []gridkv.EndpointID
	for id := range w.expected {
		if !w.responded[id] {
			missing = append(missing, id)
		}
	}
	w.result.Missing = missing
	return w.result, nil
}

func (e *Endpoint) timeoutWaiter(id gridkv.CorrelationID, w *waiter) {
	w.mu.Lock()
	if w.state != statePending {
		w.mu.Unlock()
		return
	}
	w.state = stateTimedOut
	w.mu.Unlock()

	e.cfg.Logger.Error("endpoint: request timed out", "storage", string(e.cfg.StorageID), "correlation", string(id))
	e.mu.Lock()
	delete(e.waiters, id)
	e.mu.Unlock()
	close(w.done)
}

// Notify publishes a fire-and-forget notification; no waiter is created
// and no response is expected.
func (e *Endpoint) Notify(kind bus.Kind, keys, values [][]byte, dest Destination) {
	ids, ok := e.destinationIDs(dest)
	if !ok || len(ids) == 0 {
		return
	}
	chunks := Batch(keys, values, e.cfg.MaxMessageKeys, e.cfg.MaxMessageValues)
	for _, c := range chunks {
		msg := bus.Message{
			Protocol: e.cfg.Protocol,
			Type:     bus.TypeNotification,
			Kind:     kind,
			Source:   e.self,
			Storage:  e.cfg.StorageID,
			Keys:     c.Keys,
			Values:   c.Values,
		}
		if len(ids) == 1 {
			msg.Destination = ids[0]
		}
		e.bus.Publish(msg)
	}
}

// OnPeerDetached forwards the coordinator's peer-detached notification,
// if a coordinator was configured.
func (e *Endpoint) OnPeerDetached(fn func(gridkv.EndpointID)) func() {
	if e.coordinator == nil {
		return func() {}
	}
	return e.coordinator.OnPeerDetached(fn)
}

// OnLeaderChanged forwards the coordinator's leader-changed notification,
// if a coordinator was configured.
func (e *Endpoint) OnLeaderChanged(fn func(gridkv.EndpointID)) func() {
	if e.coordinator == nil {
		return func() {}
	}
	return e.coordinator.OnLeaderChanged(fn)
}

// Close disposes every outstanding waiter with a cancelled (empty)
// result and unsubscribes from the bus.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	waiters := e.waiters
	e.waiters = make(map[gridkv.CorrelationID]*waiter)
	e.mu.Unlock()

	for _, w := range waiters {
		w.mu.Lock()
		if w.state == statePending {
			w.state = stateTimedOut
			close(w.done)
		}
		w.mu.Unlock()
	}

	if e.unsubscribeBus != nil {
		e.unsubscribeBus()
	}
	if e.unsubscribePeerDetached != nil {
		e.unsubscribePeerDetached()
	}
	return nil
}
