package bus

import (
	"encoding/gob"
	"io"
	"net"
	"sync"
	"time"

	fglog "github.com/forestgiant/log"
	"github.com/forestgiant/gridkv"
)

// connectTimeout bounds how long TCPBus waits to dial a peer before
// giving up and dropping the message, matching the bus's best-effort
// publish contract.
const connectTimeout = 2 * time.Second

// TCPBus is a Bus backed by raw TCP sockets and gob encoding, grounded in
// the way hashicorp/raft's own NewTCPTransport maintains a pool of
// outbound connections and a single accept loop feeding one consumer.
// Peers are addressed by host:port; a peer must be registered with
// AddPeer before messages addressed to it (or broadcasts, once it has
// been seen) can be delivered.
type TCPBus struct {
	self     gridkv.EndpointID
	listener net.Listener
	logger   *fglog.Logger

	mu    sync.Mutex
	peers map[gridkv.EndpointID]string // endpoint id -> dial address
	conns map[gridkv.EndpointID]net.Conn

	handlersMu sync.RWMutex
	handlers   map[int]Handler
	nextID     int

	closeOnce sync.Once
	closed    chan struct{}
}

// NewTCPBus binds bindAddr and returns a TCPBus identified as self.
// logger may be nil, in which case a discarding logger is used.
func NewTCPBus(self gridkv.EndpointID, bindAddr string, logger *fglog.Logger) (*TCPBus, error) {
	l, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		discard := fglog.Logger{}
		logger = &discard
	}
	b := &TCPBus{
		self:     self,
		listener: l,
		logger:   logger,
		peers:    make(map[gridkv.EndpointID]string),
		conns:    make(map[gridkv.EndpointID]net.Conn),
		handlers: make(map[int]Handler),
		closed:   make(chan struct{}),
	}
	go b.acceptLoop()
	return b, nil
}

// Addr returns the address this bus is listening on.
func (b *TCPBus) Addr() net.Addr {
	return b.listener.Addr()
}

// AddPeer registers addr as the dial address for id. Broadcasts and
// unicasts to id become deliverable once registered.
func (b *TCPBus) AddPeer(id gridkv.EndpointID, addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peers[id] = addr
}

// RemovePeer forgets id and closes any pooled connection to it.
func (b *TCPBus) RemovePeer(id gridkv.EndpointID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.peers, id)
	if c, ok := b.conns[id]; ok {
		c.Close()
		delete(b.conns, id)
	}
}

type envelope struct {
	Msg Message
}

func (b *TCPBus) acceptLoop() {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-b.closed:
				return
			default:
				b.logger.Error("bus: accept failed", "error", err)
				return
			}
		}
		go b.serve(conn)
	}
}

func (b *TCPBus) serve(conn net.Conn) {
	defer conn.Close()
	dec := gob.NewDecoder(conn)
	for {
		var e envelope
		if err := dec.Decode(&e); err != nil {
			if err != io.EOF {
				b.logger.Error("bus: decode failed", "error", err)
			}
			return
		}
		b.deliver(e.Msg)
	}
}

func (b *TCPBus) deliver(m Message) {
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()
	for _, h := range b.handlers {
		h := h
		go h(m)
	}
}

func (b *TCPBus) dial(addr string) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, connectTimeout)
}

func (b *TCPBus) connFor(id gridkv.EndpointID) (net.Conn, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	addr, ok := b.peers[id]
	if !ok {
		return nil, false
	}
	if c, ok := b.conns[id]; ok {
		return c, true
	}
	c, err := b.dial(addr)
	if err != nil {
		b.logger.Error("bus: dial failed", "peer", string(id), "addr", addr, "error", err)
		return nil, false
	}
	b.conns[id] = c
	return c, true
}

func (b *TCPBus) sendTo(id gridkv.EndpointID, m Message) {
	conn, ok := b.connFor(id)
	if !ok {
		return
	}
	enc := gob.NewEncoder(conn)
	if err := enc.Encode(envelope{Msg: m}); err != nil {
		b.logger.Error("bus: send failed", "peer", string(id), "error", err)
		b.mu.Lock()
		conn.Close()
		delete(b.conns, id)
		b.mu.Unlock()
	}
}

// Publish sends m to its destination, or to every known peer when m is a
// broadcast. Delivery is best-effort: a peer that cannot be dialed is
// silently skipped. m is also delivered to this process's own local
// handlers when it is a broadcast, the way a bus-wide subscriber would
// observe it.
func (b *TCPBus) Publish(m Message) {
	if m.Source == "" {
		m.Source = b.self
	}

	if !m.IsBroadcast() {
		if m.Destination == b.self {
			b.deliver(m)
			return
		}
		b.sendTo(m.Destination, m)
		return
	}

	b.mu.Lock()
	ids := make([]gridkv.EndpointID, 0, len(b.peers))
	for id := range b.peers {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.sendTo(id, m)
	}
	b.deliver(m)
}

// Subscribe registers handler. Matches Bus.
func (b *TCPBus) Subscribe(handler Handler) func() {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	return func() {
		b.handlersMu.Lock()
		defer b.handlersMu.Unlock()
		delete(b.handlers, id)
	}
}

// Close stops accepting connections and closes every pooled outbound
// connection.
func (b *TCPBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.listener.Close()
		b.mu.Lock()
		for id, c := range b.conns {
			c.Close()
			delete(b.conns, id)
		}
		b.mu.Unlock()
	})
	return err
}
