// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// In-memory transport for tests: a Network connects per-processor
// endpoints, multicast fans out to every endpoint, and a drop hook
// injects loss.

package fake

import (
	"sync"

	"github.com/momentics/totemring/protocol"
)

// Datagram is one queued packet with its source identity.
type Datagram struct {
	Pkt  []byte
	From protocol.Addr
}

// Network wires fake endpoints together.
type Network struct {
	mu        sync.Mutex
	endpoints map[protocol.Addr]*Endpoint
	// Drop, when set, is consulted per multicast delivery; returning
	// true loses the packet. Token unicasts are never dropped by the
	// hook so tests can inject multicast loss without stalling rotation.
	Drop func(to protocol.Addr, pkt []byte) bool
}

// NewNetwork builds an empty network.
func NewNetwork() *Network {
	return &Network{endpoints: make(map[protocol.Addr]*Endpoint)}
}

// Endpoint is one processor's view of the network.
type Endpoint struct {
	net    *Network
	addr   protocol.Addr
	mu     sync.Mutex
	mcast  []Datagram
	token  []Datagram
	up     bool
	closed bool
}

// Attach creates the endpoint for addr.
func (n *Network) Attach(addr protocol.Addr) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep := &Endpoint{net: n, addr: addr, up: true}
	n.endpoints[addr] = ep
	return ep
}

// Detach simulates a crash: the endpoint stops receiving.
func (n *Network) Detach(addr protocol.Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ep, ok := n.endpoints[addr]; ok {
		ep.mu.Lock()
		ep.closed = true
		ep.mu.Unlock()
		delete(n.endpoints, addr)
	}
}

func (n *Network) deliver(to *Endpoint, d Datagram, token bool) {
	if !token && n.Drop != nil && n.Drop(to.addr, d.Pkt) {
		return
	}
	to.mu.Lock()
	defer to.mu.Unlock()
	if to.closed {
		return
	}
	cp := Datagram{Pkt: append([]byte(nil), d.Pkt...), From: d.From}
	if token {
		to.token = append(to.token, cp)
	} else {
		to.mcast = append(to.mcast, cp)
	}
}

// Mcast fans pkt out to every attached endpoint, sender included.
func (e *Endpoint) Mcast(pkt []byte) error {
	e.net.mu.Lock()
	eps := make([]*Endpoint, 0, len(e.net.endpoints))
	for _, ep := range e.net.endpoints {
		eps = append(eps, ep)
	}
	e.net.mu.Unlock()
	for _, ep := range eps {
		e.net.deliver(ep, Datagram{Pkt: pkt, From: e.addr}, false)
	}
	return nil
}

// Unicast queues pkt on one endpoint's token queue.
func (e *Endpoint) Unicast(to protocol.Addr, pkt []byte) error {
	e.net.mu.Lock()
	ep, ok := e.net.endpoints[to]
	e.net.mu.Unlock()
	if !ok {
		return nil
	}
	e.net.deliver(ep, Datagram{Pkt: pkt, From: e.addr}, true)
	return nil
}

// DrainBacklog hands queued multicasts to fn until the queue is empty.
func (e *Endpoint) DrainBacklog(fn func(pkt []byte, from protocol.Addr)) {
	for {
		e.mu.Lock()
		if len(e.mcast) == 0 {
			e.mu.Unlock()
			return
		}
		d := e.mcast[0]
		e.mcast = e.mcast[1:]
		e.mu.Unlock()
		fn(d.Pkt, d.From)
	}
}

// NextToken pops one queued token datagram, if any.
func (e *Endpoint) NextToken() (Datagram, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.token) == 0 {
		return Datagram{}, false
	}
	d := e.token[0]
	e.token = e.token[1:]
	return d, true
}

// NextMcast pops one queued multicast datagram, if any.
func (e *Endpoint) NextMcast() (Datagram, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.mcast) == 0 {
		return Datagram{}, false
	}
	d := e.mcast[0]
	e.mcast = e.mcast[1:]
	return d, true
}

// SetUp flips the simulated interface state.
func (e *Endpoint) SetUp(up bool) {
	e.mu.Lock()
	e.up = up
	e.mu.Unlock()
}

// InterfaceUp reports the simulated interface state.
func (e *Endpoint) InterfaceUp() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.up
}

// Close detaches the endpoint.
func (e *Endpoint) Close() error {
	e.net.Detach(e.addr)
	return nil
}
