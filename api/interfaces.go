// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Public contracts between the protocol core and its collaborators:
// the datagram transport, the delivery callbacks and token callbacks.
// Socket plumbing, interface discovery and fragmentation live behind
// Transport; the core never touches a socket directly.

package api

import "github.com/momentics/totemring/protocol"

// Transport moves sealed datagrams between processors. All methods are
// non-blocking; send errors are absorbed by the caller (the protocol
// heals losses by retransmission).
type Transport interface {
	// Mcast sends pkt to every processor in the group.
	Mcast(pkt []byte) error

	// Unicast sends pkt to a single processor (the token path).
	Unicast(to protocol.Addr, pkt []byte) error

	// DrainBacklog synchronously hands every already-queued inbound
	// multicast datagram to fn, without blocking for new ones. The token
	// handler uses it so retransmission decisions see the freshest aru.
	DrainBacklog(fn func(pkt []byte, from protocol.Addr))

	// InterfaceUp reports whether the bound interface is operational;
	// consulted by the downcheck on token loss.
	InterfaceUp() bool

	Close() error
}

// ConfigurationType tags the two configuration deliveries of a ring
// install: transitional first, then regular.
type ConfigurationType int

const (
	ConfigurationTransitional ConfigurationType = iota
	ConfigurationRegular
)

func (t ConfigurationType) String() string {
	if t == ConfigurationTransitional {
		return "transitional"
	}
	return "regular"
}

// DeliverFn receives one totally-ordered application payload. The
// iovecs alias protocol-owned storage and must be copied to be kept.
// EndianMismatch is set when the originator ran with the opposite byte
// order and the payload may need field swapping by the application.
type DeliverFn func(source protocol.Addr, iovs [][]byte, endianMismatch bool)

// ConfChgFn observes membership changes. Invoked exactly twice per ring
// install: transitional (joined empty), then regular (left empty).
type ConfChgFn func(
	kind ConfigurationType,
	members []protocol.Addr,
	left []protocol.Addr,
	joined []protocol.Addr,
	ringID protocol.RingID,
)

// TokenCallbackType selects which token event a callback observes.
type TokenCallbackType int

const (
	TokenCallbackReceived TokenCallbackType = iota
	TokenCallbackSent
)

// TokenCallbackFn runs in reactor context on the selected token event.
// A single-shot callback returning an error is retried on the next
// rotation.
type TokenCallbackFn func(t TokenCallbackType, data any) error

// CallbackID identifies a registered token callback.
type CallbackID uint64

// Stats is a point-in-time snapshot of instance counters.
type Stats struct {
	BytesSent    uint64
	BytesRecv    uint64
	Delivered    uint64
	Remcasts     uint64
	OrfTokenRx   uint64
	AuthFailures uint64
}
