// File: protocol/types.go
// Package protocol implements the Totem single-ring wire protocol:
// message layouts, endian adaptation and the cryptographic framer.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"bytes"
	"fmt"
	"net"
	"sort"
)

// MessageType discriminates the six datagram kinds on the ring.
type MessageType byte

const (
	// MsgOrfToken is the Ordering, Reliability, Flow (ORF) control token.
	MsgOrfToken MessageType = 0
	// MsgMcast is a ring ordered multicast message.
	MsgMcast MessageType = 1
	// MsgMergeDetect announces a ring so partitioned rings can merge.
	MsgMergeDetect MessageType = 2
	// MsgJoin is a membership join message.
	MsgJoin MessageType = 3
	// MsgCommitToken is the membership commit token.
	MsgCommitToken MessageType = 4
	// MsgTokenHoldCancel cancels the holding of the token.
	MsgTokenHoldCancel MessageType = 5
)

// EndianLocal is the endian detector constant as written by every
// originator. A receiver seeing the swapped value 0x22ff reinterprets
// all multi-byte fields. Do not change.
const EndianLocal = 0xff22

// PacketSizeMax is the largest datagram this layer sends or accepts.
// Fragmentation above this MTU is the caller's responsibility.
const PacketSizeMax = 2000

// RetransmitEntriesMax caps the retransmission request list carried in
// the ORF token.
const RetransmitEntriesMax = 30

// Addr identifies a processor by its IPv4 address, transmitted in
// network byte order and never swapped.
type Addr [4]byte

// AddrFromIP converts a net.IP into a processor identity.
func AddrFromIP(ip net.IP) Addr {
	var a Addr
	if v4 := ip.To4(); v4 != nil {
		copy(a[:], v4)
	}
	return a
}

// ParseAddr converts a dotted-quad string into a processor identity.
func ParseAddr(s string) (Addr, error) {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return Addr{}, fmt.Errorf("not an IPv4 address: %q", s)
	}
	return AddrFromIP(ip), nil
}

// IsZero reports whether a is the unset identity.
func (a Addr) IsZero() bool { return a == Addr{} }

// Less orders identities. The ring representative is the least member.
func (a Addr) Less(b Addr) bool { return bytes.Compare(a[:], b[:]) < 0 }

func (a Addr) String() string { return net.IP(a[:]).String() }

// SortAddrs orders a member list by identity in place.
func SortAddrs(list []Addr) {
	sort.Slice(list, func(i, j int) bool { return list[i].Less(list[j]) })
}

// RingID names a ring: the identity of the representative that formed
// it and a monotonically increasing sequence persisted per representative.
type RingID struct {
	Rep Addr
	Seq uint64
}

func (r RingID) String() string { return fmt.Sprintf("%s:%d", r.Rep, r.Seq) }

// Header is the fixed prefix of every message after the security header.
type Header struct {
	Type         MessageType
	Encapsulated byte
	// EndianDetector carries EndianLocal as written; preserved on decode
	// so delivery can report a mismatching originator.
	EndianDetector uint16
}

// Swapped reports whether the originator ran with the opposite byte order.
func (h Header) Swapped() bool { return h.EndianDetector != EndianLocal }
