// File: protocol/messages.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Wire message layouts for the single-ring protocol. All multi-byte
// fields are little-endian as produced by the originator; processor
// addresses travel in network byte order and are never swapped.

package protocol

// ProcessorCountMax bounds the membership lists carried in join and
// commit-token messages.
const ProcessorCountMax = 128

// HeaderSize is the wire size of Header.
const HeaderSize = 4

// Mcast is the fixed-layout header preceding every application payload.
type Mcast struct {
	Header    Header
	Seq       uint32
	ThisSeqno uint32
	RingID    RingID
	Source    Addr
	Guarantee uint32
}

// McastSize is the wire size of the Mcast header.
const McastSize = HeaderSize + 4 + 4 + ringIDSize + 4 + 4

// RtrItem is one retransmission request on the ORF token.
type RtrItem struct {
	RingID RingID
	Seq    uint32
}

const rtrItemSize = ringIDSize + 4
const ringIDSize = 4 + 8

// OrfToken circulates the ring and confers the exclusive right to
// originate and retransmit.
type OrfToken struct {
	Header   Header
	Seq      uint32
	TokenSeq uint32
	Aru      uint32
	// AruAddr identifies the processor that lowered the aru; zero when
	// aru has caught up with seq.
	AruAddr    Addr
	RingID     RingID
	Fcc        uint16
	RetransFlg uint32
	RtrList    []RtrItem
}

// OrfTokenSize is the wire size of the token without its RTR list.
const OrfTokenSize = HeaderSize + 4 + 4 + 4 + 4 + ringIDSize + 2 + 4 + 4

// MembJoin advertises a processor's view of reachable and failed
// processors while gathering a new membership.
type MembJoin struct {
	Header     Header
	ProcList   []Addr
	FailedList []Addr
	RingSeq    uint64
}

// MembMergeDetect is the idle-ring heartbeat emitted by a representative.
type MembMergeDetect struct {
	Header Header
	RingID RingID
}

// TokenHoldCancel asks the representative to resume token rotation.
type TokenHoldCancel struct {
	Header Header
	RingID RingID
}

// CommitTokenMembEntry carries one member's old-ring state on the
// commit token.
type CommitTokenMembEntry struct {
	RingID        RingID
	Aru           uint32
	HighDelivered uint32
	ReceivedFlg   uint32
}

const commitEntrySize = ringIDSize + 4 + 4 + 4

// MembCommitToken circulates during COMMIT to collect per-member
// old-ring state before recovery begins.
type MembCommitToken struct {
	Header     Header
	TokenSeq   uint32
	RingID     RingID
	RetransFlg uint32
	MembIndex  uint32
	Addrs      []Addr
	MembList   []CommitTokenMembEntry
}
