// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package srp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/totemring/core/sortqueue"
	"github.com/momentics/totemring/fake"
	"github.com/momentics/totemring/protocol"
)

// forceOperational puts a freshly gathered node straight into an
// installed single-member ring so token paths can be driven directly.
// The join the startup gather left in flight is discarded, so a token
// handler draining the backlog does not reopen the membership.
func forceOperational(t *testing.T, n *node) protocol.RingID {
	t.Helper()
	for {
		if _, ok := n.ep.NextMcast(); !ok {
			break
		}
	}
	for {
		if _, ok := n.ep.NextToken(); !ok {
			break
		}
	}
	ring := protocol.RingID{Rep: n.addr, Seq: 4}
	n.inst.memb = stateOperational
	n.inst.ringID = ring
	n.inst.membList = []protocol.Addr{n.addr}
	n.inst.newMembList = []protocol.Addr{n.addr}
	n.inst.myTokenSeq = -1
	return ring
}

// nextToken pops and decodes the token the instance forwarded.
func nextToken(t *testing.T, n *node) protocol.OrfToken {
	t.Helper()
	d, ok := n.ep.NextToken()
	require.True(t, ok, "no token was forwarded")
	body, err := n.inst.framer.Open(d.Pkt)
	require.NoError(t, err)
	tok, err := protocol.DecodeOrfToken(body)
	require.NoError(t, err)
	return tok
}

// wireMcast builds a wire-format multicast body (header then payload in
// one buffer, as received from the framer).
func wireMcast(ring protocol.RingID, seq uint32, source protocol.Addr, encapsulated byte, payload string) []byte {
	hdr := protocol.Mcast{
		Header: protocol.Header{
			Type:           protocol.MsgMcast,
			Encapsulated:   encapsulated,
			EndianDetector: protocol.EndianLocal,
		},
		Seq:    seq,
		RingID: ring,
		Source: source,
	}
	return append(protocol.EncodeMcastHeader(&hdr), payload...)
}

func TestTokenAssignsSequencesAndDelivers(t *testing.T) {
	net := fake.NewNetwork()
	n := newNode(t, net, "10.0.0.1")
	ring := forceOperational(t, n)

	require.NoError(t, n.inst.Mcast([][]byte{[]byte("A")}, 0))
	require.NoError(t, n.inst.Mcast([][]byte{[]byte("B")}, 0))

	tok := protocol.OrfToken{RingID: ring, Seq: 0, TokenSeq: 0, Aru: 0}
	n.inst.handleOrfToken(&tok)

	// Both messages got the next sequences and went out on the wire.
	assert.True(t, n.inst.regularSortQueue.InUse(1))
	assert.True(t, n.inst.regularSortQueue.InUse(2))
	assert.Equal(t, []string{"A", "B"}, n.rec.payloads())
	assert.Equal(t, uint32(2), n.inst.myAru)

	fwd := nextToken(t, n)
	assert.Equal(t, uint32(2), fwd.Seq)
	assert.Equal(t, uint32(1), fwd.TokenSeq)
	assert.Equal(t, uint32(2), fwd.Aru)
	assert.True(t, fwd.AruAddr.IsZero(), "aru caught up with seq, aru_addr must clear")
	assert.Empty(t, fwd.RtrList)
}

func TestTokenDuplicateDropped(t *testing.T) {
	net := fake.NewNetwork()
	n := newNode(t, net, "10.0.0.1")
	ring := forceOperational(t, n)
	n.inst.myTokenSeq = 10

	tok := protocol.OrfToken{RingID: ring, TokenSeq: 10}
	n.inst.handleOrfToken(&tok)

	_, ok := n.ep.NextToken()
	assert.False(t, ok, "duplicate token must not be forwarded")
	// Timers re-armed so loss detection still works.
	assert.True(t, n.react.TimerPending(timerToken))
	assert.True(t, n.react.TimerPending(timerTokenRetransmit))
}

func TestTokenForeignRingDropped(t *testing.T) {
	net := fake.NewNetwork()
	n := newNode(t, net, "10.0.0.1")
	forceOperational(t, n)

	other, err := protocol.ParseAddr("10.0.0.9")
	require.NoError(t, err)
	tok := protocol.OrfToken{RingID: protocol.RingID{Rep: other, Seq: 8}, TokenSeq: 1}
	n.inst.handleOrfToken(&tok)

	_, ok := n.ep.NextToken()
	assert.False(t, ok)
}

func TestTokenRtrService(t *testing.T) {
	net := fake.NewNetwork()
	n := newNode(t, net, "10.0.0.1")
	ring := forceOperational(t, n)

	// Holds seq 1, has seen up to 5: 2..4 are missing here.
	n.inst.regularSortQueue.Add(1, sortqueue.Item{
		Iovs: [][]byte{wireMcast(ring, 1, n.addr, 2, "one")},
	})
	n.inst.myAru = 1
	n.inst.highDelivered = 1
	n.inst.highSeqReceived = 5
	n.inst.lastSeq = 5

	tok := protocol.OrfToken{
		RingID: ring, Seq: 5, TokenSeq: 1, Aru: 1, AruAddr: n.addr,
		RtrList: []protocol.RtrItem{
			{RingID: ring, Seq: 1},
			{RingID: ring, Seq: 5},
		},
	}
	n.inst.handleOrfToken(&tok)

	// Seq 1 was present: re-multicast and removed from the list.
	d, ok := n.ep.NextMcast()
	require.True(t, ok, "expected a retransmitted multicast")
	body, err := n.inst.framer.Open(d.Pkt)
	require.NoError(t, err)
	hdr, err := protocol.DecodeMcastHeader(body)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), hdr.Seq)

	fwd := nextToken(t, n)
	var seqs []uint32
	for _, item := range fwd.RtrList {
		seqs = append(seqs, item.Seq)
	}
	// 5 stays (not held here); 2..4 are newly requested; no duplicate 5.
	assert.Equal(t, []uint32{5, 2, 3, 4}, seqs)
}

func TestMissingMcastWindowSuppressesOriginations(t *testing.T) {
	net := fake.NewNetwork()
	n := newNode(t, net, "10.0.0.1")
	ring := forceOperational(t, n)

	require.NoError(t, n.inst.Mcast([][]byte{[]byte("stalled")}, 0))
	n.inst.lastAru = 0

	tok := protocol.OrfToken{RingID: ring, Seq: 200, TokenSeq: 1, Aru: 0, AruAddr: n.addr}
	n.inst.handleOrfToken(&tok)

	// The origination stays queued while the ring is too far behind.
	assert.Equal(t, 1, n.inst.newMessageQueue.Len())
	fwd := nextToken(t, n)
	assert.Equal(t, uint32(200), fwd.Seq)
}

func TestFailToRecvEntersGather(t *testing.T) {
	net := fake.NewNetwork()
	n := newNode(t, net, "10.0.0.1")
	ring := forceOperational(t, n)

	laggard, err := protocol.ParseAddr("10.0.0.9")
	require.NoError(t, err)

	n.inst.myAru = 5
	n.inst.lastAru = 5
	n.inst.highDelivered = 5
	n.inst.aruCount = n.inst.cfg.FailToRecvConst

	tok := protocol.OrfToken{RingID: ring, Seq: 9, TokenSeq: 1, Aru: 5, AruAddr: laggard}
	n.inst.handleOrfToken(&tok)

	assert.Equal(t, stateGather, n.inst.memb)
	assert.True(t, membContains(n.inst.failedList, laggard))
	_, ok := n.ep.NextToken()
	assert.False(t, ok, "token must not be forwarded after fail-to-recv")
}

func TestTokenHoldAndCancel(t *testing.T) {
	net := fake.NewNetwork()
	n := newNode(t, net, "10.0.0.1")
	ring := forceOperational(t, n)

	n.inst.seqUnchanged = n.inst.cfg.SeqnoUnchangedConst + 1
	n.inst.lastSeq = 7

	tok := protocol.OrfToken{RingID: ring, Seq: 7, TokenSeq: 1, Aru: 7, AruAddr: protocol.Addr{}}
	n.inst.myAru = 7
	n.inst.highSeqReceived = 7
	n.inst.highDelivered = 7
	n.inst.lastAru = 7
	n.inst.handleOrfToken(&tok)

	assert.True(t, n.inst.tokenHeld)
	_, ok := n.ep.NextToken()
	assert.False(t, ok, "held token must not be forwarded")
	assert.True(t, n.react.TimerPending(timerTokenHold))

	// A pending origination signals the hold away.
	require.NoError(t, n.inst.Signal())
	d, ok := n.ep.NextMcast()
	require.True(t, ok, "expected a hold cancel on the wire")
	// Open decrypts in place; inspect a copy so d.Pkt stays sealed for
	// the HandlePacket call below.
	body, err := n.inst.framer.Open(append([]byte(nil), d.Pkt...))
	require.NoError(t, err)
	typ, err := protocol.PeekType(body)
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgTokenHoldCancel, typ)

	// The representative reacts to the cancel by kicking the rotation.
	n.inst.HandlePacket(d.Pkt, n.addr)
	assert.Equal(t, 0, n.inst.seqUnchanged)
	_, ok = n.ep.NextToken()
	assert.True(t, ok, "cancel must resend the stored token")
}

func TestAuthFailureCounted(t *testing.T) {
	net := fake.NewNetwork()
	n := newNode(t, net, "10.0.0.1")
	forceOperational(t, n)

	before := n.inst.Stats().AuthFailures
	junk := make([]byte, 120)
	for i := range junk {
		junk[i] = byte(i * 7)
	}
	outsider, err := protocol.ParseAddr("192.168.1.50")
	require.NoError(t, err)
	n.inst.HandlePacket(junk, outsider)

	assert.Equal(t, before+1, n.inst.Stats().AuthFailures)
	assert.Equal(t, stateOperational, n.inst.memb)
	assert.Empty(t, n.rec.deliveries)
}
