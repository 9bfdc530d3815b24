// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// End-to-end ring scenarios over the in-memory network: install,
// total-order delivery, processor failure, rejoin and loss healing.

package srp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/totemring/api"
	"github.com/momentics/totemring/fake"
	"github.com/momentics/totemring/protocol"
)

func TestSingleNodeInstallAndDeliver(t *testing.T) {
	net := fake.NewNetwork()
	n := newNode(t, net, "10.0.0.1")

	install(t, n)

	reg, ok := n.rec.lastRegular()
	require.True(t, ok)
	assert.Equal(t, addrs(t, "10.0.0.1"), reg.members)
	assert.Equal(t, addrs(t, "10.0.0.1"), reg.joined)
	assert.Empty(t, reg.left)
	assert.Equal(t, uint64(4), reg.ringID.Seq)

	require.NoError(t, n.inst.Mcast([][]byte{[]byte("solo")}, 0))
	pumpUntil(t, 2000, func() bool { return len(n.rec.deliveries) == 1 }, n)
	assert.Equal(t, []string{"solo"}, n.rec.payloads())
	assert.Equal(t, n.addr, n.rec.deliveries[0].source)
}

func TestConfigurationsAlternate(t *testing.T) {
	net := fake.NewNetwork()
	n1 := newNode(t, net, "10.0.0.1")
	n2 := newNode(t, net, "10.0.0.2")

	install(t, n1, n2)

	for _, n := range []*node{n1, n2} {
		require.NotEmpty(t, n.rec.confchgs)
		for i, cc := range n.rec.confchgs {
			if i%2 == 0 {
				assert.Equal(t, api.ConfigurationTransitional, cc.kind, "node %s confchg %d", n.addr, i)
				assert.Empty(t, cc.joined, "transitional joined must be empty")
			} else {
				assert.Equal(t, api.ConfigurationRegular, cc.kind, "node %s confchg %d", n.addr, i)
				assert.Empty(t, cc.left, "regular left must be empty")
			}
		}
	}
}

func TestThreeNodeInstallAndTotalOrder(t *testing.T) {
	net := fake.NewNetwork()
	n1 := newNode(t, net, "10.0.0.1")
	n2 := newNode(t, net, "10.0.0.2")
	n3 := newNode(t, net, "10.0.0.3")
	nodes := []*node{n1, n2, n3}

	install(t, nodes...)

	for _, n := range nodes {
		reg, ok := n.rec.lastRegular()
		require.True(t, ok, "%s never saw a regular configuration", n.addr)
		assert.Equal(t, addrs(t, "10.0.0.1", "10.0.0.2", "10.0.0.3"), reg.members)
		assert.Empty(t, reg.left)
		assert.Equal(t, n1.addr, reg.ringID.Rep, "lowest identity is the representative")
	}

	require.NoError(t, n1.inst.Mcast([][]byte{[]byte("A")}, 0))
	require.NoError(t, n1.inst.Mcast([][]byte{[]byte("B")}, 0))
	require.NoError(t, n1.inst.Mcast([][]byte{[]byte("C")}, 0))

	delivered := func() bool {
		for _, n := range nodes {
			if len(n.rec.deliveries) < 3 {
				return false
			}
		}
		return true
	}
	pumpUntil(t, 5000, delivered, nodes...)

	for _, n := range nodes {
		got := n.rec.payloads()
		assert.Equal(t, []string{"A", "B", "C"}, got[len(got)-3:], "node %s", n.addr)
		for _, d := range n.rec.deliveries[len(n.rec.deliveries)-3:] {
			assert.Equal(t, n1.addr, d.source)
		}
	}
}

func TestTwoNodeFailureInstallsSmallerRing(t *testing.T) {
	net := fake.NewNetwork()
	n1 := newNode(t, net, "10.0.0.1")
	n2 := newNode(t, net, "10.0.0.2")

	install(t, n1, n2)
	firstRing := n1.inst.RingID()
	pump(t, 2000, n1, n2) // quiesce into token hold

	confchgsBefore := len(n1.rec.confchgs)
	deliveredBefore := len(n1.rec.deliveries)

	// Processor 2 crashes. Everything sent its way is lost now.
	net.Detach(n2.addr)

	// Submit while the membership will shortly be broken; it must
	// survive the ring change.
	require.NoError(t, n1.inst.Mcast([][]byte{[]byte("X")}, 0))

	reinstalled := func() bool {
		return n1.inst.memb == stateOperational && len(n1.rec.confchgs) > confchgsBefore
	}
	pumpUntil(t, 5000, reinstalled, n1)

	require.GreaterOrEqual(t, len(n1.rec.confchgs), confchgsBefore+2)
	trans := n1.rec.confchgs[confchgsBefore]
	reg := n1.rec.confchgs[confchgsBefore+1]

	assert.Equal(t, api.ConfigurationTransitional, trans.kind)
	assert.Equal(t, addrs(t, "10.0.0.1"), trans.members)
	assert.Equal(t, addrs(t, "10.0.0.2"), trans.left)

	assert.Equal(t, api.ConfigurationRegular, reg.kind)
	assert.Equal(t, addrs(t, "10.0.0.1"), reg.members)
	assert.Empty(t, reg.joined)
	assert.Equal(t, firstRing.Seq+4, reg.ringID.Seq, "ring sequence advances by exactly 4")

	// The queued payload delivers under the new ring.
	pumpUntil(t, 2000, func() bool { return len(n1.rec.deliveries) > deliveredBefore }, n1)
	last := n1.rec.deliveries[len(n1.rec.deliveries)-1]
	assert.Equal(t, "X", last.payload)
}

func TestRejoinAfterFailureMerges(t *testing.T) {
	net := fake.NewNetwork()
	n1 := newNode(t, net, "10.0.0.1")
	n2 := newNode(t, net, "10.0.0.2")

	install(t, n1, n2)
	pump(t, 2000, n1, n2)
	net.Detach(n2.addr)

	// Survivor reforms alone.
	alone := func() bool {
		return n1.inst.memb == stateOperational && len(n1.inst.membList) == 1
	}
	pumpUntil(t, 5000, alone, n1)
	pump(t, 2000, n1)
	confchgsBefore := len(n1.rec.confchgs)

	// Processor 2 restarts with fresh state and gathers back in.
	n2b := newNode(t, net, "10.0.0.2")
	install(t, n1, n2b)

	reg, ok := n1.rec.lastRegular()
	require.True(t, ok)
	assert.Equal(t, addrs(t, "10.0.0.1", "10.0.0.2"), reg.members)
	assert.True(t, membContains(reg.joined, n2b.addr), "rejoiner must appear in joined")
	require.Greater(t, len(n1.rec.confchgs), confchgsBefore)

	// The returned member delivers only under the merged ring.
	require.NoError(t, n1.inst.Mcast([][]byte{[]byte("post-merge")}, 0))
	pumpUntil(t, 5000, func() bool { return len(n2b.rec.deliveries) == 1 }, n1, n2b)
	assert.Equal(t, []string{"post-merge"}, n2b.rec.payloads())
	assert.Equal(t, n2b.inst.RingID(), n1.inst.RingID())
}

func TestMcastLossHealedByRetransmission(t *testing.T) {
	net := fake.NewNetwork()
	n1 := newNode(t, net, "10.0.0.1")
	n2 := newNode(t, net, "10.0.0.2")
	n3 := newNode(t, net, "10.0.0.3")
	nodes := []*node{n1, n2, n3}

	install(t, nodes...)
	pump(t, 5000, nodes...)
	for _, n := range nodes {
		n.rec.deliveries = nil
	}

	// Roughly one in ten multicasts to processor 3 vanishes.
	counter := 0
	net.Drop = func(to protocol.Addr, _ []byte) bool {
		if to != n3.addr {
			return false
		}
		counter++
		return counter%10 == 0
	}

	const total = 60
	for i := 0; i < total; i++ {
		require.NoError(t, n1.inst.Mcast([][]byte{payloadN(i)}, 0))
	}

	delivered := func() bool {
		for _, n := range nodes {
			if len(n.rec.deliveries) != total {
				return false
			}
		}
		return true
	}
	pumpUntil(t, 50000, delivered, nodes...)
	net.Drop = nil

	want := make([]string, 0, total)
	for i := 0; i < total; i++ {
		want = append(want, string(payloadN(i)))
	}
	for _, n := range nodes {
		assert.Equal(t, want, n.rec.payloads(), "node %s must deliver all, in order", n.addr)
	}
}

func TestQueueFullSurfaced(t *testing.T) {
	net := fake.NewNetwork()
	n := newNode(t, net, "10.0.0.1")

	for i := 0; i < n.inst.cfg.QueueSize; i++ {
		require.NoError(t, n.inst.Mcast([][]byte{[]byte("fill")}, 0))
	}
	err := n.inst.Mcast([][]byte{[]byte("overflow")}, 0)
	assert.ErrorIs(t, err, api.ErrQueueFull)
	assert.Equal(t, 0, n.inst.Avail())
}
