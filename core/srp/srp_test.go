// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Test harness: instances wired over the in-memory network, pumped
// deterministically from the test goroutine. Timers run on manual
// clocks; nothing here depends on wall time.

package srp

import (
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/momentics/totemring/api"
	"github.com/momentics/totemring/control"
	"github.com/momentics/totemring/fake"
	"github.com/momentics/totemring/protocol"
	"github.com/momentics/totemring/reactor"
)

var testKey = []byte("shared test ring key")

// recorder captures everything an instance hands to the application.
type recorder struct {
	deliveries []delivery
	confchgs   []confchg
}

type delivery struct {
	source  protocol.Addr
	payload string
}

type confchg struct {
	kind    api.ConfigurationType
	members []protocol.Addr
	left    []protocol.Addr
	joined  []protocol.Addr
	ringID  protocol.RingID
}

func (r *recorder) deliver(source protocol.Addr, iovs [][]byte, _ bool) {
	var buf []byte
	for _, iov := range iovs {
		buf = append(buf, iov...)
	}
	r.deliveries = append(r.deliveries, delivery{source: source, payload: string(buf)})
}

func (r *recorder) confchg(kind api.ConfigurationType, members, left, joined []protocol.Addr, ringID protocol.RingID) {
	r.confchgs = append(r.confchgs, confchg{
		kind:    kind,
		members: append([]protocol.Addr(nil), members...),
		left:    append([]protocol.Addr(nil), left...),
		joined:  append([]protocol.Addr(nil), joined...),
		ringID:  ringID,
	})
}

func (r *recorder) payloads() []string {
	out := make([]string, 0, len(r.deliveries))
	for _, d := range r.deliveries {
		out = append(out, d.payload)
	}
	return out
}

func (r *recorder) lastRegular() (confchg, bool) {
	for i := len(r.confchgs) - 1; i >= 0; i-- {
		if r.confchgs[i].kind == api.ConfigurationRegular {
			return r.confchgs[i], true
		}
	}
	return confchg{}, false
}

// node bundles one instance with its collaborators.
type node struct {
	inst  *Instance
	ep    *fake.Endpoint
	clock *fake.Clock
	react *reactor.Reactor
	rec   *recorder
	addr  protocol.Addr
}

func newNode(t *testing.T, net *fake.Network, addrStr string) *node {
	t.Helper()

	a, err := protocol.ParseAddr(addrStr)
	require.NoError(t, err)

	clock := fake.NewClock()
	r := reactor.New(clock)
	rec := &recorder{}

	cfg := control.Default()
	cfg.BindAddr = addrStr
	cfg.PrivateKey = testKey
	cfg.RingIDDir = t.TempDir()
	cfg.Workers = 1

	ep := net.Attach(a)
	inst, err := Initialize(r, cfg, ep, rec.deliver, rec.confchg)
	require.NoError(t, err)
	inst.log = log.New(io.Discard)
	t.Cleanup(inst.Finalize)

	// Run the dispatched gather entry.
	r.Step()

	return &node{inst: inst, ep: ep, clock: clock, react: r, rec: rec, addr: a}
}

// pump delivers queued datagrams round-robin until every queue is empty
// or the budget runs out. Token hold quiesces an idle ring, so pumping
// terminates once nothing is in flight.
func pump(t *testing.T, budget int, nodes ...*node) {
	t.Helper()
	for i := 0; i < budget; i++ {
		if !deliverOnce(nodes) {
			return
		}
	}
	t.Fatalf("pump budget %d exhausted; ring never quiesced", budget)
}

// deliverOnce hands at most one multicast and one token datagram to
// each node, reporting whether anything was in flight.
func deliverOnce(nodes []*node) bool {
	progress := false
	for _, n := range nodes {
		if d, ok := n.ep.NextMcast(); ok {
			n.inst.HandlePacket(d.Pkt, d.From)
			progress = true
		}
		if d, ok := n.ep.NextToken(); ok {
			n.inst.HandlePacket(d.Pkt, d.From)
			progress = true
		}
	}
	return progress
}

// pumpUntil pumps until cond holds. Whenever the network quiesces (a
// held token, lost datagrams, a stalled gather), every node's manual
// clock advances so the protocol's timers drive the next move, exactly
// as they would in production. Fails after the budget.
func pumpUntil(t *testing.T, budget int, cond func() bool, nodes ...*node) {
	t.Helper()
	for i := 0; i < budget; i++ {
		if cond() {
			return
		}
		if !deliverOnce(nodes) {
			for _, n := range nodes {
				n.clock.Advance(50 * time.Millisecond)
				n.react.Step()
			}
		}
	}
	t.Fatalf("condition not reached within budget %d", budget)
}

// install drives a set of nodes until they all sit operational on one
// common ring containing every one of them.
func install(t *testing.T, nodes ...*node) {
	t.Helper()
	want := make([]protocol.Addr, 0, len(nodes))
	for _, n := range nodes {
		want = append(want, n.addr)
	}
	converged := func() bool {
		for _, n := range nodes {
			if n.inst.memb != stateOperational {
				return false
			}
			if !membEqual(n.inst.membList, want) {
				return false
			}
			if n.inst.ringID != nodes[0].inst.ringID {
				return false
			}
		}
		return true
	}
	pumpUntil(t, 20000, converged, nodes...)
}

func addrs(t *testing.T, ss ...string) []protocol.Addr {
	t.Helper()
	out := make([]protocol.Addr, 0, len(ss))
	for _, s := range ss {
		a, err := protocol.ParseAddr(s)
		require.NoError(t, err)
		out = append(out, a)
	}
	return out
}

func payloadN(i int) []byte { return []byte(fmt.Sprintf("payload-%04d", i)) }
