// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package srp

import (
	"io"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/totemring/api"
	"github.com/momentics/totemring/control"
	"github.com/momentics/totemring/fake"
	"github.com/momentics/totemring/protocol"
	"github.com/momentics/totemring/reactor"
)

func TestInitializeRejectsBadBindAddr(t *testing.T) {
	cfg := control.Default()
	cfg.BindAddr = "not-an-address"
	cfg.PrivateKey = testKey
	cfg.RingIDDir = t.TempDir()

	net := fake.NewNetwork()
	a, err := protocol.ParseAddr("10.0.0.1")
	require.NoError(t, err)
	_, err = Initialize(reactor.New(fake.NewClock()), cfg, net.Attach(a), nil, nil)
	assert.Error(t, err)
}

func TestFinalizeIsIdempotentAndDisablesAPI(t *testing.T) {
	net := fake.NewNetwork()
	n := newNode(t, net, "10.0.0.1")

	n.inst.Finalize()
	n.inst.Finalize()

	assert.ErrorIs(t, n.inst.Mcast([][]byte{[]byte("late")}, 0), api.ErrNotInitialized)
	assert.ErrorIs(t, n.inst.Signal(), api.ErrNotInitialized)
	assert.Equal(t, 0, n.inst.Avail())
	_, err := n.inst.RegisterTokenCallback(api.TokenCallbackReceived, false, nil, nil)
	assert.ErrorIs(t, err, api.ErrNotInitialized)
}

func TestRingSequenceSurvivesRestart(t *testing.T) {
	net := fake.NewNetwork()
	n := newNode(t, net, "10.0.0.1")
	dir := n.inst.cfg.RingIDDir

	install(t, n)
	require.Equal(t, uint64(4), n.inst.RingID().Seq)
	n.inst.Finalize()
	net.Detach(n.addr)

	// A restarted processor proposes strictly higher ring sequences.
	rec := &recorder{}
	cfg := control.Default()
	cfg.BindAddr = "10.0.0.1"
	cfg.PrivateKey = testKey
	cfg.RingIDDir = dir
	cfg.Workers = 1

	clock := fake.NewClock()
	r := reactor.New(clock)
	a, err := protocol.ParseAddr("10.0.0.1")
	require.NoError(t, err)
	ep := net.Attach(a)
	inst, err := Initialize(r, cfg, ep, rec.deliver, rec.confchg)
	require.NoError(t, err)
	inst.log = log.New(io.Discard)
	t.Cleanup(inst.Finalize)
	r.Step()

	require.Equal(t, uint64(4), inst.tokenRingIDSeq, "persisted sequence reloaded")

	n2 := &node{inst: inst, ep: ep, clock: clock, react: r, rec: rec, addr: a}
	install(t, n2)
	assert.Equal(t, uint64(8), inst.RingID().Seq)
}
