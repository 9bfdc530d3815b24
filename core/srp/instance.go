// File: core/srp/instance.go
// Package srp implements the Totem single-ring protocol: token-mediated
// total ordering, dynamic membership and recovery across ring changes.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package srp

import (
	"os"

	"github.com/charmbracelet/log"

	"github.com/momentics/totemring/api"
	"github.com/momentics/totemring/control"
	"github.com/momentics/totemring/core/msgqueue"
	"github.com/momentics/totemring/core/ringid"
	"github.com/momentics/totemring/core/sortqueue"
	"github.com/momentics/totemring/internal/concurrency"
	"github.com/momentics/totemring/protocol"
	"github.com/momentics/totemring/reactor"
)

type state int

const (
	stateOperational state = iota + 1
	stateGather
	stateCommit
	stateRecovery
)

func (s state) String() string {
	switch s {
	case stateOperational:
		return "operational"
	case stateGather:
		return "gather"
	case stateCommit:
		return "commit"
	case stateRecovery:
		return "recovery"
	}
	return "unknown"
}

// messageItem is a pending origination: the mcast header to be stamped
// with a sequence number once the token arrives, plus the payload
// iovecs this queue entry owns.
type messageItem struct {
	header protocol.Mcast
	iovs   [][]byte
}

// workItem hands one sort-queue-resident message to the seal/send pool.
type workItem struct {
	item *sortqueue.Item
	inst *Instance
}

// sealWorker is the per-worker private state: an independent framer
// (scratch buffer plus salt PRNG) and nothing else.
type sealWorker struct {
	framer *protocol.Framer
}

// Instance is one processor's protocol endpoint. All state is owned by
// the reactor loop; only the seal/send pool runs elsewhere, and it
// touches nothing here.
type Instance struct {
	log       *log.Logger
	cfg       *control.Config
	reactor   *reactor.Reactor
	transport api.Transport
	framer    *protocol.Framer
	pool      *concurrency.Pool[*sealWorker, workItem]

	myID      protocol.Addr
	deliverFn api.DeliverFn
	confchgFn api.ConfChgFn

	memb state

	procList        []protocol.Addr
	failedList      []protocol.Addr
	newMembList     []protocol.Addr
	transMembList   []protocol.Addr
	membList        []protocol.Addr
	deliverMembList []protocol.Addr
	consensus       map[protocol.Addr]bool

	ringID         protocol.RingID
	oldRingID      protocol.RingID
	tokenRingIDSeq uint64

	newMessageQueue     *msgqueue.FIFO[*messageItem]
	retransMessageQueue *msgqueue.FIFO[*messageItem]
	regularSortQueue    *sortqueue.Queue
	recoverySortQueue   *sortqueue.Queue

	myAru           uint32
	highDelivered   uint32
	highSeqReceived uint32
	lastReleased    uint32
	lastAru         uint32
	aruCount        int

	myTokenSeq   int64
	lastSeq      uint32
	seqUnchanged int
	tokenHeld    bool

	receivedFlg       bool
	installSeq        uint32
	rotationCounter   int
	retransFlgCount   int
	setRetransFlg     bool
	highRingDelivered uint32
	globalSeqno       uint32

	oldRingStateSaved bool
	oldRingAru        uint32
	oldRingHighSeq    uint32
	ringSaved         bool

	mergeDetectOutstanding bool

	// Sealed copy of the last token sent, resent on retransmit timeout.
	tokenRetransmitPkt []byte

	callbacks tokenCallbacks

	stats       api.Stats
	initialized bool
}

// Initialize builds an instance bound to the reactor and transport and
// arms the gather that forms the first ring. The deliver and confchg
// callbacks run in reactor context.
func Initialize(
	r *reactor.Reactor,
	cfg *control.Config,
	tr api.Transport,
	onDeliver api.DeliverFn,
	onConfChg api.ConfChgFn,
) (*Instance, error) {
	cfg.Normalize()

	myID, err := protocol.ParseAddr(cfg.BindAddr)
	if err != nil {
		return nil, err
	}

	framer, err := protocol.NewFramer(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}

	inst := &Instance{
		log:                 log.NewWithOptions(os.Stderr, log.Options{Prefix: "totemring"}).With("id", myID.String()),
		cfg:                 cfg,
		reactor:             r,
		transport:           tr,
		framer:              framer,
		myID:                myID,
		deliverFn:           onDeliver,
		confchgFn:           onConfChg,
		memb:                stateOperational,
		consensus:           make(map[protocol.Addr]bool),
		newMessageQueue:     msgqueue.New[*messageItem](cfg.QueueSize),
		retransMessageQueue: msgqueue.New[*messageItem](cfg.QueueSize),
		regularSortQueue:    sortqueue.New(),
		recoverySortQueue:   sortqueue.New(),
		myTokenSeq:          -1,
		receivedFlg:         true,
	}

	seq, err := ringid.Load(cfg.RingIDDir, myID)
	if err != nil {
		return nil, err
	}
	inst.ringID = protocol.RingID{Rep: myID, Seq: seq}
	inst.tokenRingIDSeq = seq

	pool := protocol.NewFramerPool(cfg.PrivateKey)
	inst.pool = concurrency.NewPool(cfg.Workers,
		func() *sealWorker {
			f, err := pool.Get()
			if err != nil {
				inst.log.Error("seal worker framer", "err", err)
			}
			return &sealWorker{framer: f}
		},
		sealAndSend,
	)

	inst.initialized = true

	r.Dispatch(func() { inst.gatherEnter() })
	return inst, nil
}

// sealAndSend runs on a pool worker: encrypt, sign and emit one
// sort-queue-resident message. Send errors are absorbed; the
// retransmission machinery recovers any loss.
func sealAndSend(w *sealWorker, wi workItem) {
	pkt := w.framer.Seal(wi.item.Iovs...)
	if err := wi.inst.transport.Mcast(pkt); err != nil {
		wi.inst.log.Info("mcast send failed", "err", err)
	}
}

// Mcast queues one application payload for totally-ordered delivery.
// The iovecs are copied; the queue owns the copies until the token
// handler moves them into the sort queue.
func (inst *Instance) Mcast(iovs [][]byte, guarantee uint32) error {
	if !inst.initialized {
		return api.ErrNotInitialized
	}
	item := &messageItem{
		header: protocol.Mcast{
			Header: protocol.Header{
				Type:           protocol.MsgMcast,
				Encapsulated:   2,
				EndianDetector: protocol.EndianLocal,
			},
			Source:    inst.myID,
			Guarantee: guarantee,
		},
		iovs: make([][]byte, 0, len(iovs)),
	}
	for _, iov := range iovs {
		item.iovs = append(item.iovs, append([]byte(nil), iov...))
	}
	if !inst.newMessageQueue.Add(item) {
		return api.ErrQueueFull
	}
	return nil
}

// Avail reports remaining slots in the origin queue.
func (inst *Instance) Avail() int {
	if !inst.initialized {
		return 0
	}
	return inst.newMessageQueue.Avail()
}

// Signal asks the ring to resume rotation when this processor holds the
// token; a no-op otherwise.
func (inst *Instance) Signal() error {
	if !inst.initialized {
		return api.ErrNotInitialized
	}
	inst.tokenHoldCancelSend()
	return nil
}

// Stats snapshots the instance counters.
func (inst *Instance) Stats() api.Stats { return inst.stats }

// RingID returns the identifier of the current ring.
func (inst *Instance) RingID() protocol.RingID { return inst.ringID }

// Finalize shuts the seal/send pool down and releases state. Pending
// work items are dropped.
func (inst *Instance) Finalize() {
	if !inst.initialized {
		return
	}
	inst.initialized = false
	inst.pool.Close()
	inst.cancelAllTimers()
	inst.regularSortQueue.Reset()
	inst.recoverySortQueue.Reset()
	inst.newMessageQueue.Reset()
	inst.retransMessageQueue.Reset()
}
