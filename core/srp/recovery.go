// File: core/srp/recovery.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// RECOVERY re-originates old-ring messages under the new ring so every
// surviving member can close its gaps, then OPERATIONAL installs the
// membership: transitional configuration, filtered old-ring delivery,
// regular configuration.

package srp

import (
	"github.com/momentics/totemring/api"
	"github.com/momentics/totemring/core/sortqueue"
	"github.com/momentics/totemring/protocol"
)

// recoveryEnter installs the new membership lists, computes the shared
// recovery range and queues the re-originations.
func (inst *Instance) recoveryEnter(ct *protocol.MembCommitToken) {
	inst.highRingDelivered = 0
	inst.recoverySortQueue.Reset()
	inst.retransMessageQueue.Reset()

	lowRingAru := inst.oldRingHighSeq

	inst.commitTokenSend(ct)

	inst.myTokenSeq = -1

	inst.newMembList = append([]protocol.Addr(nil), ct.Addrs...)
	inst.transMembList = membAnd(inst.newMembList, inst.membList)

	for i := range ct.Addrs {
		inst.log.Info("commit token position",
			"index", i, "member", ct.Addrs[i].String(),
			"prev_ring", ct.MembList[i].RingID.String(),
			"aru", ct.MembList[i].Aru,
			"high_delivered", ct.MembList[i].HighDelivered,
			"received_flg", ct.MembList[i].ReceivedFlg)
	}

	inst.deliverMembList = append([]protocol.Addr(nil), inst.transMembList...)

	// The shared recovery range spans what the transitional members
	// still hold of the old ring.
	for i := range ct.Addrs {
		if !membContains(inst.deliverMembList, ct.Addrs[i]) {
			continue
		}
		if ct.MembList[i].RingID != inst.oldRingID {
			continue
		}
		if lowRingAru == 0 || lowRingAru > ct.MembList[i].Aru {
			lowRingAru = ct.MembList[i].Aru
		}
		if inst.highRingDelivered < ct.MembList[i].HighDelivered {
			inst.highRingDelivered = ct.MembList[i].HighDelivered
		}
	}

	originated := 0
	for seq := lowRingAru + 1; seq <= inst.oldRingHighSeq; seq++ {
		item, ok := inst.regularSortQueue.Get(seq)
		if !ok {
			continue
		}
		hdr, err := protocol.DecodeMcastHeader(item.Iovs[0])
		if err != nil {
			continue
		}
		hdr.RingID = inst.ringID
		hdr.Header.Encapsulated = 1
		// The retransmit queue owns the cloned header; payload iovecs
		// are shared with the sort queue entry until the handoff.
		inst.retransMessageQueue.Add(&messageItem{header: hdr, iovs: item.Iovs})
		originated++
	}
	inst.log.Info("re-originating old ring messages",
		"from", lowRingAru+1, "to", inst.oldRingHighSeq, "count", originated)

	inst.myAru = 0
	inst.aruCount = 0
	inst.seqUnchanged = 0
	inst.highSeqReceived = 0
	inst.installSeq = 0

	inst.log.Info("entering RECOVERY state")
	inst.resetTokenTimeout()
	inst.resetTokenRetransmitTimeout()
	inst.memb = stateRecovery
}

// operationalEnter finishes the install: old-ring messages move from
// the recovery queue into the regular queue, configurations are
// delivered transitional-then-regular, and counters reset for the new
// sequence space.
func (inst *Instance) operationalEnter() {
	inst.oldRingStateReset()
	inst.ringReset()
	inst.recoveryToRegular()

	aruSave := inst.myAru
	inst.myAru = inst.oldRingAru

	inst.messagesDeliverToApp(false, inst.oldRingHighSeq)

	left := membSubtract(inst.membList, inst.transMembList)
	joined := membSubtract(inst.newMembList, inst.transMembList)

	inst.confchgFn(api.ConfigurationTransitional, inst.transMembList, left, nil, inst.ringID)

	// Remaining old-ring messages deliver with gaps skipped, filtered
	// to sources in the transitional membership.
	inst.messagesDeliverToApp(true, inst.oldRingHighSeq)
	inst.myAru = aruSave

	inst.confchgFn(api.ConfigurationRegular, inst.newMembList, nil, joined, inst.ringID)

	inst.membList = append([]protocol.Addr(nil), inst.newMembList...)
	inst.lastReleased = 0
	inst.setRetransFlg = false

	// The recovery sort queue becomes the regular sort queue.
	inst.regularSortQueue.CopyFrom(inst.recoverySortQueue)
	inst.lastAru = 0

	inst.procList = append([]protocol.Addr(nil), inst.newMembList...)
	inst.failedList = nil
	inst.highDelivered = inst.myAru

	inst.log.Info("entering OPERATIONAL state", "ring", inst.ringID.String())
	inst.memb = stateOperational
}

// recoveryToRegular unwraps recovered messages back into the regular
// sort queue under their old-ring sequence numbers.
func (inst *Instance) recoveryToRegular() {
	inst.log.Debug("recovery to regular", "from", 1, "to", inst.myAru)

	for seq := uint32(1); seq <= inst.myAru; seq++ {
		item, ok := inst.recoverySortQueue.Get(seq)
		if !ok {
			continue
		}

		var inner sortqueue.Item
		if len(item.Iovs) > 1 {
			inner.Iovs = item.Iovs[1:]
		} else {
			outer, err := protocol.DecodeMcastHeader(item.Iovs[0])
			if err != nil {
				continue
			}
			if outer.Header.Encapsulated == 1 {
				inner.Iovs = [][]byte{item.Iovs[0][protocol.McastSize:]}
			} else {
				// Undefined by the protocol; observed never to occur.
				inst.log.Debug("recovery message not encapsulated, dropping", "seq", seq)
				continue
			}
		}

		mcast, err := protocol.DecodeMcastHeader(inner.Iovs[0])
		if err != nil {
			continue
		}
		// Only messages originated under the previous ring replay.
		if mcast.RingID != inst.oldRingID {
			inst.log.Debug("not transferring foreign ring message", "seq", mcast.Seq)
			continue
		}
		if !inst.regularSortQueue.InUse(mcast.Seq) {
			inst.regularSortQueue.Add(mcast.Seq, inner)
			if mcast.Seq > inst.oldRingHighSeq {
				inst.oldRingHighSeq = mcast.Seq
			}
		}
	}
}
