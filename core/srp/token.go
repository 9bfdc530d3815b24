// File: core/srp/token.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The ORF token machine. Possession of the token confers the exclusive
// right to originate and retransmit; sequence numbers are assigned by
// preincrementing token.seq, which is what yields total order.

package srp

import (
	"github.com/momentics/totemring/core/sortqueue"
	"github.com/momentics/totemring/protocol"
)

// handleOrfToken processes a received ORF token in reactor context.
func (inst *Instance) handleOrfToken(token *protocol.OrfToken) {
	inst.stats.OrfTokenRx++

	// Idle detection: an unchanged seq across rotations means the ring
	// has no traffic and the representative may hold the token.
	if token.Seq == inst.lastSeq {
		inst.startMergeDetectTimeout()
		inst.seqUnchanged++
	} else {
		inst.cancelMergeDetectTimeout()
		inst.cancelTokenHoldRetransmitTimeout()
		inst.seqUnchanged = 0
	}
	inst.lastSeq = token.Seq

	// Flush the kernel's multicast backlog before retransmission
	// decisions so they see the freshest aru.
	inst.transport.DrainBacklog(func(pkt []byte, from protocol.Addr) {
		inst.HandlePacket(pkt, from)
	})

	inst.tokenHeld = false
	if inst.ringID.Rep == inst.myID && inst.seqUnchanged > inst.cfg.SeqnoUnchangedConst {
		inst.tokenHeld = true
	} else if inst.ringID.Rep != inst.myID && inst.seqUnchanged >= inst.cfg.SeqnoUnchangedConst {
		inst.tokenHeld = true
	}

	forward := true
	if inst.ringID.Rep == inst.myID && inst.tokenHeld {
		forward = false
	}

	inst.callbacks.execute(inst.log, tokenCallbackReceived)

	switch inst.memb {
	case stateCommit:
		return // discard
	case stateOperational:
		inst.messagesFree(token.Aru)
	case stateGather, stateRecovery:
		// Same path as operational below; recovery frees differently.
	}

	lastAru := inst.lastAru
	inst.lastAru = token.Aru

	// Tokens from another configuration are dropped.
	if token.RingID != inst.ringID {
		return
	}

	// Retransmitted duplicates are dropped, but the timers reset so
	// loss detection stays armed.
	if inst.myTokenSeq >= int64(token.TokenSeq) {
		inst.resetTokenRetransmitTimeout()
		inst.resetTokenTimeout()
		return
	}

	// Flow control: new multicasts plus retransmits per rotation.
	transmitsAllowed := inst.cfg.MaxMessages
	inst.orfTokenRtr(token, &transmitsAllowed)

	if lastAru+uint32(inst.cfg.MissingMcastWindow) < token.Seq {
		transmitsAllowed = 0
	}
	inst.orfTokenMcast(token, transmitsAllowed)

	if inst.myAru < token.Aru ||
		inst.myID == token.AruAddr ||
		token.AruAddr.IsZero() {

		token.Aru = inst.myAru
		if token.Aru == token.Seq {
			token.AruAddr = protocol.Addr{}
		} else {
			token.AruAddr = inst.myID
		}
	}
	if token.Aru == lastAru && !token.AruAddr.IsZero() {
		inst.aruCount++
	} else {
		inst.aruCount = 0
	}

	if inst.aruCount > inst.cfg.FailToRecvConst && token.AruAddr != inst.myID {
		// Some processor has failed to receive for too many rotations.
		inst.log.Info("processor failed to receive", "addr", token.AruAddr.String())
		inst.failedList = membMerge(inst.failedList, token.AruAddr)
		inst.ringStateRestore()
		inst.gatherEnter()
		return
	}

	inst.myTokenSeq = int64(token.TokenSeq)
	token.TokenSeq++

	if inst.memb == stateRecovery {
		inst.recoveryInstallCheck(token, lastAru)
	}

	// Every packet originated this rotation must reach the kernel
	// before the successor can act on the forwarded token.
	inst.pool.Drain()

	inst.tokenSend(token, forward)

	// Deliver after the token is on the wire; keeps rotation latency low.
	if inst.memb == stateOperational {
		inst.messagesDeliverToApp(false, inst.highSeqReceived)
	}

	inst.resetTokenTimeout()
	inst.resetTokenRetransmitTimeout()
	if inst.myID == inst.ringID.Rep && inst.tokenHeld {
		inst.startTokenHoldRetransmitTimeout()
	}

	inst.callbacks.execute(inst.log, tokenCallbackSent)
}

// recoveryInstallCheck tracks retrans_flg edges across rotations and
// enters OPERATIONAL once every member has recovered all old-ring
// messages and two full quiet rotations confirm it ring-wide.
func (inst *Instance) recoveryInstallCheck(token *protocol.OrfToken, lastAru uint32) {
	lowWater := inst.myAru
	if lowWater > lastAru {
		lowWater = lastAru
	}
	if !inst.retransMessageQueue.Empty() || lowWater != inst.highSeqReceived {
		if token.RetransFlg == 0 {
			token.RetransFlg = 1
			inst.setRetransFlg = true
		}
	} else if token.RetransFlg == 1 && inst.setRetransFlg {
		token.RetransFlg = 0
	}

	if token.RetransFlg == 0 {
		inst.retransFlgCount++
	} else {
		inst.retransFlgCount = 0
	}
	if inst.retransFlgCount == 2 {
		inst.installSeq = token.Seq
	}

	if inst.retransFlgCount >= 2 && inst.myAru >= inst.installSeq && !inst.receivedFlg {
		inst.receivedFlg = true
		inst.deliverMembList = append([]protocol.Addr(nil), inst.transMembList...)
	}
	if inst.retransFlgCount >= 3 && token.Aru >= inst.installSeq {
		inst.rotationCounter++
	} else {
		inst.rotationCounter = 0
	}
	if inst.rotationCounter == 2 {
		inst.operationalEnter()
		inst.rotationCounter = 0
		inst.retransFlgCount = 0
	}
}

// orfTokenRtr services the token's retransmission request list: first
// re-multicast what this processor has, then append what it is missing.
func (inst *Instance) orfTokenRtr(token *protocol.OrfToken, fccAllowed *int) {
	sortQueue := inst.regularSortQueue
	if inst.memb == stateRecovery {
		sortQueue = inst.recoverySortQueue
	}

	remcast := 0
	for i := 0; remcast <= *fccAllowed && i < len(token.RtrList); {
		if token.RtrList[i].RingID != inst.ringID {
			i++
			continue
		}
		if inst.orfTokenRemcast(sortQueue, token.RtrList[i].Seq) {
			token.RtrList = append(token.RtrList[:i], token.RtrList[i+1:]...)
			remcast++
			inst.stats.Remcasts++
		} else {
			i++
		}
	}
	*fccAllowed = *fccAllowed - remcast - 1

	// Record what this processor is missing, bounded by the list cap.
	for seq := inst.myAru + 1; len(token.RtrList) < protocol.RetransmitEntriesMax &&
		seq <= inst.highSeqReceived; seq++ {

		if sortQueue.InUse(seq) {
			continue
		}
		listed := false
		for j := range token.RtrList {
			if token.RtrList[j].Seq == seq {
				listed = true
				break
			}
		}
		if !listed {
			token.RtrList = append(token.RtrList, protocol.RtrItem{RingID: inst.ringID, Seq: seq})
		}
	}
}

// orfTokenRemcast re-multicasts one stored message on the reactor
// thread; reports whether the sequence was present.
func (inst *Instance) orfTokenRemcast(sortQueue *sortqueue.Queue, seq uint32) bool {
	item, ok := sortQueue.Get(seq)
	if !ok {
		return false
	}
	pkt := inst.framer.Seal(item.Iovs...)
	if err := inst.transport.Mcast(pkt); err != nil {
		inst.log.Info("remcast send failed", "seq", seq, "err", err)
	}
	inst.stats.BytesSent += uint64(len(pkt))
	return true
}

// orfTokenMcast drains pending originations under the flow-control
// budget, assigning each the next total-order sequence.
func (inst *Instance) orfTokenMcast(token *protocol.OrfToken, allowed int) {
	queue := inst.newMessageQueue
	sortQueue := inst.regularSortQueue
	if inst.memb == stateRecovery {
		queue = inst.retransMessageQueue
		sortQueue = inst.recoverySortQueue
		inst.resetTokenRetransmitTimeout()
	}

	for sent := 0; sent < allowed; sent++ {
		item, ok := queue.Peek()
		if !ok {
			break
		}
		// Writes queued during a membership change stay queued until
		// the new ring installs.
		if inst.oldRingStateSaved && (inst.memb == stateGather || inst.memb == stateCommit) {
			return
		}

		token.Seq++
		item.header.Seq = token.Seq
		item.header.ThisSeqno = inst.globalSeqno
		inst.globalSeqno++
		item.header.RingID = inst.ringID

		iovs := make([][]byte, 0, len(item.iovs)+1)
		iovs = append(iovs, protocol.EncodeMcastHeader(&item.header))
		iovs = append(iovs, item.iovs...)
		stored := sortQueue.Add(token.Seq, sortqueue.Item{Iovs: iovs})

		inst.pool.Submit(workItem{item: stored, inst: inst})
		queue.Remove()
	}

	inst.highSeqReceived = token.Seq
	inst.updateAru()
}

// updateAru folds contiguous received sequences above my_aru.
func (inst *Instance) updateAru() {
	sortQueue := inst.regularSortQueue
	if inst.memb == stateRecovery {
		sortQueue = inst.recoverySortQueue
	}
	for seq := inst.myAru + 1; seq <= inst.highSeqReceived; seq++ {
		if !sortQueue.InUse(seq) {
			break
		}
		inst.myAru = seq
	}
	inst.receivedFlg = inst.myAru == inst.highSeqReceived
}

// messagesFree releases delivered messages the whole ring has received.
func (inst *Instance) messagesFree(tokenAru uint32) {
	releaseTo := tokenAru
	if releaseTo > inst.lastAru {
		releaseTo = inst.lastAru
	}
	if releaseTo > inst.highDelivered {
		releaseTo = inst.highDelivered
	}
	if releaseTo < inst.lastReleased {
		return
	}
	inst.regularSortQueue.ReleaseTo(inst.lastReleased, releaseTo)
	inst.lastReleased = releaseTo + 1
}

// tokenSend seals the token, keeps the sealed copy for the retransmit
// timer, and forwards it to the successor unless held.
func (inst *Instance) tokenSend(token *protocol.OrfToken, forward bool) {
	token.Header = protocol.Header{Type: protocol.MsgOrfToken, EndianDetector: protocol.EndianLocal}
	pkt := inst.framer.Seal(protocol.EncodeOrfToken(token))
	inst.tokenRetransmitPkt = append(inst.tokenRetransmitPkt[:0], pkt...)
	if !forward {
		return
	}
	if err := inst.transport.Unicast(inst.nextMember(), pkt); err != nil {
		inst.log.Info("token send failed", "to", inst.nextMember().String(), "err", err)
	}
	inst.stats.BytesSent += uint64(len(pkt))
}

// tokenRetransmit resends the stored sealed token.
func (inst *Instance) tokenRetransmit() {
	if len(inst.tokenRetransmitPkt) == 0 {
		return
	}
	if err := inst.transport.Unicast(inst.nextMember(), inst.tokenRetransmitPkt); err != nil {
		inst.log.Info("token retransmit failed", "err", err)
	}
}

// orfTokenSendInitial starts the first rotation on a recovering ring;
// only the representative calls this.
func (inst *Instance) orfTokenSendInitial() {
	token := &protocol.OrfToken{
		Header: protocol.Header{
			Type:           protocol.MsgOrfToken,
			EndianDetector: protocol.EndianLocal,
		},
		Seq:        0,
		TokenSeq:   0,
		Aru:        0,
		AruAddr:    inst.myID,
		RingID:     inst.ringID,
		RetransFlg: 1,
	}
	inst.setRetransFlg = true
	inst.tokenSend(token, true)
}

// tokenHoldCancelSend multicasts a hold cancel when this processor has
// new work and currently holds the token.
func (inst *Instance) tokenHoldCancelSend() {
	if !inst.tokenHeld {
		return
	}
	inst.tokenHeld = false

	c := protocol.TokenHoldCancel{
		Header: protocol.Header{
			Type:           protocol.MsgTokenHoldCancel,
			EndianDetector: protocol.EndianLocal,
		},
		RingID: inst.ringID,
	}
	pkt := inst.framer.Seal(protocol.EncodeTokenHoldCancel(&c))
	if err := inst.transport.Mcast(pkt); err != nil {
		inst.log.Info("hold cancel send failed", "err", err)
	}
}

// handleTokenHoldCancel clears the idle count ring-wide; the
// representative additionally kicks the rotation by resending the token.
func (inst *Instance) handleTokenHoldCancel(c *protocol.TokenHoldCancel) {
	if c.RingID != inst.ringID {
		return
	}
	inst.seqUnchanged = 0
	if inst.ringID.Rep == inst.myID {
		inst.tokenRetransmitTimeout()
	}
}
