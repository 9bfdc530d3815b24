// File: core/srp/membership.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The membership state machine: GATHER collects a consistent view via
// join messages, the lowest identity forms a commit token, COMMIT
// circulates it collecting old-ring state, and RECOVERY re-originates
// in-flight messages under the new ring before OPERATIONAL installs it.

package srp

import (
	"github.com/momentics/totemring/core/ringid"
	"github.com/momentics/totemring/protocol"
)

// oldRingStateSave snapshots the delivery cursor before leaving the
// current ring, so a failed recovery can fall back to it.
func (inst *Instance) oldRingStateSave() {
	if !inst.oldRingStateSaved {
		inst.oldRingStateSaved = true
		inst.oldRingAru = inst.myAru
		inst.oldRingHighSeq = inst.highSeqReceived
		inst.log.Debug("saving ring state", "aru", inst.myAru, "high_seq", inst.highSeqReceived)
	}
}

func (inst *Instance) oldRingStateReset() {
	inst.oldRingStateSaved = false
}

// ringSave remembers the outgoing ring id once per change.
func (inst *Instance) ringSave() {
	if !inst.ringSaved {
		inst.ringSaved = true
		inst.oldRingID = inst.ringID
	}
}

func (inst *Instance) ringReset() {
	inst.ringSaved = false
}

// ringStateRestore rolls the delivery cursor back to the saved old-ring
// state after a failed recovery.
func (inst *Instance) ringStateRestore() {
	if inst.oldRingStateSaved {
		inst.ringID.Rep = protocol.Addr{}
		inst.myAru = inst.oldRingAru
		inst.highSeqReceived = inst.oldRingHighSeq
		inst.log.Debug("restoring ring state", "aru", inst.myAru, "high_seq", inst.highSeqReceived)
	}
}

// gatherEnter broadcasts our view and waits for consensus.
func (inst *Instance) gatherEnter() {
	inst.procList = membMerge(inst.procList, inst.myID)

	inst.joinSend()

	inst.reactor.TimerAdd(timerGatherJoin, inst.cfg.GatherJoin(), inst.gatherJoinTimeout)
	inst.reactor.TimerAdd(timerGatherConsensus, inst.cfg.GatherConsensus(), inst.gatherConsensusTimeout)

	inst.cancelTokenRetransmitTimeout()
	inst.cancelTokenTimeout()
	inst.cancelMergeDetectTimeout()

	inst.consensusReset()
	inst.consensusSet(inst.myID)

	inst.log.Info("entering GATHER state")
	inst.memb = stateGather
}

// commitEnter circulates the commit token we received (or created) and
// persists the agreed ring sequence.
func (inst *Instance) commitEnter(commitToken *protocol.MembCommitToken) {
	inst.ringSave()
	inst.oldRingStateSave()

	inst.commitTokenUpdate(commitToken)
	inst.commitTokenSend(commitToken)
	inst.ringIDStore(commitToken.RingID)

	inst.reactor.TimerDel(timerGatherJoin)
	inst.reactor.TimerDel(timerGatherConsensus)

	inst.resetTokenTimeout()
	inst.resetTokenRetransmitTimeout()

	inst.log.Info("entering COMMIT state", "ring", commitToken.RingID.String())
	inst.memb = stateCommit
}

// consensusTimeoutExpired either keeps waiting (consensus already held)
// or fails every silent processor and regathers.
func (inst *Instance) consensusTimeoutExpired() {
	if inst.consensusAgreed() {
		inst.consensusReset()
		inst.consensusSet(inst.myID)
		inst.resetTokenTimeout()
		return
	}
	inst.failedList = membMerge(inst.failedList, inst.consensusMissing()...)
	inst.gatherEnter()
}

// joinSend multicasts this processor's membership view.
func (inst *Instance) joinSend() {
	j := protocol.MembJoin{
		Header: protocol.Header{
			Type:           protocol.MsgJoin,
			EndianDetector: protocol.EndianLocal,
		},
		ProcList:   inst.procList,
		FailedList: inst.failedList,
		RingSeq:    inst.ringID.Seq,
	}
	pkt := inst.framer.Seal(protocol.EncodeMembJoin(&j))
	if err := inst.transport.Mcast(pkt); err != nil {
		inst.log.Info("join send failed", "err", err)
	}
	inst.stats.BytesSent += uint64(len(pkt))
}

// handleJoin processes a received join message per the state-specific
// rules of the membership algorithm.
func (inst *Instance) handleJoin(j *protocol.MembJoin, from protocol.Addr) {
	if inst.tokenRingIDSeq < j.RingSeq {
		inst.tokenRingIDSeq = j.RingSeq
	}
	switch inst.memb {
	case stateOperational:
		if !inst.joinProcess(j, from) {
			inst.gatherEnter()
		}
	case stateGather:
		inst.joinProcess(j, from)
	case stateCommit:
		if membContains(inst.newMembList, from) && j.RingSeq >= inst.ringID.Seq {
			inst.joinProcess(j, from)
			inst.gatherEnter()
		}
	case stateRecovery:
		if membContains(inst.newMembList, from) && j.RingSeq >= inst.ringID.Seq {
			inst.ringStateRestore()
			inst.joinProcess(j, from)
			inst.gatherEnter()
		}
	}
}

// joinProcess applies one join to our view; reports whether it entered
// GATHER itself.
func (inst *Instance) joinProcess(j *protocol.MembJoin, from protocol.Addr) bool {
	switch {
	case membEqual(j.ProcList, inst.procList) && membEqual(j.FailedList, inst.failedList):
		inst.consensusSet(from)
		if inst.consensusAgreed() && inst.lowestInConfig() {
			commitToken := inst.commitTokenCreate()
			inst.commitEnter(commitToken)
		}
		return false

	case membSubset(j.ProcList, inst.procList) && membSubset(j.FailedList, inst.failedList):
		return false

	case membContains(inst.failedList, from):
		return false

	default:
		inst.procList = membMerge(inst.procList, j.ProcList...)
		if membContains(j.FailedList, inst.myID) {
			// A processor that thinks we failed cannot be agreed with;
			// fail it rather than adopting its claim about us.
			inst.failedList = membMerge(inst.failedList, from)
		} else {
			inst.failedList = membMerge(inst.failedList, j.FailedList...)
		}
		inst.gatherEnter()
		return true
	}
}

// handleMergeDetect reacts to another ring's heartbeat: a foreign
// processor sighting.
func (inst *Instance) handleMergeDetect(md *protocol.MembMergeDetect, from protocol.Addr) {
	if md.RingID == inst.ringID {
		return
	}
	inst.foreignSighting(from)
}

// foreignSighting merges a processor from another ring into the gather
// view; rings in COMMIT or RECOVERY finish their install first.
func (inst *Instance) foreignSighting(from protocol.Addr) {
	switch inst.memb {
	case stateOperational:
		inst.procList = membMerge(inst.procList, from)
		inst.gatherEnter()
	case stateGather:
		if !membContains(inst.procList, from) {
			inst.procList = membMerge(inst.procList, from)
			inst.gatherEnter()
		}
	case stateCommit, stateRecovery:
		// Discard; the merge heartbeat repeats.
	}
}

// mergeDetectTransmit announces this ring while it is idle.
func (inst *Instance) mergeDetectTransmit() {
	md := protocol.MembMergeDetect{
		Header: protocol.Header{
			Type:           protocol.MsgMergeDetect,
			EndianDetector: protocol.EndianLocal,
		},
		RingID: inst.ringID,
	}
	pkt := inst.framer.Seal(protocol.EncodeMergeDetect(&md))
	if err := inst.transport.Mcast(pkt); err != nil {
		inst.log.Info("merge detect send failed", "err", err)
	}
	inst.stats.BytesSent += uint64(len(pkt))
}

// commitTokenCreate builds a fresh commit token for the membership this
// representative gathered.
func (inst *Instance) commitTokenCreate() *protocol.MembCommitToken {
	members := membSubtract(inst.procList, inst.failedList)
	protocol.SortAddrs(members)

	inst.log.Info("creating commit token as representative", "members", len(members))

	ct := &protocol.MembCommitToken{
		Header: protocol.Header{
			Type:           protocol.MsgCommitToken,
			EndianDetector: protocol.EndianLocal,
		},
		RingID:    protocol.RingID{Rep: inst.myID, Seq: inst.tokenRingIDSeq + 4},
		MembIndex: uint32(len(members) - 1),
		Addrs:     members,
		MembList:  make([]protocol.CommitTokenMembEntry, len(members)),
	}
	return ct
}

// commitTokenUpdate writes this processor's old-ring state into its
// slot on the commit token.
func (inst *Instance) commitTokenUpdate(ct *protocol.MembCommitToken) {
	this := (int(ct.MembIndex) + 1) % len(ct.Addrs)
	entry := &ct.MembList[this]
	entry.RingID = inst.oldRingID
	entry.Aru = inst.oldRingAru
	entry.HighDelivered = inst.highDelivered
	if inst.receivedFlg {
		entry.ReceivedFlg = 1
	} else {
		entry.ReceivedFlg = 0
	}
}

// commitTokenSend advances the traversal index and forwards the commit
// token to the next proposed member.
func (inst *Instance) commitTokenSend(ct *protocol.MembCommitToken) {
	ct.TokenSeq++
	this := (int(ct.MembIndex) + 1) % len(ct.Addrs)
	next := (this + 1) % len(ct.Addrs)
	ct.MembIndex = uint32(this)

	pkt := inst.framer.Seal(protocol.EncodeCommitToken(ct))
	if err := inst.transport.Unicast(ct.Addrs[next], pkt); err != nil {
		inst.log.Info("commit token send failed", "to", ct.Addrs[next].String(), "err", err)
	}
	inst.stats.BytesSent += uint64(len(pkt))
}

// handleCommitToken drives GATHER→COMMIT→RECOVERY and, back at the
// representative in RECOVERY, starts the first rotation.
func (inst *Instance) handleCommitToken(ct *protocol.MembCommitToken) {
	switch inst.memb {
	case stateOperational:
		// discard

	case stateGather:
		expected := membSubtract(inst.procList, inst.failedList)
		if membEqual(ct.Addrs, expected) && ct.RingID.Seq > inst.ringID.Seq {
			inst.commitEnter(ct)
		}

	case stateCommit:
		if ct.RingID == inst.ringID {
			inst.recoveryEnter(ct)
		}

	case stateRecovery:
		if inst.myID == inst.ringID.Rep {
			inst.log.Info("sending initial ORF token")
			inst.orfTokenSendInitial()
			inst.resetTokenTimeout()
			inst.resetTokenRetransmitTimeout()
		}
	}
}

// ringIDStore persists the agreed sequence and installs the new ring id.
func (inst *Instance) ringIDStore(id protocol.RingID) {
	if err := ringid.Store(inst.cfg.RingIDDir, inst.myID, id.Seq); err != nil {
		// Fatal by contract: monotonicity across restart is lost.
		inst.log.Error("cannot persist ring sequence", "err", err)
	}
	inst.log.Info("storing new ring sequence", "ring", id.String())
	inst.ringID = id
	inst.tokenRingIDSeq = id.Seq
}
