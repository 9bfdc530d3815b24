// File: core/srp/timers.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Timer orchestration. All timers are one-shot and keyed; arming an
// already-armed key deletes the pending instance first. Only the
// merge-detect timer re-arms itself while the token is held.

package srp

import "github.com/momentics/totemring/reactor"

const (
	timerToken           reactor.TimerKey = "orf-token"
	timerTokenRetransmit reactor.TimerKey = "orf-token-retransmit"
	timerTokenHold       reactor.TimerKey = "orf-token-hold"
	timerMergeDetect     reactor.TimerKey = "merge-detect"
	timerGatherJoin      reactor.TimerKey = "gather-join"
	timerGatherConsensus reactor.TimerKey = "gather-consensus"
	timerDowncheck       reactor.TimerKey = "downcheck"
)

func (inst *Instance) resetTokenTimeout() {
	inst.reactor.TimerAdd(timerToken, inst.cfg.Token(), inst.tokenTimeout)
}

func (inst *Instance) cancelTokenTimeout() {
	inst.reactor.TimerDel(timerToken)
}

func (inst *Instance) resetTokenRetransmitTimeout() {
	inst.reactor.TimerAdd(timerTokenRetransmit, inst.cfg.TokenRetransmit(), inst.tokenRetransmitTimeout)
}

func (inst *Instance) cancelTokenRetransmitTimeout() {
	inst.reactor.TimerDel(timerTokenRetransmit)
}

func (inst *Instance) startTokenHoldRetransmitTimeout() {
	inst.reactor.TimerAdd(timerTokenHold, inst.cfg.TokenHold(), inst.tokenHoldRetransmitTimeout)
}

func (inst *Instance) cancelTokenHoldRetransmitTimeout() {
	inst.reactor.TimerDel(timerTokenHold)
}

func (inst *Instance) startMergeDetectTimeout() {
	if !inst.mergeDetectOutstanding {
		inst.reactor.TimerAdd(timerMergeDetect, inst.cfg.MergeDetect(), inst.mergeDetectTimeout)
		inst.mergeDetectOutstanding = true
	}
}

func (inst *Instance) cancelMergeDetectTimeout() {
	inst.reactor.TimerDel(timerMergeDetect)
	inst.mergeDetectOutstanding = false
}

func (inst *Instance) cancelAllTimers() {
	inst.cancelTokenTimeout()
	inst.cancelTokenRetransmitTimeout()
	inst.cancelTokenHoldRetransmitTimeout()
	inst.cancelMergeDetectTimeout()
	inst.reactor.TimerDel(timerGatherJoin)
	inst.reactor.TimerDel(timerGatherConsensus)
	inst.reactor.TimerDel(timerDowncheck)
}

// tokenTimeout fires when the token is lost beyond the retransmit
// budget. The reaction depends on the membership state.
func (inst *Instance) tokenTimeout() {
	inst.log.Info("token lost", "state", inst.memb.String())
	switch inst.memb {
	case stateOperational:
		inst.downCheck()
		inst.gatherEnter()
	case stateGather:
		inst.consensusTimeoutExpired()
		inst.gatherEnter()
	case stateCommit:
		inst.gatherEnter()
	case stateRecovery:
		inst.ringStateRestore()
		inst.gatherEnter()
	}
}

// tokenRetransmitTimeout resends the sealed token to the successor; no
// mcast or token has been seen for a retransmit period.
func (inst *Instance) tokenRetransmitTimeout() {
	switch inst.memb {
	case stateOperational, stateRecovery:
		inst.tokenRetransmit()
		inst.resetTokenRetransmitTimeout()
	case stateGather, stateCommit:
	}
}

// tokenHoldRetransmitTimeout resends the held token so it is fresh on
// the wire when work arrives.
func (inst *Instance) tokenHoldRetransmitTimeout() {
	switch inst.memb {
	case stateOperational, stateRecovery:
		inst.tokenRetransmit()
	case stateGather, stateCommit:
	}
}

// mergeDetectTimeout emits the idle-ring heartbeat from the
// representative. The only timer allowed to re-arm while held: it is
// restarted by the next token receipt observing an unchanged sequence.
func (inst *Instance) mergeDetectTimeout() {
	inst.mergeDetectOutstanding = false
	if inst.memb == stateOperational && inst.ringID.Rep == inst.myID {
		inst.mergeDetectTransmit()
	}
}

// gatherJoinTimeout rebroadcasts the join while gathering.
func (inst *Instance) gatherJoinTimeout() {
	switch inst.memb {
	case stateGather, stateCommit:
		inst.joinSend()
		inst.reactor.TimerAdd(timerGatherJoin, inst.cfg.GatherJoin(), inst.gatherJoinTimeout)
	case stateOperational, stateRecovery:
		// Stale timer; gather timers are cancelled on these entries.
	}
}

// gatherConsensusTimeout fires when consensus took too long.
func (inst *Instance) gatherConsensusTimeout() {
	inst.consensusTimeoutExpired()
}

// downCheck verifies the interface on token loss in OPERATIONAL and
// keeps rechecking until it comes back.
func (inst *Instance) downCheck() {
	if inst.transport.InterfaceUp() {
		return
	}
	inst.log.Info("interface down, rechecking")
	inst.reactor.TimerAdd(timerDowncheck, inst.cfg.Downcheck(), inst.downCheck)
}
