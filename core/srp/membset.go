// File: core/srp/membset.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Member set arithmetic and the consensus bookkeeping used while
// gathering a membership. Sets are small identity slices; operations
// preserve insertion order the way the membership algorithm expects.

package srp

import "github.com/momentics/totemring/protocol"

func membContains(set []protocol.Addr, a protocol.Addr) bool {
	for _, m := range set {
		if m == a {
			return true
		}
	}
	return false
}

// membMerge adds every member of add not already present to set.
func membMerge(set []protocol.Addr, add ...protocol.Addr) []protocol.Addr {
	for _, a := range add {
		if !membContains(set, a) {
			set = append(set, a)
		}
	}
	return set
}

// membSubtract returns a \ b.
func membSubtract(a, b []protocol.Addr) []protocol.Addr {
	out := make([]protocol.Addr, 0, len(a))
	for _, m := range a {
		if !membContains(b, m) {
			out = append(out, m)
		}
	}
	return out
}

// membAnd returns a ∩ b.
func membAnd(a, b []protocol.Addr) []protocol.Addr {
	out := make([]protocol.Addr, 0, len(a))
	for _, m := range a {
		if membContains(b, m) {
			out = append(out, m)
		}
	}
	return out
}

// membSubset reports a ⊆ b.
func membSubset(a, b []protocol.Addr) bool {
	for _, m := range a {
		if !membContains(b, m) {
			return false
		}
	}
	return true
}

// membEqual reports set equality regardless of order.
func membEqual(a, b []protocol.Addr) bool {
	return len(a) == len(b) && membSubset(a, b) && membSubset(b, a)
}

// consensusReset clears all consent marks.
func (inst *Instance) consensusReset() {
	inst.consensus = make(map[protocol.Addr]bool)
}

// consensusSet marks addr as agreeing with our membership view.
func (inst *Instance) consensusSet(addr protocol.Addr) {
	inst.consensus[addr] = true
}

// consensusAgreed reports whether every operational processor in our
// view has consented.
func (inst *Instance) consensusAgreed() bool {
	for _, m := range membSubtract(inst.procList, inst.failedList) {
		if !inst.consensus[m] {
			return false
		}
	}
	return true
}

// consensusMissing returns the processors that have not consented.
func (inst *Instance) consensusMissing() []protocol.Addr {
	var out []protocol.Addr
	for _, m := range inst.procList {
		if !inst.consensus[m] {
			out = append(out, m)
		}
	}
	return out
}

// lowestInConfig reports whether this processor is the lowest identity
// among proc_list \ failed_list, making it the proposed representative.
func (inst *Instance) lowestInConfig() bool {
	candidates := membSubtract(inst.procList, inst.failedList)
	if len(candidates) == 0 {
		return false
	}
	lowest := candidates[0]
	for _, m := range candidates[1:] {
		if m.Less(lowest) {
			lowest = m
		}
	}
	return lowest == inst.myID
}

// nextMember returns the identity-ordered successor of this processor
// in the ring the token currently circulates: the new membership in
// COMMIT and RECOVERY, the installed membership otherwise. Wraps at the
// end.
func (inst *Instance) nextMember() protocol.Addr {
	list := inst.membList
	if inst.memb == stateRecovery || inst.memb == stateCommit {
		list = inst.newMembList
	}
	members := append([]protocol.Addr(nil), list...)
	protocol.SortAddrs(members)
	for i, m := range members {
		if m == inst.myID {
			return members[(i+1)%len(members)]
		}
	}
	return inst.myID
}
