// File: core/srp/dispatch.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Datagram entry point: authenticate, decrypt, demultiplex by message
// type. Packets that fail authentication are dropped here with a
// security log line; the endian swap path is chosen per packet by the
// decoder from the detector constant.

package srp

import (
	"github.com/momentics/totemring/protocol"
)

// HandlePacket processes one received datagram in reactor context. from
// is the datagram's source address as reported by the transport.
func (inst *Instance) HandlePacket(pkt []byte, from protocol.Addr) {
	inst.stats.BytesRecv += uint64(len(pkt))

	body, err := inst.framer.Open(pkt)
	if err != nil {
		inst.stats.AuthFailures++
		inst.log.Warn("dropping unauthenticated packet",
			"subsys", "security", "from", from.String(), "len", len(pkt), "err", err)
		return
	}
	inst.handlePlaintext(body, from)
}

// handlePlaintext routes one decrypted message. HandlePacket calls it
// once Open has authenticated and decrypted the datagram.
func (inst *Instance) handlePlaintext(body []byte, from protocol.Addr) {
	t, err := protocol.PeekType(body)
	if err != nil {
		inst.log.Warn("dropping truncated packet", "subsys", "security", "from", from.String())
		return
	}

	switch t {
	case protocol.MsgOrfToken:
		tok, err := protocol.DecodeOrfToken(body)
		if err == nil {
			inst.handleOrfToken(&tok)
		}
	case protocol.MsgMcast:
		inst.handleMcast(body, from)
	case protocol.MsgMergeDetect:
		md, err := protocol.DecodeMergeDetect(body)
		if err == nil {
			inst.handleMergeDetect(&md, from)
		}
	case protocol.MsgJoin:
		j, err := protocol.DecodeMembJoin(body)
		if err == nil {
			inst.handleJoin(&j, from)
		}
	case protocol.MsgCommitToken:
		ct, err := protocol.DecodeCommitToken(body)
		if err == nil {
			inst.handleCommitToken(&ct)
		}
	case protocol.MsgTokenHoldCancel:
		c, err := protocol.DecodeTokenHoldCancel(body)
		if err == nil {
			inst.handleTokenHoldCancel(&c)
		}
	default:
		inst.log.Warn("unknown message type", "subsys", "security", "type", int(t), "from", from.String())
	}
}
