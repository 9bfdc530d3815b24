// File: core/srp/deliver.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Multicast receive and totally-ordered delivery. Delivery walks the
// regular sort queue behind the contiguity cursor; the skip path is
// used only for transitional delivery at a ring change, where gaps are
// jumped and sources outside the delivery membership are filtered.

package srp

import (
	"github.com/momentics/totemring/core/sortqueue"
	"github.com/momentics/totemring/protocol"
)

// handleMcast processes a received ring multicast in reactor context.
func (inst *Instance) handleMcast(body []byte, from protocol.Addr) {
	hdr, err := protocol.DecodeMcastHeader(body)
	if err != nil {
		return
	}

	sortQueue := inst.regularSortQueue
	if hdr.Header.Encapsulated == 1 {
		sortQueue = inst.recoverySortQueue
	}

	// Ring traffic from a peer proves the token is moving.
	if from != inst.myID {
		inst.cancelTokenRetransmitTimeout()
	}

	// A multicast from another ring is a foreign processor sighting.
	if hdr.RingID != inst.ringID {
		inst.foreignSighting(from)
		return
	}

	inst.log.Debug("received multicast", "ring", hdr.RingID.String(), "seq", hdr.Seq)

	if len(body) > 0 && len(body) < protocol.PacketSizeMax &&
		inst.myAru < hdr.Seq && !sortQueue.InUse(hdr.Seq) {

		buf := append([]byte(nil), body...)
		sortQueue.Add(hdr.Seq, sortqueue.Item{Iovs: [][]byte{buf}})
		if hdr.Seq > inst.highSeqReceived {
			inst.highSeqReceived = hdr.Seq
		}
	}

	if inst.memb == stateOperational {
		inst.updateAru()
		inst.messagesDeliverToApp(false, inst.highSeqReceived)
	}
}

// messagesDeliverToApp delivers contiguous payloads up to end. With
// skip set, holes advance the cursor instead of stopping assembly and
// only sources in the delivery membership are handed up.
func (inst *Instance) messagesDeliverToApp(skip bool, end uint32) {
	inst.log.Debug("delivering", "from", inst.highDelivered+1, "to", end)

	for seq := inst.highDelivered + 1; seq <= end; seq++ {
		item, ok := inst.regularSortQueue.Get(seq)
		if !ok {
			if !skip {
				break
			}
			inst.highDelivered = seq
			continue
		}

		hdr, err := protocol.DecodeMcastHeader(item.Iovs[0])
		if err != nil {
			inst.highDelivered = seq
			continue
		}

		if skip && !membContains(inst.deliverMembList, hdr.Source) {
			inst.highDelivered = seq
			continue
		}
		inst.highDelivered = seq

		if len(item.Iovs) > 1 && len(item.Iovs[0]) == protocol.McastSize {
			// Locally originated: header and payload are separate iovecs.
			inst.deliverFn(hdr.Source, item.Iovs[1:], hdr.Header.Swapped())
		} else {
			// Received from the wire as one buffer: strip the header.
			inst.deliverFn(hdr.Source, [][]byte{item.Iovs[0][protocol.McastSize:]}, hdr.Header.Swapped())
		}
		inst.stats.Delivered++
	}

	inst.receivedFlg = inst.myAru == inst.highSeqReceived
}
