// File: protocol/codec.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Encoding and decoding of ring messages. The originator always writes
// little-endian; a decoder that sees the endian detector byte-swapped
// switches to big-endian reads for every multi-byte field of that
// packet. Addresses are copied through untouched.

package protocol

import (
	"encoding/binary"
	"errors"
)

// ErrTruncated reports a datagram too short for its declared layout.
var ErrTruncated = errors.New("protocol: truncated message")

// ErrBadCount reports a list length exceeding protocol bounds.
var ErrBadCount = errors.New("protocol: list count out of range")

// PeekType returns the message type of a decoded (plaintext) packet.
func PeekType(b []byte) (MessageType, error) {
	if len(b) < HeaderSize {
		return 0, ErrTruncated
	}
	return MessageType(b[0]), nil
}

// byteOrderOf selects the decode order from the endian detector at its
// fixed header offset.
func byteOrderOf(b []byte) binary.ByteOrder {
	if binary.LittleEndian.Uint16(b[2:4]) == EndianLocal {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

type writer struct {
	buf []byte
}

func (w *writer) u8(v byte) { w.buf = append(w.buf, v) }

func (w *writer) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }

func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }

func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

func (w *writer) addr(a Addr) { w.buf = append(w.buf, a[:]...) }

func (w *writer) ring(r RingID) { w.addr(r.Rep); w.u64(r.Seq) }


func (w *writer) header(h Header) {
	w.u8(byte(h.Type))
	w.u8(h.Encapsulated)
	w.u16(EndianLocal)
}

type reader struct {
	buf []byte
	off int
	ord binary.ByteOrder
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.off+n > len(r.buf) {
		r.err = ErrTruncated
		return false
	}
	return true
}

func (r *reader) u8() byte {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := r.ord.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := r.ord.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := r.ord.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) addr() Addr {
	var a Addr
	if !r.need(4) {
		return a
	}
	copy(a[:], r.buf[r.off:])
	r.off += 4
	return a
}

func (r *reader) ring() RingID {
	return RingID{Rep: r.addr(), Seq: r.u64()}
}

func (r *reader) header() Header {
	h := Header{Type: MessageType(r.u8()), Encapsulated: r.u8()}
	// Raw detector value, unswapped, so Swapped() reflects the wire.
	if r.need(2) {
		h.EndianDetector = binary.LittleEndian.Uint16(r.buf[r.off:])
		r.off += 2
	}
	return h
}

func newReader(b []byte) *reader {
	if len(b) < HeaderSize {
		return &reader{err: ErrTruncated, ord: binary.LittleEndian}
	}
	return &reader{buf: b, ord: byteOrderOf(b)}
}

// EncodeMcastHeader writes the mcast header; the application payload is
// appended by the caller (or carried as a separate iovec).
func EncodeMcastHeader(m *Mcast) []byte {
	w := writer{buf: make([]byte, 0, McastSize)}
	w.header(m.Header)
	w.u32(m.Seq)
	w.u32(m.ThisSeqno)
	w.ring(m.RingID)
	w.addr(m.Source)
	w.u32(m.Guarantee)
	return w.buf
}

// DecodeMcastHeader reads the mcast header from the front of a packet.
func DecodeMcastHeader(b []byte) (Mcast, error) {
	r := newReader(b)
	m := Mcast{Header: r.header()}
	m.Seq = r.u32()
	m.ThisSeqno = r.u32()
	m.RingID = r.ring()
	m.Source = r.addr()
	m.Guarantee = r.u32()
	return m, r.err
}

// EncodeOrfToken serializes the token with its retransmit list.
func EncodeOrfToken(t *OrfToken) []byte {
	w := writer{buf: make([]byte, 0, OrfTokenSize+len(t.RtrList)*rtrItemSize)}
	w.header(t.Header)
	w.u32(t.Seq)
	w.u32(t.TokenSeq)
	w.u32(t.Aru)
	w.addr(t.AruAddr)
	w.ring(t.RingID)
	w.u16(t.Fcc)
	w.u32(t.RetransFlg)
	w.u32(uint32(len(t.RtrList)))
	for i := range t.RtrList {
		w.ring(t.RtrList[i].RingID)
		w.u32(t.RtrList[i].Seq)
	}
	return w.buf
}

// DecodeOrfToken parses a token packet.
func DecodeOrfToken(b []byte) (OrfToken, error) {
	r := newReader(b)
	t := OrfToken{Header: r.header()}
	t.Seq = r.u32()
	t.TokenSeq = r.u32()
	t.Aru = r.u32()
	t.AruAddr = r.addr()
	t.RingID = r.ring()
	t.Fcc = r.u16()
	t.RetransFlg = r.u32()
	n := r.u32()
	if r.err != nil {
		return t, r.err
	}
	if n > RetransmitEntriesMax {
		return t, ErrBadCount
	}
	t.RtrList = make([]RtrItem, 0, n)
	for i := uint32(0); i < n; i++ {
		t.RtrList = append(t.RtrList, RtrItem{RingID: r.ring(), Seq: r.u32()})
	}
	return t, r.err
}

// EncodeMembJoin serializes a join message.
func EncodeMembJoin(j *MembJoin) []byte {
	w := writer{buf: make([]byte, 0, HeaderSize+8+4*(2+len(j.ProcList)+len(j.FailedList)))}
	w.header(j.Header)
	w.u32(uint32(len(j.ProcList)))
	for _, a := range j.ProcList {
		w.addr(a)
	}
	w.u32(uint32(len(j.FailedList)))
	for _, a := range j.FailedList {
		w.addr(a)
	}
	w.u64(j.RingSeq)
	return w.buf
}

// DecodeMembJoin parses a join packet.
func DecodeMembJoin(b []byte) (MembJoin, error) {
	r := newReader(b)
	j := MembJoin{Header: r.header()}
	var err error
	if j.ProcList, err = r.addrList(); err != nil {
		return j, err
	}
	if j.FailedList, err = r.addrList(); err != nil {
		return j, err
	}
	j.RingSeq = r.u64()
	return j, r.err
}

func (r *reader) addrList() ([]Addr, error) {
	n := r.u32()
	if r.err != nil {
		return nil, r.err
	}
	if n > ProcessorCountMax {
		return nil, ErrBadCount
	}
	list := make([]Addr, 0, n)
	for i := uint32(0); i < n; i++ {
		list = append(list, r.addr())
	}
	return list, r.err
}

// EncodeMergeDetect serializes the idle-ring heartbeat.
func EncodeMergeDetect(m *MembMergeDetect) []byte {
	w := writer{buf: make([]byte, 0, HeaderSize+ringIDSize)}
	w.header(m.Header)
	w.ring(m.RingID)
	return w.buf
}

// DecodeMergeDetect parses a merge-detect packet.
func DecodeMergeDetect(b []byte) (MembMergeDetect, error) {
	r := newReader(b)
	m := MembMergeDetect{Header: r.header()}
	m.RingID = r.ring()
	return m, r.err
}

// EncodeTokenHoldCancel serializes a hold-cancel request.
func EncodeTokenHoldCancel(c *TokenHoldCancel) []byte {
	w := writer{buf: make([]byte, 0, HeaderSize+ringIDSize)}
	w.header(c.Header)
	w.ring(c.RingID)
	return w.buf
}

// DecodeTokenHoldCancel parses a hold-cancel packet.
func DecodeTokenHoldCancel(b []byte) (TokenHoldCancel, error) {
	r := newReader(b)
	c := TokenHoldCancel{Header: r.header()}
	c.RingID = r.ring()
	return c, r.err
}

// EncodeCommitToken serializes the membership commit token.
func EncodeCommitToken(c *MembCommitToken) []byte {
	w := writer{buf: make([]byte, 0, HeaderSize+4+ringIDSize+12+len(c.Addrs)*(4+commitEntrySize))}
	w.header(c.Header)
	w.u32(c.TokenSeq)
	w.ring(c.RingID)
	w.u32(c.RetransFlg)
	w.u32(c.MembIndex)
	w.u32(uint32(len(c.Addrs)))
	for _, a := range c.Addrs {
		w.addr(a)
	}
	for i := range c.MembList {
		w.ring(c.MembList[i].RingID)
		w.u32(c.MembList[i].Aru)
		w.u32(c.MembList[i].HighDelivered)
		w.u32(c.MembList[i].ReceivedFlg)
	}
	return w.buf
}

// DecodeCommitToken parses a commit-token packet. The per-member state
// list always has exactly as many entries as the address list.
func DecodeCommitToken(b []byte) (MembCommitToken, error) {
	r := newReader(b)
	c := MembCommitToken{Header: r.header()}
	c.TokenSeq = r.u32()
	c.RingID = r.ring()
	c.RetransFlg = r.u32()
	c.MembIndex = r.u32()
	n := r.u32()
	if r.err != nil {
		return c, r.err
	}
	if n == 0 || n > ProcessorCountMax {
		return c, ErrBadCount
	}
	c.Addrs = make([]Addr, 0, n)
	for i := uint32(0); i < n; i++ {
		c.Addrs = append(c.Addrs, r.addr())
	}
	c.MembList = make([]CommitTokenMembEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		c.MembList = append(c.MembList, CommitTokenMembEntry{
			RingID:        r.ring(),
			Aru:           r.u32(),
			HighDelivered: r.u32(),
			ReceivedFlg:   r.u32(),
		})
	}
	return c, r.err
}
