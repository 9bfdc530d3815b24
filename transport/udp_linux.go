// File: transport/udp_linux.go
//go:build linux

//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// UDP multicast transport. Two non-blocking sockets per instance, one
// bound to the multicast group and one to the processor address for
// token unicast, mirroring the classic totem socket pair. Sends never
// block; failures are returned for logging and otherwise absorbed by
// the retransmission machinery.

package transport

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/momentics/totemring/api"
	"github.com/momentics/totemring/protocol"
)

// UDP implements api.Transport on a multicast group plus token socket.
type UDP struct {
	mcastFD int
	tokenFD int
	group   unix.SockaddrInet4
	port    int
	self    protocol.Addr
	ifindex int
	closed  bool
	recvBuf [protocol.PacketSizeMax]byte
}

// Bind opens the socket pair for bindAddr and joins the multicast group.
func Bind(bindAddr, mcastAddr string, port int) (*UDP, error) {
	self, err := protocol.ParseAddr(bindAddr)
	if err != nil {
		return nil, err
	}
	group, err := protocol.ParseAddr(mcastAddr)
	if err != nil {
		return nil, err
	}

	u := &UDP{port: port, self: self}
	u.group = unix.SockaddrInet4{Port: port}
	copy(u.group.Addr[:], group[:])

	u.mcastFD, err = mcastSocket(self, group, port)
	if err != nil {
		return nil, err
	}
	u.tokenFD, err = tokenSocket(self, port)
	if err != nil {
		unix.Close(u.mcastFD)
		return nil, err
	}
	if ifi, err := interfaceFor(self); err == nil {
		u.ifindex = ifi.Index
	}
	return u, nil
}

func mcastSocket(self, group protocol.Addr, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK, unix.IPPROTO_UDP)
	if err != nil {
		return -1, errors.Wrap(err, "mcast socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "setsockopt SO_REUSEADDR")
	}
	sa := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "bind mcast")
	}
	mreq := &unix.IPMreq{}
	copy(mreq.Multiaddr[:], group[:])
	copy(mreq.Interface[:], self[:])
	if err := unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "join multicast group")
	}
	if err := unix.SetsockoptInet4Addr(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_IF, self); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "set multicast interface")
	}
	return fd, nil
}

func tokenSocket(self protocol.Addr, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK, unix.IPPROTO_UDP)
	if err != nil {
		return -1, errors.Wrap(err, "token socket")
	}
	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], self[:])
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "bind token")
	}
	return fd, nil
}

func interfaceFor(addr protocol.Addr) (*net.Interface, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifs {
		addrs, err := ifs[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && protocol.AddrFromIP(ipn.IP) == addr {
				return &ifs[i], nil
			}
		}
	}
	return nil, errors.Errorf("no interface carries %s", addr)
}

// Mcast sends pkt to the group, non-blocking.
func (u *UDP) Mcast(pkt []byte) error {
	if u.closed {
		return api.ErrTransportClosed
	}
	return unix.Sendmsg(u.mcastFD, pkt, nil, &u.group, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL)
}

// Unicast sends pkt to one processor's token socket.
func (u *UDP) Unicast(to protocol.Addr, pkt []byte) error {
	if u.closed {
		return api.ErrTransportClosed
	}
	sa := &unix.SockaddrInet4{Port: u.port}
	copy(sa.Addr[:], to[:])
	return unix.Sendmsg(u.tokenFD, pkt, nil, sa, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL)
}

// recvOne reads one datagram from fd into buf, if any is queued.
// n == 0 means the socket had nothing pending.
func recvOne(fd int, buf []byte) (int, protocol.Addr, error) {
	n, _, _, from, err := unix.Recvmsg(fd, buf, nil, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, protocol.Addr{}, nil
	}
	if err != nil {
		return 0, protocol.Addr{}, err
	}
	var src protocol.Addr
	if sa, ok := from.(*unix.SockaddrInet4); ok {
		copy(src[:], sa.Addr[:])
	}
	return n, src, nil
}

// RecvMcast reads one queued group datagram into the shared receive
// buffer; n == 0 when none pending. Reactor context only.
func (u *UDP) RecvMcast() (int, []byte, protocol.Addr, error) {
	n, from, err := recvOne(u.mcastFD, u.recvBuf[:])
	return n, u.recvBuf[:], from, err
}

// RecvToken reads one queued token datagram into the shared receive
// buffer; n == 0 when none pending. Reactor context only.
func (u *UDP) RecvToken() (int, []byte, protocol.Addr, error) {
	n, from, err := recvOne(u.tokenFD, u.recvBuf[:])
	return n, u.recvBuf[:], from, err
}

// FDs exposes the descriptors for reactor registration.
func (u *UDP) FDs() (mcast, token int) { return u.mcastFD, u.tokenFD }

// DrainBacklog hands every already-queued group datagram to fn. A
// private buffer keeps the token handler's drain independent of the
// embedder's receive loop.
func (u *UDP) DrainBacklog(fn func(pkt []byte, from protocol.Addr)) {
	var buf [protocol.PacketSizeMax]byte
	for {
		n, from, err := recvOne(u.mcastFD, buf[:])
		if err != nil || n == 0 {
			return
		}
		fn(buf[:n], from)
	}
}

// InterfaceUp reports the bound interface's operational state.
func (u *UDP) InterfaceUp() bool {
	if u.ifindex == 0 {
		return true
	}
	ifi, err := net.InterfaceByIndex(u.ifindex)
	if err != nil {
		return false
	}
	return ifi.Flags&net.FlagUp != 0
}

// Close releases both sockets.
func (u *UDP) Close() error {
	if u.closed {
		return nil
	}
	u.closed = true
	unix.Close(u.mcastFD)
	return unix.Close(u.tokenFD)
}
