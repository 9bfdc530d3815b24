// Package transport carries sealed datagrams between ring members over
// UDP: one socket joined to the multicast group for ring traffic and
// one bound to the processor address for the token path.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package transport
