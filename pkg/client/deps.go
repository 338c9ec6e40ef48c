/*
Copyright 2025 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    https://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package client

import (
	"errors"
	"net"
	"net/netip"
)

// ErrResolvePending is returned by Transport.Send when the datagram
// could not go out because neighbor resolution of the destination is
// still in progress. The transport must fire its retry channel once
// the destination becomes reachable.
var ErrResolvePending = errors.New("send pending neighbor resolution")

// Packet is a received DHCP payload together with its origin.
type Packet struct {
	Data   []byte
	Src    netip.Addr
	SrcMAC net.HardwareAddr
}

// Transport carries DHCP messages for the client. Implementations
// deliver every UDP payload addressed to the client port on the
// interface, broadcast or not, on the Packets channel.
type Transport interface {
	// Send transmits payload to dst port 67. dst is either the
	// limited broadcast address or a server's unicast address.
	Send(payload []byte, dst netip.Addr) error
	// CancelRetry drops any pending retry registration. The client
	// calls it before every transmit so a stale registration cannot
	// double-send.
	CancelRetry()
	Packets() <-chan Packet
	// Retry fires after Send returned ErrResolvePending and the
	// destination became sendable.
	Retry() <-chan struct{}
}

// ARPObservation is an ARP body seen on the link while the client is
// probing a candidate address.
type ARPObservation struct {
	SenderIP  netip.Addr
	SenderMAC net.HardwareAddr
}

// LinkEvent reports an interface carrier change.
type LinkEvent struct {
	Up bool
}

// Link is the Ethernet-level view the client needs: its own hardware
// address, ARP probe injection and observation, and carrier state.
type Link interface {
	HardwareAddr() net.HardwareAddr
	SendARPProbe(target netip.Addr) error
	// SubscribeARP starts delivery of observations for target on the
	// ARP channel; UnsubscribeARP stops it. The client holds a
	// subscription exactly while it is in the CHECKING state.
	SubscribeARP(target netip.Addr)
	UnsubscribeARP()
	ARP() <-chan ARPObservation
	Events() <-chan LinkEvent
}

// Configurator applies or withdraws the interface's IPv4 address and
// default gateway. Both calls are idempotent.
type Configurator interface {
	// Apply installs addr and, when router is a valid address, a
	// default route through it.
	Apply(addr netip.Prefix, router netip.Addr) error
	Clear() error
}

// Clock is the monotonic time source and single one-shot timer the
// client runs on. Ticks never go backwards and wrap only beyond
// MaxTimerSpan.
type Clock interface {
	Ticks() uint64
	TicksPerSecond() uint64
	// MaxTimerSpan is the largest future offset, in ticks, that can
	// be scheduled without wrap ambiguity.
	MaxTimerSpan() uint64
	// Schedule arms the one-shot timer to fire at the absolute tick
	// instant at, replacing any prior arming. Instants not in the
	// future fire immediately.
	Schedule(at uint64)
	Stop()
	C() <-chan struct{}
}
