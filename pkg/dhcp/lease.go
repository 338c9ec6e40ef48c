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

package dhcp

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

// Lease is the client-side record of an address lease, filled
// progressively from an OFFER and the ACK that commits it.
type Lease struct {
	Addr      netip.Addr
	Mask      net.IPMask
	Router    netip.Addr // zero value when the server supplied none
	DNS       []netip.Addr
	ServerID  netip.Addr
	ServerIP  netip.Addr
	ServerMAC net.HardwareAddr

	LeaseSeconds  uint32
	RenewSeconds  uint32
	RebindSeconds uint32
}

// PrefixLen returns the prefix length of the lease's subnet mask.
func (l *Lease) PrefixLen() int {
	ones, _ := l.Mask.Size()
	return ones
}

// Prefix returns the leased address with its prefix length.
func (l *Lease) Prefix() netip.Prefix {
	return netip.PrefixFrom(l.Addr, l.PrefixLen())
}

// AddrValid reports whether an offered address is usable: not
// unspecified, not limited broadcast, not loopback, not multicast.
func AddrValid(a netip.Addr) bool {
	if !a.Is4() {
		return false
	}
	b := a.As4()
	switch {
	case a == netip.IPv4Unspecified():
		return false
	case b == [4]byte{255, 255, 255, 255}:
		return false
	case b[0] == 127:
		return false
	case b[0] >= 224 && b[0] < 240:
		return false
	}
	return true
}

// DecodeLease extracts the lease record from an ACK. The lease time
// option must be present; everything else is defaulted by Normalize.
// maxDNS bounds the number of DNS servers retained.
func DecodeLease(p *Packet, maxDNS int) (Lease, error) {
	var l Lease

	yiaddr, ok := netip.AddrFromSlice(ip4bytes(p.Yiaddr))
	if !ok || !AddrValid(yiaddr) {
		return l, fmt.Errorf("invalid yiaddr %s", p.Yiaddr)
	}
	l.Addr = yiaddr

	serverID, ok := p.ServerIdentifier()
	if !ok {
		return l, fmt.Errorf("missing server identifier")
	}
	l.ServerID = serverID

	leaseSeconds, ok := p.LeaseSeconds()
	if !ok {
		return l, fmt.Errorf("missing lease time")
	}
	l.LeaseSeconds = leaseSeconds

	if mask, ok := p.SubnetMask(); ok {
		l.Mask = mask
	}
	if router, ok := p.Router(); ok {
		l.Router = router
	}
	l.DNS = p.DNSServers(maxDNS)
	// A renewal or rebinding time of zero is treated as absent; both
	// are defaulted by Normalize.
	if renew, ok := p.RenewalSeconds(); ok {
		l.RenewSeconds = renew
	}
	if rebind, ok := p.RebindingSeconds(); ok {
		l.RebindSeconds = rebind
	}
	return l, nil
}

// Normalize applies the lease fix-up pipeline, in order:
//
//  1. default the subnet mask classfully when absent
//  2. reject non-contiguous masks
//  3. reject an address equal to its directed broadcast
//  4. drop a router outside the leased subnet
//  5. default the renewal time to lease/2 and cap it at the lease time
//  6. default the rebinding time to lease*7/8 and clamp it to
//     [renewal, lease]
//
// After a successful Normalize, RenewSeconds <= RebindSeconds <=
// LeaseSeconds holds.
func (l *Lease) Normalize() error {
	addr := l.Addr.As4()

	if l.Mask == nil {
		switch {
		case addr[0] < 128:
			l.Mask = net.CIDRMask(8, 32)
		case addr[0] < 192:
			l.Mask = net.CIDRMask(16, 32)
		case addr[0] < 224:
			l.Mask = net.CIDRMask(24, 32)
		default:
			return fmt.Errorf("no subnet mask and no classful default for %s", l.Addr)
		}
	}

	ones, bits := l.Mask.Size()
	if bits != 32 {
		return fmt.Errorf("non-contiguous subnet mask %s", l.Mask)
	}

	if l.Addr == directedBroadcast(l.Addr, l.Mask) {
		return fmt.Errorf("address %s is the directed broadcast of /%d", l.Addr, ones)
	}

	if l.Router.IsValid() && !sameSubnet(l.Router, l.Addr, l.Mask) {
		l.Router = netip.Addr{}
	}

	if l.RenewSeconds == 0 {
		l.RenewSeconds = l.LeaseSeconds / 2
	}
	if l.RenewSeconds > l.LeaseSeconds {
		l.RenewSeconds = l.LeaseSeconds
	}

	if l.RebindSeconds == 0 {
		l.RebindSeconds = uint32(uint64(l.LeaseSeconds) * 7 / 8)
	}
	if l.RebindSeconds < l.RenewSeconds {
		l.RebindSeconds = l.RenewSeconds
	}
	if l.RebindSeconds > l.LeaseSeconds {
		l.RebindSeconds = l.LeaseSeconds
	}
	return nil
}

func directedBroadcast(a netip.Addr, mask net.IPMask) netip.Addr {
	ip := a.As4()
	m := binary.BigEndian.Uint32(mask)
	v := binary.BigEndian.Uint32(ip[:]) | ^m
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], v)
	return netip.AddrFrom4(out)
}

func sameSubnet(a, b netip.Addr, mask net.IPMask) bool {
	av, bv := a.As4(), b.As4()
	m := binary.BigEndian.Uint32(mask)
	return binary.BigEndian.Uint32(av[:])&m == binary.BigEndian.Uint32(bv[:])&m
}
