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
	"net"
	"net/netip"
	"testing"
)

func TestAddrValid(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"192.0.2.10", true},
		{"10.1.2.3", true},
		{"0.0.0.0", false},
		{"255.255.255.255", false},
		{"127.0.0.1", false},
		{"127.255.255.254", false},
		{"224.0.0.1", false},
		{"239.255.255.255", false},
		{"240.0.0.1", true},
	}
	for _, tt := range tests {
		if got := AddrValid(netip.MustParseAddr(tt.addr)); got != tt.want {
			t.Errorf("AddrValid(%s) = %t, want %t", tt.addr, got, tt.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name       string
		lease      Lease
		wantErr    bool
		wantPrefix int
		wantRouter netip.Addr
		wantRenew  uint32
		wantRebind uint32
	}{
		{
			name: "classful default class A",
			lease: Lease{
				Addr:         netip.MustParseAddr("10.1.2.3"),
				LeaseSeconds: 3600,
			},
			wantPrefix: 8,
			wantRenew:  1800,
			wantRebind: 3150,
		},
		{
			name: "classful default class B",
			lease: Lease{
				Addr:         netip.MustParseAddr("172.16.9.9"),
				LeaseSeconds: 3600,
			},
			wantPrefix: 16,
			wantRenew:  1800,
			wantRebind: 3150,
		},
		{
			name: "classful default class C",
			lease: Lease{
				Addr:         netip.MustParseAddr("192.0.2.10"),
				LeaseSeconds: 3600,
			},
			wantPrefix: 24,
			wantRenew:  1800,
			wantRebind: 3150,
		},
		{
			name: "non-contiguous mask rejected",
			lease: Lease{
				Addr:         netip.MustParseAddr("192.0.2.10"),
				Mask:         net.IPMask{255, 0, 255, 0},
				LeaseSeconds: 3600,
			},
			wantErr: true,
		},
		{
			name: "directed broadcast rejected",
			lease: Lease{
				Addr:         netip.MustParseAddr("192.0.2.255"),
				Mask:         net.CIDRMask(24, 32),
				LeaseSeconds: 3600,
			},
			wantErr: true,
		},
		{
			name: "off-subnet router dropped",
			lease: Lease{
				Addr:         netip.MustParseAddr("192.0.2.10"),
				Mask:         net.CIDRMask(24, 32),
				Router:       netip.MustParseAddr("198.51.100.1"),
				LeaseSeconds: 3600,
			},
			wantPrefix: 24,
			wantRouter: netip.Addr{},
			wantRenew:  1800,
			wantRebind: 3150,
		},
		{
			name: "on-subnet router kept",
			lease: Lease{
				Addr:         netip.MustParseAddr("192.0.2.10"),
				Mask:         net.CIDRMask(24, 32),
				Router:       netip.MustParseAddr("192.0.2.1"),
				LeaseSeconds: 3600,
			},
			wantPrefix: 24,
			wantRouter: netip.MustParseAddr("192.0.2.1"),
			wantRenew:  1800,
			wantRebind: 3150,
		},
		{
			name: "renewal capped at lease time",
			lease: Lease{
				Addr:         netip.MustParseAddr("192.0.2.10"),
				Mask:         net.CIDRMask(24, 32),
				LeaseSeconds: 3600,
				RenewSeconds: 7200,
			},
			wantPrefix: 24,
			wantRenew:  3600,
			wantRebind: 3600,
		},
		{
			name: "rebind clamped up to renewal",
			lease: Lease{
				Addr:          netip.MustParseAddr("192.0.2.10"),
				Mask:          net.CIDRMask(24, 32),
				LeaseSeconds:  3600,
				RenewSeconds:  2000,
				RebindSeconds: 1000,
			},
			wantPrefix: 24,
			wantRenew:  2000,
			wantRebind: 2000,
		},
		{
			name: "rebind clamped down to lease",
			lease: Lease{
				Addr:          netip.MustParseAddr("192.0.2.10"),
				Mask:          net.CIDRMask(24, 32),
				LeaseSeconds:  3600,
				RebindSeconds: 9000,
			},
			wantPrefix: 24,
			wantRenew:  1800,
			wantRebind: 3600,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := tt.lease
			err := l.Normalize()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Normalize() = %v, wantErr %t", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got := l.PrefixLen(); got != tt.wantPrefix {
				t.Errorf("prefix = %d, want %d", got, tt.wantPrefix)
			}
			if l.Router != tt.wantRouter {
				t.Errorf("router = %v, want %v", l.Router, tt.wantRouter)
			}
			if l.RenewSeconds != tt.wantRenew {
				t.Errorf("renew = %d, want %d", l.RenewSeconds, tt.wantRenew)
			}
			if l.RebindSeconds != tt.wantRebind {
				t.Errorf("rebind = %d, want %d", l.RebindSeconds, tt.wantRebind)
			}
			// The ordering invariant must hold after any successful
			// fix-up.
			if !(l.RenewSeconds <= l.RebindSeconds && l.RebindSeconds <= l.LeaseSeconds) {
				t.Errorf("ordering violated: renew=%d rebind=%d lease=%d",
					l.RenewSeconds, l.RebindSeconds, l.LeaseSeconds)
			}
		})
	}
}

func TestDecodeLease(t *testing.T) {
	base := func() *Packet {
		p := NewRequest(testMAC, 5)
		p.Op = OpBootReply
		p.Yiaddr = net.IP{192, 0, 2, 10}
		p.AddOption(OptMessageType, []byte{byte(TypeAck)})
		p.AddOption(OptServerIdentifier, []byte{192, 0, 2, 1})
		p.AddOption(OptLeaseTime, []byte{0, 0, 14, 16})
		return p
	}

	t.Run("complete", func(t *testing.T) {
		p := base()
		p.AddOption(OptDNSServers, []byte{8, 8, 8, 8, 8, 8, 4, 4, 1, 1, 1, 1})
		l, err := DecodeLease(p, 2)
		if err != nil {
			t.Fatalf("DecodeLease() = %v", err)
		}
		if l.Addr != netip.MustParseAddr("192.0.2.10") {
			t.Errorf("addr = %v", l.Addr)
		}
		if l.ServerID != netip.MustParseAddr("192.0.2.1") {
			t.Errorf("server = %v", l.ServerID)
		}
		if l.LeaseSeconds != 3600 {
			t.Errorf("lease = %d", l.LeaseSeconds)
		}
		// DNS list truncated to the configured bound.
		if len(l.DNS) != 2 {
			t.Errorf("dns = %v, want 2 entries", l.DNS)
		}
	})

	t.Run("missing lease time", func(t *testing.T) {
		p := NewRequest(testMAC, 5)
		p.Op = OpBootReply
		p.Yiaddr = net.IP{192, 0, 2, 10}
		p.AddOption(OptMessageType, []byte{byte(TypeAck)})
		p.AddOption(OptServerIdentifier, []byte{192, 0, 2, 1})
		if _, err := DecodeLease(p, 2); err == nil {
			t.Error("DecodeLease() = nil, want error")
		}
	})

	t.Run("unusable yiaddr", func(t *testing.T) {
		p := base()
		p.Yiaddr = net.IP{127, 0, 0, 1}
		if _, err := DecodeLease(p, 2); err == nil {
			t.Error("DecodeLease() = nil, want error")
		}
	})
}
