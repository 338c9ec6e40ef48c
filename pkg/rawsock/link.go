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

package rawsock

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/mdlayher/packet"
	"k8s.io/klog/v2"

	"github.com/google/dhcplane/pkg/arp"
	"github.com/google/dhcplane/pkg/client"
)

const etherTypeARP = 0x0806

var etherBroadcast = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Link implements client.Link: hardware address, ARP probe transmit
// and observation on an AF_PACKET socket, and carrier events fed in
// by a monitor.
type Link struct {
	ifi    *net.Interface
	conn   *packet.Conn
	events <-chan client.LinkEvent

	mu     sync.Mutex
	target netip.Addr
	subbed bool

	observations chan client.ARPObservation
}

// NewLink opens the ARP socket on ifName. events carries carrier
// changes from a link monitor; it may be nil when the caller handles
// link state elsewhere (tests).
func NewLink(ifName string, events <-chan client.LinkEvent) (*Link, error) {
	ifi, err := net.InterfaceByName(ifName)
	if err != nil {
		return nil, fmt.Errorf("fail to look up interface %s: %w", ifName, err)
	}
	conn, err := packet.Listen(ifi, packet.Datagram, etherTypeARP, nil)
	if err != nil {
		return nil, fmt.Errorf("fail to open ARP socket on %s: %w", ifName, err)
	}
	l := &Link{
		ifi:          ifi,
		conn:         conn,
		events:       events,
		observations: make(chan client.ARPObservation, 8),
	}
	go l.readLoop()
	return l, nil
}

func (l *Link) HardwareAddr() net.HardwareAddr {
	return l.ifi.HardwareAddr
}

// SendARPProbe broadcasts a who-has query for target.
func (l *Link) SendARPProbe(target netip.Addr) error {
	probe := arp.NewProbe(l.ifi.HardwareAddr, target)
	if _, err := l.conn.WriteTo(probe, &packet.Addr{HardwareAddr: etherBroadcast}); err != nil {
		return fmt.Errorf("fail to send ARP probe for %s: %w", target, err)
	}
	return nil
}

// SubscribeARP starts forwarding observations that claim target.
func (l *Link) SubscribeARP(target netip.Addr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.target = target
	l.subbed = true
}

func (l *Link) UnsubscribeARP() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subbed = false
	// Drain anything queued for the old subscription.
	for {
		select {
		case <-l.observations:
		default:
			return
		}
	}
}

func (l *Link) ARP() <-chan client.ARPObservation {
	return l.observations
}

func (l *Link) Events() <-chan client.LinkEvent {
	return l.events
}

// Close shuts the ARP socket down; the read loop exits.
func (l *Link) Close() {
	l.conn.Close()
}

func (l *Link) readLoop() {
	buf := make([]byte, 128)
	for {
		n, _, err := l.conn.ReadFrom(buf)
		if err != nil {
			klog.V(4).Infof("%s: ARP socket closed: %v", l.ifi.Name, err)
			return
		}

		l.mu.Lock()
		target := l.target
		subbed := l.subbed
		l.mu.Unlock()
		if !subbed {
			continue
		}

		mac, ok := arp.ClaimedBy(buf[:n], target)
		if !ok {
			continue
		}
		claimed := make(net.HardwareAddr, len(mac))
		copy(claimed, mac)
		select {
		case l.observations <- client.ARPObservation{SenderIP: target, SenderMAC: claimed}:
		default:
		}
	}
}
