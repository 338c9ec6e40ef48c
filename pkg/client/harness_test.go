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
	"encoding/binary"
	"net"
	"net/netip"
	"testing"

	"github.com/google/dhcplane/pkg/dhcp"
)

var (
	testMAC      = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	testServerID = netip.MustParseAddr("192.0.2.1")
	testYiaddr   = netip.MustParseAddr("192.0.2.10")
	testDNS      = netip.MustParseAddr("192.0.2.2")
	testServerMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0xfe}
	conflictMAC   = net.HardwareAddr{0x02, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa}
)

// fakeClock is a manual Clock with millisecond ticks.
type fakeClock struct {
	ticks uint64
	span  uint64
	at    uint64
	armed bool
	c     chan struct{}
}

func newFakeClock() *fakeClock {
	return &fakeClock{span: 1 << 50, c: make(chan struct{}, 1)}
}

func (f *fakeClock) Ticks() uint64          { return f.ticks }
func (f *fakeClock) TicksPerSecond() uint64 { return 1000 }
func (f *fakeClock) MaxTimerSpan() uint64   { return f.span }
func (f *fakeClock) Schedule(at uint64)     { f.at = at; f.armed = true }
func (f *fakeClock) Stop()                  { f.armed = false }
func (f *fakeClock) C() <-chan struct{}     { return f.c }

type sentMessage struct {
	data []byte
	dst  netip.Addr
}

type fakeTransport struct {
	sends   []sentMessage
	sendErr error
	cancels int
	packets chan Packet
	retry   chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		packets: make(chan Packet, 8),
		retry:   make(chan struct{}, 1),
	}
}

func (f *fakeTransport) Send(payload []byte, dst netip.Addr) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	f.sends = append(f.sends, sentMessage{data: data, dst: dst})
	return nil
}

func (f *fakeTransport) CancelRetry()            { f.cancels++ }
func (f *fakeTransport) Packets() <-chan Packet  { return f.packets }
func (f *fakeTransport) Retry() <-chan struct{}  { return f.retry }

type fakeLink struct {
	mac        net.HardwareAddr
	probes     []netip.Addr
	subscribed bool
	target     netip.Addr
	arp        chan ARPObservation
	events     chan LinkEvent
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		mac:    testMAC,
		arp:    make(chan ARPObservation, 8),
		events: make(chan LinkEvent, 8),
	}
}

func (f *fakeLink) HardwareAddr() net.HardwareAddr { return f.mac }

func (f *fakeLink) SendARPProbe(target netip.Addr) error {
	f.probes = append(f.probes, target)
	return nil
}

func (f *fakeLink) SubscribeARP(target netip.Addr) {
	f.subscribed = true
	f.target = target
}

func (f *fakeLink) UnsubscribeARP()               { f.subscribed = false }
func (f *fakeLink) ARP() <-chan ARPObservation    { return f.arp }
func (f *fakeLink) Events() <-chan LinkEvent      { return f.events }

type appliedConfig struct {
	addr   netip.Prefix
	router netip.Addr
}

type fakeConfigurator struct {
	active     bool
	current    appliedConfig
	applyCalls int
	clearCalls int
	history    []appliedConfig
}

func (f *fakeConfigurator) Apply(addr netip.Prefix, router netip.Addr) error {
	f.applyCalls++
	f.active = true
	f.current = appliedConfig{addr: addr, router: router}
	f.history = append(f.history, f.current)
	return nil
}

func (f *fakeConfigurator) Clear() error {
	f.clearCalls++
	f.active = false
	f.current = appliedConfig{}
	return nil
}

type harness struct {
	t      *testing.T
	c      *Client
	clock  *fakeClock
	tr     *fakeTransport
	link   *fakeLink
	nc     *fakeConfigurator
	events []EventType
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		clock: newFakeClock(),
		tr:    newFakeTransport(),
		link:  newFakeLink(),
		nc:    &fakeConfigurator{},
	}
	o := Options{
		Interface: "eth0",
		Transport: h.tr,
		Link:      h.link,
		Netconf:   h.nc,
		Clock:     h.clock,
		Handler: func(ev Event) {
			h.events = append(h.events, ev.Type)
		},
	}
	if mutate != nil {
		mutate(&o)
	}
	c, err := New(o)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	h.c = c
	return h
}

// linkUp feeds a link-up edge through the handler.
func (h *harness) linkUp() {
	h.c.handleLink(LinkEvent{Up: true})
}

func (h *harness) linkDown() {
	h.c.handleLink(LinkEvent{Up: false})
}

// fire runs the timer handler for every due arming, including ones
// scheduled by the handlers it invokes.
func (h *harness) fire() {
	for h.clock.armed && h.clock.at <= h.clock.ticks {
		h.clock.armed = false
		h.c.handleTimer()
	}
}

// advance moves the clock forward and fires due timers.
func (h *harness) advance(ms uint64) {
	h.clock.ticks += ms
	h.fire()
}

func (h *harness) lastSent() *dhcp.Packet {
	h.t.Helper()
	if len(h.tr.sends) == 0 {
		h.t.Fatal("no messages sent")
	}
	return h.parseSent(len(h.tr.sends) - 1)
}

func (h *harness) parseSent(i int) *dhcp.Packet {
	h.t.Helper()
	var p dhcp.Packet
	if err := p.Unmarshal(h.tr.sends[i].data); err != nil {
		h.t.Fatalf("sent message %d does not parse: %v", i, err)
	}
	return &p
}

func (h *harness) sentType(i int) dhcp.MessageType {
	h.t.Helper()
	typ, ok := h.parseSent(i).MsgType()
	if !ok {
		h.t.Fatalf("sent message %d has no message type", i)
	}
	return typ
}

// deliver runs a server message through the receive pipeline.
func (h *harness) deliver(p *dhcp.Packet) {
	h.t.Helper()
	data, err := p.Marshal()
	if err != nil {
		h.t.Fatalf("marshal: %v", err)
	}
	h.c.handlePacket(Packet{Data: data, Src: testServerID, SrcMAC: testServerMAC})
}

// reply builds a BootReply from the server with the client's current
// xid and chaddr.
func (h *harness) reply(typ dhcp.MessageType) *dhcp.Packet {
	p := &dhcp.Packet{
		Op:     dhcp.OpBootReply,
		Htype:  dhcp.HtypeEthernet,
		Hlen:   dhcp.HlenEthernet,
		Xid:    h.c.xid,
		Ciaddr: net.IPv4zero,
		Yiaddr: net.IPv4zero,
		Siaddr: net.IPv4zero,
		Giaddr: net.IPv4zero,
		Chaddr: testMAC,
	}
	p.AddOption(dhcp.OptMessageType, []byte{byte(typ)})
	return p
}

func addAddrOption(p *dhcp.Packet, typ byte, a netip.Addr) {
	v := a.As4()
	p.AddOption(typ, v[:])
}

func addSecondsOption(p *dhcp.Packet, typ byte, s uint32) {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, s)
	p.AddOption(typ, v)
}

// offer is the canonical test OFFER: 192.0.2.10 from server
// 192.0.2.1. It carries no lease parameters; those come from the ACK.
func (h *harness) offer() *dhcp.Packet {
	p := h.reply(dhcp.TypeOffer)
	p.Yiaddr = net.IP(testYiaddr.AsSlice())
	addAddrOption(p, dhcp.OptServerIdentifier, testServerID)
	return p
}

func (h *harness) ack(lease, renew, rebind uint32) *dhcp.Packet {
	p := h.reply(dhcp.TypeAck)
	p.Yiaddr = net.IP(testYiaddr.AsSlice())
	addAddrOption(p, dhcp.OptServerIdentifier, testServerID)
	addSecondsOption(p, dhcp.OptLeaseTime, lease)
	if renew != 0 {
		addSecondsOption(p, dhcp.OptRenewalTime, renew)
	}
	if rebind != 0 {
		addSecondsOption(p, dhcp.OptRebindingTime, rebind)
	}
	p.AddOption(dhcp.OptSubnetMask, []byte{255, 255, 255, 0})
	addAddrOption(p, dhcp.OptRouter, testServerID)
	addAddrOption(p, dhcp.OptDNSServers, testDNS)
	return p
}

func (h *harness) nak() *dhcp.Packet {
	p := h.reply(dhcp.TypeNak)
	addAddrOption(p, dhcp.OptServerIdentifier, testServerID)
	return p
}

// acquire drives the client from link-up to BOUND with the canonical
// lease: DISCOVER, OFFER, REQUEST, ACK, two unanswered ARP probes.
func (h *harness) acquire(lease, renew, rebind uint32) {
	h.t.Helper()
	h.linkUp()
	if got := h.sentType(len(h.tr.sends) - 1); got != dhcp.TypeDiscover {
		h.t.Fatalf("after link up sent %s, want DISCOVER", got)
	}
	h.advance(1000)
	h.deliver(h.offer())
	if h.c.state != StateRequesting {
		h.t.Fatalf("after OFFER state = %s, want REQUESTING", h.c.state)
	}
	h.advance(100)
	h.deliver(h.ack(lease, renew, rebind))
	if h.c.state != StateChecking {
		h.t.Fatalf("after ACK state = %s, want CHECKING", h.c.state)
	}
	h.advance(1000)
	h.advance(1000)
	if h.c.state != StateBound {
		h.t.Fatalf("after ARP probes state = %s, want BOUND", h.c.state)
	}
}
