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
	"bytes"
	"fmt"
	"net/netip"

	"k8s.io/klog/v2"

	"github.com/google/dhcplane/pkg/dhcp"
)

// linkCameUp starts acquisition. A remembered address from a link
// flap, or the configured requested address, skips discovery and goes
// straight to REBOOTING.
func (c *Client) linkCameUp() {
	ip := c.rememberedIP
	if !ip.IsValid() {
		ip = c.cfg.RequestedIP
	}
	if ip.IsValid() {
		c.enterRebooting(ip)
	} else {
		c.enterSelecting()
	}
}

// enterSelecting begins (or restarts) discovery.
func (c *Client) enterSelecting() {
	c.stats.InitAcquire.Inc()
	c.setState(StateSelecting)
	c.newXid()
	c.xidSends = 0
	c.rtxTimeoutS = c.cfg.BaseRtxTimeoutSeconds
	c.transmit(dhcp.TypeDiscover)
	c.xidSends++
	c.engine.setAfter(uint32(c.rtxTimeoutS))
}

// enterRebooting requests a previously known address without
// discovery.
func (c *Client) enterRebooting(ip netip.Addr) {
	c.setState(StateRebooting)
	c.newXid()
	c.offer = dhcp.Lease{Addr: ip}
	c.rtxTimeoutS = c.cfg.BaseRtxTimeoutSeconds
	c.tryCount = 1
	c.startPendingLeaseClock()
	c.transmit(dhcp.TypeRequest)
	c.engine.setAfter(uint32(c.rtxTimeoutS))
}

// enterRequesting sends the REQUEST for a fresh offer.
func (c *Client) enterRequesting() {
	c.setState(StateRequesting)
	c.rtxTimeoutS = c.cfg.BaseRtxTimeoutSeconds
	c.tryCount = 1
	c.startPendingLeaseClock()
	c.transmit(dhcp.TypeRequest)
	c.engine.setAfter(uint32(c.rtxTimeoutS))
}

// enterChecking probes the acknowledged address for a conflicting
// host before binding.
func (c *Client) enterChecking() {
	c.setState(StateChecking)
	c.tryCount = 1
	c.link.SubscribeARP(c.offer.Addr)
	c.sendARPProbe()
	c.engine.setAfter(uint32(c.cfg.ArpResponseTimeoutSeconds))
}

// enterResetting cools off before the next discovery, breaking
// discover/offer/request/NAK busy loops.
func (c *Client) enterResetting() {
	c.setState(StateResetting)
	c.engine.setAfter(uint32(c.cfg.ResetTimeoutSeconds))
}

func (c *Client) sendARPProbe() {
	if err := c.link.SendARPProbe(c.offer.Addr); err != nil {
		klog.Infof("%s: failed to send ARP probe for %s: %v", c.name, c.offer.Addr, err)
	}
}

// handleTimer dispatches the one-shot timer fire for the current
// state.
func (c *Client) handleTimer() {
	switch c.state {
	case StateLinkDown:
		// Timer is idle; a stale fire that raced link-down.
	case StateResetting:
		c.enterSelecting()
	case StateSelecting:
		if c.xidSends >= c.cfg.XidReuseMax {
			c.newXid()
			c.xidSends = 0
		}
		c.doubleRtx()
		c.transmit(dhcp.TypeDiscover)
		c.xidSends++
		c.engine.setAfter(uint32(c.rtxTimeoutS))
	case StateRebooting:
		if c.tryCount >= c.cfg.MaxRebootRequests {
			c.enterSelecting()
			return
		}
		c.tryCount++
		c.doubleRtx()
		c.transmit(dhcp.TypeRequest)
		c.engine.setAfter(uint32(c.rtxTimeoutS))
	case StateRequesting:
		if c.tryCount >= c.cfg.MaxRequests {
			c.enterSelecting()
			return
		}
		c.tryCount++
		c.doubleRtx()
		c.transmit(dhcp.TypeRequest)
		c.engine.setAfter(uint32(c.rtxTimeoutS))
	case StateChecking:
		c.advanceLeaseClock()
		if c.tryCount >= c.cfg.NumArpQueries {
			c.bindFromChecking()
			return
		}
		c.tryCount++
		c.sendARPProbe()
		c.engine.setAfter(uint32(c.cfg.ArpResponseTimeoutSeconds))
	case StateBound, StateRenewing, StateRebinding:
		c.handleLeaseTimer()
	}
}

// handleLeaseTimer accounts elapsed lease time and runs the timed
// transitions of the bound states. Transitions cascade so a late fire
// (timer decomposition, missed ticks) lands in the right state in one
// pass.
func (c *Client) handleLeaseTimer() {
	c.advanceLeaseClock()
	for {
		switch c.state {
		case StateBound:
			switch {
			case c.leaseElapsedS >= c.lease.LeaseSeconds:
				c.expireLease()
				return
			case c.leaseElapsedS >= c.lease.RenewSeconds:
				c.enterRenewing()
			default:
				c.armLeaseTimer(c.lease.RenewSeconds)
				return
			}
		case StateRenewing:
			switch {
			case c.leaseElapsedS >= c.lease.LeaseSeconds:
				c.expireLease()
				return
			case c.leaseElapsedS >= c.lease.RebindSeconds:
				c.enterRebinding()
			default:
				if c.leaseElapsedS >= c.nextSendElapsedS {
					c.transmit(dhcp.TypeRequest)
					c.scheduleRenewRtx(c.lease.RebindSeconds)
				} else {
					// A decomposition fire short of the
					// retransmission point: keep aiming at it.
					c.armRenewTimer(c.lease.RebindSeconds)
				}
				return
			}
		case StateRebinding:
			if c.leaseElapsedS >= c.lease.LeaseSeconds {
				c.expireLease()
				return
			}
			if c.leaseElapsedS >= c.nextSendElapsedS {
				c.transmit(dhcp.TypeRequest)
				c.scheduleRenewRtx(c.lease.LeaseSeconds)
			} else {
				c.armRenewTimer(c.lease.LeaseSeconds)
			}
			return
		default:
			return
		}
	}
}

// enterRenewing starts unicast renewal with the leasing server.
func (c *Client) enterRenewing() {
	c.stats.RenewAcquire.Inc()
	c.setState(StateRenewing)
	c.newXid()
	c.reqSendTicks = c.engine.now()
	c.reqSendElapsedS = c.leaseElapsedS
	c.transmit(dhcp.TypeRequest)
	c.scheduleRenewRtx(c.lease.RebindSeconds)
}

// enterRebinding broadcasts renewal to any server.
func (c *Client) enterRebinding() {
	c.stats.RebindAcquire.Inc()
	c.setState(StateRebinding)
	c.newXid()
	c.reqSendTicks = c.engine.now()
	c.reqSendElapsedS = c.leaseElapsedS
	c.transmit(dhcp.TypeRequest)
	c.scheduleRenewRtx(c.lease.LeaseSeconds)
}

// scheduleRenewRtx arms the timer for the earlier of the next
// retransmission and the next timed state change at boundS. The
// retransmission interval is half the time remaining to boundS,
// floored at the configured minimum.
func (c *Client) scheduleRenewRtx(boundS uint32) {
	var remaining uint32
	if boundS > c.leaseElapsedS {
		remaining = boundS - c.leaseElapsedS
	}
	rtx := remaining / 2
	if rtx < uint32(c.cfg.MinRenewRtxTimeoutSeconds) {
		rtx = uint32(c.cfg.MinRenewRtxTimeoutSeconds)
	}
	c.nextSendElapsedS = c.leaseElapsedS + rtx
	c.armRenewTimer(boundS)
}

// armRenewTimer arms towards the earlier of the pending
// retransmission and the state boundary at boundS.
func (c *Client) armRenewTimer(boundS uint32) {
	target := c.nextSendElapsedS
	if boundS < target {
		target = boundS
	}
	c.armLeaseTimer(target)
}

// expireLease withdraws the configuration and restarts discovery.
func (c *Client) expireLease() {
	c.stats.LeaseExpiries.Inc()
	if err := c.netcfg.Clear(); err != nil {
		klog.Infof("%s: failed to clear configuration: %v", c.name, err)
	}
	c.lease = dhcp.Lease{}
	c.enterSelecting()
	c.notify(Event{Type: LeaseLost})
}

// bindFromChecking commits the probed lease: the address survived
// NumArpQueries unanswered queries.
func (c *Client) bindFromChecking() {
	c.link.UnsubscribeARP()
	c.lease = c.offer
	c.setState(StateBound)
	if err := c.netcfg.Apply(c.lease.Prefix(), c.lease.Router); err != nil {
		klog.Infof("%s: failed to apply %s: %v", c.name, c.lease.Prefix(), err)
	}
	c.armLeaseTimer(c.lease.RenewSeconds)
	c.notify(Event{Type: LeaseObtained, Lease: c.lease})
}

// handleARP reacts to an observation for the probed address: some
// other host answered, so the address is declined.
func (c *Client) handleARP(obs ARPObservation) {
	if c.state != StateChecking {
		return
	}
	if obs.SenderIP != c.offer.Addr {
		return
	}
	c.stats.ArpConflicts.Inc()
	klog.Infof("%s: %s is claimed by %s, declining", c.name, obs.SenderIP, obs.SenderMAC)
	c.transmit(dhcp.TypeDecline)
	c.link.UnsubscribeARP()
	c.enterResetting()
}

// handleLink reacts to carrier changes.
func (c *Client) handleLink(ev LinkEvent) {
	if ev.Up {
		if c.state != StateLinkDown {
			return
		}
		klog.Infof("%s: link up", c.name)
		c.linkCameUp()
		return
	}

	if c.state == StateLinkDown {
		return
	}
	klog.Infof("%s: link down", c.name)
	c.engine.unset()
	if c.state == StateChecking {
		c.link.UnsubscribeARP()
	}
	hadLease := c.state.hasLease()
	if hadLease {
		if err := c.netcfg.Clear(); err != nil {
			klog.Infof("%s: failed to clear configuration: %v", c.name, err)
		}
		// Remember the address so the next link-up reboots into it.
		c.rememberedIP = c.lease.Addr
		c.lease = dhcp.Lease{}
	}
	c.setState(StateLinkDown)
	if hadLease {
		c.notify(Event{Type: LinkDown})
	}
}

// handlePacket runs the receive-side validation pipeline and
// dispatches OFFER/ACK/NAK to the state machine. Every rejection is a
// silent drop.
func (c *Client) handlePacket(pkt Packet) {
	var p dhcp.Packet
	if err := p.Unmarshal(pkt.Data); err != nil {
		c.dropMsg(fmt.Sprintf("unmarshal: %v", err))
		return
	}
	if p.Op != dhcp.OpBootReply {
		c.dropMsg("op is not BootReply")
		return
	}
	if p.Htype != dhcp.HtypeEthernet || p.Hlen != dhcp.HlenEthernet {
		c.dropMsg("hardware type is not Ethernet")
		return
	}
	if p.Xid != c.xid {
		c.dropMsg("foreign xid")
		return
	}
	if !bytes.Equal(p.Chaddr, c.link.HardwareAddr()) {
		c.dropMsg("foreign chaddr")
		return
	}
	typ, ok := p.MsgType()
	if !ok {
		c.dropMsg("missing message type")
		return
	}
	serverID, ok := p.ServerIdentifier()
	if !ok {
		c.dropMsg("missing server identifier")
		return
	}

	switch typ {
	case dhcp.TypeOffer:
		c.handleOffer(&p, pkt, serverID)
	case dhcp.TypeAck:
		c.handleAck(&p, pkt)
	case dhcp.TypeNak:
		c.handleNak(serverID)
	default:
		c.dropMsg(fmt.Sprintf("unexpected message type %s", typ))
	}
}

func (c *Client) handleOffer(p *dhcp.Packet, pkt Packet, serverID netip.Addr) {
	if c.state != StateSelecting {
		c.dropMsg(fmt.Sprintf("OFFER in %s", c.state))
		return
	}
	yiaddr, ok := netip.AddrFromSlice(p.Yiaddr.To4())
	if !ok || !dhcp.AddrValid(yiaddr) {
		c.dropMsg("OFFER with unusable yiaddr")
		return
	}
	c.stats.RecvOffers.Inc()
	klog.Infof("%s: got OFFER of %s from %s", c.name, yiaddr, serverID)

	// First valid offer wins; no offer ranking.
	c.offer = dhcp.Lease{
		Addr:      yiaddr,
		ServerID:  serverID,
		ServerIP:  pkt.Src,
		ServerMAC: pkt.SrcMAC,
	}
	c.enterRequesting()
}

func (c *Client) handleAck(p *dhcp.Packet, pkt Packet) {
	switch c.state {
	case StateRequesting, StateRebooting, StateRenewing, StateRebinding:
	default:
		c.dropMsg(fmt.Sprintf("ACK in %s", c.state))
		return
	}

	lease, err := dhcp.DecodeLease(p, int(c.cfg.MaxDNSServers))
	if err != nil {
		c.dropMsg(fmt.Sprintf("ACK: %v", err))
		return
	}
	if err := lease.Normalize(); err != nil {
		c.dropMsg(fmt.Sprintf("ACK: %v", err))
		return
	}
	lease.ServerIP = pkt.Src
	lease.ServerMAC = pkt.SrcMAC

	switch c.state {
	case StateRequesting:
		// The ACK must commit what was offered.
		if lease.Addr != c.offer.Addr || lease.ServerID != c.offer.ServerID {
			c.dropMsg("ACK does not match offer")
			return
		}
	case StateRenewing, StateRebinding:
		c.advanceLeaseClock()
		if c.leaseElapsedS-c.reqSendElapsedS > c.engine.maxTimerSeconds {
			c.dropMsg("ACK arrived implausibly late")
			return
		}
	}

	c.stats.RecvAcks.Inc()
	klog.Infof("%s: got ACK for %s (lease=%ds renew=%ds rebind=%ds)",
		c.name, lease.Addr, lease.LeaseSeconds, lease.RenewSeconds, lease.RebindSeconds)

	switch c.state {
	case StateRequesting, StateRebooting:
		c.offer = lease
		c.enterChecking()
	case StateRenewing, StateRebinding:
		c.commitRenewedLease(lease)
	}
}

// commitRenewedLease replaces the active lease with the acknowledged
// one and rebases the lease clock onto the request that produced it.
func (c *Client) commitRenewedLease(lease dhcp.Lease) {
	c.leaseElapsedS -= c.reqSendElapsedS
	c.lease = lease
	c.setState(StateBound)
	if err := c.netcfg.Apply(c.lease.Prefix(), c.lease.Router); err != nil {
		klog.Infof("%s: failed to apply %s: %v", c.name, c.lease.Prefix(), err)
	}
	c.armLeaseTimer(c.lease.RenewSeconds)
	c.notify(Event{Type: LeaseRenewed, Lease: c.lease})
}

func (c *Client) handleNak(serverID netip.Addr) {
	switch c.state {
	case StateRequesting:
		if serverID != c.offer.ServerID {
			c.dropMsg("NAK from wrong server")
			return
		}
		c.stats.RecvNaks.Inc()
		klog.Infof("%s: got NAK from %s", c.name, serverID)
		c.enterResetting()
	case StateRebooting:
		c.stats.RecvNaks.Inc()
		klog.Infof("%s: got NAK from %s", c.name, serverID)
		c.enterSelecting()
	case StateRenewing, StateRebinding:
		c.stats.RecvNaks.Inc()
		klog.Infof("%s: got NAK from %s, lease lost", c.name, serverID)
		if err := c.netcfg.Clear(); err != nil {
			klog.Infof("%s: failed to clear configuration: %v", c.name, err)
		}
		c.lease = dhcp.Lease{}
		c.enterSelecting()
		c.notify(Event{Type: LeaseLost})
	default:
		c.dropMsg(fmt.Sprintf("NAK in %s", c.state))
	}
}
