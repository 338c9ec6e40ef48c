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

// Package client implements a DHCPv4 client: the RFC 2131 state
// machine, its retransmission and lease timing engine, ARP
// duplicate-address probing, and the wiring to a transport, a link
// and an interface configurator.
package client

import (
	"context"
	"net/netip"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"github.com/google/dhcplane/pkg/dhcp"
)

// Event is a lease event delivered to the application handler.
type Event struct {
	Type EventType
	// Lease is set for LeaseObtained and LeaseRenewed.
	Lease dhcp.Lease
}

// Handler receives lease events. It is invoked from the client's run
// goroutine, always as the last side effect of the handler run that
// produced the event. It must not block and must not destroy the
// client.
type Handler func(Event)

// Options configures a Client.
type Options struct {
	// Interface is the interface name, used for logging and metrics
	// labels only.
	Interface string
	Config    Config
	Transport Transport
	Link      Link
	Netconf   Configurator
	// Clock defaults to NewSystemClock().
	Clock Clock
	// Handler is optional.
	Handler Handler
	// Registerer receives the client's metrics; nil discards them.
	Registerer prometheus.Registerer
	// LinkUp is the interface's carrier state at construction. When
	// true the client starts acquiring immediately; otherwise it
	// waits in LINK_DOWN for a link event.
	LinkUp bool
}

// Snapshot is the externally readable view of the client.
type Snapshot struct {
	State    State
	HasLease bool
	Lease    dhcp.Lease
}

// Client is a DHCPv4 client driving a single interface.
type Client struct {
	name      string
	cfg       Config
	transport Transport
	link      Link
	netcfg    Configurator
	clock     Clock
	engine    *timerEngine
	handler   Handler
	stats     *Stats
	throttle  *logThrottler
	startUp   bool

	// Protocol state below is owned by the run goroutine.
	state State
	xid   uint32
	// rtxTimeoutS is the current retransmission timeout in the
	// discovery-side states.
	rtxTimeoutS uint8
	// tryCount counts REQUEST sends or ARP queries within the
	// current phase.
	tryCount uint8
	// xidSends counts DISCOVER sends with the current XID.
	xidSends uint8

	// leaseElapsedS is seconds since the request that produced the
	// current or pending lease was first sent. leaseAnchor is the
	// tick instant at which leaseElapsedS was exact; re-arming from
	// it keeps missed ticks from accumulating drift.
	leaseElapsedS uint32
	leaseAnchor   uint64

	// First-send correlation for the outstanding REQUEST.
	reqSendTicks    uint64
	reqSendElapsedS uint32
	// nextSendElapsedS is the lease-elapsed point of the next
	// renew/rebind retransmission.
	nextSendElapsedS uint32

	// offer is the pending lease, filled progressively from the
	// OFFER and the ACK. lease is the committed one.
	offer dhcp.Lease
	lease dhcp.Lease
	// rememberedIP survives a link flap and seeds REBOOTING.
	rememberedIP netip.Addr

	snapshot atomic.Value // Snapshot
}

// New creates a client. Run must be called for it to do anything.
func New(o Options) (*Client, error) {
	o.Config.SetDefaults()
	if err := o.Config.Validate(); err != nil {
		return nil, err
	}
	clock := o.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	engine, err := newTimerEngine(clock)
	if err != nil {
		return nil, err
	}
	c := &Client{
		name:      o.Interface,
		cfg:       o.Config,
		transport: o.Transport,
		link:      o.Link,
		netcfg:    o.Netconf,
		clock:     clock,
		engine:    engine,
		handler:   o.Handler,
		stats:     newStats(o.Registerer, o.Interface),
		throttle:  newLogThrottler(),
		startUp:   o.LinkUp,
		state:     StateLinkDown,
	}
	c.storeSnapshot()
	return c, nil
}

// Stats returns the client's counters.
func (c *Client) Stats() *Stats {
	return c.stats
}

// HasLease reports whether a lease is active.
func (c *Client) HasLease() bool {
	return c.snapshot.Load().(Snapshot).HasLease
}

// Lease returns the active lease. It is only meaningful when HasLease
// reports true.
func (c *Client) Lease() dhcp.Lease {
	return c.snapshot.Load().(Snapshot).Lease
}

// Status returns the externally readable state of the client.
func (c *Client) Status() Snapshot {
	return c.snapshot.Load().(Snapshot)
}

// Run drives the client until ctx is canceled. All protocol work
// happens on this goroutine; the collaborator channels are its
// mailbox. On return any installed configuration has been withdrawn
// without a user callback.
func (c *Client) Run(ctx context.Context) {
	if c.startUp {
		c.linkCameUp()
	} else {
		klog.Infof("%s: link down at start, waiting", c.name)
	}
	c.storeSnapshot()

	for {
		select {
		case <-ctx.Done():
			c.teardown()
			c.storeSnapshot()
			return
		case <-c.clock.C():
			c.handleTimer()
		case p := <-c.transport.Packets():
			c.handlePacket(p)
		case obs := <-c.link.ARP():
			c.handleARP(obs)
		case ev := <-c.link.Events():
			c.handleLink(ev)
		case <-c.transport.Retry():
			c.handleSendRetry()
		}
		c.storeSnapshot()
	}
}

func (c *Client) storeSnapshot() {
	c.snapshot.Store(Snapshot{
		State:    c.state,
		HasLease: c.state.hasLease(),
		Lease:    c.lease,
	})
}

// teardown withdraws configuration silently. Used on shutdown only;
// every protocol-driven withdrawal notifies the application.
func (c *Client) teardown() {
	c.engine.unset()
	if c.state == StateChecking {
		c.link.UnsubscribeARP()
	}
	if c.state.hasLease() {
		if err := c.netcfg.Clear(); err != nil {
			klog.Infof("%s: failed to clear configuration on shutdown: %v", c.name, err)
		}
	}
	c.state = StateLinkDown
}

// notify delivers an event to the application. Callers must make it
// the last thing they do in their handler run.
func (c *Client) notify(ev Event) {
	switch ev.Type {
	case LeaseObtained:
		c.stats.LeasesObtained.Inc()
	case LeaseRenewed:
		c.stats.LeasesRenewed.Inc()
	case LeaseLost:
		c.stats.LeasesLost.Inc()
	case LinkDown:
		c.stats.LinkDowns.Inc()
	}
	klog.Infof("%s: %s", c.name, ev.Type)
	c.storeSnapshot()
	if c.handler != nil {
		c.handler(ev)
	}
}

// newXid regenerates the transaction ID from the low bits of the
// monotonic clock.
func (c *Client) newXid() {
	xid := uint32(c.engine.now())
	if xid == c.xid {
		xid++
	}
	c.xid = xid
}

func (c *Client) setState(s State) {
	if c.state != s {
		klog.Infof("%s: %s -> %s", c.name, c.state, s)
	}
	c.state = s
}

// dropMsg logs a silently dropped message through the rate limiter.
func (c *Client) dropMsg(reason string) {
	c.stats.RecvDropped.Inc()
	if ok, n := c.throttle.shouldLog(reason); ok {
		if n > 0 {
			klog.V(4).Infof("%s: dropping message: %s (%d suppressed)", c.name, reason, n)
		} else {
			klog.V(4).Infof("%s: dropping message: %s", c.name, reason)
		}
	}
}

// advanceLeaseClock folds the ticks since the anchor into the
// lease-elapsed counter. Sub-second remainders stay in the anchor so
// repeated calls cannot drift.
func (c *Client) advanceLeaseClock() {
	now := c.engine.now()
	tps := c.engine.ticksPerSecond()
	if now <= c.leaseAnchor {
		return
	}
	deltaS := (now - c.leaseAnchor) / tps
	if deltaS == 0 {
		return
	}
	c.leaseAnchor += deltaS * tps
	elapsed := uint64(c.leaseElapsedS) + deltaS
	if max := c.maxLeaseElapsed(); elapsed > max {
		elapsed = max
	}
	c.leaseElapsedS = uint32(elapsed)
}

// maxLeaseElapsed caps the elapsed counter at the lease duration once
// one is known.
func (c *Client) maxLeaseElapsed() uint64 {
	switch {
	case c.state.hasLease():
		return uint64(c.lease.LeaseSeconds)
	case c.state == StateChecking && c.offer.LeaseSeconds > 0:
		return uint64(c.offer.LeaseSeconds)
	default:
		return 0xffffffff
	}
}

// startPendingLeaseClock anchors the lease-elapsed counter at the
// first send of the request that may produce a lease.
func (c *Client) startPendingLeaseClock() {
	now := c.engine.now()
	c.leaseElapsedS = 0
	c.leaseAnchor = now
	c.reqSendTicks = now
	c.reqSendElapsedS = 0
}

// armLeaseTimer arms the next sub-interval towards the lease-elapsed
// instant targetS, splitting waits that exceed the timer's working
// span. Arming is absolute from the anchor.
func (c *Client) armLeaseTimer(targetS uint32) {
	var d uint32
	if targetS > c.leaseElapsedS {
		d = targetS - c.leaseElapsedS
	}
	if d > c.engine.maxTimerSeconds {
		d = c.engine.maxTimerSeconds
	}
	c.engine.setAt(c.leaseAnchor + uint64(d)*c.engine.ticksPerSecond())
}

// doubleRtx doubles the retransmission timeout, capped at the
// configured maximum.
func (c *Client) doubleRtx() {
	doubled := uint16(c.rtxTimeoutS) * 2
	if doubled > uint16(c.cfg.MaxRtxTimeoutSeconds) {
		doubled = uint16(c.cfg.MaxRtxTimeoutSeconds)
	}
	c.rtxTimeoutS = uint8(doubled)
}
