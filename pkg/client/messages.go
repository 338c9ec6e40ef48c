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

	"k8s.io/klog/v2"

	"github.com/google/dhcplane/pkg/dhcp"
)

// declineMessage is the option 56 text sent with a DECLINE after an
// ARP response for the candidate address.
const declineMessage = "ArpResponse"

var limitedBroadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// parameterRequestList is option 55: subnet mask, router, DNS
// servers, lease time, renewal time, rebinding time.
var parameterRequestList = []byte{
	dhcp.OptSubnetMask,
	dhcp.OptRouter,
	dhcp.OptDNSServers,
	dhcp.OptLeaseTime,
	dhcp.OptRenewalTime,
	dhcp.OptRebindingTime,
}

// buildMessage assembles the outbound message for the current state.
func (c *Client) buildMessage(typ dhcp.MessageType) ([]byte, error) {
	p := dhcp.NewRequest(c.link.HardwareAddr(), c.xid)

	// ciaddr carries the bound address while renewing or rebinding;
	// everywhere else the address in play travels in option 50.
	if c.state == StateRenewing || c.state == StateRebinding {
		p.Ciaddr = net.IP(c.lease.Addr.AsSlice())
	}

	p.AddOption(dhcp.OptMessageType, []byte{byte(typ)})

	if typ != dhcp.TypeDecline {
		p.AddOption(dhcp.OptParameterRequestList, parameterRequestList)
		p.AddOption(dhcp.OptMaxMessageSize, []byte{dhcp.MaxMessageSize >> 8, dhcp.MaxMessageSize & 0xff})
	}
	if len(c.cfg.ClientID) > 0 {
		p.AddOption(dhcp.OptClientID, c.cfg.ClientID)
	}
	if len(c.cfg.VendorClassID) > 0 && typ != dhcp.TypeDecline {
		p.AddOption(dhcp.OptVendorClassID, c.cfg.VendorClassID)
	}

	switch typ {
	case dhcp.TypeRequest:
		if c.state == StateRequesting || c.state == StateRebooting {
			addr := c.offer.Addr.As4()
			p.AddOption(dhcp.OptRequestedIPAddress, addr[:])
		}
		if c.state == StateRequesting {
			server := c.offer.ServerID.As4()
			p.AddOption(dhcp.OptServerIdentifier, server[:])
		}
	case dhcp.TypeDecline:
		server := c.offer.ServerID.As4()
		p.AddOption(dhcp.OptServerIdentifier, server[:])
		addr := c.offer.Addr.As4()
		p.AddOption(dhcp.OptRequestedIPAddress, addr[:])
		p.AddOption(dhcp.OptMessage, []byte(declineMessage))
	}

	return p.Marshal()
}

// sendDestination is the limited broadcast everywhere except
// RENEWING, which unicasts to the leasing server.
func (c *Client) sendDestination() netip.Addr {
	if c.state == StateRenewing {
		if c.lease.ServerIP.IsValid() {
			return c.lease.ServerIP
		}
		return c.lease.ServerID
	}
	return limitedBroadcast
}

// transmit encodes and sends the message for the current state. A
// send pending neighbor resolution is not an error: the transport has
// registered a retry and handleSendRetry finishes the job.
func (c *Client) transmit(typ dhcp.MessageType) {
	payload, err := c.buildMessage(typ)
	if err != nil {
		c.stats.SendErrors.Inc()
		klog.Infof("%s: failed to encode %s: %v", c.name, typ, err)
		return
	}

	// A stale registration from an earlier transmit would double-send.
	c.transport.CancelRetry()

	dst := c.sendDestination()
	klog.V(4).Infof("%s: send %s to %s (xid=%#x)", c.name, typ, dst, c.xid)
	if err := c.transport.Send(payload, dst); err != nil {
		if errors.Is(err, ErrResolvePending) {
			c.stats.SendRetries.Inc()
			return
		}
		c.stats.SendErrors.Inc()
		klog.Infof("%s: failed to send %s: %v", c.name, typ, err)
		return
	}

	switch typ {
	case dhcp.TypeDiscover:
		c.stats.SendDiscovers.Inc()
	case dhcp.TypeRequest:
		c.stats.SendRequests.Inc()
	case dhcp.TypeDecline:
		c.stats.SendDeclines.Inc()
	}
}

// handleSendRetry re-submits the in-flight message after the
// transport resolved its destination. Only states with a meaningful
// prior transmit re-send; anything else ignores the callback.
func (c *Client) handleSendRetry() {
	switch c.state {
	case StateSelecting:
		c.transmit(dhcp.TypeDiscover)
	case StateRequesting, StateRenewing, StateRebinding, StateRebooting:
		c.transmit(dhcp.TypeRequest)
	}
}
