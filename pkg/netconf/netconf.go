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

// Package netconf programs interface addresses and routes through
// rtnetlink and watches interface carrier state.
package netconf

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"github.com/vishvananda/netlink"
	"k8s.io/klog/v2"
)

// Configurator applies and withdraws one IPv4 address and the default
// route derived from a lease. It remembers what it installed so Apply
// with identical values and repeated Clear are no-ops.
type Configurator struct {
	link netlink.Link

	addr   netip.Prefix
	router netip.Addr
	active bool
}

// NewConfigurator returns a Configurator for the named interface.
func NewConfigurator(ifName string) (*Configurator, error) {
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return nil, fmt.Errorf("link not found for interface %s: %w", ifName, err)
	}
	return &Configurator{link: link}, nil
}

// Apply installs addr and, when router is valid, a default route
// through it. A previously installed configuration with different
// values is withdrawn first.
func (c *Configurator) Apply(addr netip.Prefix, router netip.Addr) error {
	if c.active && c.addr == addr && c.router == router {
		return nil
	}
	if c.active {
		if err := c.Clear(); err != nil {
			return err
		}
	}

	if err := netlink.AddrReplace(c.link, nlAddr(addr)); err != nil {
		return fmt.Errorf("fail to set up address %s on %s: %w", addr, c.link.Attrs().Name, err)
	}

	if router.IsValid() {
		if err := netlink.RouteReplace(c.defaultRoute(router)); err != nil {
			// Roll back the address so a half-applied lease is not
			// left behind.
			if delErr := netlink.AddrDel(c.link, nlAddr(addr)); delErr != nil && !errors.Is(delErr, syscall.EADDRNOTAVAIL) {
				klog.Infof("fail to roll back address %s: %v", addr, delErr)
			}
			return fmt.Errorf("fail to add default route via %s on %s: %w", router, c.link.Attrs().Name, err)
		}
	}

	c.addr = addr
	c.router = router
	c.active = true
	klog.Infof("%s: configured %s via %s", c.link.Attrs().Name, addr, router)
	return nil
}

// Clear withdraws whatever Apply installed. Clearing twice is a
// no-op.
func (c *Configurator) Clear() error {
	if !c.active {
		return nil
	}
	errorList := []error{}
	if c.router.IsValid() {
		if err := netlink.RouteDel(c.defaultRoute(c.router)); err != nil && !errors.Is(err, syscall.ESRCH) {
			errorList = append(errorList, fmt.Errorf("fail to delete default route via %s: %w", c.router, err))
		}
	}
	if err := netlink.AddrDel(c.link, nlAddr(c.addr)); err != nil && !errors.Is(err, syscall.EADDRNOTAVAIL) {
		errorList = append(errorList, fmt.Errorf("fail to delete address %s: %w", c.addr, err))
	}
	c.active = false
	c.addr = netip.Prefix{}
	c.router = netip.Addr{}
	return errors.Join(errorList...)
}

func (c *Configurator) defaultRoute(router netip.Addr) *netlink.Route {
	return &netlink.Route{
		LinkIndex: c.link.Attrs().Index,
		Dst:       &net.IPNet{IP: net.IPv4zero, Mask: net.CIDRMask(0, 32)},
		Gw:        net.IP(router.AsSlice()),
	}
}

func nlAddr(p netip.Prefix) *netlink.Addr {
	return &netlink.Addr{IPNet: &net.IPNet{
		IP:   net.IP(p.Addr().AsSlice()),
		Mask: net.CIDRMask(p.Bits(), 32),
	}}
}
