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
	"fmt"
	"net/netip"
)

const (
	// MaxClientIDSize bounds the client identifier option value.
	MaxClientIDSize = 64
	// MaxVendorClassIDSize bounds the vendor class identifier option
	// value.
	MaxVendorClassIDSize = 64
)

// Config holds the client's immutable configuration. The zero value
// is not usable; call SetDefaults before Validate.
type Config struct {
	// ClientID is the optional client identifier (option 61).
	ClientID []byte
	// VendorClassID is the optional vendor class identifier (option
	// 60). It is omitted from DECLINE messages.
	VendorClassID []byte
	// RequestedIP, when valid, makes the client start in REBOOTING
	// and request this address without discovery.
	RequestedIP netip.Addr

	// MaxDNSServers bounds the DNS servers kept from a lease (1-31).
	MaxDNSServers uint8
	// XidReuseMax is how many DISCOVERs are sent with one XID before
	// it is regenerated (1-5).
	XidReuseMax uint8
	// MaxRequests bounds the REQUEST sends in REQUESTING, the first
	// one included (1-5).
	MaxRequests uint8
	// MaxRebootRequests bounds the REQUEST sends in REBOOTING, the
	// first one included (1-5).
	MaxRebootRequests uint8
	// BaseRtxTimeoutSeconds is the first retransmission timeout (1-4).
	BaseRtxTimeoutSeconds uint8
	// MaxRtxTimeoutSeconds caps the doubled retransmission timeout
	// (BaseRtxTimeoutSeconds-255).
	MaxRtxTimeoutSeconds uint8
	// ResetTimeoutSeconds is the RESETTING cool-off (1-128).
	ResetTimeoutSeconds uint8
	// MinRenewRtxTimeoutSeconds floors the renew/rebind
	// retransmission interval (10-255).
	MinRenewRtxTimeoutSeconds uint8
	// ArpResponseTimeoutSeconds is the wait after each ARP query
	// (1-5).
	ArpResponseTimeoutSeconds uint8
	// NumArpQueries is how many unanswered ARP queries clear a
	// candidate address (1-10).
	NumArpQueries uint8
	// TTL is the IP TTL on outbound DHCP datagrams.
	TTL uint8
}

// SetDefaults fills unset numeric knobs with the defaults used by the
// daemon.
func (c *Config) SetDefaults() {
	if c.MaxDNSServers == 0 {
		c.MaxDNSServers = 4
	}
	if c.XidReuseMax == 0 {
		c.XidReuseMax = 3
	}
	if c.MaxRequests == 0 {
		c.MaxRequests = 3
	}
	if c.MaxRebootRequests == 0 {
		c.MaxRebootRequests = 2
	}
	if c.BaseRtxTimeoutSeconds == 0 {
		c.BaseRtxTimeoutSeconds = 4
	}
	if c.MaxRtxTimeoutSeconds == 0 {
		c.MaxRtxTimeoutSeconds = 64
	}
	if c.ResetTimeoutSeconds == 0 {
		c.ResetTimeoutSeconds = 3
	}
	if c.MinRenewRtxTimeoutSeconds == 0 {
		c.MinRenewRtxTimeoutSeconds = 60
	}
	if c.ArpResponseTimeoutSeconds == 0 {
		c.ArpResponseTimeoutSeconds = 1
	}
	if c.NumArpQueries == 0 {
		c.NumArpQueries = 2
	}
	if c.TTL == 0 {
		c.TTL = 64
	}
}

// Validate checks every knob against its allowed range and returns
// all violations joined.
func (c *Config) Validate() error {
	var errorsList []error
	if len(c.ClientID) > MaxClientIDSize {
		errorsList = append(errorsList, fmt.Errorf("client identifier too long: %d > %d", len(c.ClientID), MaxClientIDSize))
	}
	if len(c.VendorClassID) > MaxVendorClassIDSize {
		errorsList = append(errorsList, fmt.Errorf("vendor class identifier too long: %d > %d", len(c.VendorClassID), MaxVendorClassIDSize))
	}
	if c.RequestedIP.IsValid() && !c.RequestedIP.Is4() {
		errorsList = append(errorsList, fmt.Errorf("requested IP %s is not IPv4", c.RequestedIP))
	}
	if c.MaxDNSServers < 1 || c.MaxDNSServers > 31 {
		errorsList = append(errorsList, fmt.Errorf("MaxDNSServers %d outside [1,31]", c.MaxDNSServers))
	}
	if c.XidReuseMax < 1 || c.XidReuseMax > 5 {
		errorsList = append(errorsList, fmt.Errorf("XidReuseMax %d outside [1,5]", c.XidReuseMax))
	}
	if c.MaxRequests < 1 || c.MaxRequests > 5 {
		errorsList = append(errorsList, fmt.Errorf("MaxRequests %d outside [1,5]", c.MaxRequests))
	}
	if c.MaxRebootRequests < 1 || c.MaxRebootRequests > 5 {
		errorsList = append(errorsList, fmt.Errorf("MaxRebootRequests %d outside [1,5]", c.MaxRebootRequests))
	}
	if c.BaseRtxTimeoutSeconds < 1 || c.BaseRtxTimeoutSeconds > 4 {
		errorsList = append(errorsList, fmt.Errorf("BaseRtxTimeoutSeconds %d outside [1,4]", c.BaseRtxTimeoutSeconds))
	}
	if c.MaxRtxTimeoutSeconds < c.BaseRtxTimeoutSeconds {
		errorsList = append(errorsList, fmt.Errorf("MaxRtxTimeoutSeconds %d below BaseRtxTimeoutSeconds %d", c.MaxRtxTimeoutSeconds, c.BaseRtxTimeoutSeconds))
	}
	if c.ResetTimeoutSeconds < 1 || c.ResetTimeoutSeconds > 128 {
		errorsList = append(errorsList, fmt.Errorf("ResetTimeoutSeconds %d outside [1,128]", c.ResetTimeoutSeconds))
	}
	if c.MinRenewRtxTimeoutSeconds < 10 {
		errorsList = append(errorsList, fmt.Errorf("MinRenewRtxTimeoutSeconds %d below 10", c.MinRenewRtxTimeoutSeconds))
	}
	if c.ArpResponseTimeoutSeconds < 1 || c.ArpResponseTimeoutSeconds > 5 {
		errorsList = append(errorsList, fmt.Errorf("ArpResponseTimeoutSeconds %d outside [1,5]", c.ArpResponseTimeoutSeconds))
	}
	if c.NumArpQueries < 1 || c.NumArpQueries > 10 {
		errorsList = append(errorsList, fmt.Errorf("NumArpQueries %d outside [1,10]", c.NumArpQueries))
	}
	return errors.Join(errorsList...)
}
