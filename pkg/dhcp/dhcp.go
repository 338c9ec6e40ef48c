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
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

const (
	// DHCP op codes
	OpBootRequest = 1
	OpBootReply   = 2

	// Hardware address types
	HtypeEthernet = 1
	HlenEthernet  = 6

	// DHCP ports
	ClientPort = 68
	ServerPort = 67

	// Magic cookie for DHCP options
	magicCookie = 0x63825363 // 99.130.83.99

	// Fixed header size up to and including the file field, not
	// counting the magic cookie.
	fixedHeaderSize = 236

	// MaxMessageSize is the value advertised in option 57: an Ethernet
	// MTU of 1500 minus the IPv4 and UDP headers.
	MaxMessageSize = 1472
)

// DHCP options consumed or emitted by the client.
const (
	OptPad                  = 0
	OptSubnetMask           = 1
	OptRouter               = 3
	OptDNSServers           = 6
	OptRequestedIPAddress   = 50
	OptLeaseTime            = 51
	OptOverload             = 52
	OptMessageType          = 53
	OptServerIdentifier     = 54
	OptParameterRequestList = 55
	OptMessage              = 56
	OptMaxMessageSize       = 57
	OptRenewalTime          = 58
	OptRebindingTime        = 59
	OptVendorClassID        = 60
	OptClientID             = 61
	OptEnd                  = 255
)

// MessageType is the value of option 53.
type MessageType byte

const (
	TypeDiscover MessageType = 1
	TypeOffer    MessageType = 2
	TypeRequest  MessageType = 3
	TypeDecline  MessageType = 4
	TypeAck      MessageType = 5
	TypeNak      MessageType = 6
	TypeRelease  MessageType = 7
	TypeInform   MessageType = 8
)

func (t MessageType) String() string {
	switch t {
	case TypeDiscover:
		return "DISCOVER"
	case TypeOffer:
		return "OFFER"
	case TypeRequest:
		return "REQUEST"
	case TypeDecline:
		return "DECLINE"
	case TypeAck:
		return "ACK"
	case TypeNak:
		return "NAK"
	case TypeRelease:
		return "RELEASE"
	case TypeInform:
		return "INFORM"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

// Option represents a DHCP option (Type, Value). The length octet is
// derived from the value when marshaling.
type Option struct {
	Type  byte
	Value []byte
}

/*

   0                   1                   2                   3
   0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
   |     op (1)    |   htype (1)   |   hlen (1)    |   hops (1)    |
   +---------------+---------------+---------------+---------------+
   |                            xid (4)                            |
   +-------------------------------+-------------------------------+
   |           secs (2)            |           flags (2)           |
   +-------------------------------+-------------------------------+
   |                          ciaddr  (4)                          |
   +---------------------------------------------------------------+
   |                          yiaddr  (4)                          |
   +---------------------------------------------------------------+
   |                          siaddr  (4)                          |
   +---------------------------------------------------------------+
   |                          giaddr  (4)                          |
   +---------------------------------------------------------------+
   |                                                               |
   |                          chaddr  (16)                         |
   |                                                               |
   |                                                               |
   +---------------------------------------------------------------+
   |                                                               |
   |                          sname   (64)                         |
   +---------------------------------------------------------------+
   |                                                               |
   |                          file    (128)                        |
   +---------------------------------------------------------------+
   |                                                               |
   |                          options (variable)                   |
   +---------------------------------------------------------------+

                  Figure 1:  Format of a DHCP message
                  https://datatracker.ietf.org/doc/html/rfc2131
*/
// Packet represents the structure of a DHCP message
type Packet struct {
	Op      byte
	Htype   byte
	Hlen    byte
	Hops    byte
	Xid     uint32
	Secs    uint16
	Flags   uint16
	Ciaddr  net.IP           // Client IP address
	Yiaddr  net.IP           // Your (client) IP address
	Siaddr  net.IP           // Server IP address
	Giaddr  net.IP           // Gateway IP address
	Chaddr  net.HardwareAddr // Client hardware address
	Sname   [64]byte         // Server host name
	File    [128]byte        // Boot file name
	Options []Option
}

// NewRequest returns a BootRequest packet with the Ethernet hardware
// fields and transaction ID filled in and all addresses zeroed.
func NewRequest(chaddr net.HardwareAddr, xid uint32) *Packet {
	return &Packet{
		Op:     OpBootRequest,
		Htype:  HtypeEthernet,
		Hlen:   HlenEthernet,
		Xid:    xid,
		Ciaddr: net.IPv4zero,
		Yiaddr: net.IPv4zero,
		Siaddr: net.IPv4zero,
		Giaddr: net.IPv4zero,
		Chaddr: chaddr,
	}
}

// AddOption appends an option to the packet.
func (p *Packet) AddOption(typ byte, value []byte) {
	p.Options = append(p.Options, Option{Type: typ, Value: value})
}

// Option retrieves the value of a specific DHCP option, or nil if the
// option is absent.
func (p *Packet) Option(typ byte) []byte {
	for _, opt := range p.Options {
		if opt.Type == typ {
			return opt.Value
		}
	}
	return nil
}

// Marshal serializes a Packet into a byte slice
func (p *Packet) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)

	// Write fixed-size header fields
	binary.Write(buf, binary.BigEndian, p.Op)
	binary.Write(buf, binary.BigEndian, p.Htype)
	binary.Write(buf, binary.BigEndian, p.Hlen)
	binary.Write(buf, binary.BigEndian, p.Hops)
	binary.Write(buf, binary.BigEndian, p.Xid)
	binary.Write(buf, binary.BigEndian, p.Secs)
	binary.Write(buf, binary.BigEndian, p.Flags)
	binary.Write(buf, binary.BigEndian, ip4bytes(p.Ciaddr))
	binary.Write(buf, binary.BigEndian, ip4bytes(p.Yiaddr))
	binary.Write(buf, binary.BigEndian, ip4bytes(p.Siaddr))
	binary.Write(buf, binary.BigEndian, ip4bytes(p.Giaddr))

	// Write chaddr (16 bytes, pad with zeros if less than 16)
	chaddrBuf := make([]byte, 16)
	copy(chaddrBuf, p.Chaddr)
	binary.Write(buf, binary.BigEndian, chaddrBuf)

	// Write sname and file (padded with zeros)
	binary.Write(buf, binary.BigEndian, p.Sname)
	binary.Write(buf, binary.BigEndian, p.File)

	// Write magic cookie
	binary.Write(buf, binary.BigEndian, uint32(magicCookie))

	// Write options
	for _, opt := range p.Options {
		if len(opt.Value) > 255 {
			return nil, fmt.Errorf("option %d value too long: %d bytes", opt.Type, len(opt.Value))
		}
		binary.Write(buf, binary.BigEndian, opt.Type)
		binary.Write(buf, binary.BigEndian, byte(len(opt.Value)))
		binary.Write(buf, binary.BigEndian, opt.Value)
	}
	binary.Write(buf, binary.BigEndian, byte(OptEnd)) // End option

	return buf.Bytes(), nil
}

// Unmarshal parses a byte slice into a Packet
func (p *Packet) Unmarshal(data []byte) error {
	if len(data) < fixedHeaderSize+4 { // Minimum DHCP packet size without options
		return fmt.Errorf("DHCP packet too short: %d bytes", len(data))
	}

	reader := bytes.NewReader(data)

	binary.Read(reader, binary.BigEndian, &p.Op)
	binary.Read(reader, binary.BigEndian, &p.Htype)
	binary.Read(reader, binary.BigEndian, &p.Hlen)
	binary.Read(reader, binary.BigEndian, &p.Hops)
	binary.Read(reader, binary.BigEndian, &p.Xid)
	binary.Read(reader, binary.BigEndian, &p.Secs)
	binary.Read(reader, binary.BigEndian, &p.Flags)

	for _, ip := range []*net.IP{&p.Ciaddr, &p.Yiaddr, &p.Siaddr, &p.Giaddr} {
		ipBuf := make([]byte, 4)
		binary.Read(reader, binary.BigEndian, ipBuf)
		*ip = net.IP(ipBuf)
	}

	chaddrBuf := make([]byte, 16)
	binary.Read(reader, binary.BigEndian, chaddrBuf)
	hlen := p.Hlen
	if hlen > 16 {
		hlen = 16
	}
	p.Chaddr = net.HardwareAddr(chaddrBuf[:hlen]) // Use Hlen for actual MAC length

	binary.Read(reader, binary.BigEndian, p.Sname[:])
	binary.Read(reader, binary.BigEndian, p.File[:])

	var cookie uint32
	binary.Read(reader, binary.BigEndian, &cookie)
	if cookie != magicCookie {
		return fmt.Errorf("invalid DHCP magic cookie: 0x%x", cookie)
	}

	opts, overload, err := parseOptions(data[fixedHeaderSize+4:])
	if err != nil {
		return err
	}
	p.Options = opts

	// RFC 2132 option overload: the file and sname areas carry more
	// options, scanned in that order.
	if overload&1 != 0 {
		opts, _, err := parseOptions(p.File[:])
		if err != nil {
			return err
		}
		p.Options = append(p.Options, opts...)
	}
	if overload&2 != 0 {
		opts, _, err := parseOptions(p.Sname[:])
		if err != nil {
			return err
		}
		p.Options = append(p.Options, opts...)
	}

	return nil
}

// parseOptions walks a TLV area, skipping padding and stopping at the
// end option. It returns the parsed options and the value of the
// overload option if one was seen.
func parseOptions(area []byte) ([]Option, byte, error) {
	var opts []Option
	var overload byte
	for i := 0; i < len(area); {
		optType := area[i]
		i++
		if optType == OptPad {
			continue
		}
		if optType == OptEnd {
			break
		}
		if i >= len(area) {
			return nil, 0, fmt.Errorf("missing length for option %d", optType)
		}
		optLen := int(area[i])
		i++
		if i+optLen > len(area) {
			return nil, 0, fmt.Errorf("option %d length %d exceeds packet", optType, optLen)
		}
		value := area[i : i+optLen : i+optLen]
		i += optLen
		if optType == OptOverload {
			if optLen != 1 {
				return nil, 0, fmt.Errorf("bad overload option length %d", optLen)
			}
			overload = value[0]
			continue
		}
		opts = append(opts, Option{Type: optType, Value: value})
	}
	return opts, overload, nil
}

// MsgType returns the value of option 53.
func (p *Packet) MsgType() (MessageType, bool) {
	v := p.Option(OptMessageType)
	if len(v) != 1 {
		return 0, false
	}
	return MessageType(v[0]), true
}

// ServerIdentifier returns the value of option 54.
func (p *Packet) ServerIdentifier() (netip.Addr, bool) {
	return p.addrOption(OptServerIdentifier)
}

// SubnetMask returns the value of option 1.
func (p *Packet) SubnetMask() (net.IPMask, bool) {
	v := p.Option(OptSubnetMask)
	if len(v) != 4 {
		return nil, false
	}
	return net.IPMask(v), true
}

// Router returns the first address of option 3.
func (p *Packet) Router() (netip.Addr, bool) {
	v := p.Option(OptRouter)
	if len(v) < 4 || len(v)%4 != 0 {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4([4]byte(v[:4])), true
}

// DNSServers returns up to max addresses from option 6.
func (p *Packet) DNSServers(max int) []netip.Addr {
	v := p.Option(OptDNSServers)
	if len(v) < 4 || len(v)%4 != 0 {
		return nil
	}
	var servers []netip.Addr
	for i := 0; i+4 <= len(v) && len(servers) < max; i += 4 {
		servers = append(servers, netip.AddrFrom4([4]byte(v[i:i+4])))
	}
	return servers
}

// LeaseSeconds returns the value of option 51.
func (p *Packet) LeaseSeconds() (uint32, bool) {
	return p.secondsOption(OptLeaseTime)
}

// RenewalSeconds returns the value of option 58.
func (p *Packet) RenewalSeconds() (uint32, bool) {
	return p.secondsOption(OptRenewalTime)
}

// RebindingSeconds returns the value of option 59.
func (p *Packet) RebindingSeconds() (uint32, bool) {
	return p.secondsOption(OptRebindingTime)
}

// Message returns the text of option 56.
func (p *Packet) Message() string {
	return string(p.Option(OptMessage))
}

func (p *Packet) addrOption(typ byte) (netip.Addr, bool) {
	v := p.Option(typ)
	if len(v) != 4 {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4([4]byte(v)), true
}

func (p *Packet) secondsOption(typ byte) (uint32, bool) {
	v := p.Option(typ)
	if len(v) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

func ip4bytes(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return net.IPv4zero.To4()
}
