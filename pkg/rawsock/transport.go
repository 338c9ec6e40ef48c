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

// Package rawsock provides the Linux sockets behind the DHCP client:
// a UDP socket for transmit, an AF_PACKET socket for receive (so
// datagrams addressed to an address we do not hold yet are still
// seen, and the sender's MAC is available), and an AF_PACKET ARP
// socket for the duplicate-address probe.
package rawsock

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"syscall"

	"github.com/mdlayher/packet"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/google/dhcplane/pkg/client"
	"github.com/google/dhcplane/pkg/dhcp"
)

const etherTypeIPv4 = 0x0800

// Transport implements client.Transport on a pair of sockets.
type Transport struct {
	ifName  string
	udp     net.PacketConn
	rx      *packet.Conn
	packets chan client.Packet
	retry   chan struct{}
}

// NewTransport opens the send and receive sockets on ifName. ttl is
// the IP TTL for outbound datagrams.
func NewTransport(ifName string, ttl uint8) (*Transport, error) {
	udp, err := newSendSocket(ifName, ttl)
	if err != nil {
		return nil, err
	}

	ifi, err := net.InterfaceByName(ifName)
	if err != nil {
		udp.Close()
		return nil, fmt.Errorf("fail to look up interface %s: %w", ifName, err)
	}
	rx, err := packet.Listen(ifi, packet.Datagram, etherTypeIPv4, nil)
	if err != nil {
		udp.Close()
		return nil, fmt.Errorf("fail to open receive socket on %s: %w", ifName, err)
	}

	t := &Transport{
		ifName:  ifName,
		udp:     udp,
		rx:      rx,
		packets: make(chan client.Packet, 8),
		retry:   make(chan struct{}, 1),
	}
	go t.readLoop()
	return t, nil
}

// newSendSocket creates the UDP socket bound to 0.0.0.0:68 on the
// device, with broadcast allowed so the client can transmit before it
// holds an address.
func newSendSocket(ifName string, ttl uint8) (net.PacketConn, error) {
	sockFD, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("fail to create socket: %w", err)
	}

	// Go's network poller expects non-blocking file descriptors.
	if err := syscall.SetNonblock(sockFD, true); err != nil {
		syscall.Close(sockFD)
		return nil, fmt.Errorf("fail setting non-blocking: %w", err)
	}
	// Bind to the specific device
	if err := syscall.SetsockoptString(sockFD, syscall.SOL_SOCKET, syscall.SO_BINDTODEVICE, ifName); err != nil {
		syscall.Close(sockFD)
		return nil, fmt.Errorf("failed to set SO_BINDTODEVICE to '%s': %w", ifName, err)
	}
	// Set socket options: SO_REUSEADDR and SO_BROADCAST
	if err := syscall.SetsockoptInt(sockFD, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
		syscall.Close(sockFD)
		return nil, fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
	}
	if err := syscall.SetsockoptInt(sockFD, syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1); err != nil {
		syscall.Close(sockFD)
		return nil, fmt.Errorf("failed to set SO_BROADCAST: %w", err)
	}
	if err := syscall.SetsockoptInt(sockFD, unix.IPPROTO_IP, unix.IP_TTL, int(ttl)); err != nil {
		syscall.Close(sockFD)
		return nil, fmt.Errorf("failed to set IP_TTL: %w", err)
	}

	var sockaddr syscall.SockaddrInet4
	sockaddr.Port = dhcp.ClientPort
	copy(sockaddr.Addr[:], net.IPv4zero.To4())
	if err := syscall.Bind(sockFD, &sockaddr); err != nil {
		syscall.Close(sockFD)
		return nil, fmt.Errorf("failed to bind socket to 0.0.0.0:%d: %w", dhcp.ClientPort, err)
	}

	file := os.NewFile(uintptr(sockFD), "dhcp-socket")
	if file == nil {
		syscall.Close(sockFD)
		return nil, fmt.Errorf("error creating os.File from file descriptor")
	}
	// use golang library to avoid working with low level syscalls
	udpConn, err := net.FilePacketConn(file)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("fail to create PacketConn on socket: %w", err)
	}
	return udpConn, nil
}

// Send transmits payload to dst on the server port.
func (t *Transport) Send(payload []byte, dst netip.Addr) error {
	addr := &net.UDPAddr{IP: net.IP(dst.AsSlice()), Port: dhcp.ServerPort}
	if _, err := t.udp.WriteTo(payload, addr); err != nil {
		return fmt.Errorf("fail to send to %s: %w", addr, err)
	}
	return nil
}

// CancelRetry is a no-op: the kernel resolves neighbors for the UDP
// socket, so this transport never defers a send. The hook matters for
// transports that do their own neighbor resolution.
func (t *Transport) CancelRetry() {}

func (t *Transport) Packets() <-chan client.Packet {
	return t.packets
}

func (t *Transport) Retry() <-chan struct{} {
	return t.retry
}

// Close shuts both sockets down; the read loop exits.
func (t *Transport) Close() {
	t.udp.Close()
	t.rx.Close()
}

func (t *Transport) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, addr, err := t.rx.ReadFrom(buf)
		if err != nil {
			klog.V(4).Infof("%s: receive socket closed: %v", t.ifName, err)
			return
		}
		d, err := parseIPv4UDP(buf[:n])
		if err != nil {
			continue
		}
		if d.dstPort != dhcp.ClientPort || d.srcPort != dhcp.ServerPort {
			continue
		}

		var srcMAC net.HardwareAddr
		if hw, ok := addr.(*packet.Addr); ok {
			srcMAC = hw.HardwareAddr
		}
		data := make([]byte, len(d.payload))
		copy(data, d.payload)
		select {
		case t.packets <- client.Packet{Data: data, Src: d.src, SrcMAC: srcMAC}:
		default:
			// The client is wedged; dropping is safer than blocking
			// the socket reader. DHCP retransmits.
			klog.V(4).Infof("%s: receive queue full, dropping datagram", t.ifName)
		}
	}
}
