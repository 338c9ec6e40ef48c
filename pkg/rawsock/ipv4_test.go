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
	"bytes"
	"encoding/binary"
	"net/netip"
	"testing"
)

// buildUDP4 assembles an IPv4+UDP packet with valid checksums.
func buildUDP4(src, dst [4]byte, srcPort, dstPort uint16, payload []byte) []byte {
	udpLen := udpHeaderSize + len(payload)
	b := make([]byte, ipv4MinHeaderSize+udpLen)

	b[0] = 0x45
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
	b[8] = 64
	b[9] = protoUDP
	copy(b[12:16], src[:])
	copy(b[16:20], dst[:])
	binary.BigEndian.PutUint16(b[10:12], ^checksum(b[:ipv4MinHeaderSize], 0))

	udp := b[ipv4MinHeaderSize:]
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	copy(udp[udpHeaderSize:], payload)
	pseudo := pseudoHeaderChecksum(src[:], dst[:], uint16(udpLen))
	binary.BigEndian.PutUint16(udp[6:8], ^checksum(udp, pseudo))

	return b
}

func TestParseIPv4UDP(t *testing.T) {
	src := [4]byte{192, 0, 2, 1}
	dst := [4]byte{255, 255, 255, 255}
	payload := []byte("dhcp payload")

	pkt := buildUDP4(src, dst, 67, 68, payload)
	d, err := parseIPv4UDP(pkt)
	if err != nil {
		t.Fatalf("parseIPv4UDP() = %v", err)
	}
	if !bytes.Equal(d.payload, payload) {
		t.Errorf("payload = %q, want %q", d.payload, payload)
	}
	if d.src != netip.AddrFrom4(src) {
		t.Errorf("src = %s, want %s", d.src, netip.AddrFrom4(src))
	}
	if d.srcPort != 67 || d.dstPort != 68 {
		t.Errorf("ports = %d/%d, want 67/68", d.srcPort, d.dstPort)
	}
}

func TestParseIPv4UDPRejects(t *testing.T) {
	src := [4]byte{192, 0, 2, 1}
	dst := [4]byte{192, 0, 2, 10}
	good := buildUDP4(src, dst, 67, 68, []byte{1, 2, 3})

	tests := []struct {
		name   string
		mangle func([]byte) []byte
	}{
		{"truncated", func(b []byte) []byte { return b[:10] }},
		{"wrong version", func(b []byte) []byte { b[0] = 0x65; return b }},
		{"damaged header", func(b []byte) []byte { b[10] ^= 0xff; return b }},
		{"fragment", func(b []byte) []byte {
			binary.BigEndian.PutUint16(b[6:8], 0x2000)
			binary.BigEndian.PutUint16(b[10:12], 0)
			binary.BigEndian.PutUint16(b[10:12], ^checksum(b[:ipv4MinHeaderSize], 0))
			return b
		}},
		{"not udp", func(b []byte) []byte {
			b[9] = 6
			binary.BigEndian.PutUint16(b[10:12], 0)
			binary.BigEndian.PutUint16(b[10:12], ^checksum(b[:ipv4MinHeaderSize], 0))
			return b
		}},
		{"damaged udp checksum", func(b []byte) []byte {
			b[len(b)-1] ^= 0xff
			return b
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := make([]byte, len(good))
			copy(b, good)
			if _, err := parseIPv4UDP(tt.mangle(b)); err == nil {
				t.Error("parseIPv4UDP() = nil, want error")
			}
		})
	}
}

func TestParseIPv4UDPZeroChecksumAccepted(t *testing.T) {
	src := [4]byte{192, 0, 2, 1}
	dst := [4]byte{192, 0, 2, 10}
	pkt := buildUDP4(src, dst, 67, 68, []byte{9, 9})
	// A zero UDP checksum means "not computed" and must be accepted.
	pkt[ipv4MinHeaderSize+6] = 0
	pkt[ipv4MinHeaderSize+7] = 0
	if _, err := parseIPv4UDP(pkt); err != nil {
		t.Errorf("parseIPv4UDP() = %v, want nil", err)
	}
}
