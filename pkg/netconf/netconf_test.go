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

package netconf

import (
	"net/netip"
	"testing"

	"github.com/vishvananda/netlink"
)

func TestLinkUp(t *testing.T) {
	tests := []struct {
		name  string
		attrs netlink.LinkAttrs
		want  bool
	}{
		{
			name:  "oper up and admin up",
			attrs: netlink.LinkAttrs{OperState: netlink.OperUp, Flags: netlink.FlagUp},
			want:  true,
		},
		{
			name:  "oper up but admin down",
			attrs: netlink.LinkAttrs{OperState: netlink.OperUp},
			want:  false,
		},
		{
			name:  "oper down",
			attrs: netlink.LinkAttrs{OperState: netlink.OperDown, Flags: netlink.FlagUp},
			want:  false,
		},
		{
			// Drivers without carrier reporting leave OperUnknown.
			name:  "oper unknown and admin up",
			attrs: netlink.LinkAttrs{OperState: netlink.OperUnknown, Flags: netlink.FlagUp},
			want:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attrs := tt.attrs
			if got := linkUp(&attrs); got != tt.want {
				t.Errorf("linkUp() = %t, want %t", got, tt.want)
			}
		})
	}
}

func TestNlAddr(t *testing.T) {
	a := nlAddr(netip.MustParsePrefix("192.0.2.10/24"))
	if got := a.IPNet.String(); got != "192.0.2.10/24" {
		t.Errorf("nlAddr() = %s, want 192.0.2.10/24", got)
	}
}
