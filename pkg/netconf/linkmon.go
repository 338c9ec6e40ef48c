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
	"fmt"

	"github.com/vishvananda/netlink"
	"k8s.io/klog/v2"

	"github.com/google/dhcplane/pkg/client"
)

// LinkMonitor watches one interface's carrier through a netlink link
// subscription and feeds edge-triggered up/down events to the client.
type LinkMonitor struct {
	ifName  string
	index   int
	up      bool
	events  chan client.LinkEvent
	updates chan netlink.LinkUpdate
	done    chan struct{}
}

// NewLinkMonitor subscribes to link updates for ifName. Up reports
// the carrier state at subscription time, so the caller can start the
// client in the right state before any event is delivered.
func NewLinkMonitor(ifName string) (*LinkMonitor, error) {
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return nil, fmt.Errorf("link not found for interface %s: %w", ifName, err)
	}

	m := &LinkMonitor{
		ifName:  ifName,
		index:   link.Attrs().Index,
		up:      linkUp(link.Attrs()),
		events:  make(chan client.LinkEvent, 4),
		updates: make(chan netlink.LinkUpdate, 16),
		done:    make(chan struct{}),
	}
	if err := netlink.LinkSubscribe(m.updates, m.done); err != nil {
		return nil, fmt.Errorf("fail to subscribe to link updates: %w", err)
	}
	go m.loop()
	return m, nil
}

// Up reports the carrier state observed at construction.
func (m *LinkMonitor) Up() bool {
	return m.up
}

// Events delivers edge-triggered carrier changes.
func (m *LinkMonitor) Events() <-chan client.LinkEvent {
	return m.events
}

// Close stops the subscription.
func (m *LinkMonitor) Close() {
	close(m.done)
}

func (m *LinkMonitor) loop() {
	up := m.up
	for update := range m.updates {
		if int(update.Index) != m.index {
			continue
		}
		now := linkUp(update.Link.Attrs())
		if now == up {
			continue
		}
		up = now
		klog.V(4).Infof("%s: carrier change, up=%t", m.ifName, now)
		select {
		case m.events <- client.LinkEvent{Up: now}:
		case <-m.done:
			return
		}
	}
}

func linkUp(attrs *netlink.LinkAttrs) bool {
	if attrs.OperState == netlink.OperUp || attrs.OperState == netlink.OperUnknown {
		return attrs.Flags&netlink.FlagUp != 0
	}
	return false
}
