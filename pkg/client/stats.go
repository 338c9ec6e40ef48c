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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stats collects DHCP statistics per client.
type Stats struct {
	InitAcquire   prometheus.Counter
	RenewAcquire  prometheus.Counter
	RebindAcquire prometheus.Counter

	SendDiscovers prometheus.Counter
	SendRequests  prometheus.Counter
	SendDeclines  prometheus.Counter
	RecvOffers    prometheus.Counter
	RecvAcks      prometheus.Counter
	RecvNaks      prometheus.Counter

	RecvDropped   prometheus.Counter
	SendErrors    prometheus.Counter
	SendRetries   prometheus.Counter
	ArpConflicts  prometheus.Counter
	LeaseExpiries prometheus.Counter

	LeasesObtained prometheus.Counter
	LeasesRenewed  prometheus.Counter
	LeasesLost     prometheus.Counter
	LinkDowns      prometheus.Counter
}

func newStats(reg prometheus.Registerer, ifName string) *Stats {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	counter := func(name, help string) prometheus.Counter {
		return promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace:   "dhcplane",
			Subsystem:   "client",
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"interface": ifName},
		})
	}
	return &Stats{
		InitAcquire:    counter("init_acquire_total", "Acquisitions started from discovery."),
		RenewAcquire:   counter("renew_acquire_total", "Renewals started."),
		RebindAcquire:  counter("rebind_acquire_total", "Rebindings started."),
		SendDiscovers:  counter("send_discovers_total", "DISCOVER messages sent."),
		SendRequests:   counter("send_requests_total", "REQUEST messages sent."),
		SendDeclines:   counter("send_declines_total", "DECLINE messages sent."),
		RecvOffers:     counter("recv_offers_total", "Valid OFFER messages received."),
		RecvAcks:       counter("recv_acks_total", "Valid ACK messages received."),
		RecvNaks:       counter("recv_naks_total", "Valid NAK messages received."),
		RecvDropped:    counter("recv_dropped_total", "Received messages dropped by validation."),
		SendErrors:     counter("send_errors_total", "Message transmit failures."),
		SendRetries:    counter("send_retries_total", "Transmits deferred for neighbor resolution."),
		ArpConflicts:   counter("arp_conflicts_total", "Candidate addresses declined after an ARP response."),
		LeaseExpiries:  counter("lease_expiries_total", "Leases that expired without renewal."),
		LeasesObtained: counter("leases_obtained_total", "LeaseObtained events."),
		LeasesRenewed:  counter("leases_renewed_total", "LeaseRenewed events."),
		LeasesLost:     counter("leases_lost_total", "LeaseLost events."),
		LinkDowns:      counter("link_downs_total", "LinkDown events."),
	}
}
