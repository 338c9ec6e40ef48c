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

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vishvananda/netns"
	"k8s.io/klog/v2"

	"github.com/google/dhcplane/pkg/client"
	"github.com/google/dhcplane/pkg/netconf"
	"github.com/google/dhcplane/pkg/rawsock"
)

var (
	ifName        string
	bindAddress   string
	netnsPath     string
	clientID      string
	vendorClassID string
	requestIP     string

	baseRtxTimeout     uint
	maxRtxTimeout      uint
	resetTimeout       uint
	minRenewRtxTimeout uint
	arpResponseTimeout uint
	numArpQueries      uint
	ttl                uint

	ready atomic.Bool
)

func init() {
	flag.StringVar(&ifName, "interface", "", "Network interface to run the DHCP client on (required)")
	flag.StringVar(&bindAddress, "bind-address", ":9178", "The IP address and port for the metrics and healthz server to serve on")
	flag.StringVar(&netnsPath, "netns", "", "Path to a network namespace to run in (e.g. /var/run/netns/blue)")
	flag.StringVar(&clientID, "client-id", "", "DHCP client identifier (option 61)")
	flag.StringVar(&vendorClassID, "vendor-class-id", "", "DHCP vendor class identifier (option 60)")
	flag.StringVar(&requestIP, "request-ip", "", "Previously leased address to request without discovery")
	flag.UintVar(&baseRtxTimeout, "base-rtx-timeout", 0, "Initial retransmission timeout in seconds (1-4, 0 for default)")
	flag.UintVar(&maxRtxTimeout, "max-rtx-timeout", 0, "Retransmission timeout cap in seconds (0 for default)")
	flag.UintVar(&resetTimeout, "reset-timeout", 0, "Cool-off after a failure in seconds (1-128, 0 for default)")
	flag.UintVar(&minRenewRtxTimeout, "min-renew-rtx-timeout", 0, "Renew/rebind retransmission floor in seconds (10-255, 0 for default)")
	flag.UintVar(&arpResponseTimeout, "arp-response-timeout", 0, "Wait after each ARP query in seconds (1-5, 0 for default)")
	flag.UintVar(&numArpQueries, "num-arp-queries", 0, "Unanswered ARP queries before binding (1-10, 0 for default)")
	flag.UintVar(&ttl, "ttl", 0, "IP TTL on outbound DHCP datagrams (0 for default)")

	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: dhcplaned [options]\n\n")
		flag.PrintDefaults()
	}
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	flag.VisitAll(func(f *flag.Flag) {
		klog.Infof("FLAG: --%s=%q", f.Name, f.Value)
	})

	if ifName == "" {
		klog.Fatalf("--interface is required")
	}

	if netnsPath != "" {
		// The sockets and netlink handles below must all be created
		// inside the target namespace, so pin the whole process.
		runtime.LockOSThread()
		ns, err := netns.GetFromPath(netnsPath)
		if err != nil {
			klog.Fatalf("can not get network namespace from path %s: %v", netnsPath, err)
		}
		defer ns.Close()
		if err := netns.Set(ns); err != nil {
			klog.Fatalf("can not enter network namespace %s: %v", netnsPath, err)
		}
	}

	cfg := client.Config{
		ClientID:                  []byte(clientID),
		VendorClassID:             []byte(vendorClassID),
		BaseRtxTimeoutSeconds:     uint8(baseRtxTimeout),
		MaxRtxTimeoutSeconds:      uint8(maxRtxTimeout),
		ResetTimeoutSeconds:       uint8(resetTimeout),
		MinRenewRtxTimeoutSeconds: uint8(minRenewRtxTimeout),
		ArpResponseTimeoutSeconds: uint8(arpResponseTimeout),
		NumArpQueries:             uint8(numArpQueries),
		TTL:                       uint8(ttl),
	}
	if requestIP != "" {
		addr, err := netip.ParseAddr(requestIP)
		if err != nil {
			klog.Fatalf("invalid --request-ip %q: %v", requestIP, err)
		}
		cfg.RequestedIP = addr
	}
	cfg.SetDefaults()

	transport, err := rawsock.NewTransport(ifName, cfg.TTL)
	if err != nil {
		klog.Fatalf("can not open DHCP sockets: %v", err)
	}
	defer transport.Close()

	monitor, err := netconf.NewLinkMonitor(ifName)
	if err != nil {
		klog.Fatalf("can not watch link state: %v", err)
	}
	defer monitor.Close()

	link, err := rawsock.NewLink(ifName, monitor.Events())
	if err != nil {
		klog.Fatalf("can not open ARP socket: %v", err)
	}
	defer link.Close()

	configurator, err := netconf.NewConfigurator(ifName)
	if err != nil {
		klog.Fatalf("can not configure interface: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	c, err := client.New(client.Options{
		Interface: ifName,
		Config:    cfg,
		Transport: transport,
		Link:      link,
		Netconf:   configurator,
		Handler: func(ev client.Event) {
			switch ev.Type {
			case client.LeaseObtained, client.LeaseRenewed:
				ready.Store(true)
			default:
				ready.Store(false)
			}
		},
		Registerer: registry,
		LinkUp:     monitor.Up(),
	})
	if err != nil {
		klog.Fatalf("can not create DHCP client: %v", err)
	}

	mux := http.NewServeMux()
	// Add healthz handler
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
	})
	// Add metrics handler
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	// Add status handler with the current lease
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statusJSON(c.Status()))
	})
	go func() {
		_ = http.ListenAndServe(bindAddress, mux)
	}()

	ctx, cancel := context.WithCancel(context.Background())

	// Trap signals for graceful shutdown.
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalCh
		klog.Infof("received signal %v, shutting down", sig)
		cancel()
	}()

	c.Run(ctx)
	klog.Infof("dhcplaned stopped")
}

// status is the JSON document served on /status and consumed by
// dhcplanectl.
type status struct {
	Interface string   `json:"interface"`
	State     string   `json:"state"`
	HasLease  bool     `json:"hasLease"`
	Address   string   `json:"address,omitempty"`
	Router    string   `json:"router,omitempty"`
	DNS       []string `json:"dns,omitempty"`
	Server    string   `json:"server,omitempty"`
	LeaseSec  uint32   `json:"leaseSeconds,omitempty"`
}

func statusJSON(s client.Snapshot) status {
	out := status{
		Interface: ifName,
		State:     s.State.String(),
		HasLease:  s.HasLease,
	}
	if s.HasLease {
		out.Address = s.Lease.Prefix().String()
		if s.Lease.Router.IsValid() {
			out.Router = s.Lease.Router.String()
		}
		for _, d := range s.Lease.DNS {
			out.DNS = append(out.DNS, d.String())
		}
		out.Server = s.Lease.ServerID.String()
		out.LeaseSec = s.Lease.LeaseSeconds
	}
	return out
}
