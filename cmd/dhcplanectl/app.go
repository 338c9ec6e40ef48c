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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

var serverAddress string

var rootCmd = &cobra.Command{
	Use:   "dhcplanectl",
	Short: "A tool to inspect a running dhcplaned",
	Long:  `This tool queries the HTTP endpoint of a running dhcplaned daemon.`,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon's DHCP state and lease",
	RunE: func(cmd *cobra.Command, args []string) error {
		httpClient := &http.Client{Timeout: 5 * time.Second}
		resp, err := httpClient.Get(fmt.Sprintf("http://%s/status", serverAddress))
		if err != nil {
			return fmt.Errorf("can not reach dhcplaned at %s: %w", serverAddress, err)
		}
		defer resp.Body.Close()

		var st struct {
			Interface string   `json:"interface"`
			State     string   `json:"state"`
			HasLease  bool     `json:"hasLease"`
			Address   string   `json:"address"`
			Router    string   `json:"router"`
			DNS       []string `json:"dns"`
			Server    string   `json:"server"`
			LeaseSec  uint32   `json:"leaseSeconds"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return fmt.Errorf("can not decode status: %w", err)
		}

		fmt.Printf("Interface: %s\n", st.Interface)
		fmt.Printf("State:     %s\n", st.State)
		if !st.HasLease {
			return nil
		}
		fmt.Printf("Address:   %s\n", st.Address)
		if st.Router != "" {
			fmt.Printf("Router:    %s\n", st.Router)
		}
		for _, d := range st.DNS {
			fmt.Printf("DNS:       %s\n", d)
		}
		fmt.Printf("Server:    %s\n", st.Server)
		fmt.Printf("Lease:     %ds\n", st.LeaseSec)
		return nil
	},
}

// version is stamped at build time with -ldflags.
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the dhcplanectl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		klog.Infof("\nReceived signal: %v. Shutting down...\n", sig)
		cancel()
	}()

	// enable klog flags
	klog.InitFlags(nil)
	pflag.CommandLine.AddGoFlag(flag.CommandLine.Lookup("v"))
	pflag.CommandLine.AddGoFlag(flag.CommandLine.Lookup("logtostderr"))
	err := pflag.CommandLine.Set("logtostderr", "true")
	if err != nil {
		klog.Fatal(err)
	}
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		klog.Info(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddress, "server", "localhost:9178", "address of the dhcplaned metrics endpoint")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}
