package cmd

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/miekg/dns"
	"github.com/spf13/cobra"

	"dnsgate/internal/api"
	"dnsgate/internal/config"
	"dnsgate/internal/store"
	"dnsgate/internal/telemetry"
)

// NewStatusCmd creates the status command
func NewStatusCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check dnsgate status",
		Long:  `Probe the DNS engine on the TUN address and report the service and telemetry state.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return runStatus(cfg)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path")
	return cmd
}

func runStatus(cfg *config.Config) error {
	fmt.Println("🔍 dnsgate Status Check")
	fmt.Println("=======================")

	server := net.JoinHostPort(cfg.TUN.DNSAddress, "53")
	fmt.Printf("\n🌐 DNS engine (%s):\n", server)
	if rcode, err := probe(server, "example.com"); err != nil {
		fmt.Printf("❌ No answer: %v\n", err)
		fmt.Println("\n💡 To start the service:")
		fmt.Println("sudo dnsgate run")
	} else {
		fmt.Printf("✅ Allowed query answered (%s)\n", dns.RcodeToString[rcode])
		if rcode, err := probe(server, "bets10.com"); err == nil && rcode == dns.RcodeNameError {
			fmt.Println("✅ Blocked query answered with NXDOMAIN")
		} else {
			fmt.Println("⚠️  Blocked test domain was not refused")
		}
	}

	if cfg.API.Enabled {
		fmt.Printf("\n🔌 API (%s):\n", cfg.API.Listen)
		if st, err := fetchStatus(cfg); err != nil {
			fmt.Printf("❌ %v\n", err)
		} else {
			fmt.Printf("✅ Version %s\n", st.Version)
			if st.Engine != nil {
				fmt.Printf("   Upstream: %s, pending: %d, pool in use: %d\n",
					st.Engine.Upstream, st.Engine.Pending, st.Engine.PoolInUse)
			}
			fmt.Printf("   Rules: %d domains, %d keywords, %d patterns\n",
				st.Rules.Domains, st.Rules.Keywords, st.Rules.Patterns)
		}
	}

	st, err := store.Open(cfg.State.Path)
	if err != nil {
		return err
	}
	snap := st.Snapshot()
	fmt.Println("\n📊 State:")
	fmt.Printf("   Protection enabled: %t\n", snap.ProtectionEnabled)
	fmt.Printf("   Engine active:      %t\n", snap.VPNActive)
	fmt.Printf("   Blocked total:      %d\n", snap.BlockedCount)

	if cfg.Telemetry.Enabled {
		ts := telemetry.Status{
			Configured:   senderConfig(cfg).IsConfigured(),
			LastDelivery: snap.LastDelivery,
			Backlog:      snap.BacklogLength,
		}
		now := time.Now()
		mark := "❌"
		if ts.Healthy(now) {
			mark = "✅"
		}
		fmt.Println("\n📡 Telemetry:")
		fmt.Printf("%s Last heartbeat: %s (backlog %d)\n", mark, ts.Text(now), ts.Backlog)
	}
	return nil
}

// probe sends one A query and returns the response code.
func probe(server, name string) (int, error) {
	c := new(dns.Client)
	c.Timeout = 2 * time.Second

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)

	r, _, err := c.Exchange(m, server)
	if err != nil {
		return 0, err
	}
	return r.Rcode, nil
}

func fetchStatus(cfg *config.Config) (*api.StatusResponse, error) {
	req, err := http.NewRequest(http.MethodGet, "http://"+cfg.API.Listen+"/api/status", nil)
	if err != nil {
		return nil, err
	}
	tm := api.NewTokenManager(tokenPath(cfg), cfg.API.Token)
	if err := tm.LoadToken(); err == nil {
		if token := tm.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var st api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&api.DataResponse{Data: &st}); err != nil {
		return nil, err
	}
	return &st, nil
}
