package agents

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cinderd/cinder/internal/config"
)

// defaultDNSPaths is where nameservers are read from when
// network.dns_paths is not configured.
var defaultDNSPaths = []string{"/etc/resolv.conf"}

// networkAgent inventories interfaces, nameservers, and optional TCP
// reachability probes. Probes have a per-probe timeout so a dead
// upstream degrades the result instead of hanging bootstrap.
func networkAgent() Descriptor {
	return Descriptor{
		Name:           "network.agent",
		Description:    "Checks interfaces, DNS configuration, and connectivity",
		Triggers:       []string{TriggerBootstrap, TriggerReload, TriggerManual},
		DefaultEnabled: true,
		RequiresReady:  false,
		Handler:        runNetwork,
	}
}

func runNetwork(ctx context.Context, bundle *config.Bundle) (config.AgentResult, error) {
	if !bundle.Bool("network.enabled", true) {
		return config.AgentResult{
			Status:    config.StatusSkipped,
			Detail:    "disabled by network.enabled",
			Timestamp: time.Now(),
		}, nil
	}

	payload := map[string]any{}
	degraded := false
	var notes []string

	ifaces, err := activeInterfaces(bundle.StringList("network.preferred_interfaces"))
	if err != nil {
		return config.AgentResult{Payload: payload}, fmt.Errorf("enumerate interfaces: %w", err)
	}
	payload["interfaces"] = ifaces
	if len(ifaces) == 0 {
		degraded = true
		notes = append(notes, "no active non-loopback interfaces")
	}

	dnsPaths := bundle.StringList("network.dns_paths")
	if len(dnsPaths) == 0 {
		dnsPaths = defaultDNSPaths
	}
	servers := nameservers(dnsPaths)
	payload["nameservers"] = servers
	if len(servers) == 0 {
		degraded = true
		notes = append(notes, "no nameservers found")
	}

	probes := bundle.StringList("network.probes")
	if len(probes) > 0 {
		timeout := time.Duration(bundle.Float("network.probe_timeout_secs", 3)) * time.Second
		port := bundle.Int("network.probe_port", 443)
		results, failed := runProbes(ctx, probes, port, timeout)
		payload["probes"] = results
		if failed > 0 {
			degraded = true
			notes = append(notes, fmt.Sprintf("%d/%d probes failed", failed, len(probes)))
		}
	}

	status := config.StatusCompleted
	detail := fmt.Sprintf("%d interfaces, %d nameservers", len(ifaces), len(servers))
	if degraded {
		status = config.StatusDegraded
		detail = strings.Join(notes, "; ")
	}
	return config.AgentResult{
		Status:    status,
		Detail:    detail,
		Payload:   payload,
		Timestamp: time.Now(),
	}, nil
}

// activeInterfaces lists up, non-loopback interfaces with their
// addresses. Preferred names sort first in the order given.
func activeInterfaces(preferred []string) ([]map[string]any, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	rank := func(name string) int {
		for i, p := range preferred {
			if p == name {
				return i
			}
		}
		return len(preferred)
	}

	var out []map[string]any
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		var addrs []string
		if list, err := iface.Addrs(); err == nil {
			for _, a := range list {
				addrs = append(addrs, a.String())
			}
		}
		out = append(out, map[string]any{
			"name":  iface.Name,
			"mtu":   iface.MTU,
			"addrs": addrs,
		})
	}

	// Stable insertion-sort by preference rank; the list is tiny.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0; j-- {
			a := rank(out[j-1]["name"].(string))
			b := rank(out[j]["name"].(string))
			if b < a {
				out[j-1], out[j] = out[j], out[j-1]
			} else {
				break
			}
		}
	}
	return out, nil
}

// nameservers parses resolv.conf-style files for nameserver lines.
// Unreadable paths are silently skipped; an empty result is the
// signal, not an error.
func nameservers(paths []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(raw), "\n") {
			fields := strings.Fields(strings.TrimSpace(line))
			if len(fields) >= 2 && fields[0] == "nameserver" && !seen[fields[1]] {
				seen[fields[1]] = true
				out = append(out, fields[1])
			}
		}
	}
	return out
}

// runProbes dials each host:port with the configured timeout. Hosts
// may carry their own ":port" suffix, which wins over the default.
func runProbes(ctx context.Context, hosts []string, defaultPort int, timeout time.Duration) ([]map[string]any, int) {
	dialer := &net.Dialer{Timeout: timeout}
	var results []map[string]any
	failed := 0
	for _, host := range hosts {
		addr := host
		if !strings.Contains(host, ":") {
			addr = fmt.Sprintf("%s:%d", host, defaultPort)
		}
		start := time.Now()
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		elapsed := time.Since(start)
		entry := map[string]any{
			"target":     addr,
			"latency_ms": elapsed.Milliseconds(),
		}
		if err != nil {
			entry["ok"] = false
			entry["error"] = err.Error()
			failed++
		} else {
			conn.Close()
			entry["ok"] = true
		}
		results = append(results, entry)
	}
	return results, failed
}
