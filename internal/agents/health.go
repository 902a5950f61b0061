package agents

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cinderd/cinder/internal/config"
)

// Paths read by the health probes. Package-level so tests can point
// them at fixtures.
var (
	meminfoPath = "/proc/meminfo"
	loadavgPath = "/proc/loadavg"
)

// healthAgent samples memory, load, disk, and optionally a thermal
// zone, and flags the node degraded when a configured threshold is
// crossed. It never requires readiness: a node with broken
// configuration is exactly the node whose health you want to see.
func healthAgent() Descriptor {
	return Descriptor{
		Name:           "health.agent",
		Description:    "Samples memory, load, disk, and thermal health",
		Triggers:       []string{TriggerBootstrap, TriggerReload, TriggerManual},
		DefaultEnabled: true,
		RequiresReady:  false,
		Handler:        runHealth,
	}
}

func runHealth(ctx context.Context, bundle *config.Bundle) (config.AgentResult, error) {
	if !bundle.Bool("health.enabled", true) {
		return config.AgentResult{
			Status:    config.StatusSkipped,
			Detail:    "disabled by health.enabled",
			Timestamp: time.Now(),
		}, nil
	}

	payload := map[string]any{}
	var warnings []string

	if total, avail, err := readMeminfo(meminfoPath); err == nil {
		payload["mem_total_kb"] = total
		payload["mem_available_kb"] = avail
	} else {
		warnings = append(warnings, fmt.Sprintf("meminfo: %v", err))
	}

	if load1, err := readLoadavg(loadavgPath); err == nil {
		payload["load1"] = load1
		payload["cpus"] = runtime.NumCPU()
		perCPU := load1 / float64(runtime.NumCPU())
		if limit := bundle.Float("health.load_warn_per_cpu", 2.0); perCPU > limit {
			warnings = append(warnings, fmt.Sprintf("load %.2f exceeds %.1f per cpu", load1, limit))
		}
	} else {
		warnings = append(warnings, fmt.Sprintf("loadavg: %v", err))
	}

	if usedPct, err := diskUsage(bundle.VaultDir); err == nil {
		payload["disk_used_percent"] = usedPct
		if limit := bundle.Float("health.disk_warn_percent", 90); usedPct > limit {
			warnings = append(warnings, fmt.Sprintf("vault disk %.0f%% used", usedPct))
		}
	} else {
		warnings = append(warnings, fmt.Sprintf("disk: %v", err))
	}

	if zone := bundle.String("health.thermal_zone", ""); zone != "" {
		if milli, err := readThermal(zone); err == nil {
			payload["temp_c"] = float64(milli) / 1000
		} else {
			warnings = append(warnings, fmt.Sprintf("thermal: %v", err))
		}
	}

	payload["warnings"] = warnings
	if len(warnings) > 0 {
		return config.AgentResult{
			Status:    config.StatusDegraded,
			Detail:    strings.Join(warnings, "; "),
			Payload:   payload,
			Timestamp: time.Now(),
		}, nil
	}
	return config.AgentResult{
		Status:    config.StatusCompleted,
		Detail:    "node healthy",
		Payload:   payload,
		Timestamp: time.Now(),
	}, nil
}

// readMeminfo extracts MemTotal and MemAvailable in kB.
func readMeminfo(path string) (total, avail int64, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		n, perr := strconv.ParseInt(fields[1], 10, 64)
		if perr != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = n
		case "MemAvailable:":
			avail = n
		}
	}
	if total == 0 {
		return 0, 0, fmt.Errorf("MemTotal not found in %s", path)
	}
	return total, avail, nil
}

// readLoadavg returns the 1-minute load average.
func readLoadavg(path string) (float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(raw))
	if len(fields) < 1 {
		return 0, fmt.Errorf("malformed loadavg %q", string(raw))
	}
	return strconv.ParseFloat(fields[0], 64)
}

// diskUsage returns used space as a percentage of the filesystem
// holding path.
func diskUsage(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	if st.Blocks == 0 {
		return 0, fmt.Errorf("statfs reported zero blocks for %s", path)
	}
	used := st.Blocks - st.Bavail
	return float64(used) / float64(st.Blocks) * 100, nil
}

// readThermal reads a /sys thermal zone temperature in millidegrees.
func readThermal(zone string) (int64, error) {
	path := zone
	if !strings.Contains(zone, "/") {
		path = "/sys/class/thermal/" + zone + "/temp"
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
}
