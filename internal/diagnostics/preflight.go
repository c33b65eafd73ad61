// Package diagnostics checks host health before expensive agent
// invocations so a starved machine degrades into retries instead of
// half-finished workspaces.
package diagnostics

import (
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/stokkr/foreman/internal/logging"
)

// Result contains the outcome of a preflight check.
type Result struct {
	OK       bool
	Warnings []string
	Errors   []string
}

// Checker validates host resources against configured floors.
type Checker struct {
	logger *logging.Logger

	// Thresholds; zero disables the corresponding check.
	MinFreeMemoryMB uint64
	MinFreeDiskMB   uint64
	MaxLoadPerCPU   float64

	// DiskPath is the mount point checked for free space.
	DiskPath string
}

// NewChecker creates a checker with conservative defaults: 512 MB free
// memory, 1 GB free disk on workDir's filesystem, load under 4x CPUs.
func NewChecker(workDir string, logger *logging.Logger) *Checker {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Checker{
		logger:          logger.WithComponent("preflight"),
		MinFreeMemoryMB: 512,
		MinFreeDiskMB:   1024,
		MaxLoadPerCPU:   4.0,
		DiskPath:        workDir,
	}
}

// Check runs all enabled probes. Probe errors (unsupported platform,
// permission) degrade to warnings rather than blocking execution.
func (c *Checker) Check() Result {
	result := Result{OK: true}

	if c.MinFreeMemoryMB > 0 {
		if vm, err := mem.VirtualMemory(); err != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("memory probe failed: %v", err))
		} else if availMB := vm.Available / (1 << 20); availMB < c.MinFreeMemoryMB {
			result.OK = false
			result.Errors = append(result.Errors,
				fmt.Sprintf("insufficient free memory: %d MB available (minimum %d MB)",
					availMB, c.MinFreeMemoryMB))
		}
	}

	if c.MinFreeDiskMB > 0 && c.DiskPath != "" {
		if usage, err := disk.Usage(c.DiskPath); err != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("disk probe failed: %v", err))
		} else if freeMB := usage.Free / (1 << 20); freeMB < c.MinFreeDiskMB {
			result.OK = false
			result.Errors = append(result.Errors,
				fmt.Sprintf("insufficient free disk on %s: %d MB free (minimum %d MB)",
					c.DiskPath, freeMB, c.MinFreeDiskMB))
		}
	}

	if c.MaxLoadPerCPU > 0 && runtime.GOOS != "windows" {
		if avg, err := load.Avg(); err != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("load probe failed: %v", err))
		} else {
			limit := c.MaxLoadPerCPU * float64(runtime.NumCPU())
			if avg.Load1 > limit {
				result.OK = false
				result.Errors = append(result.Errors,
					fmt.Sprintf("load average too high: %.1f (limit %.1f)", avg.Load1, limit))
			} else if avg.Load1 > limit*0.75 {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("load average approaching limit: %.1f", avg.Load1))
			}
		}
	}

	for _, w := range result.Warnings {
		c.logger.Warn("preflight warning", "warning", w)
	}
	return result
}
